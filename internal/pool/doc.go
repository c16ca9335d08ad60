// Package pool 提供有界的 goroutine 池，fleet 用它执行 Agent 任务。
//
// 池按需创建 worker，空闲超时后回收多余 worker；任务 panic 会被捕获并
// 以错误形式返回，不会拖垮调用方。
package pool
