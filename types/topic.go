package types

import "strings"

// MatchTopic 报告 topic 是否匹配模式
//
// 支持三种模式：精确匹配、"*" 匹配全部、以 "*" 结尾的前缀匹配（如 "agent:*"）。
func MatchTopic(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	default:
		return pattern == topic
	}
}
