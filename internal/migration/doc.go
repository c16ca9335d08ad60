// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理协调存储（memory_entries、events、workflow_state、
agent_registry 等表）的数据库 Schema 迁移，支持 PostgreSQL 与 MySQL，
基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌，结合 golang-migrate 引擎
完成版本化的 Schema 变更。支持正向迁移、回滚、按步执行、跳转到
指定版本以及强制设置版本号。SQLite 部署由存储层的 auto_migrate
负责建表，这里直接返回 ErrSQLiteUnmanaged。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：基于 golang-migrate 的默认实现，ctx 取消时
    通过 GracefulStop 在当前迁移结束后停止。
  - CLI：面向终端的格式化输出，Run 按子命令名分发，供
    `agentfleet migrate` 使用。
  - CheckSchema：serve 启动前比对 schema_migrations 与内嵌的最新版本，
    版本落后或处于 dirty 状态时拒绝启动。
  - BuildDatabaseURL：由配置拼出迁移连接串，用户名与密码经过转义。
*/
package migration
