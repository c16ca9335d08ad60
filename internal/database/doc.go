// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为协调存储的 SQL 后端提供连接建立与连接池管理。

# 概述

Open 根据 config.DatabaseConfig 选择 GORM 方言（postgres、mysql、
纯 Go 实现的 sqlite），PoolManager 在其上统一设置连接池参数，
并在后台定时探活，把打开/空闲连接数上报给 metrics.Collector。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()。Close 会先停止探活协程再关闭连接。
  - PoolConfig：连接池配置，可由 PoolConfigFromDatabase 从数据库配置派生。
    sqlite 固定为单连接。
  - PoolStats：友好格式的连接池统计信息。
*/
package database
