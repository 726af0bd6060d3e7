// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 database 负责打开 GORM 连接并管理连接池。

Open 根据驱动名选择方言：postgres、mysql 或 sqlite（纯 Go 的
glebarez/sqlite，无需 cgo）。PoolManager 设置连接池参数，后台定期
Ping 并把 sql.DBStats 交给可选的统计回调（通常是 metrics.Collector）。
*/
package database
