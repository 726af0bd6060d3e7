// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
Package main 提供 Roundtable 服务端程序入口。

# 概述

cmd/roundtable 组装多智能体会话服务：存储（内存或 gorm）、轮次调度、
相关性评分、待审批动作网关以及 WebSocket 实时推送，并提供数据库迁移、
健康检查和版本查询子命令。

# 核心类型

  - Server：组件装配与双端口（API / Metrics）生命周期
  - Middleware：func(http.Handler) http.Handler
  - statusRecorder：记录状态码，同时保留 Flush 与 Hijack 以便 WebSocket 升级

# 中间件链

RequestID → Recovery → SecurityHeaders → OTelTracing → Metrics →
RequestLogger → CORS → Authenticate → RateLimiter。

Authenticate 与 /ws 共用同一个身份解析链（JWT 与本地 bypass 凭据），
把 organization、user、roles 写入请求上下文。

# 关闭顺序

停止 HTTP（同时断开所有实时连接）→ 取消并等待轮次循环 → 停止过期清理 →
停止后台任务 → 关闭 Metrics、数据库、Redis 与遥测。
*/
package main
