// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Roundtable HTTP 与 WebSocket API 的请求处理器。

# 概述

所有 Handler 均基于标准 net/http，通过 Go 1.22 ServeMux 路由模式挂载
（Register 方法）。调用方身份由认证中间件写入 context（types.CallerFromContext），
会话与待审批动作都按组织隔离，跨组织访问表现为 404。

# 核心类型

  - ConversationHandler：会话创建、成员、消息、状态、轮次取消与设置
  - ActionHandler：待审批动作的列表、历史、批准、修改后批准与拒绝
  - RealtimeHandler：/ws 实时连接：join_conversation、leave_conversation、
    join_notifications、leave_notifications、mark_as_read
  - HealthHandler：/health、/healthz、/ready、/version
  - Response：统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

WriteError 接受任意 error：*types.Error 使用其 HTTPStatus，未设置时按错误码映射；
其他错误一律返回 500 INTERNAL_ERROR，不暴露原始信息。
*/
package handlers
