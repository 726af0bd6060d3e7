// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
Package types 提供 Roundtable 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent/conversation、
agent/relevance、agent/hitl、internal/fanout、api 等上层模块提供统一的
领域模型。所有跨包共享的结构体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Conversation / ConversationMode / ConversationStatus：会话及其编排模式
  - Participant / ParticipantRole：会话成员（用户或 Agent，二选一）
  - Sender：消息发送者的 tagged union（User | AI），只能通过构造函数创建
  - Message / MessageStatus：会话消息，SequenceNumber 定义会话内全序
  - EmergentSettings：Emergent 模式配置值对象（JSON blob 持久化）
  - PendingAction / ActionStatus：待人工审核的数据变更提案
  - AgentProfile：Agent 配置（Provider、模型、资历等级）
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithOrganizationID / WithUserID
  - 状态机校验：ActionStatus.CanTransitionTo
  - 设置解码：DecodeEmergentSettings（缺省字段沿用基线配置）
*/
package types
