// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 persistence 提供会话、参与者、消息与待审批操作的持久化抽象及多后端实现。

# 概述

本包负责会话编排所依赖的全部持久状态。最重要的不变量是消息序号：
同一会话内 SequenceNumber 严格递增且无空洞，在持久化时原子分配，
分配后永不改写。即使同一轮中多个智能体并发调用，写入仍在此处串行化。

# 核心接口

  - Store: 基础接口，提供 Close 和 Ping 健康检查。
  - ConversationStore: 会话生命周期、参与者成员关系、消息追加与
    已读游标（MarkRead / UnreadCount）。

# 后端实现

  - Memory: 内存实现，适合开发与测试，单锁串行分配序号。
  - Gorm: 基于 gorm 的实现（postgres / mysql / sqlite），在事务中对
    会话行执行原子自增以分配序号。同时提供 GormActionStore 持久化
    待审批操作。

# 使用方式

	store := persistence.NewMemoryConversationStore()
	store, err := persistence.NewConversationStore(config, db)
*/
package persistence
