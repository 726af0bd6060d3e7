// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 migration 管理 roundtable 的数据库 Schema，基于 golang-migrate，
SQL 文件通过 embed.FS 内嵌，分 postgres、mysql、sqlite 三种方言。

表结构与 agent/persistence 的 GORM 模型一一对应：

  - conversations：会话与计数器（message_count、last_sequence 等）
  - conversation_participants：参与者，(conversation_id, sender_type, sender_id) 唯一
  - conversation_messages：消息，(conversation_id, sequence_number) 唯一
  - pending_actions：待审批动作

Migrator 提供 Up/Down/Steps/Goto/Force/Version/Status；CLI 把结果
格式化输出给 `roundtable migrate` 子命令。
*/
package migration
