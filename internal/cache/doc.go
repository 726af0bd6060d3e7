// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理。

Manager 持有 go-redis 客户端，负责连接、健康检查与关闭，并提供
Get/Set/Delete 等字符串读写；其客户端也供 fanout 的 Redis 桥接复用。
UnreadCache 在会话存储之上缓存每个用户的未读数，键格式为
unread:{conversationId}:{userId}，新消息或标记已读时由 fanout 清除。
*/
package cache
