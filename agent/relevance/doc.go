// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 relevance 实现 Emergent 模式下的相关性评分。

# 概述

每个候选智能体由一个低成本辅助模型打出 0–100 的相关性分数，
评分输入为最新消息、按 token 截断的历史窗口以及本轮已给出的回复
（用于 RequireUniqueInsight：没有新观点的智能体即使话题相关也应低分）。

# 分类

  - score >= RelevanceThreshold: respond，请求完整回复
  - AcknowledgmentThreshold <= score < RelevanceThreshold 且开启简短确认: acknowledge
  - 其余: silent，不产生消息

评分失败或超时一律降级为 silent，绝不阻塞本轮。

# 选择

Select 只保留分数最高的 MaxResponsesPerRound 个 respond 智能体
（分数降序，其次 SeniorityLevel 降序，再次加入顺序），其余 respond 被丢弃。
*/
package relevance
