// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 conversation 实现多智能体会话的轮次编排。

# 概述

每条人类消息触发一次轮次循环（round loop）：路由出候选智能体，
Emergent 模式下先经相关性评分筛选，再并发调用各智能体，
按选择顺序逐条持久化并推送结果，直到满足停止条件。

# 状态机

	Idle → Routing → Scoring(可选) → Invoking → Evaluating → {NextRound | Done}

Machine 校验每一次迁移，非法迁移返回错误。每轮开始前检查全局停止条件：
会话非 Active、MaxTurns / MaxTokens 用尽、调用方取消。

# 模式

  - OnDemand：仅被 @ 提及的智能体回复；后续轮次只响应智能体回复中的提及
  - RoundRobin：按加入顺序每个智能体回复一次，仅一轮
  - Free：全员回复，反应轮次受 SafetyRoundCap 限制
  - Emergent：全员交给 relevance 评分，轮次上限 MaxRoundsPerMessage+1
  - Moderated：按子模式选人，回复以 Pending 保存，审批后才推送

# 取消

Run 的 ctx 只阻止新一轮开始；已发出的调用仍会完成并落库。
需要硬取消时传入 LoopRequest.Abort。

# 核心类型

  - TurnScheduler：轮次循环驱动
  - Service：会话生命周期、发消息、审批、取消
  - AgentInvoker / AgentDirectory：外部协作者契约
  - Notifier / ActionProposer / Recorder：推送、提案、指标的注入点
*/
package conversation
