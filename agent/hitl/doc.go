// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 hitl 实现待审批操作闸门（PendingActionGate）。

智能体提出的数据变更先以 Pending 状态入库，由人工审核：

	Pending → Approved → Executed | Failed
	Pending → Modified → Executed | Failed
	Pending → Rejected
	Pending → Expired

批准后立即通过 Applier 执行；执行失败不会自动重试，错误原样写入
ExecutionResult。Update 提案在创建时保存实体快照，执行前比对以发现
并发修改。Sweeper 按 cron 表达式定期将过期提案标记为 Expired。
*/
package hitl
