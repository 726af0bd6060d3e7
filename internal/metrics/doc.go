// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 metrics 基于 Prometheus 采集运行指标。

Collector 覆盖 HTTP 请求、轮次循环（轮数、停止原因、耗时）、
智能体调用（结果、耗时、token、费用）、相关性评分分类、
配置回退、fanout 投递与丢弃、待审批操作状态迁移以及数据库连接池。
它同时实现 conversation.Recorder、hitl.Recorder 与 fanout.Recorder。
*/
package metrics
