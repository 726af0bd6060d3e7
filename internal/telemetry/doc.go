// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC 导出 trace 与 metric）。
// 禁用时保持全局 noop provider，不连接任何外部服务；会话调度、审批网关
// 和 HTTP 中间件中的 span 都经由全局 TracerProvider 输出。
package telemetry
