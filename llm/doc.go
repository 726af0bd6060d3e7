// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 llm 提供最小化的大语言模型接入层：Provider 抽象、请求与响应模型、
统一错误码以及 Provider 注册表。

# 概述

会话编排只需要同步补全能力：智能体回复与相关性评分都是一次
Completion 调用。本包屏蔽不同服务商的差异，上层通过 ProviderRegistry
按名称解析 Provider，未指定名称时回落到默认 Provider。

# 核心类型

  - Provider: Completion / HealthCheck / Name
  - ChatRequest / ChatResponse: 请求与响应
  - Error: 带错误码、HTTP 状态与可重试标记的错误
  - ProviderRegistry: 线程安全的 Provider 注册表
*/
package llm
