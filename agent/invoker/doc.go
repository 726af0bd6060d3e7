// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 invoker 提供基于 llm Provider 的 AgentInvoker 实现。

根据 AgentProfile 组装系统提示词与对话窗口（按 token 预算截断），
调用智能体配置的 Provider，并把 llm.Error 映射为
conversation.InvocationError 的四种类型：ProviderUnavailable、
RateLimited、Timeout、InvalidResponse。调用失败不会自动重试。
*/
package invoker
