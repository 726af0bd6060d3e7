// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，用于限定评分与回复时携带的会话窗口大小。
package tokenizer
