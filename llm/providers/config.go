package providers

import "time"

// BaseProviderConfig 所有 Provider 共享的基础配置字段。
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty" env:"MODEL"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`

	// 每千 token 的价格（美分），用于计算消息成本
	PromptCentsPer1K     float64 `json:"prompt_cents_per_1k,omitempty" yaml:"prompt_cents_per_1k,omitempty" env:"PROMPT_CENTS_PER_1K"`
	CompletionCentsPer1K float64 `json:"completion_cents_per_1k,omitempty" yaml:"completion_cents_per_1k,omitempty" env:"COMPLETION_CENTS_PER_1K"`
}

// Enabled reports whether the provider has credentials.
func (c BaseProviderConfig) Enabled() bool { return c.APIKey != "" }

// OpenAIConfig OpenAI Provider 配置
type OpenAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty" env:"ORGANIZATION"`
}

// DeepSeekConfig DeepSeek Provider 配置
type DeepSeekConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

// QwenConfig Alibaba Qwen Provider 配置
type QwenConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

// Config 汇总三个 OpenAI 兼容后端的配置
type Config struct {
	Default  string         `json:"default" yaml:"default" env:"DEFAULT"`
	OpenAI   OpenAIConfig   `json:"openai" yaml:"openai" env:"OPENAI"`
	DeepSeek DeepSeekConfig `json:"deepseek" yaml:"deepseek" env:"DEEPSEEK"`
	Qwen     QwenConfig     `json:"qwen" yaml:"qwen" env:"QWEN"`
}

// Pricing returns the per-1k prices keyed by provider name.
func (c Config) Pricing() map[string]Price {
	return map[string]Price{
		NameOpenAI:   {Prompt: c.OpenAI.PromptCentsPer1K, Completion: c.OpenAI.CompletionCentsPer1K},
		NameDeepSeek: {Prompt: c.DeepSeek.PromptCentsPer1K, Completion: c.DeepSeek.CompletionCentsPer1K},
		NameQwen:     {Prompt: c.Qwen.PromptCentsPer1K, Completion: c.Qwen.CompletionCentsPer1K},
	}
}

// Price is a per-1k-token price in cents.
type Price struct {
	Prompt     float64
	Completion float64
}

// Cost returns the cost in cents of a call.
func (p Price) Cost(promptTokens, completionTokens int) float64 {
	return (float64(promptTokens)*p.Prompt + float64(completionTokens)*p.Completion) / 1000
}
