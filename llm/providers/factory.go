package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/llm/providers/openaicompat"
)

const (
	NameOpenAI   = "openai"
	NameDeepSeek = "deepseek"
	NameQwen     = "qwen"
)

// NewOpenAI 创建 OpenAI 提供者
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *openaicompat.Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	headers := map[string]string{}
	if cfg.Organization != "" {
		headers["OpenAI-Organization"] = cfg.Organization
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName:  NameOpenAI,
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		DefaultModel:  cfg.Model,
		FallbackModel: "gpt-4o-mini",
		Timeout:       cfg.Timeout,
		Headers:       headers,
	}, logger)
}

// NewDeepSeek 创建 DeepSeek 提供者
func NewDeepSeek(cfg DeepSeekConfig, logger *zap.Logger) *openaicompat.Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName:   NameDeepSeek,
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		DefaultModel:   cfg.Model,
		FallbackModel:  "deepseek-chat",
		Timeout:        cfg.Timeout,
		EndpointPath:   "/chat/completions",
		ModelsEndpoint: "/models",
	}, logger)
}

// NewQwen 创建通义千问提供者
func NewQwen(cfg QwenConfig, logger *zap.Logger) *openaicompat.Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com"
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName:   NameQwen,
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		DefaultModel:   cfg.Model,
		FallbackModel:  "qwen-plus",
		Timeout:        cfg.Timeout,
		EndpointPath:   "/compatible-mode/v1/chat/completions",
		ModelsEndpoint: "/compatible-mode/v1/models",
	}, logger)
}

// NewRegistry registers every provider that has an API key and sets the
// default. With no explicit default the first enabled provider wins.
func NewRegistry(cfg Config, logger *zap.Logger) (*llm.ProviderRegistry, error) {
	reg := llm.NewProviderRegistry()
	var first string
	register := func(name string, enabled bool, build func() llm.Provider) {
		if !enabled {
			return
		}
		reg.Register(name, build())
		if first == "" {
			first = name
		}
	}
	register(NameOpenAI, cfg.OpenAI.Enabled(), func() llm.Provider { return NewOpenAI(cfg.OpenAI, logger) })
	register(NameDeepSeek, cfg.DeepSeek.Enabled(), func() llm.Provider { return NewDeepSeek(cfg.DeepSeek, logger) })
	register(NameQwen, cfg.Qwen.Enabled(), func() llm.Provider { return NewQwen(cfg.Qwen, logger) })

	def := cfg.Default
	if def == "" {
		def = first
	}
	if def == "" {
		return reg, nil
	}
	if err := reg.SetDefault(def); err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	return reg, nil
}
