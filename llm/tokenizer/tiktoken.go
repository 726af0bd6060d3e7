package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 基于 tiktoken 的精确分词器.
type TiktokenTokenizer struct {
	model     string
	encoding  string
	maxTokens int
	enc       *tiktoken.Tiktoken
	once      sync.Once
	initErr   error
}

type encodingInfo struct {
	encoding  string
	maxTokens int
}

// modelEncodings 将模型名称映射到 tiktoken 编码和上下文大小。
// DeepSeek 与 Qwen 没有公开的 tiktoken 编码，这里用 cl100k_base 近似。
var modelEncodings = map[string]encodingInfo{
	"gpt-4o":        {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":   {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4.1":       {encoding: "o200k_base", maxTokens: 1047576},
	"gpt-4-turbo":   {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":         {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo": {encoding: "cl100k_base", maxTokens: 16385},
	"deepseek-chat": {encoding: "cl100k_base", maxTokens: 64000},
	"qwen-plus":     {encoding: "cl100k_base", maxTokens: 131072},
	"qwen-turbo":    {encoding: "cl100k_base", maxTokens: 131072},
}

// NewTiktokenTokenizer 为给定模型创建 tiktoken 分词器. 未知模型使用 cl100k_base.
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	info, ok := modelEncodings[model]
	if !ok {
		bestLen := 0
		for prefix, i := range modelEncodings {
			if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
				info, bestLen, ok = i, len(prefix), true
			}
		}
	}
	if !ok {
		info = encodingInfo{encoding: "cl100k_base", maxTokens: 8192}
	}
	return &TiktokenTokenizer{
		model:     model,
		encoding:  info.encoding,
		maxTokens: info.maxTokens,
	}
}

// init 延迟初始化 tiktoken 编码(第一次使用时可能需要下载 BPE 数据).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		// 每条消息的开销: <|start|>role\n content<|end|>\n
		total += perMessageOverhead
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(msg.Role, nil, nil))
		if msg.Speaker != "" {
			total += len(t.enc.Encode(msg.Speaker, nil, nil))
		}
	}
	total += transcriptOverhead
	return total, nil
}

func (t *TiktokenTokenizer) MaxTokens() int {
	return t.maxTokens
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterDefaultTokenizers 为所有已知模型注册带估算回退的 tiktoken 分词器。
func RegisterDefaultTokenizers() {
	for model, info := range modelEncodings {
		RegisterTokenizer(model, NewFallback(NewTiktokenTokenizer(model), NewEstimator(info.maxTokens)))
	}
}

// FallbackTokenizer counts with primary and switches to secondary once the
// primary fails. tiktoken needs its BPE ranks at first use, which may be
// unavailable offline.
type FallbackTokenizer struct {
	primary   Tokenizer
	secondary Tokenizer
}

// NewFallback wraps primary with a secondary used on error.
func NewFallback(primary, secondary Tokenizer) *FallbackTokenizer {
	return &FallbackTokenizer{primary: primary, secondary: secondary}
}

func (f *FallbackTokenizer) CountTokens(text string) (int, error) {
	if n, err := f.primary.CountTokens(text); err == nil {
		return n, nil
	}
	return f.secondary.CountTokens(text)
}

func (f *FallbackTokenizer) CountMessages(messages []Message) (int, error) {
	if n, err := f.primary.CountMessages(messages); err == nil {
		return n, nil
	}
	return f.secondary.CountMessages(messages)
}

func (f *FallbackTokenizer) MaxTokens() int { return f.primary.MaxTokens() }

func (f *FallbackTokenizer) Name() string { return f.primary.Name() + "|" + f.secondary.Name() }
