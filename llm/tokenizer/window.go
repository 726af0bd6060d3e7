package tokenizer

import "unicode"

// Estimator 按字符类别估算 token 数，用于 tiktoken 不可用或模型没有公开
// 编码时限定会话窗口。表意文字与假名/谚文约 1.5 字符一个 token，其余约 4 字符。
type Estimator struct {
	maxTokens int
}

// NewEstimator creates an estimator reporting maxTokens as the context size.
func NewEstimator(maxTokens int) *Estimator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Estimator{maxTokens: maxTokens}
}

// 以 1/12 token 为单位，避免浮点累积误差
const (
	denseRuneWeight  = 8 // 1/1.5
	sparseRuneWeight = 3 // 1/4
	weightUnit       = 12
)

func isDense(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}

func (e *Estimator) estimate(text string) int {
	if text == "" {
		return 0
	}
	weight := 0
	for _, r := range text {
		if isDense(r) {
			weight += denseRuneWeight
		} else {
			weight += sparseRuneWeight
		}
	}
	return max((weight+weightUnit-1)/weightUnit, 1)
}

func (e *Estimator) CountTokens(text string) (int, error) { return e.estimate(text), nil }

// CountMessages estimates a rendered transcript: each line costs its speaker,
// its content and the separator overhead.
func (e *Estimator) CountMessages(messages []Message) (int, error) {
	total := transcriptOverhead
	for _, m := range messages {
		total += e.estimate(m.Speaker) + e.estimate(m.Content) + perMessageOverhead
	}
	return total, nil
}

func (e *Estimator) MaxTokens() int { return e.maxTokens }

func (e *Estimator) Name() string { return "estimator" }

const (
	// 角色标记与分隔符
	perMessageOverhead = 4
	transcriptOverhead = 3
)

// FitWindow returns how many of the newest messages fit in budget tokens.
// messages are ordered oldest first; the result n means messages[len-n:]
// fit. A speaker counts against the budget because prompts render each line
// as "speaker: content". A non-positive budget keeps everything.
func FitWindow(t Tokenizer, messages []Message, budget int) int {
	if budget <= 0 {
		return len(messages)
	}
	fallback := NewEstimator(0)
	count := func(text string) int {
		if text == "" {
			return 0
		}
		n, err := t.CountTokens(text)
		if err != nil {
			return fallback.estimate(text)
		}
		return n
	}

	used := 0
	kept := 0
	for i := len(messages) - 1; i >= 0; i-- {
		n := count(messages[i].Speaker) + count(messages[i].Content) + perMessageOverhead
		if used+n > budget {
			break
		}
		used += n
		kept++
	}
	return kept
}
