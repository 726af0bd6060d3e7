package invoker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/conversation"
	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/llm/providers"
	"github.com/BaSui01/roundtable/llm/tokenizer"
	"github.com/BaSui01/roundtable/types"
)

// ProviderResolver resolves providers by name. *llm.ProviderRegistry
// satisfies it.
type ProviderResolver interface {
	Resolve(name string) (llm.Provider, error)
}

// Config tunes prompt assembly and cost accounting.
type Config struct {
	// HistoryTokens bounds the transcript sent with each call.
	HistoryTokens int
	// MaxTokens is used when the agent profile does not set one.
	MaxTokens int
	// Pricing maps provider names to per-1k-token prices.
	Pricing map[string]providers.Price
}

// Invoker calls an agent's configured model.
type Invoker struct {
	providers ProviderResolver
	cfg       Config
	logger    *zap.Logger
	tokenizer func(model string) tokenizer.Tokenizer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTokenizer pins the tokenizer used for windowing and usage estimates.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(i *Invoker) {
		i.tokenizer = func(string) tokenizer.Tokenizer { return t }
	}
}

// New creates an invoker.
func New(resolver ProviderResolver, cfg Config, logger *zap.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = 6000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	i := &Invoker{
		providers: resolver,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "agent_invoker")),
		tokenizer: tokenizer.GetTokenizerOrEstimator,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke implements conversation.AgentInvoker.
func (i *Invoker) Invoke(ctx context.Context, inv conversation.Invocation) (*conversation.InvocationResult, error) {
	provider, err := i.providers.Resolve(inv.Agent.Provider)
	if err != nil {
		return nil, &conversation.InvocationError{
			Kind:    conversation.InvocationProviderUnavailable,
			Message: fmt.Sprintf("provider %q is not configured", inv.Agent.Provider),
			Cause:   err,
		}
	}

	tok := i.tokenizer(inv.Agent.Model)
	messages := i.buildMessages(tok, inv)

	maxTokens := inv.Agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = i.cfg.MaxTokens
	}
	req := &llm.ChatRequest{
		Model:       inv.Agent.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: inv.Agent.Temperature,
		Metadata: map[string]string{
			"purpose":  "reply",
			"agent_id": inv.Agent.ID,
			"round":    fmt.Sprint(inv.Round),
		},
	}
	if traceID, ok := types.TraceID(ctx); ok {
		req.TraceID = traceID
	}
	if inv.Conversation != nil {
		req.TenantID = inv.Conversation.OrganizationID
		req.Metadata["conversation_id"] = inv.Conversation.ID
	}

	start := time.Now()
	resp, err := provider.Completion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classify(ctx, err)
	}

	content := resp.FirstContent()
	if content == "" {
		return nil, &conversation.InvocationError{
			Kind:    conversation.InvocationInvalidResponse,
			Message: "model returned an empty reply",
		}
	}

	prompt, completion := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if resp.Usage.TotalTokens == 0 && prompt+completion == 0 {
		if n, err := tok.CountMessages(toTokenizerMessages(messages)); err == nil {
			prompt = n
		}
		if n, err := tok.CountTokens(content); err == nil {
			completion = n
		}
	}
	total := resp.Usage.TotalTokens
	if total == 0 {
		total = prompt + completion
	}

	result := &conversation.InvocationResult{
		Content:      content,
		TokensUsed:   total,
		ResponseTime: elapsed,
	}
	if price, ok := i.cfg.Pricing[provider.Name()]; ok {
		result.CostCents = price.Cost(prompt, completion)
	}
	i.logger.Debug("agent replied",
		zap.String("agent_id", inv.Agent.ID),
		zap.String("provider", provider.Name()),
		zap.Int("tokens", total),
		zap.Duration("latency", elapsed))
	return result, nil
}

// classify maps provider failures onto invocation error kinds.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &conversation.InvocationError{Kind: conversation.InvocationTimeout, Message: "model call timed out", Cause: err}
	}

	kind := conversation.InvocationProviderUnavailable
	if llmErr, ok := llm.AsError(err); ok {
		switch llmErr.Code {
		case llm.ErrRateLimited, llm.ErrQuotaExceeded:
			kind = conversation.InvocationRateLimited
		case llm.ErrUpstreamTimeout:
			kind = conversation.InvocationTimeout
		case llm.ErrInvalidResponse, llm.ErrInvalidRequest:
			kind = conversation.InvocationInvalidResponse
		}
	}
	return &conversation.InvocationError{Kind: kind, Message: "model call failed", Cause: err}
}

func (i *Invoker) buildMessages(tok tokenizer.Tokenizer, inv conversation.Invocation) []llm.Message {
	history := make([]llm.Message, 0, len(inv.Transcript)+1)
	seenTrigger := false
	for _, m := range inv.Transcript {
		if m.IsInnerDialogue || m.Status == types.MessageFailed || m.Content == "" {
			continue
		}
		if inv.Trigger != nil && m.ID == inv.Trigger.ID {
			seenTrigger = true
		}
		history = append(history, i.historyMessage(inv, m))
	}
	if inv.Trigger != nil && !seenTrigger {
		history = append(history, i.historyMessage(inv, inv.Trigger))
	}

	kept := tokenizer.FitWindow(tok, toTokenizerMessages(history), i.cfg.HistoryTokens)
	history = history[len(history)-kept:]

	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt(inv)})
	return append(out, history...)
}

func (i *Invoker) historyMessage(inv conversation.Invocation, m *types.Message) llm.Message {
	if agentID, ok := m.Sender.AgentID(); ok && agentID == inv.Agent.ID {
		return llm.Message{Role: llm.RoleAssistant, Content: m.Content}
	}
	name := m.SenderName
	if name == "" {
		name = inv.Participants[m.Sender.ID()]
	}
	if name == "" {
		name = m.Sender.ID()
	}
	return llm.Message{Role: llm.RoleUser, Content: name + ": " + m.Content}
}

func systemPrompt(inv conversation.Invocation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one of several participants in a group conversation", inv.Agent.Name)
	if inv.Conversation != nil && inv.Conversation.Title != "" {
		fmt.Fprintf(&b, " titled %q", inv.Conversation.Title)
	}
	b.WriteString(".\n")
	if inv.Agent.SystemPrompt != "" {
		b.WriteString(inv.Agent.SystemPrompt)
		b.WriteString("\n")
	}
	if inv.Agent.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", inv.Agent.Personality)
	}
	if len(inv.Agent.Expertise) > 0 {
		fmt.Fprintf(&b, "Expertise: %s\n", strings.Join(inv.Agent.Expertise, ", "))
	}
	others := make([]string, 0, len(inv.Participants))
	for id, name := range inv.Participants {
		if id != inv.Agent.ID && name != "" {
			others = append(others, name)
		}
	}
	if len(others) > 0 {
		sort.Strings(others)
		fmt.Fprintf(&b, "Other agents present: %s. Address one with @Name.\n", strings.Join(others, ", "))
	}
	b.WriteString("Reply in your own voice without prefixing your name. " +
		"To propose a data change, add a fenced ```action block containing JSON with " +
		`"action", "entity_type", "entity_id", "data" and "reason".`)
	return b.String()
}

func toTokenizerMessages(msgs []llm.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		out[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
