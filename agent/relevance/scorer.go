package relevance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/llm/tokenizer"
	"github.com/BaSui01/roundtable/types"
)

// ProviderResolver resolves a provider by name; an empty name means the
// default provider. *llm.ProviderRegistry satisfies it.
type ProviderResolver interface {
	Resolve(name string) (llm.Provider, error)
}

// Config tunes the scorer.
type Config struct {
	// Timeout bounds a single candidate's scoring call.
	Timeout time.Duration
	// Provider and Model are used when the conversation's settings do not
	// name a scoring model.
	Provider string
	Model    string
	// WindowMessages and WindowTokens bound the prior transcript shown to
	// the scoring model.
	WindowMessages int
	WindowTokens   int
	MaxConcurrency int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        8 * time.Second,
		Model:          "gpt-4o-mini",
		WindowMessages: 12,
		WindowTokens:   2000,
		MaxConcurrency: 4,
	}
}

// Request is the input for scoring one round.
type Request struct {
	OrganizationID string
	ConversationID string
	Settings       types.EmergentSettings
	Latest         *types.Message
	// Transcript is prior conversation, oldest first, excluding Latest.
	Transcript []*types.Message
	// RoundResponses are replies already produced for the triggering message.
	RoundResponses []*types.Message
	Candidates     []Candidate
}

// Scorer rates candidates with an auxiliary model.
type Scorer struct {
	providers ProviderResolver
	tokenizer tokenizer.Tokenizer
	cfg       Config
	logger    *zap.Logger
}

// NewScorer creates a scorer. tok may be nil, in which case the estimator
// tokenizer for the scoring model is used.
func NewScorer(providers ProviderResolver, tok tokenizer.Tokenizer, cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if tok == nil {
		tok = tokenizer.GetTokenizerOrEstimator(cfg.Model)
	}
	return &Scorer{
		providers: providers,
		tokenizer: tok,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "relevance_scorer")),
	}
}

// Score returns one decision per candidate, in candidate order. It never
// fails: a candidate whose scoring errors or times out is classified silent.
func (s *Scorer) Score(ctx context.Context, req Request) []Decision {
	decisions := make([]Decision, len(req.Candidates))
	if len(req.Candidates) == 0 || req.Latest == nil {
		return decisions[:0]
	}

	providerName := req.Settings.ScoringProvider
	if providerName == "" {
		providerName = s.cfg.Provider
	}
	model := req.Settings.ScoringModel
	if model == "" {
		model = s.cfg.Model
	}
	provider, resolveErr := s.providers.Resolve(providerName)

	window := s.window(req.Transcript)

	// errgroup only bounds concurrency here; workers never return errors
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, c := range req.Candidates {
		decisions[i] = Decision{Candidate: c, AgentID: c.Agent.ID}
		if resolveErr != nil {
			decisions[i] = s.silent(decisions[i], resolveErr)
			continue
		}
		g.Go(func() error {
			decisions[i] = s.scoreOne(ctx, provider, model, req, window, decisions[i])
			return nil
		})
	}
	_ = g.Wait()
	return decisions
}

func (s *Scorer) scoreOne(ctx context.Context, provider llm.Provider, model string, req Request, window []*types.Message, d Decision) Decision {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	prompt := buildScoringPrompt(d.Candidate.Agent, req.Latest, window, req.RoundResponses, req.Settings.RequireUniqueInsight)
	resp, err := provider.Completion(ctx, &llm.ChatRequest{
		TenantID:    req.OrganizationID,
		Model:       model,
		Messages:    []llm.Message{{Role: llm.RoleSystem, Content: scoringSystemPrompt}, {Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   120,
		Temperature: 0,
		Metadata:    map[string]string{"purpose": "relevance_scoring", "conversation_id": req.ConversationID, "agent_id": d.AgentID},
	})
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("scoring timed out: %w", ctx.Err())
		}
		return s.silent(d, err)
	}

	score, reasoning, err := parseScore(resp.FirstContent())
	if err != nil {
		return s.silent(d, err)
	}
	d.Score = score
	d.Reasoning = reasoning
	d.Classification = Classify(score, req.Settings)
	return d
}

func (s *Scorer) silent(d Decision, err error) Decision {
	s.logger.Warn("relevance scoring failed, agent stays silent",
		zap.String("agent_id", d.AgentID),
		zap.Error(err))
	d.Score = 0
	d.Classification = ClassSilent
	d.Error = err.Error()
	return d
}

// window keeps the newest transcript messages that fit both bounds.
func (s *Scorer) window(transcript []*types.Message) []*types.Message {
	if s.cfg.WindowMessages > 0 && len(transcript) > s.cfg.WindowMessages {
		transcript = transcript[len(transcript)-s.cfg.WindowMessages:]
	}
	msgs := make([]tokenizer.Message, len(transcript))
	for i, m := range transcript {
		msgs[i] = tokenizer.Message{Role: string(m.Sender.Kind()), Speaker: speaker(m), Content: m.Content}
	}
	n := tokenizer.FitWindow(s.tokenizer, msgs, s.cfg.WindowTokens)
	return transcript[len(transcript)-n:]
}
