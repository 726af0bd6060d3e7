package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// InvocationErrorKind classifies an agent invocation failure.
type InvocationErrorKind string

const (
	InvocationProviderUnavailable InvocationErrorKind = "provider_unavailable"
	InvocationRateLimited         InvocationErrorKind = "rate_limited"
	InvocationTimeout             InvocationErrorKind = "timeout"
	InvocationInvalidResponse     InvocationErrorKind = "invalid_response"
)

// InvocationError is the typed failure returned by an AgentInvoker.
type InvocationError struct {
	Kind    InvocationErrorKind
	Message string
	Cause   error
}

func (e *InvocationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *InvocationError) Unwrap() error { return e.Cause }

// InvocationErrorKindOf returns the kind of err, treating untyped errors as
// invalid responses and deadline errors as timeouts.
func InvocationErrorKindOf(err error) InvocationErrorKind {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return InvocationTimeout
	}
	return InvocationInvalidResponse
}

// Invocation is everything an invoker needs to produce one reply.
type Invocation struct {
	Agent        types.AgentProfile
	Conversation *types.Conversation
	Trigger      *types.Message
	// Transcript is the bounded window of deliverable messages, oldest first.
	Transcript []*types.Message
	Round      int
	// Participants maps sender ids to display names for prompt rendering.
	Participants map[string]string
}

// InvocationResult is a successful reply.
type InvocationResult struct {
	Content      string
	TokensUsed   int
	CostCents    float64
	ResponseTime time.Duration
}

// AgentInvoker produces agent replies. Implementations never retry silently.
type AgentInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error)
}

// AgentDirectory resolves agent profiles.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID string) (*types.AgentProfile, error)
}

// ErrAgentNotFound is returned by directories for unknown agents.
var ErrAgentNotFound = errors.New("agent not found")

// StaticDirectory is an in-memory AgentDirectory.
type StaticDirectory struct {
	mu     sync.RWMutex
	agents map[string]types.AgentProfile
}

// NewStaticDirectory creates a directory holding the given profiles.
func NewStaticDirectory(profiles ...types.AgentProfile) *StaticDirectory {
	d := &StaticDirectory{agents: make(map[string]types.AgentProfile, len(profiles))}
	for _, p := range profiles {
		d.agents[p.ID] = p
	}
	return d
}

// Put adds or replaces a profile.
func (d *StaticDirectory) Put(p types.AgentProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[p.ID] = p
}

func (d *StaticDirectory) GetAgent(_ context.Context, agentID string) (*types.AgentProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return &p, nil
}

// List returns all profiles sorted by name.
func (d *StaticDirectory) List() []types.AgentProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.AgentProfile, 0, len(d.agents))
	for _, p := range d.agents {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
