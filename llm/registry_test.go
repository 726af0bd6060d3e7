package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name     string
	healthFn func(ctx context.Context) (*HealthStatus, error)
}

func (s *stubProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Provider: s.name, Choices: []ChatChoice{{Message: Message{Role: RoleAssistant, Content: " ok "}}}}, nil
}

func (s *stubProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if s.healthFn != nil {
		return s.healthFn(ctx)
	}
	return &HealthStatus{Healthy: true}, nil
}

func (s *stubProvider) Name() string { return s.name }

func TestProviderRegistry_Resolve(t *testing.T) {
	r := NewProviderRegistry()
	r.Register("openai", &stubProvider{name: "openai"})
	r.Register("qwen", &stubProvider{name: "qwen"})

	_, err := r.Resolve("")
	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrProviderUnavailable, llmErr.Code)

	require.NoError(t, r.SetDefault("openai"))
	p, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	p, err = r.Resolve("qwen")
	require.NoError(t, err)
	assert.Equal(t, "qwen", p.Name())

	_, err = r.Resolve("deepseek")
	assert.Error(t, err)
	assert.Error(t, r.SetDefault("deepseek"))

	assert.Equal(t, []string{"openai", "qwen"}, r.List())
	assert.Equal(t, 2, r.Len())
}

func TestProviderRegistry_HealthCheckAll(t *testing.T) {
	r := NewProviderRegistry()
	r.Register("up", &stubProvider{name: "up"})
	r.Register("down", &stubProvider{name: "down", healthFn: func(ctx context.Context) (*HealthStatus, error) {
		return &HealthStatus{Healthy: false}, errors.New("connection refused")
	}})

	got := r.HealthCheckAll(context.Background())
	assert.Equal(t, map[string]bool{"up": true, "down": false}, got)
}

func TestChatResponse_FirstContent(t *testing.T) {
	resp, err := (&stubProvider{name: "x"}).Completion(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.FirstContent())

	var empty *ChatResponse
	assert.Equal(t, "", empty.FirstContent())
}
