package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/roundtable/types"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roundtable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.True(t, cfg.Database.InMemory())
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.JWT.Enabled())
	assert.Equal(t, 24*time.Hour, cfg.Gate.TTL)
	assert.Equal(t, "@every 1m", cfg.Gate.SweepSpec)
	assert.Equal(t, 64, cfg.Realtime.ClientBuffer)

	settings, err := cfg.Orchestration.EmergentDefaults()
	require.NoError(t, err)
	assert.Equal(t, types.ConservativeEmergentSettings(), settings)
}

func TestLoader_NonExistentFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/does/not/exist.yaml").WithEnv(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  http_port: 9000
database:
  driver: sqlite
  path: /var/lib/roundtable.db
orchestration:
  emergent_profile: exploratory
  emergent:
    max_responses_per_round: 1
    show_brief_acknowledgments: false
providers:
  default: deepseek
  deepseek:
    api_key: sk-test
    prompt_cents_per_1k: 0.014
gate:
  ttl: 2h
realtime:
  bypass_identities:
    dev-token:
      organization_id: org
      user_id: dev
agents:
  - id: a1
    name: Ada
    provider: deepseek
    model: deepseek-chat
    expertise: [math, history]
`)
	cfg, err := NewLoader().WithConfigPath(path).WithEnv(nil).WithValidator((*Config).Validate).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout, "untouched defaults survive")
	assert.Equal(t, "/var/lib/roundtable.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.Database.DSN())
	assert.Equal(t, "sk-test", cfg.Providers.DeepSeek.APIKey)
	assert.InDelta(t, 0.014, cfg.Providers.DeepSeek.PromptCentsPer1K, 1e-9)
	assert.Equal(t, 2*time.Hour, cfg.Gate.TTL)
	assert.Equal(t, "dev", cfg.Realtime.BypassIdentities["dev-token"].UserID)

	settings, err := cfg.Orchestration.EmergentDefaults()
	require.NoError(t, err)
	want := types.ExploratoryEmergentSettings()
	want.MaxResponsesPerRound = 1
	want.ShowBriefAcknowledgments = false
	assert.Equal(t, want, settings)

	profiles := cfg.AgentProfiles()
	require.Len(t, profiles, 1)
	assert.Equal(t, []string{"math", "history"}, profiles[0].Expertise)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "server:\n  http_port: 9000\n")
	cfg, err := NewLoader().WithConfigPath(path).WithEnv(map[string]string{
		"ROUNDTABLE_SERVER_HTTP_PORT":                           "7000",
		"ROUNDTABLE_SERVER_CORS_ORIGINS":                        "https://a.example, https://b.example",
		"ROUNDTABLE_REDIS_ENABLED":                              "true",
		"ROUNDTABLE_GATE_SWEEP_SPEC":                            "@every 30s",
		"ROUNDTABLE_ORCHESTRATION_INVOCATION_TIMEOUT":           "45s",
		"ROUNDTABLE_ORCHESTRATION_EMERGENT_RELEVANCE_THRESHOLD": "80",
		"ROUNDTABLE_PROVIDERS_OPENAI_API_KEY":                   "sk-env",
		"ROUNDTABLE_PROVIDERS_QWEN_TIMEOUT":                     "20s",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "@every 30s", cfg.Gate.SweepSpec)
	assert.Equal(t, 45*time.Second, cfg.Orchestration.InvocationTimeout)
	require.NotNil(t, cfg.Orchestration.Emergent.RelevanceThreshold)
	assert.Equal(t, 80, *cfg.Orchestration.Emergent.RelevanceThreshold)
	assert.Equal(t, "sk-env", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, 20*time.Second, cfg.Providers.Qwen.Timeout)
}

func TestLoader_CustomPrefixAndBadValue(t *testing.T) {
	cfg, err := NewLoader().WithEnvPrefix("RT").WithEnv(map[string]string{"RT_LOG_LEVEL": "debug"}).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = NewLoader().WithEnv(map[string]string{"ROUNDTABLE_SERVER_HTTP_PORT": "eighty"}).Load()
	assert.ErrorContains(t, err, "ROUNDTABLE_SERVER_HTTP_PORT")
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeYAML(t, "server: [unterminated")
	_, err := NewLoader().WithConfigPath(path).WithEnv(nil).Load()
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }, "unsupported database driver"},
		{"sqlite path", func(c *Config) { c.Database.Driver = "sqlite" }, "database.path"},
		{"profile", func(c *Config) { c.Orchestration.EmergentProfile = "chaotic" }, "unknown emergent profile"},
		{"override range", func(c *Config) {
			v := 30
			c.Orchestration.Emergent.RelevanceThreshold = &v
		}, "orchestration"},
		{"round cap", func(c *Config) { c.Orchestration.SafetyRoundCap = 0 }, "safety_round_cap"},
		{"agent name", func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}} }, "id and name are required"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", Name: "Ada"}, {ID: "b", Name: "ada"}}
		}, "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "rt"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=rt sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "rt"}
	assert.Equal(t, "u:p@tcp(db:3306)/rt?parseTime=true&charset=utf8mb4", my.DSN())

	assert.Empty(t, DatabaseConfig{Driver: "memory"}.DSN())
}
