package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/roundtable/llm/providers"
	"github.com/BaSui01/roundtable/types"
)

// Config 是 roundtable 的完整配置
type Config struct {
	Server        ServerConfig        `yaml:"server" env:"SERVER"`
	JWT           JWTConfig           `yaml:"jwt" env:"JWT"`
	Database      DatabaseConfig      `yaml:"database" env:"DATABASE"`
	Redis         RedisConfig         `yaml:"redis" env:"REDIS"`
	Log           LogConfig           `yaml:"log" env:"LOG"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" env:"TELEMETRY"`
	Orchestration OrchestrationConfig `yaml:"orchestration" env:"ORCHESTRATION"`
	Providers     providers.Config    `yaml:"providers" env:"PROVIDERS"`
	Gate          GateConfig          `yaml:"gate" env:"GATE"`
	Realtime      RealtimeConfig      `yaml:"realtime" env:"REALTIME"`

	// Agents is the static agent directory.
	Agents []AgentConfig `yaml:"agents" env:"-"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimitRPS 为 0 时不限流
	RateLimitRPS   float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// JWTConfig 鉴权配置。Secret 与 PublicKeyPEM 至少配置一个才会启用 JWT。
type JWTConfig struct {
	Secret       string `yaml:"secret" env:"SECRET"`
	PublicKeyPEM string `yaml:"public_key_pem" env:"PUBLIC_KEY_PEM"`
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	Audience     string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled reports whether a verification key is configured.
func (c JWTConfig) Enabled() bool { return c.Secret != "" || c.PublicKeyPEM != "" }

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: memory, postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`

	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// MigrateOnStart 启动时执行内嵌迁移
	MigrateOnStart bool `yaml:"migrate_on_start" env:"MIGRATE_ON_START"`
}

// InMemory reports whether conversations live only in process memory.
func (d DatabaseConfig) InMemory() bool { return d.Driver == "" || d.Driver == "memory" }

// DSN 返回 gorm 方言使用的连接字符串
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		ssl := d.SSLMode
		if ssl == "" {
			ssl = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, ssl)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			d.User, d.Password, d.Host, d.Port, d.Name)
	case "sqlite":
		return d.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return ""
}

// RedisConfig Redis 配置。未启用时未读数直接查库，实时事件不跨节点。
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	UnreadTTL    time.Duration `yaml:"unread_ttl" env:"UNREAD_TTL"`
	TLS          bool          `yaml:"tls" env:"TLS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// OrchestrationConfig bounds the round loop and the relevance scorer.
type OrchestrationConfig struct {
	EmergentProfile string            `yaml:"emergent_profile" env:"EMERGENT_PROFILE"`
	Emergent        EmergentOverrides `yaml:"emergent" env:"EMERGENT"`

	SafetyRoundCap           int           `yaml:"safety_round_cap" env:"SAFETY_ROUND_CAP"`
	InvocationTimeout        time.Duration `yaml:"invocation_timeout" env:"INVOCATION_TIMEOUT"`
	MaxConcurrentInvocations int           `yaml:"max_concurrent_invocations" env:"MAX_CONCURRENT_INVOCATIONS"`
	TranscriptMessages       int           `yaml:"transcript_messages" env:"TRANSCRIPT_MESSAGES"`
	HistoryTokens            int           `yaml:"history_tokens" env:"HISTORY_TOKENS"`
	ReplyMaxTokens           int           `yaml:"reply_max_tokens" env:"REPLY_MAX_TOKENS"`
	RecordInnerDialogue      bool          `yaml:"record_inner_dialogue" env:"RECORD_INNER_DIALOGUE"`

	ScoringTimeout        time.Duration `yaml:"scoring_timeout" env:"SCORING_TIMEOUT"`
	ScoringProvider       string        `yaml:"scoring_provider" env:"SCORING_PROVIDER"`
	ScoringModel          string        `yaml:"scoring_model" env:"SCORING_MODEL"`
	ScoringWindowMessages int           `yaml:"scoring_window_messages" env:"SCORING_WINDOW_MESSAGES"`
	ScoringWindowTokens   int           `yaml:"scoring_window_tokens" env:"SCORING_WINDOW_TOKENS"`
	ScoringConcurrency    int           `yaml:"scoring_concurrency" env:"SCORING_CONCURRENCY"`
}

// EmergentDefaults resolves the profile and applies the overrides.
func (o OrchestrationConfig) EmergentDefaults() (types.EmergentSettings, error) {
	base, err := types.EmergentProfile(o.EmergentProfile)
	if err != nil {
		return types.EmergentSettings{}, err
	}
	s := o.Emergent.Apply(base)
	if err := s.Validate(); err != nil {
		return types.EmergentSettings{}, err
	}
	return s, nil
}

// EmergentOverrides 中 nil 字段沿用档位默认值
type EmergentOverrides struct {
	RelevanceThreshold       *int    `yaml:"relevance_threshold" env:"RELEVANCE_THRESHOLD"`
	AcknowledgmentThreshold  *int    `yaml:"acknowledgment_threshold" env:"ACKNOWLEDGMENT_THRESHOLD"`
	ShowBriefAcknowledgments *bool   `yaml:"show_brief_acknowledgments" env:"SHOW_BRIEF_ACKNOWLEDGMENTS"`
	MaxRoundsPerMessage      *int    `yaml:"max_rounds_per_message" env:"MAX_ROUNDS_PER_MESSAGE"`
	MaxResponsesPerRound     *int    `yaml:"max_responses_per_round" env:"MAX_RESPONSES_PER_ROUND"`
	ScoringProvider          *string `yaml:"scoring_provider" env:"SCORING_PROVIDER"`
	ScoringModel             *string `yaml:"scoring_model" env:"SCORING_MODEL"`
	RequireUniqueInsight     *bool   `yaml:"require_unique_insight" env:"REQUIRE_UNIQUE_INSIGHT"`
	ResponseDelayMs          *int    `yaml:"response_delay_ms" env:"RESPONSE_DELAY_MS"`
	AllowMultipleResponses   *bool   `yaml:"allow_multiple_responses" env:"ALLOW_MULTIPLE_RESPONSES"`
}

// Apply returns base with every set override applied.
func (o EmergentOverrides) Apply(base types.EmergentSettings) types.EmergentSettings {
	set(&base.RelevanceThreshold, o.RelevanceThreshold)
	set(&base.AcknowledgmentThreshold, o.AcknowledgmentThreshold)
	set(&base.ShowBriefAcknowledgments, o.ShowBriefAcknowledgments)
	set(&base.MaxRoundsPerMessage, o.MaxRoundsPerMessage)
	set(&base.MaxResponsesPerRound, o.MaxResponsesPerRound)
	set(&base.ScoringProvider, o.ScoringProvider)
	set(&base.ScoringModel, o.ScoringModel)
	set(&base.RequireUniqueInsight, o.RequireUniqueInsight)
	set(&base.ResponseDelayMs, o.ResponseDelayMs)
	set(&base.AllowMultipleResponses, o.AllowMultipleResponses)
	return base
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// GateConfig 待审批动作配置
type GateConfig struct {
	// TTL 为 0 表示动作永不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// SweepSpec 是过期扫描的 cron 表达式，空字符串关闭扫描
	SweepSpec string `yaml:"sweep_spec" env:"SWEEP_SPEC"`
}

// RealtimeConfig 实时推送配置
type RealtimeConfig struct {
	ClientBuffer  int           `yaml:"client_buffer" env:"CLIENT_BUFFER"`
	BridgeChannel string        `yaml:"bridge_channel" env:"BRIDGE_CHANNEL"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	PingInterval  time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	// BypassIdentities maps a static bearer credential to an identity that
	// skips participant checks. Intended for local tooling.
	BypassIdentities map[string]BypassIdentity `yaml:"bypass_identities" env:"-"`
}

// BypassIdentity is a preconfigured realtime identity.
type BypassIdentity struct {
	OrganizationID string   `yaml:"organization_id"`
	UserID         string   `yaml:"user_id"`
	Roles          []string `yaml:"roles"`
}

// AgentConfig describes one agent of the static directory.
type AgentConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Personality    string   `yaml:"personality"`
	Expertise      []string `yaml:"expertise"`
	SeniorityLevel int      `yaml:"seniority_level"`
	Temperature    float32  `yaml:"temperature"`
	MaxTokens      int      `yaml:"max_tokens"`
}

func (a AgentConfig) Profile() types.AgentProfile {
	return types.AgentProfile{
		ID:             a.ID,
		Name:           a.Name,
		Provider:       a.Provider,
		Model:          a.Model,
		SystemPrompt:   a.SystemPrompt,
		Personality:    a.Personality,
		Expertise:      a.Expertise,
		SeniorityLevel: a.SeniorityLevel,
		Temperature:    a.Temperature,
		MaxTokens:      a.MaxTokens,
	}
}

// AgentProfiles converts the configured agents.
func (c *Config) AgentProfiles() []types.AgentProfile {
	out := make([]types.AgentProfile, len(c.Agents))
	for i, a := range c.Agents {
		out[i] = a.Profile()
	}
	return out
}

// Validate 校验配置，返回所有问题
func (c *Config) Validate() error {
	var errs []string
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}
	switch c.Database.Driver {
	case "", "memory", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		errs = append(errs, "database.path is required for sqlite")
	}
	if _, err := c.Orchestration.EmergentDefaults(); err != nil {
		errs = append(errs, "orchestration: "+err.Error())
	}
	if c.Orchestration.SafetyRoundCap < 1 {
		errs = append(errs, "safety_round_cap must be at least 1")
	}
	if c.Orchestration.MaxConcurrentInvocations < 1 {
		errs = append(errs, "max_concurrent_invocations must be at least 1")
	}
	if c.Gate.TTL < 0 {
		errs = append(errs, "gate.ttl must not be negative")
	}
	ids := make(map[string]bool, len(c.Agents))
	names := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" || a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: id and name are required", i))
			continue
		}
		if ids[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate id %q", i, a.ID))
		}
		// mentions resolve by name
		if n := strings.ToLower(a.Name); names[n] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate name %q", i, a.Name))
		} else {
			names[n] = true
		}
		ids[a.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
