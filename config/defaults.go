package config

import "time"

// DefaultConfig 返回默认配置。默认使用内存存储，方便本地启动。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Database: DatabaseConfig{
			Driver:              "memory",
			Host:                "localhost",
			Port:                5432,
			User:                "roundtable",
			Name:                "roundtable",
			SSLMode:             "disable",
			MaxOpenConns:        50,
			MaxIdleConns:        10,
			ConnMaxLifetime:     time.Hour,
			ConnMaxIdleTime:     10 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			UnreadTTL:    10 * time.Minute,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "roundtable",
			SampleRate:   0.1,
		},
		Orchestration: OrchestrationConfig{
			EmergentProfile:          "conservative",
			SafetyRoundCap:           2,
			InvocationTimeout:        90 * time.Second,
			MaxConcurrentInvocations: 4,
			TranscriptMessages:       30,
			HistoryTokens:            6000,
			ReplyMaxTokens:           800,
			ScoringTimeout:           8 * time.Second,
			ScoringModel:             "gpt-4o-mini",
			ScoringWindowMessages:    12,
			ScoringWindowTokens:      2000,
			ScoringConcurrency:       4,
		},
		Gate: GateConfig{
			TTL:       24 * time.Hour,
			SweepSpec: "@every 1m",
		},
		Realtime: RealtimeConfig{
			ClientBuffer:  64,
			BridgeChannel: "roundtable:fanout",
			WriteTimeout:  10 * time.Second,
			PingInterval:  30 * time.Second,
		},
	}
}
