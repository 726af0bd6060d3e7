package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/conversation"
	"github.com/BaSui01/roundtable/agent/hitl"
	"github.com/BaSui01/roundtable/agent/invoker"
	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/relevance"
	"github.com/BaSui01/roundtable/api/handlers"
	"github.com/BaSui01/roundtable/config"
	"github.com/BaSui01/roundtable/internal/cache"
	"github.com/BaSui01/roundtable/internal/database"
	"github.com/BaSui01/roundtable/internal/fanout"
	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/internal/migration"
	"github.com/BaSui01/roundtable/internal/server"
	"github.com/BaSui01/roundtable/internal/telemetry"
	"github.com/BaSui01/roundtable/llm/providers"
	"github.com/BaSui01/roundtable/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装存储、编排、审批网关与实时推送，并托管 HTTP 与 Metrics 两个监听
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers

	pool   *database.PoolManager
	redis  *cache.Manager
	stores *persistence.Stores

	service *conversation.Service
	gate    *hitl.Gate
	sweeper *hitl.Sweeper
	hub     *fanout.Hub

	health   *handlers.HealthHandler
	mux      *http.ServeMux
	resolver fanout.IdentityResolver

	// 后台任务（限流清理、Redis 桥接）共用的生命周期
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer wires every component from cfg. Nothing listens until Start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   handlers.NewHealthHandler(logger),
		mux:      http.NewServeMux(),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collector = metrics.NewCollector("roundtable", s.registry, logger)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"telemetry", s.initTelemetry},
		{"storage", s.initStorage},
		{"redis", s.initRedis},
		{"realtime", s.initRealtime},
		{"orchestration", s.initOrchestration},
		{"routes", s.initRoutes},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("init %s: %w", step.name, err)
		}
	}
	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initTelemetry() error {
	p, err := telemetry.Init(s.bgCtx, s.cfg.Telemetry, s.logger)
	if err != nil {
		// 遥测不可用不阻止启动
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
		return nil
	}
	s.telemetry = p
	return nil
}

func (s *Server) initStorage() error {
	dbCfg := s.cfg.Database
	if dbCfg.InMemory() {
		stores, err := persistence.NewStores(persistence.StoreTypeMemory, nil, s.logger)
		if err != nil {
			return err
		}
		s.stores = stores
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	if dbCfg.MigrateOnStart {
		if err := runMigrations(s.bgCtx, dbCfg); err != nil {
			return err
		}
		s.logger.Info("database migrations applied")
	}

	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
	if err != nil {
		return err
	}
	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:        dbCfg.MaxIdleConns,
		MaxOpenConns:        dbCfg.MaxOpenConns,
		ConnMaxLifetime:     dbCfg.ConnMaxLifetime,
		ConnMaxIdleTime:     dbCfg.ConnMaxIdleTime,
		HealthCheckInterval: dbCfg.HealthCheckInterval,
	}, func(stats sql.DBStats) { s.collector.RecordDBStats(dbCfg.Driver, stats) }, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool
	s.health.RegisterCheck(handlers.NewPingCheck("database", pool.Ping))

	stores, err := persistence.NewStores(persistence.StoreTypeGorm, pool.DB(), s.logger)
	if err != nil {
		return err
	}
	s.stores = stores
	return nil
}

func runMigrations(ctx context.Context, dbCfg config.DatabaseConfig) error {
	m, err := migration.NewMigratorFromConfig(dbCfg)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(ctx)
}

func (s *Server) initRedis() error {
	rc := s.cfg.Redis
	if !rc.Enabled {
		return nil
	}
	m, err := cache.NewManager(cache.Config{
		Addr:                rc.Addr,
		Password:            rc.Password,
		DB:                  rc.DB,
		DefaultTTL:          rc.UnreadTTL,
		MaxRetries:          3,
		PoolSize:            rc.PoolSize,
		MinIdleConns:        rc.MinIdleConns,
		TLS:                 rc.TLS,
		HealthCheckInterval: 30 * time.Second,
	}, s.logger)
	if err != nil {
		return err
	}
	s.redis = m
	s.health.RegisterCheck(handlers.NewPingCheck("redis", m.Ping))
	return nil
}

func (s *Server) initRealtime() error {
	opts := []fanout.HubOption{fanout.WithRecorder(s.collector)}
	var bridge *fanout.RedisBridge
	if s.redis != nil {
		opts = append(opts, fanout.WithUnreadCounter(cache.NewUnreadCache(s.stores.Conversations, s.redis, s.cfg.Redis.UnreadTTL, s.logger)))
		bridge = fanout.NewRedisBridge(s.redis.Client(), s.cfg.Realtime.BridgeChannel, s.logger)
		opts = append(opts, fanout.WithBridge(bridge))
	}
	s.hub = fanout.NewHub(s.stores.Conversations, fanout.HubConfig{ClientBuffer: s.cfg.Realtime.ClientBuffer}, s.logger, opts...)

	if bridge != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := bridge.Run(s.bgCtx, s.hub.Deliver, nil); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("fanout bridge stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Server) initOrchestration() error {
	registry, err := providers.NewRegistry(s.cfg.Providers, s.logger)
	if err != nil {
		return err
	}
	defaults, err := s.cfg.Orchestration.EmergentDefaults()
	if err != nil {
		return err
	}
	oc := s.cfg.Orchestration

	inv := invoker.New(registry, invoker.Config{
		HistoryTokens: oc.HistoryTokens,
		MaxTokens:     oc.ReplyMaxTokens,
		Pricing:       s.cfg.Providers.Pricing(),
	}, s.logger)
	scorer := relevance.NewScorer(registry, nil, relevance.Config{
		Timeout:        oc.ScoringTimeout,
		Provider:       oc.ScoringProvider,
		Model:          oc.ScoringModel,
		WindowMessages: oc.ScoringWindowMessages,
		WindowTokens:   oc.ScoringWindowTokens,
		MaxConcurrency: oc.ScoringConcurrency,
	}, s.logger)

	notifier := fanout.NewNotifier(s.hub, s.stores.Conversations, s.logger)

	entities := hitl.NewMemoryEntities()
	s.gate = hitl.NewGate(s.stores.Actions, entities, hitl.Config{TTL: s.cfg.Gate.TTL}, s.logger,
		hitl.WithSnapshotter(entities),
		hitl.WithRecorder(s.collector),
	)
	for _, status := range []types.ActionStatus{
		types.ActionApproved, types.ActionModified, types.ActionRejected,
		types.ActionExecuted, types.ActionFailed, types.ActionExpired,
	} {
		s.gate.RegisterHandler(status, notifier.ActionChanged)
	}
	if s.cfg.Gate.SweepSpec != "" {
		sweeper, err := hitl.NewSweeper(s.gate, s.cfg.Gate.SweepSpec, s.logger)
		if err != nil {
			return err
		}
		s.sweeper = sweeper
	}

	directory := conversation.NewStaticDirectory(s.cfg.AgentProfiles()...)
	scheduler := conversation.NewTurnScheduler(s.stores.Conversations, directory, inv, conversation.SchedulerConfig{
		DefaultEmergent:          defaults,
		SafetyRoundCap:           oc.SafetyRoundCap,
		InvocationTimeout:        oc.InvocationTimeout,
		MaxConcurrentInvocations: oc.MaxConcurrentInvocations,
		TranscriptMessages:       oc.TranscriptMessages,
		RecordInnerDialogue:      oc.RecordInnerDialogue,
	}, s.logger,
		conversation.WithScorer(scorer),
		conversation.WithNotifier(notifier),
		conversation.WithProposer(s.gate),
		conversation.WithRecorder(s.collector),
	)
	s.service = conversation.NewService(s.stores.Conversations, directory, scheduler, defaults, s.logger,
		conversation.WithServiceNotifier(notifier),
		conversation.WithLoopObserver(s.observeLoop),
	)
	s.logger.Info("orchestration ready",
		zap.Int("agents", len(s.cfg.AgentProfiles())),
		zap.Strings("providers", registry.List()))
	return nil
}

func (s *Server) observeLoop(result *conversation.LoopResult, err error) {
	if err != nil {
		s.logger.Warn("round loop failed", zap.Error(err))
		return
	}
	s.logger.Debug("round loop finished",
		zap.String("trigger_message_id", result.TriggerMessageID),
		zap.String("mode", string(result.Mode)),
		zap.Int("rounds", result.Rounds),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("messages", len(result.Messages)))
}

// identityResolver chains the JWT verifier with the configured bypass
// credentials. Either may be absent.
func (s *Server) identityResolver() (fanout.IdentityResolver, error) {
	var chain fanout.ChainResolver
	if jc := s.cfg.JWT; jc.Enabled() {
		var pub *rsa.PublicKey
		if jc.PublicKeyPEM != "" {
			key, err := parseRSAPublicKey(jc.PublicKeyPEM)
			if err != nil {
				return nil, err
			}
			pub = key
		}
		r, err := fanout.NewJWTResolver(fanout.JWTOptions{
			Secret:    jc.Secret,
			PublicKey: pub,
			Issuer:    jc.Issuer,
			Audience:  jc.Audience,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	if len(s.cfg.Realtime.BypassIdentities) > 0 {
		ids := make(map[string]fanout.Identity, len(s.cfg.Realtime.BypassIdentities))
		for cred, b := range s.cfg.Realtime.BypassIdentities {
			ids[cred] = fanout.Identity{OrganizationID: b.OrganizationID, UserID: b.UserID, Roles: b.Roles}
		}
		chain = append(chain, fanout.NewBypassResolver(ids))
		s.logger.Warn("bypass identities enabled", zap.Int("count", len(ids)))
	}
	if len(chain) == 0 {
		s.logger.Warn("no JWT key or bypass identity configured; every API call will be rejected")
		return nil, nil
	}
	return chain, nil
}

func parseRSAPublicKey(data string) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("jwt public key: %w", err)
	}
	return key, nil
}

// =============================================================================
// 🌐 路由
// =============================================================================

func (s *Server) initRoutes() error {
	resolver, err := s.identityResolver()
	if err != nil {
		return err
	}
	s.resolver = resolver

	s.mux.HandleFunc("GET /health", s.health.HandleHealth)
	s.mux.HandleFunc("GET /healthz", s.health.HandleHealth)
	s.mux.HandleFunc("GET /ready", s.health.HandleReady)
	s.mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewConversationHandler(s.service, s.logger).Register(s.mux)
	handlers.NewActionHandler(s.gate, s.service, s.logger).Register(s.mux)

	rt := s.cfg.Realtime
	var wsResolver fanout.IdentityResolver = fanout.ChainResolver{}
	if resolver != nil {
		wsResolver = resolver
	}
	realtime := handlers.NewRealtimeHandler(s.hub, wsResolver, handlers.RealtimeOptions{
		OriginPatterns: s.cfg.Server.CORSOrigins,
		WriteTimeout:   rt.WriteTimeout,
		PingInterval:   rt.PingInterval,
	}, s.logger)
	s.mux.HandleFunc("GET /ws", realtime.HandleWS)
	return nil
}

func (s *Server) handler() http.Handler {
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/version", "/ws"}
	return Chain(s.mux,
		RequestID(),
		Recovery(s.logger),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSOrigins),
		Authenticate(s.resolver, skipAuthPaths, s.logger),
		RateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动 HTTP 与 Metrics 服务
func (s *Server) Start() error {
	srv := s.cfg.Server
	s.httpManager = server.NewManager(s.handler(), server.Config{
		Addr:            fmt.Sprintf(":%d", srv.HTTPPort),
		ReadTimeout:     srv.ReadTimeout,
		WriteTimeout:    srv.WriteTimeout,
		IdleTimeout:     2 * srv.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: srv.ShutdownTimeout,
	}, s.logger)
	// 被劫持的 WebSocket 连接不受 http.Server.Shutdown 管理，由 hub 关闭
	s.httpManager.OnShutdown(s.hub.Close)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if srv.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsManager = server.NewManager(mux, server.Config{
			Addr:            fmt.Sprintf(":%d", srv.MetricsPort),
			ReadTimeout:     srv.ReadTimeout,
			WriteTimeout:    srv.WriteTimeout,
			ShutdownTimeout: srv.ShutdownTimeout,
		}, s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if s.sweeper != nil {
		s.sweeper.Start()
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", srv.HTTPPort),
		zap.Int("metrics_port", srv.MetricsPort),
		zap.Bool("persistent", s.pool != nil),
		zap.Bool("redis", s.redis != nil),
	)
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM 或 HTTP 服务异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr <-chan error
	if s.httpManager != nil {
		serveErr = s.httpManager.Errors()
	}
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-serveErr:
		s.logger.Error("HTTP server failed", zap.Error(err))
	}
	s.Shutdown()
}

// Shutdown 按依赖逆序关闭：先停止接收请求与轮次循环，再关闭存储与遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	} else if s.hub != nil {
		s.hub.Close()
	}

	if s.service != nil {
		if err := s.service.Shutdown(ctx); err != nil {
			s.logger.Error("round loops did not stop in time", zap.Error(err))
		}
	}
	if s.sweeper != nil {
		if err := s.sweeper.Stop(ctx); err != nil {
			s.logger.Error("expiry sweeper shutdown error", zap.Error(err))
		}
	}

	s.bgCancel()
	s.wg.Wait()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
