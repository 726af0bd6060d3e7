package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// Collector 指标收集器
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 轮次循环
	roundsTotal      *prometheus.CounterVec
	loopStopsTotal   *prometheus.CounterVec
	loopRounds       *prometheus.HistogramVec
	loopDuration     *prometheus.HistogramVec
	settingsFallback prometheus.Counter

	// 智能体调用
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
	costCents          *prometheus.CounterVec
	scoringTotal       *prometheus.CounterVec

	// fanout
	fanoutEvents  *prometheus.CounterVec
	fanoutClients prometheus.Gauge

	// 待审批操作
	actionTransitions *prometheus.CounterVec

	// 数据库
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers every metric on reg under namespace. A nil reg
// uses the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.roundsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_rounds_total",
		Help:      "Rounds started, by conversation mode",
	}, []string{"mode"})
	c.loopStopsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_loop_stops_total",
		Help:      "Finished round loops, by mode and stop reason",
	}, []string{"mode", "reason"})
	c.loopRounds = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "conversation_loop_rounds",
		Help:      "Rounds run per triggering message",
		Buckets:   []float64{0, 1, 2, 3, 4, 6},
	}, []string{"mode"})
	c.loopDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "conversation_loop_duration_seconds",
		Help:      "Round loop wall time",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"mode"})
	c.settingsFallback = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_settings_fallbacks_total",
		Help:      "Loops that ran as free mode because emergent settings were malformed",
	})

	c.invocationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_invocations_total",
		Help:      "Agent invocations, by agent and outcome",
	}, []string{"agent_id", "outcome"})
	c.invocationDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_invocation_duration_seconds",
		Help:      "Agent invocation latency",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"agent_id"})
	c.tokensUsed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_tokens_used_total",
		Help:      "Tokens consumed by agent replies",
	}, []string{"agent_id"})
	c.costCents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_cost_cents_total",
		Help:      "Cost of agent replies in cents",
	}, []string{"agent_id"})
	c.scoringTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relevance_classifications_total",
		Help:      "Relevance scoring outcomes",
	}, []string{"classification"})

	c.fanoutEvents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_events_total",
		Help:      "Realtime events handed to clients, by type and result",
	}, []string{"type", "result"})
	c.fanoutClients = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fanout_clients",
		Help:      "Connected realtime clients on this node",
	})

	c.actionTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_action_transitions_total",
		Help:      "Pending action status changes",
	}, []string{"from", "to"})

	c.dbConnectionsOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	}, []string{"database"})
	c.dbConnectionsIdle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	}, []string{"database"})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) RecordRound(mode string) {
	c.roundsTotal.WithLabelValues(mode).Inc()
}

func (c *Collector) RecordLoopStop(mode, reason string, rounds int, duration time.Duration) {
	c.loopStopsTotal.WithLabelValues(mode, reason).Inc()
	c.loopRounds.WithLabelValues(mode).Observe(float64(rounds))
	c.loopDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (c *Collector) RecordInvocation(agentID, outcome string, duration time.Duration, tokens int, costCents float64) {
	c.invocationsTotal.WithLabelValues(agentID, outcome).Inc()
	c.invocationDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	if tokens > 0 {
		c.tokensUsed.WithLabelValues(agentID).Add(float64(tokens))
	}
	if costCents > 0 {
		c.costCents.WithLabelValues(agentID).Add(costCents)
	}
}

func (c *Collector) RecordScoring(classification string) {
	c.scoringTotal.WithLabelValues(classification).Inc()
}

func (c *Collector) RecordSettingsFallback() {
	c.settingsFallback.Inc()
}

func (c *Collector) RecordFanoutDelivered(eventType string) {
	c.fanoutEvents.WithLabelValues(eventType, "delivered").Inc()
}

func (c *Collector) RecordFanoutDropped(eventType string) {
	c.fanoutEvents.WithLabelValues(eventType, "dropped").Inc()
}

func (c *Collector) SetFanoutClients(n int) {
	c.fanoutClients.Set(float64(n))
}

// RecordActionTransition counts a gate status change. An empty from marks
// creation.
func (c *Collector) RecordActionTransition(from, to types.ActionStatus) {
	f := string(from)
	if f == "" {
		f = "none"
	}
	c.actionTransitions.WithLabelValues(f, string(to)).Inc()
}

// RecordDBStats 记录数据库连接池状态
func (c *Collector) RecordDBStats(database string, stats sql.DBStats) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(stats.OpenConnections))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(stats.Idle))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
