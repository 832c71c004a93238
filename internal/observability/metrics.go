package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	OperationEvents  *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	LedgerCalls      *prometheus.CounterVec
	Tasks            *prometheus.GaugeVec
	StatusPosts      *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WalletEvents     *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec

	lifecycle *lifecycleWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		OperationEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_events_total",
			Help:      "Lifecycle operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_ms",
			Help:      "Lifecycle operation latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"operation"}),
		LedgerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_calls_total",
			Help:      "Ledger gateway calls by method and outcome.",
		}, []string{"method", "outcome"}),
		Tasks: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks in the last refreshed collection by kind.",
		}, []string{"kind"}),
		StatusPosts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_posts_total",
			Help:      "User-visible status posts by kind.",
		}, []string{"kind"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WalletEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_events_total",
			Help:      "Wallet connection events by type.",
		}, []string{"event"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Task lifecycle stage latency in milliseconds by stage and outcome.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}, []string{"stage", "outcome"}),
		lifecycle: newLifecycleWindow(15*time.Minute, 512),
	}
}

func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationEvents.WithLabelValues(operation, outcome).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveLedgerCall(method, outcome string) {
	if m == nil {
		return
	}
	m.LedgerCalls.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SetTaskCounts(total, verified, active int) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues("total").Set(float64(total))
	m.Tasks.WithLabelValues("verified").Set(float64(verified))
	m.Tasks.WithLabelValues("active").Set(float64(active))
}

func (m *Metrics) ObserveStatus(kind string) {
	if m == nil {
		return
	}
	m.StatusPosts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWalletEvent(event string) {
	if m == nil {
		return
	}
	m.WalletEvents.WithLabelValues(event).Inc()
}

// ObserveStage records one lifecycle stage sample. An empty outcome counts
// as OutcomeOK.
func (m *Metrics) ObserveStage(stage Stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	m.StageLatency.WithLabelValues(string(stage), outcome).Observe(float64(d.Microseconds()) / 1000)
	m.lifecycle.observe(stage, outcome, d)
}

// StageLatencyReport summarizes the recent lifecycle stage samples.
func (m *Metrics) StageLatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.lifecycle.report()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
