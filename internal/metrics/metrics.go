// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ot_sentinel"

// Message outcomes.
const (
	OutcomeAcked   = "acked"
	OutcomeRetried = "retried"
	OutcomeDropped = "dropped"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Stream messages handled, partitioned by worker and outcome.",
		},
		[]string{"worker", "outcome"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Alerts appended to the alert stream, partitioned by rule.",
		},
		[]string{"rule"},
	)

	duplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_writes_skipped_total",
			Help:      "Writes skipped because their idempotency key was already recorded.",
		},
		[]string{"kind"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Action tool calls, partitioned by tool and status.",
		},
		[]string{"tool", "status"},
	)

	processingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_seconds",
			Help:      "Time spent handling one stream message.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"worker"},
	)
)

// Register attaches the collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		messagesTotal,
		alertsTotal,
		duplicatesTotal,
		toolCallsTotal,
		processingSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveMessage records one handled message.
func ObserveMessage(worker, outcome string, duration time.Duration) {
	messagesTotal.WithLabelValues(worker, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	processingSeconds.WithLabelValues(worker).Observe(duration.Seconds())
}

// AlertEmitted counts an alert appended for rule.
func AlertEmitted(rule string) {
	alertsTotal.WithLabelValues(rule).Inc()
}

// DuplicateSkipped counts a write suppressed by an idempotency key.
func DuplicateSkipped(kind string) {
	duplicatesTotal.WithLabelValues(kind).Inc()
}

// ToolCall counts one executed tool call.
func ToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// Server serves /metrics and /health.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server for gatherer on addr.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "address", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server exited", "error", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
