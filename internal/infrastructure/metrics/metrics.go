// Package metrics exposes Prometheus collectors for tool calls, command
// execution, workspaces and approvals.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prguard"

// Command outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeRejected  = "rejected"
)

// Collectors groups every prguard metric. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	registry *prometheus.Registry

	toolCalls         *prometheus.CounterVec
	toolLatency       *prometheus.HistogramVec
	commands          *prometheus.CounterVec
	commandDuration   prometheus.Histogram
	policyRejections  *prometheus.CounterVec
	activeWorkspaces  prometheus.Gauge
	sweepOutcomes     *prometheus.CounterVec
	approvals         *prometheus.CounterVec
	tokenConsumptions *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and error kind (empty kind on success)",
		}, []string{"tool", "kind"}),
		toolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"tool"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Workspace commands by outcome",
		}, []string{"outcome"}),
		commandDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of executed commands",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 1800},
		}),
		policyRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_rejections_total",
			Help:      "Commands and patches rejected by policy, by error kind",
		}, []string{"kind"}),
		activeWorkspaces: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workspaces",
			Help:      "Workspaces currently provisioned",
		}),
		sweepOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_workspaces_total",
			Help:      "Workspaces handled by the expiry sweep, by outcome",
		}, []string{"outcome"}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by result",
		}, []string{"result"}),
		tokenConsumptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_consumptions_total",
			Help:      "Approval token consumption attempts by action and result",
		}, []string{"action", "result"}),
	}
}

// Registry returns the registry the collectors live in.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveToolCall records one tool call.
func (c *Collectors) ObserveToolCall(tool, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, kind).Inc()
	c.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveCommand records an executed command.
func (c *Collectors) ObserveCommand(exitCode int, timedOut bool, d time.Duration) {
	if c == nil {
		return
	}
	outcome := OutcomeSucceeded
	switch {
	case timedOut:
		outcome = OutcomeTimedOut
	case exitCode != 0:
		outcome = OutcomeFailed
	}
	c.commands.WithLabelValues(outcome).Inc()
	c.commandDuration.Observe(d.Seconds())
}

// ObserveRejection records a policy rejection.
func (c *Collectors) ObserveRejection(kind string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(OutcomeRejected).Inc()
	c.policyRejections.WithLabelValues(kind).Inc()
}

// SetActiveWorkspaces sets the workspace gauge.
func (c *Collectors) SetActiveWorkspaces(n int) {
	if c == nil {
		return
	}
	c.activeWorkspaces.Set(float64(n))
}

// ObserveSweep records the outcome counts of one sweep cycle.
func (c *Collectors) ObserveSweep(expired, deferred, failed int) {
	if c == nil {
		return
	}
	c.sweepOutcomes.WithLabelValues("expired").Add(float64(expired))
	c.sweepOutcomes.WithLabelValues("deferred").Add(float64(deferred))
	c.sweepOutcomes.WithLabelValues("failed").Add(float64(failed))
}

// ObserveApproval records an approval result: approved, refused, non_compliant or error.
func (c *Collectors) ObserveApproval(result string) {
	if c == nil {
		return
	}
	c.approvals.WithLabelValues(result).Inc()
}

// ObserveConsumption records a token consumption attempt.
func (c *Collectors) ObserveConsumption(action, result string) {
	if c == nil {
		return
	}
	c.tokenConsumptions.WithLabelValues(action, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server is the optional /metrics listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and starts serving /metrics in the background.
func (c *Collectors) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
