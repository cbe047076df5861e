// Package telemetry tracks cost and usage for research sessions: model
// calls, tool calls, and whole-session outcomes.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/inquest/config"
)

var (
	metricsOnce    sync.Once
	sessionsTotal  otelmetric.Int64Counter
	sessionRounds  otelmetric.Float64Histogram
	modelTokens    otelmetric.Int64Counter
	modelCostTotal otelmetric.Float64Counter
	toolCalls      otelmetric.Int64Counter
	taskDuration   otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("inquest/telemetry")
	var err error
	sessionsTotal, err = meter.Int64Counter(
		"inquest_sessions_total",
		otelmetric.WithDescription("Research sessions started, by outcome"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: inquest_sessions_total: %v", err)
	}
	sessionRounds, err = meter.Float64Histogram(
		"inquest_session_rounds",
		otelmetric.WithDescription("Rounds consumed per session"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: inquest_session_rounds: %v", err)
	}
	modelTokens, err = meter.Int64Counter(
		"inquest_model_tokens_total",
		otelmetric.WithDescription("Tokens consumed by model calls"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: inquest_model_tokens_total: %v", err)
	}
	modelCostTotal, err = meter.Float64Counter(
		"inquest_model_cost_dollars_total",
		otelmetric.WithDescription("Accumulated model spend in dollars"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: inquest_model_cost_dollars_total: %v", err)
	}
	toolCalls, err = meter.Int64Counter(
		"inquest_tool_calls_total",
		otelmetric.WithDescription("Tool invocations, by tool, provider and outcome"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: inquest_tool_calls_total: %v", err)
	}
	taskDuration, err = meter.Float64Histogram(
		"inquest_task_duration_seconds",
		otelmetric.WithDescription("Wall time of worker task executions"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: inquest_task_duration_seconds: %v", err)
	}
}

// SessionEvent summarizes one completed research session.
type SessionEvent struct {
	ID           string
	Query        string
	Rounds       int
	Tasks        int
	Duration     time.Duration
	Success      bool
	Cost         float64
	InputTokens  int64
	OutputTokens int64
}

// ModelCallEvent records one completion call.
type ModelCallEvent struct {
	Role         string
	Model        string
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Success      bool
}

// ToolCallEvent records one tool invocation as seen by a worker.
type ToolCallEvent struct {
	Tool     string
	Provider string
	Duration time.Duration
	Success  bool
}

type costTracker struct {
	mu           sync.RWMutex
	totalCost    float64
	inputTokens  int64
	outputTokens int64
	modelCosts   map[string]float64
	roleCosts    map[string]float64
	toolFailures map[string]int64
	sessions     int64
	failures     int64
}

// CostSummary is a point-in-time snapshot of accumulated spend.
type CostSummary struct {
	TotalCost    float64
	InputTokens  int64
	OutputTokens int64
	ModelCosts   map[string]float64
	RoleCosts    map[string]float64
	ToolFailures map[string]int64
	Sessions     int64
	Failures     int64
}

// Telemetry aggregates events in memory and mirrors them to otel
// instruments. Disabled telemetry drops everything.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	tracker *costTracker
}

// New builds a telemetry sink from config.
func New(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		tracker: &costTracker{
			modelCosts:   make(map[string]float64),
			roleCosts:    make(map[string]float64),
			toolFailures: make(map[string]int64),
		},
	}
}

// RecordSession records a completed session.
func (t *Telemetry) RecordSession(ctx context.Context, event SessionEvent) {
	if !t.config.Enabled {
		return
	}
	metricsOnce.Do(initMetrics)

	t.tracker.mu.Lock()
	t.tracker.sessions++
	if !event.Success {
		t.tracker.failures++
	}
	t.tracker.mu.Unlock()

	outcome := "ok"
	if !event.Success {
		outcome = "error"
	}
	attrs := otelmetric.WithAttributes(attribute.String("outcome", outcome))
	if sessionsTotal != nil {
		sessionsTotal.Add(ctx, 1, attrs)
	}
	if sessionRounds != nil {
		sessionRounds.Record(ctx, float64(event.Rounds), attrs)
	}

	t.logger.Printf("Session: ID=%s, Success=%t, Rounds=%d, Tasks=%d, Duration=%v, Cost=$%.4f, Tokens=%d/%d",
		event.ID, event.Success, event.Rounds, event.Tasks, event.Duration,
		event.Cost, event.InputTokens, event.OutputTokens)
}

// RecordModelCall records one completion call.
func (t *Telemetry) RecordModelCall(ctx context.Context, event ModelCallEvent) {
	if !t.config.Enabled {
		return
	}
	metricsOnce.Do(initMetrics)

	t.tracker.mu.Lock()
	t.tracker.totalCost += event.Cost
	t.tracker.inputTokens += event.InputTokens
	t.tracker.outputTokens += event.OutputTokens
	t.tracker.modelCosts[event.Model] += event.Cost
	t.tracker.roleCosts[event.Role] += event.Cost
	t.tracker.mu.Unlock()

	attrs := otelmetric.WithAttributes(
		attribute.String("model", event.Model),
		attribute.String("role", event.Role),
	)
	if modelTokens != nil {
		modelTokens.Add(ctx, event.InputTokens+event.OutputTokens, attrs)
	}
	if modelCostTotal != nil {
		modelCostTotal.Add(ctx, event.Cost, attrs)
	}
}

// RecordToolCall records one tool invocation.
func (t *Telemetry) RecordToolCall(ctx context.Context, event ToolCallEvent) {
	if !t.config.Enabled {
		return
	}
	metricsOnce.Do(initMetrics)

	if !event.Success {
		t.tracker.mu.Lock()
		t.tracker.toolFailures[event.Tool]++
		t.tracker.mu.Unlock()
	}

	outcome := "ok"
	if !event.Success {
		outcome = "error"
	}
	if toolCalls != nil {
		toolCalls.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("tool", event.Tool),
			attribute.String("provider", event.Provider),
			attribute.String("outcome", outcome),
		))
	}
	if taskDuration != nil {
		taskDuration.Record(ctx, event.Duration.Seconds(), otelmetric.WithAttributes(
			attribute.String("tool", event.Tool),
		))
	}
}

// Summary returns a deep copy of the accumulated costs.
func (t *Telemetry) Summary() CostSummary {
	t.tracker.mu.RLock()
	defer t.tracker.mu.RUnlock()

	summary := CostSummary{
		TotalCost:    t.tracker.totalCost,
		InputTokens:  t.tracker.inputTokens,
		OutputTokens: t.tracker.outputTokens,
		ModelCosts:   make(map[string]float64, len(t.tracker.modelCosts)),
		RoleCosts:    make(map[string]float64, len(t.tracker.roleCosts)),
		ToolFailures: make(map[string]int64, len(t.tracker.toolFailures)),
		Sessions:     t.tracker.sessions,
		Failures:     t.tracker.failures,
	}
	for k, v := range t.tracker.modelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.tracker.roleCosts {
		summary.RoleCosts[k] = v
	}
	for k, v := range t.tracker.toolFailures {
		summary.ToolFailures[k] = v
	}
	return summary
}

// Shutdown logs the final spend report.
func (t *Telemetry) Shutdown() {
	if !t.config.Enabled {
		return
	}
	summary := t.Summary()
	t.logger.Printf("Final report: sessions=%d (failures=%d), cost=$%.4f, tokens=%d/%d",
		summary.Sessions, summary.Failures, summary.TotalCost,
		summary.InputTokens, summary.OutputTokens)
	for model, cost := range summary.ModelCosts {
		t.logger.Printf("  model %s: $%.4f", model, cost)
	}
}
