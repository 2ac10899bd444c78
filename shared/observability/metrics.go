package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"conversation-orchestrator/backend/pkg/resilience"
)

// Metrics holds the orchestrator's instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter        metric.Meter
	envelopes    metric.Int64Counter
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	publishes    metric.Int64Counter
	tokens       metric.Int64Counter
	receipts     metric.Int64Counter
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	envelopes, err := meter.Int64Counter("flow_envelopes_total",
		metric.WithDescription("Envelopes consumed from the bus by outcome"))
	if err != nil {
		return nil, err
	}
	turns, err := meter.Int64Counter("flow_turns_total",
		metric.WithDescription("Turns processed by type and outcome"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("flow_turn_duration_seconds",
		metric.WithDescription("Time spent processing one turn"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	publishes, err := meter.Int64Counter("flow_publishes_total",
		metric.WithDescription("Envelopes published by topic and outcome"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("flow_correlation_tokens_total",
		metric.WithDescription("Correlation token lifecycle events"))
	if err != nil {
		return nil, err
	}

	receipts, err := meter.Int64Counter("flow_channel_receipts_total",
		metric.WithDescription("Delivery receipts reported by channel connectors"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:        meter,
		receipts:     receipts,
		envelopes:    envelopes,
		turns:        turns,
		turnDuration: turnDuration,
		publishes:    publishes,
		tokens:       tokens,
	}, nil
}

// DefaultMetrics creates the instruments on the global meter provider
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(InstrumentationName))
	if err != nil {
		return nil
	}
	return m
}

// EnvelopeConsumed counts one envelope taken off topic
func (m *Metrics) EnvelopeConsumed(ctx context.Context, topic, outcome string) {
	if m == nil {
		return
	}
	m.envelopes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

// TurnProcessed records a finished turn
func (m *Metrics) TurnProcessed(ctx context.Context, turnType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("turn_type", turnType),
		attribute.String("outcome", outcome),
	)
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Published counts one publish attempt that ran to completion
func (m *Metrics) Published(ctx context.Context, topic string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

// Tokens counts correlation token events (issued, retired, abandoned, swept)
func (m *Metrics) Tokens(ctx context.Context, event string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.tokens.Add(ctx, n, metric.WithAttributes(attribute.String("event", event)))
}

// Receipt counts one channel delivery receipt
func (m *Metrics) Receipt(ctx context.Context) {
	if m == nil {
		return
	}
	m.receipts.Add(ctx, 1)
}

var breakerStates = map[resilience.CircuitBreakerState]int64{
	resilience.StateClosed:   0,
	resilience.StateHalfOpen: 1,
	resilience.StateOpen:     2,
}

// ObserveCircuitBreaker reports the breaker's state (0 closed, 1 half-open,
// 2 open) and request counters on every collection
func (m *Metrics) ObserveCircuitBreaker(cb *resilience.CircuitBreaker) error {
	if m == nil || cb == nil {
		return nil
	}
	state, err := m.meter.Int64ObservableGauge("flow_circuit_breaker_state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"))
	if err != nil {
		return err
	}
	requests, err := m.meter.Int64ObservableCounter("flow_circuit_breaker_requests_total",
		metric.WithDescription("Requests let through the circuit breaker by outcome"))
	if err != nil {
		return err
	}
	opened, err := m.meter.Int64ObservableCounter("flow_circuit_breaker_opened_total",
		metric.WithDescription("Times the circuit breaker opened"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := cb.Stats()
		name := metric.WithAttributes(attribute.String("breaker", stats.Name))
		o.ObserveInt64(state, breakerStates[stats.State], name)
		o.ObserveInt64(requests, int64(stats.TotalSuccesses), metric.WithAttributes(
			attribute.String("breaker", stats.Name), attribute.String("outcome", "success")))
		o.ObserveInt64(requests, int64(stats.TotalFailures), metric.WithAttributes(
			attribute.String("breaker", stats.Name), attribute.String("outcome", "failure")))
		o.ObserveInt64(opened, int64(stats.OpenCircuitCount), name)
		return nil
	}, state, requests, opened)
	return err
}
