package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/shared/observability"
)

// Handler processes one decoded envelope
type Handler func(ctx context.Context, env Envelope) error

// Loop outcomes, also used as metric labels
const (
	OutcomeHandled = "handled"
	OutcomeFailed  = "failed"
	OutcomePoison  = "poison"
	OutcomePanic   = "panic"
)

// Loop drains one consumer for the lifetime of its context. A bad message
// never stops it: poison is dropped, handler failures are logged and skipped,
// transport failures back off and retry.
type Loop struct {
	consumer Consumer
	topic    string
	handler  Handler
	log      *logger.Logger
	metrics  *observability.Metrics
	timeout  time.Duration
	backoff  backoff.BackOff
}

// LoopOption customises a Loop
type LoopOption func(*Loop)

// WithMetrics records per-envelope outcomes
func WithMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithBackOff replaces the transport error backoff
func WithBackOff(b backoff.BackOff) LoopOption {
	return func(l *Loop) { l.backoff = b }
}

// NewLoop creates a consumption loop for topic
func NewLoop(consumer Consumer, topic string, handler Handler, timeout time.Duration, log *logger.Logger, opts ...LoopOption) *Loop {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0

	l := &Loop{
		consumer: consumer,
		topic:    topic,
		handler:  handler,
		log:      log.WithFields("topic", topic),
		timeout:  timeout,
		backoff:  eb,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("Consumer loop started")
	defer l.log.Info("Consumer loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		d, err := l.consumer.Consume(ctx, l.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := l.backoff.NextBackOff()
			if wait == backoff.Stop {
				wait = time.Second
			}
			l.log.Warn("Consume failed, backing off",
				"error", err.Error(),
				"wait", wait.String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		l.backoff.Reset()

		if d == nil {
			continue
		}
		l.Process(ctx, d)
	}
}

// Process handles one delivery and always acknowledges it
func (l *Loop) Process(ctx context.Context, d *Delivery) {
	outcome := l.dispatch(ctx, d)
	l.metrics.EnvelopeConsumed(ctx, l.topic, outcome)

	if err := d.Ack(ctx); err != nil {
		l.log.Warn("Ack failed; message may be redelivered",
			"partition", d.Partition,
			"error", err.Error(),
		)
	}
}

func (l *Loop) dispatch(ctx context.Context, d *Delivery) (outcome string) {
	env, err := Decode(d.Value)
	if err != nil {
		l.log.Error("Dropping poison message",
			"partition", d.Partition,
			"key", d.Key,
			"error", err.Error(),
		)
		return OutcomePoison
	}

	log := l.log.WithChannelID(env.ChannelID).WithSession(env.SessionID, env.TurnID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked",
				"intent", string(env.Intent),
				"panic", fmt.Sprint(r),
			)
			outcome = OutcomePanic
		}
	}()

	if err := l.handler(ctx, env); err != nil {
		log.Warn("Handler failed; envelope skipped",
			"intent", string(env.Intent),
			"kind", string(apperrors.KindOf(err)),
			"error", err.Error(),
		)
		return OutcomeFailed
	}
	return OutcomeHandled
}
