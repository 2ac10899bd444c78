package worker

import (
	"context"
	"sync"
	"time"

	"conversation-orchestrator/backend/internal/correlation"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/shared/observability"
)

// Sweeper periodically deletes correlation tokens past the retention window
type Sweeper struct {
	tokens    *correlation.Registry
	retention time.Duration
	interval  time.Duration
	log       *logger.Logger
	metrics   *observability.Metrics

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper; a non-positive interval disables it
func NewSweeper(tokens *correlation.Registry, retention, interval time.Duration, log *logger.Logger, metrics *observability.Metrics) *Sweeper {
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{
		tokens:    tokens,
		retention: retention,
		interval:  interval,
		log:       log,
		metrics:   metrics,
	}
}

// SweepOnce runs a single retention pass
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.tokens.Sweep(ctx, s.retention)
	if err != nil {
		s.log.LogError(err, "Correlation sweep failed")
		return 0, err
	}
	s.metrics.Tokens(ctx, "swept", n)
	if n > 0 {
		s.log.Info("Swept correlation tokens", "deleted", n, "retention", s.retention.String())
	}
	return n, nil
}

// Start launches the sweep ticker
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		return ErrAlreadyStarted
	}
	if s.interval <= 0 || s.retention <= 0 {
		s.log.Info("Correlation sweeper disabled")
		return nil
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
	return nil
}

func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// Stop halts the ticker and waits for an in-flight sweep
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
