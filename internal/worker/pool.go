// Package worker owns the long-lived goroutines of the orchestrator: one
// consumer loop per subscribed topic partition and the correlation sweeper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/shared/observability"
)

// ErrAlreadyStarted is returned by Start on a running worker
var ErrAlreadyStarted = errors.New("worker already started")

type subscription struct {
	topic   string
	handler bus.Handler
}

// Pool runs a bus.Loop for every partition of every subscribed topic
type Pool struct {
	bus     bus.Bus
	group   string
	timeout time.Duration
	log     *logger.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	subs      []subscription
	consumers []bus.Consumer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a pool consuming as group
func NewPool(b bus.Bus, group string, timeout time.Duration, log *logger.Logger, metrics *observability.Metrics) *Pool {
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{bus: b, group: group, timeout: timeout, log: log, metrics: metrics}
}

// Handle registers handler for topic; call before Start
func (p *Pool) Handle(topic string, handler bus.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subscription{topic: topic, handler: handler})
}

// Start subscribes every partition and launches the loops
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	var consumers []bus.Consumer
	var loops []*bus.Loop

	for _, sub := range p.subs {
		for partition := 0; partition < p.bus.Partitions(); partition++ {
			c, err := p.bus.Subscribe(sub.topic, p.group, partition)
			if err != nil {
				cancel()
				for _, opened := range consumers {
					_ = opened.Close()
				}
				return fmt.Errorf("subscribe %s/%d: %w", sub.topic, partition, err)
			}
			consumers = append(consumers, c)
			loops = append(loops, bus.NewLoop(c, sub.topic, sub.handler, p.timeout,
				p.log.WithFields("partition", partition),
				bus.WithMetrics(p.metrics),
			))
		}
	}

	for _, l := range loops {
		p.wg.Add(1)
		go func(l *bus.Loop) {
			defer p.wg.Done()
			l.Run(runCtx)
		}(l)
	}

	p.consumers = consumers
	p.cancel = cancel
	p.log.Info("Worker pool started",
		"group", p.group,
		"topics", len(p.subs),
		"loops", len(loops),
	)
	return nil
}

// Stop cancels the loops and waits for them, bounded by ctx
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, consumers := p.cancel, p.consumers
	p.cancel, p.consumers = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for consumer loops: %w", ctx.Err()))
	}

	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.log.Info("Worker pool stopped", "group", p.group)
	return errors.Join(errs...)
}
