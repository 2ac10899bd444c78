package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a transport after Close
var ErrClosed = errors.New("bus closed")

// MemoryBus is an in-process transport for tests and single-node development.
// Every consumer group sees every envelope, starting from the oldest.
type MemoryBus struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*memoryTopic
	closed     bool
}

type memoryTopic struct {
	partitions []*memoryPartition
	published  []Envelope
}

type memoryPartition struct {
	mu      sync.Mutex
	log     []memoryRecord
	cursors map[string]int
	acked   map[string]int
	signal  chan struct{}
}

type memoryRecord struct {
	key   string
	value []byte
}

// NewMemoryBus creates an in-process bus with n partitions per topic
func NewMemoryBus(partitions int) *MemoryBus {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryBus{partitions: partitions, topics: make(map[string]*memoryTopic)}
}

func (b *MemoryBus) topic(name string) (*memoryTopic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{partitions: make([]*memoryPartition, b.partitions)}
		for i := range t.partitions {
			t.partitions[i] = &memoryPartition{
				cursors: make(map[string]int),
				acked:   make(map[string]int),
				signal:  make(chan struct{}),
			}
		}
		b.topics[name] = t
	}
	return t, nil
}

// Publish appends env to the partition chosen by its key
func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, topic, env.Key(), data)
}

// PublishRaw appends an already encoded value; tests use it to inject
// malformed messages
func (b *MemoryBus) PublishRaw(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := b.topic(topic)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if env, decodeErr := Decode(value); decodeErr == nil {
		t.published = append(t.published, env)
	}
	b.mu.Unlock()

	p := t.partitions[PartitionFor(key, len(t.partitions))]
	p.mu.Lock()
	p.log = append(p.log, memoryRecord{key: key, value: value})
	close(p.signal)
	p.signal = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// Published returns every valid envelope published to topic, in order
func (b *MemoryBus) Published(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]Envelope(nil), t.published...)
}

// Subscribe returns a consumer for one partition of topic
func (b *MemoryBus) Subscribe(topic, group string, partition int) (Consumer, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	if partition < 0 || partition >= len(t.partitions) {
		partition = 0
	}
	return &memoryConsumer{bus: b, topic: topic, group: group, partition: partition, p: t.partitions[partition]}, nil
}

// Partitions returns the partition count per topic
func (b *MemoryBus) Partitions() int {
	return b.partitions
}

// Ping reports whether the bus is still open
func (b *MemoryBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the bus; pending consumers return ErrClosed
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type memoryConsumer struct {
	bus       *MemoryBus
	topic     string
	group     string
	partition int
	p         *memoryPartition
}

func (c *memoryConsumer) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if c.bus.isClosed() {
			return nil, ErrClosed
		}

		c.p.mu.Lock()
		offset := c.p.cursors[c.group]
		if offset < len(c.p.log) {
			rec := c.p.log[offset]
			c.p.cursors[c.group] = offset + 1
			c.p.mu.Unlock()
			return &Delivery{
				Topic:     c.topic,
				Partition: c.partition,
				Key:       rec.key,
				Value:     rec.value,
				ack: func(context.Context) error {
					c.p.mu.Lock()
					defer c.p.mu.Unlock()
					if offset+1 > c.p.acked[c.group] {
						c.p.acked[c.group] = offset + 1
					}
					return nil
				},
			}, nil
		}
		signal := c.p.signal
		c.p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

func (c *memoryConsumer) Close() error {
	return nil
}

// Acked returns how many deliveries group has acknowledged on a partition
func (b *MemoryBus) Acked(topic, group string, partition int) int {
	t, err := b.topic(topic)
	if err != nil || partition < 0 || partition >= len(t.partitions) {
		return 0
	}
	p := t.partitions[partition]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked[group]
}
