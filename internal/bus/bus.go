package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"conversation-orchestrator/backend/pkg/config"
	"conversation-orchestrator/backend/pkg/logger"
	sharedredis "conversation-orchestrator/backend/shared/redis"
)

// Bus publishes envelopes to topics and hands out consumers
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic, group string, partition int) (Consumer, error)
	Partitions() int
	Ping(ctx context.Context) error
	Close() error
}

// Consumer reads one topic partition on behalf of a consumer group
type Consumer interface {
	// Consume waits up to timeout for the next delivery. It returns nil, nil
	// when nothing arrived in time.
	Consume(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Close() error
}

// Delivery is one raw message; Ack commits it for the group
type Delivery struct {
	Topic     string
	Partition int
	Key       string
	Value     []byte
	ack       func(ctx context.Context) error
}

// Ack marks the delivery processed
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// PartitionFor maps a key to one of n partitions
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// New builds the transport selected by configuration
func New(cfg *config.Config, log *logger.Logger) (Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return NewMemoryBus(cfg.Bus.Partitions), nil
	case "redis":
		client := sharedredis.NewClient(cfg)
		return NewRedisBus(client, RedisOptions{
			Partitions: cfg.Bus.Partitions,
			MaxLen:     cfg.Bus.StreamMaxLen,
			Owned:      true,
		}, log), nil
	case "kafka":
		return NewKafkaBus(KafkaOptions{
			Brokers:      cfg.Bus.Brokers,
			Partitions:   cfg.Bus.Partitions,
			WriteTimeout: cfg.Bus.PublishTimeout,
		}, log), nil
	}
	return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
}
