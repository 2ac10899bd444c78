package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"conversation-orchestrator/backend/pkg/logger"
)

// RedisOptions configures the Redis Streams transport
type RedisOptions struct {
	Partitions int
	// MaxLen trims each stream approximately to this many entries; zero keeps all
	MaxLen int64
	// ConsumerName identifies this process inside a group; defaults to the hostname
	ConsumerName string
	// Owned closes the client when the bus closes
	Owned bool
}

// RedisBus maps each topic partition to one Redis stream and each consumer
// group to a stream consumer group
type RedisBus struct {
	client *redis.Client
	opts   RedisOptions
	log    *logger.Logger
}

// NewRedisBus creates a Redis Streams transport over client
func NewRedisBus(client *redis.Client, opts RedisOptions, log *logger.Logger) *RedisBus {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "flow"
		}
		opts.ConsumerName = host
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RedisBus{client: client, opts: opts, log: log}
}

// StreamName is the Redis key backing one topic partition
func StreamName(topic string, partition int) string {
	return fmt.Sprintf("%s:p%d", topic, partition)
}

// Publish appends env to the stream of its partition
func (b *RedisBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	key := env.Key()
	args := &redis.XAddArgs{
		Stream: StreamName(topic, PartitionFor(key, b.opts.Partitions)),
		Values: map[string]any{"key": key, "envelope": data},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Subscribe joins group on one partition stream, creating both if needed
func (b *RedisBus) Subscribe(topic, group string, partition int) (Consumer, error) {
	stream := StreamName(topic, partition)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}

	return &redisConsumer{
		bus:       b,
		topic:     topic,
		stream:    stream,
		group:     group,
		partition: partition,
		consumer:  fmt.Sprintf("%s-%d", b.opts.ConsumerName, partition),
		// Start with our own pending entries so a restart redelivers what
		// was read but never acknowledged.
		cursor: "0",
	}, nil
}

// Partitions returns the number of streams per topic
func (b *RedisBus) Partitions() int {
	return b.opts.Partitions
}

// Ping checks the Redis connection
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client when the bus owns it
func (b *RedisBus) Close() error {
	if b.opts.Owned {
		return b.client.Close()
	}
	return nil
}

type redisConsumer struct {
	bus       *RedisBus
	topic     string
	stream    string
	group     string
	partition int
	consumer  string
	cursor    string
}

func (c *redisConsumer) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, c.cursor},
		Count:    1,
		Block:    timeout,
	}
	streams, err := c.bus.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	for _, s := range streams {
		if len(s.Messages) == 0 {
			continue
		}
		return c.delivery(s.Messages[0]), nil
	}

	// Pending list drained; switch to new entries
	if c.cursor != ">" {
		c.cursor = ">"
	}
	return nil, nil
}

func (c *redisConsumer) delivery(msg redis.XMessage) *Delivery {
	var value []byte
	switch v := msg.Values["envelope"].(type) {
	case string:
		value = []byte(v)
	case []byte:
		value = v
	}
	key, _ := msg.Values["key"].(string)

	return &Delivery{
		Topic:     c.topic,
		Partition: c.partition,
		Key:       key,
		Value:     value,
		ack: func(ctx context.Context) error {
			if err := c.bus.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
				return fmt.Errorf("xack %s %s: %w", c.stream, msg.ID, err)
			}
			return nil
		},
	}
}

func (c *redisConsumer) Close() error {
	return nil
}
