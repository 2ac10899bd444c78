package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"conversation-orchestrator/backend/pkg/logger"
)

// KafkaOptions configures the Kafka transport
type KafkaOptions struct {
	Brokers      []string
	Partitions   int
	WriteTimeout time.Duration
}

// KafkaBus publishes with a key-hash balancer so one conversation always
// lands on one partition. Partition assignment for consumers is left to the
// Kafka group coordinator: Subscribe starts one group member per call.
type KafkaBus struct {
	opts   KafkaOptions
	writer *kafka.Writer
	log    *logger.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus creates a Kafka transport
func NewKafkaBus(opts KafkaOptions, log *logger.Logger) *KafkaBus {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &KafkaBus{
		opts: opts,
		log:  log,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           opts.WriteTimeout,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Publish writes env keyed by its conversation
func (b *KafkaBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(env.Key()),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Subscribe adds a member to group on topic. The partition argument is only
// used for labelling; the coordinator balances partitions across members.
func (b *KafkaBus) Subscribe(topic, group string, partition int) (Consumer, error) {
	if len(b.opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.opts.Brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.log.Info("Kafka consumer joined group",
		"topic", topic,
		"group", group,
		"member", partition,
	)

	return &kafkaConsumer{reader: reader, topic: topic, partition: partition}, nil
}

// Partitions returns the partition count the topics are created with
func (b *KafkaBus) Partitions() int {
	return b.opts.Partitions
}

// Ping dials the first reachable broker
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.opts.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}

// Close flushes the writer and closes every reader
func (b *KafkaBus) Close() error {
	var errs []error
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type kafkaConsumer struct {
	reader    *kafka.Reader
	topic     string
	partition int
}

func (c *kafkaConsumer) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("kafka fetch %s: %w", c.topic, err)
	}

	return &Delivery{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Key:       string(msg.Key),
		Value:     msg.Value,
		ack: func(ctx context.Context) error {
			return c.reader.CommitMessages(ctx, msg)
		},
	}, nil
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
