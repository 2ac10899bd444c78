package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, redis bus tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if addr, err := containerAddr(ctx); err != nil {
		fmt.Printf("Failed to resolve redis container: %v\n", err)
		skipIntegration = true
	} else {
		testRedisClient = redis.NewClient(&redis.Options{Addr: addr})
		if err := testRedisClient.Ping(ctx).Err(); err != nil {
			fmt.Printf("Failed to ping redis: %v\n", err)
			skipIntegration = true
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func containerAddr(ctx context.Context) (string, error) {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return "", err
	}
	return host + ":" + port.Port(), nil
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping redis bus test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func TestRedisBusRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewRedisBus(getRedis(t), RedisOptions{Partitions: 2, MaxLen: 1000, ConsumerName: "test"}, nil)
	require.NoError(t, b.Ping(ctx))

	env := inbound(t, "C1")
	p := PartitionFor("C1", 2)
	c, err := b.Subscribe("in", "flow", p)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "in", env))

	var d *Delivery
	require.Eventually(t, func() bool {
		d, err = c.Consume(ctx, 50*time.Millisecond)
		return err == nil && d != nil
	}, 2*time.Second, 10*time.Millisecond)

	got, err := Decode(d.Value)
	require.NoError(t, err)
	assert.Equal(t, "C1", got.ChannelID)
	assert.Equal(t, "C1", d.Key)
	require.NoError(t, d.Ack(ctx))

	pending, err := testRedisClient.XPending(ctx, StreamName("in", p), "flow").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisBusRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	client := getRedis(t)
	b := NewRedisBus(client, RedisOptions{Partitions: 1, ConsumerName: "test"}, nil)

	first, err := b.Subscribe("in", "flow", 0)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "in", inbound(t, "C1")))

	var d *Delivery
	require.Eventually(t, func() bool {
		d, err = first.Consume(ctx, 50*time.Millisecond)
		return err == nil && d != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Same consumer name after a restart: the pending entry comes back first.
	restarted, err := b.Subscribe("in", "flow", 0)
	require.NoError(t, err)
	again, err := restarted.Consume(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.Value, again.Value)
	require.NoError(t, again.Ack(ctx))
}
