package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfabric/controlplane/pkg/breaker"
)

func newBusFixture(t *testing.T) (*StreamBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kv.Close() })
	return NewStreamBus(kv), kv
}

func TestStreamFor(t *testing.T) {
	assert.Equal(t, "stream:task.created", StreamFor("task.created"))
	assert.Equal(t, DLQStream, StreamFor("dlq.task.created"))
}

func TestPublish_AppendsDecodableEntry(t *testing.T) {
	b, kv := newBusFixture(t)
	ctx := context.Background()

	err := b.Publish(ctx, "escalation.created", []byte(`{"id":1}`),
		map[string]string{"trace": "abc"})
	require.NoError(t, err)

	entries, err := kv.XRange(ctx, "stream:escalation.created", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	msg := decodeMessage(entries[0])
	assert.Equal(t, "escalation.created", msg.Subject)
	assert.Equal(t, []byte(`{"id":1}`), msg.Payload)
	assert.Equal(t, "abc", msg.Headers["trace"])
}

func TestPublish_DedupWindow(t *testing.T) {
	b, kv := newBusFixture(t)
	ctx := context.Background()

	headers := map[string]string{"Msg-Id": "m-1"}
	require.NoError(t, b.Publish(ctx, "task.created", []byte("a"), headers))
	require.NoError(t, b.Publish(ctx, "task.created", []byte("a"), headers))

	n, err := kv.XLen(ctx, "stream:task.created").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A different id is not deduplicated.
	require.NoError(t, b.Publish(ctx, "task.created", []byte("b"),
		map[string]string{"Msg-Id": "m-2"}))
	n, _ = kv.XLen(ctx, "stream:task.created").Result()
	assert.Equal(t, int64(2), n)
}

func TestPublishDLQ_BypassesSubjectStream(t *testing.T) {
	b, kv := newBusFixture(t)
	ctx := context.Background()

	err := b.PublishDLQ(ctx, "dlq.task.created", []byte("x"),
		map[string]string{"original_subject": "task.created"})
	require.NoError(t, err)

	n, _ := kv.XLen(ctx, DLQStream).Result()
	assert.Equal(t, int64(1), n)
	n, _ = kv.XLen(ctx, "stream:task.created").Result()
	assert.Zero(t, n)
}

func TestConsumer_FetchAndAck(t *testing.T) {
	b, kv := newBusFixture(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "task.created", []byte("one"), nil))
	require.NoError(t, b.Publish(ctx, "task.created", []byte("two"), nil))

	c := NewConsumer(kv, "stream:task.created", "workers", "w1", nil)
	require.NoError(t, c.EnsureGroup(ctx))
	// Idempotent.
	require.NoError(t, c.EnsureGroup(ctx))

	msgs, err := c.Fetch(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Payload)
	assert.Equal(t, int64(1), msgs[0].DeliveryCount)

	for _, m := range msgs {
		require.NoError(t, c.Ack(ctx, m.ID))
	}

	pending, err := kv.XPending(ctx, "stream:task.created", "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestConsumer_FetchEmpty(t *testing.T) {
	_, kv := newBusFixture(t)
	ctx := context.Background()

	c := NewConsumer(kv, "stream:empty", "workers", "w1", nil)
	require.NoError(t, c.EnsureGroup(ctx))

	msgs, err := c.Fetch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGuarded_OpenBreakerRejectsPublish(t *testing.T) {
	b, _ := newBusFixture(t)
	cb := breaker.New("message_bus", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	g := NewGuarded(b, cb)
	ctx := context.Background()

	// Trip the breaker with a failing call.
	_ = cb.Execute(ctx, func(context.Context) error { return assert.AnError })

	err := g.Publish(ctx, "task.created", []byte("x"), nil)
	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)

	// The DLQ path stays available even while the breaker is open.
	require.NoError(t, g.PublishDLQ(ctx, "dlq.task.created", []byte("x"), nil))
}
