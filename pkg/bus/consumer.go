package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// AckWait is how long a delivered message may stay unacked before it is
	// reclaimed and redelivered.
	AckWait = 30 * time.Second

	// MaxDeliver is the delivery attempt ceiling; a message that fails this
	// many deliveries is dead-lettered.
	MaxDeliver = 5
)

// Consumer reads one stream through a consumer group. Unacked messages are
// reclaimed after AckWait; messages exceeding MaxDeliver deliveries are moved
// to the dead-letter stream instead of being handed out again.
type Consumer struct {
	kv       *redis.Client
	bus      *StreamBus
	stream   string
	group    string
	consumer string
	log      *slog.Logger
}

func NewConsumer(kv *redis.Client, stream, group, consumer string, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		kv:       kv,
		bus:      NewStreamBus(kv),
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log,
	}
}

// EnsureGroup creates the consumer group, creating the stream with it when
// absent. Safe to call repeatedly.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.kv.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Fetch returns up to count messages, blocking up to block for new ones.
// Stale pending messages are reclaimed first; any reclaimed message past the
// delivery ceiling is dead-lettered and acked rather than returned.
func (c *Consumer) Fetch(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	out, err := c.reclaim(ctx, count)
	if err != nil {
		return nil, err
	}
	if len(out) >= count {
		return out, nil
	}

	streams, err := c.kv.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(count - len(out)),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// Block timeout with nothing new.
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", c.group, err)
	}

	for _, s := range streams {
		for _, entry := range s.Messages {
			msg := decodeMessage(entry)
			msg.DeliveryCount = 1
			out = append(out, msg)
		}
	}
	return out, nil
}

// reclaim takes over messages another consumer left pending past AckWait and
// dead-letters the ones that have exhausted their deliveries.
func (c *Consumer) reclaim(ctx context.Context, count int) ([]Message, error) {
	entries, _, err := c.kv.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  AckWait,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim on %s: %w", c.stream, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	counts, err := c.deliveryCounts(ctx, entries)
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, entry := range entries {
		msg := decodeMessage(entry)
		msg.DeliveryCount = counts[entry.ID]
		if msg.DeliveryCount > MaxDeliver {
			if err := c.deadLetter(ctx, msg); err != nil {
				c.log.Error("dead-letter failed, message stays pending",
					"stream", c.stream, "id", msg.ID, "error", err)
				continue
			}
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Consumer) deliveryCounts(ctx context.Context, entries []redis.XMessage) (map[string]int64, error) {
	pending, err := c.kv.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.stream,
		Group:    c.group,
		Start:    entries[0].ID,
		End:      entries[len(entries)-1].ID,
		Count:    int64(len(entries)),
		Consumer: c.consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pending lookup on %s: %w", c.stream, err)
	}

	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts, nil
}

// deadLetter moves an exhausted message onto the DLQ stream and acks it.
func (c *Consumer) deadLetter(ctx context.Context, msg Message) error {
	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["original_subject"] = msg.Subject
	headers["error"] = fmt.Sprintf("max deliveries exceeded (%d)", MaxDeliver)
	headers["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339)
	headers["delivery_count"] = fmt.Sprintf("%d", msg.DeliveryCount)

	if err := c.bus.PublishDLQ(ctx, "dlq."+msg.Subject, msg.Payload, headers); err != nil {
		return err
	}
	c.log.Warn("message dead-lettered",
		"stream", c.stream, "subject", msg.Subject, "deliveries", msg.DeliveryCount)
	return c.Ack(ctx, msg.ID)
}

// Ack acknowledges a delivered message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.kv.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, c.stream, err)
	}
	return nil
}
