// Package bus provides durable subject-based messaging on Redis Streams:
// per-subject streams with age-based trimming, a deduplication window on
// publish, and consumer groups with redelivery accounting.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DLQStream collects every dead-lettered message regardless of its
	// original subject, so one worker can drain them all.
	DLQStream = "stream:dlq"

	// DedupWindow is how long a message id blocks duplicate publishes.
	DedupWindow = 2 * time.Minute

	defaultRetention    = 24 * time.Hour
	escalationRetention = 7 * 24 * time.Hour
	dlqRetention        = 7 * 24 * time.Hour
)

// Message is one bus message as stored in a stream entry.
type Message struct {
	// ID is the stream entry id, used for acks.
	ID      string
	Subject string
	Payload []byte
	Headers map[string]string
	// DeliveryCount is how many times the entry has been handed to the
	// consumer group, starting at 1.
	DeliveryCount int64
}

// Publisher publishes a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error
}

// StreamBus is the Redis Streams transport.
type StreamBus struct {
	kv *redis.Client
}

func NewStreamBus(kv *redis.Client) *StreamBus {
	return &StreamBus{kv: kv}
}

// StreamFor maps a subject onto its stream key.
func StreamFor(subject string) string {
	if strings.HasPrefix(subject, "dlq.") {
		return DLQStream
	}
	return "stream:" + subject
}

// retentionFor returns how long entries on the subject are kept. Escalation
// traffic is retained longer than high-volume telemetry subjects.
func retentionFor(subject string) time.Duration {
	switch {
	case strings.HasPrefix(subject, "dlq."):
		return dlqRetention
	case strings.Contains(subject, "escalation"):
		return escalationRetention
	default:
		return defaultRetention
	}
}

// Publish appends the message to the subject's stream. When headers carry a
// Msg-Id, duplicate publishes inside the dedup window are silently dropped.
// Old entries beyond the subject's retention age are trimmed as a side effect.
func (b *StreamBus) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	if msgID := headers["Msg-Id"]; msgID != "" {
		dedupKey := fmt.Sprintf("bus:dedup:%s:%s", subject, msgID)
		ok, err := b.kv.SetNX(ctx, dedupKey, "1", DedupWindow).Result()
		if err != nil {
			return fmt.Errorf("dedup check for %s: %w", subject, err)
		}
		if !ok {
			return nil
		}
	}

	if err := b.append(ctx, subject, payload, headers); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishDLQ appends directly to the dead-letter stream, bypassing dedup and
// the per-subject streams. It is the escape hatch for publishers whose
// primary publish already failed.
func (b *StreamBus) PublishDLQ(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	return b.appendTo(ctx, DLQStream, subject, payload, headers, dlqRetention)
}

func (b *StreamBus) append(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	return b.appendTo(ctx, StreamFor(subject), subject, payload, headers, retentionFor(subject))
}

func (b *StreamBus) appendTo(ctx context.Context, stream, subject string, payload []byte, headers map[string]string, retention time.Duration) error {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	// Age-based retention: trim everything older than the retention window.
	minID := fmt.Sprintf("%d-0", time.Now().Add(-retention).UnixMilli())

	return b.kv.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MinID:  minID,
		Approx: true,
		Values: map[string]any{
			"subject": subject,
			"payload": string(payload),
			"headers": string(headerJSON),
		},
	}).Err()
}

// decodeMessage turns a raw stream entry back into a Message.
func decodeMessage(entry redis.XMessage) Message {
	msg := Message{ID: entry.ID, Headers: map[string]string{}}
	if s, ok := entry.Values["subject"].(string); ok {
		msg.Subject = s
	}
	if p, ok := entry.Values["payload"].(string); ok {
		msg.Payload = []byte(p)
	}
	if h, ok := entry.Values["headers"].(string); ok && h != "" {
		_ = json.Unmarshal([]byte(h), &msg.Headers)
	}
	return msg
}
