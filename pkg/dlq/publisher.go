package dlq

import (
	"context"
	"log/slog"
	"time"
)

// Bus is the transport surface SafePublisher needs: a durable publish and
// the direct dead-letter escape hatch.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error
	PublishDLQ(ctx context.Context, subject string, payload []byte, headers map[string]string) error
}

// SafePublisher wraps the durable bus so that a failed publish is captured on
// the dead-letter stream instead of vanishing. The original error still
// reaches the caller; the DLQ copy is for the operators.
type SafePublisher struct {
	bus     Bus
	timeout time.Duration
	log     *slog.Logger
}

func NewSafePublisher(b Bus, timeout time.Duration, log *slog.Logger) *SafePublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &SafePublisher{bus: b, timeout: timeout, log: log}
}

// Publish attempts a durable publish. On failure it routes a copy to the
// dead-letter stream, best effort, and returns the original error.
func (p *SafePublisher) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.bus.Publish(pubCtx, subject, payload, headers)
	if err == nil {
		return nil
	}

	p.log.Error("publish failed, routing to DLQ",
		"subject", subject, "error", err)

	dlqHeaders := make(map[string]string, len(headers)+3)
	for k, v := range headers {
		dlqHeaders[k] = v
	}
	dlqHeaders["original_subject"] = subject
	dlqHeaders["error"] = err.Error()
	dlqHeaders["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339)

	// Fresh context: the publish context may already be dead, and losing the
	// DLQ copy too would defeat the point.
	dlqCtx, dlqCancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer dlqCancel()

	if dlqErr := p.bus.PublishDLQ(dlqCtx, "dlq."+subject, payload, dlqHeaders); dlqErr != nil {
		p.log.Error("DLQ publish also failed, message lost",
			"subject", subject, "error", dlqErr)
	}

	return err
}
