package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arcfabric/controlplane/pkg/bus"
)

const (
	workerBatchSize    = 10
	workerFetchTimeout = 5 * time.Second
	workerIdleSleep    = 1 * time.Second
	workerErrorBackoff = 5 * time.Second

	// alertSubject receives critical alerts for dead-lettered escalations.
	alertSubject = "alerts.critical"

	// previewLimit caps the payload excerpt embedded in alerts.
	previewLimit = 200
)

// Source is the consumer surface the worker drains.
type Source interface {
	EnsureGroup(ctx context.Context) error
	Fetch(ctx context.Context, count int, block time.Duration) ([]bus.Message, error)
	Ack(ctx context.Context, id string) error
}

// Worker drains the dead-letter stream into Postgres so operators can inspect
// and resolve failures. Dead-lettered escalation traffic additionally raises
// a critical alert.
type Worker struct {
	consumer Source
	store    *Store
	alerts   bus.Publisher
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func NewWorker(consumer Source, store *Store, alerts bus.Publisher, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		consumer: consumer,
		store:    store,
		alerts:   alerts,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run processes batches until Stop is called or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	if err := w.consumer.EnsureGroup(ctx); err != nil {
		w.log.Error("dlq worker cannot create consumer group", "error", err)
		return
	}
	w.log.Info("dlq worker started")

	for {
		select {
		case <-w.stop:
			w.log.Info("dlq worker stopping")
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.consumer.Fetch(ctx, workerBatchSize, workerFetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("dlq batch fetch failed", "error", err)
			w.sleep(ctx, workerErrorBackoff)
			continue
		}
		if len(msgs) == 0 {
			w.sleep(ctx, workerIdleSleep)
			continue
		}

		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

// Stop signals the worker and waits for the current batch to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stop:
	case <-ctx.Done():
	}
}

func (w *Worker) handle(ctx context.Context, msg bus.Message) {
	originalSubject := msg.Headers["original_subject"]
	if originalSubject == "" {
		originalSubject = msg.Subject
	}

	attempts := int(msg.DeliveryCount)
	if v, err := strconv.Atoi(msg.Headers["delivery_count"]); err == nil {
		attempts = v
	}

	id, err := w.store.Insert(ctx, originalSubject, string(msg.Payload), msg.Headers, attempts)
	if err != nil {
		// Leave unacked; the message redelivers after the ack wait.
		w.log.Error("dlq record insert failed", "subject", originalSubject, "error", err)
		return
	}

	if err := w.consumer.Ack(ctx, msg.ID); err != nil {
		w.log.Error("dlq ack failed", "id", msg.ID, "error", err)
	}

	w.log.Warn("dead letter captured",
		"record_id", id, "subject", originalSubject, "attempts", attempts)

	if containsEscalation(originalSubject) {
		w.raiseAlert(ctx, id, originalSubject, msg.Payload)
	}
}

func (w *Worker) raiseAlert(ctx context.Context, recordID, subject string, payload []byte) {
	preview := string(payload)
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}

	alert, err := json.Marshal(map[string]any{
		"severity":         "critical",
		"source":           "dlq_worker",
		"record_id":        recordID,
		"original_subject": subject,
		"data_preview":     preview,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		w.log.Error("alert encode failed", "error", err)
		return
	}

	if err := w.alerts.Publish(ctx, alertSubject, alert, nil); err != nil {
		w.log.Error("critical alert publish failed",
			"record_id", recordID, "error", err)
	}
}

func containsEscalation(subject string) bool {
	return strings.Contains(subject, "escalation")
}
