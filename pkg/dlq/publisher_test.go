package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	publishErr error
	dlqErr     error

	published   []string
	lastPayload []byte
	dlqSubject  string
	dlqHeaders  map[string]string
	dlqPayload  []byte
}

func (f *fakeBus) Publish(_ context.Context, subject string, payload []byte, _ map[string]string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, subject)
	f.lastPayload = payload
	return nil
}

func (f *fakeBus) PublishDLQ(_ context.Context, subject string, payload []byte, headers map[string]string) error {
	if f.dlqErr != nil {
		return f.dlqErr
	}
	f.dlqSubject = subject
	f.dlqPayload = payload
	f.dlqHeaders = headers
	return nil
}

func TestSafePublisher_SuccessSkipsDLQ(t *testing.T) {
	fb := &fakeBus{}
	p := NewSafePublisher(fb, time.Second, nil)

	err := p.Publish(context.Background(), "task.created", []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"task.created"}, fb.published)
	assert.Empty(t, fb.dlqSubject)
}

func TestSafePublisher_FailureRoutesToDLQAndReturnsOriginalError(t *testing.T) {
	cause := errors.New("stream unavailable")
	fb := &fakeBus{publishErr: cause}
	p := NewSafePublisher(fb, time.Second, nil)

	err := p.Publish(context.Background(), "escalation.created", []byte("payload"),
		map[string]string{"trace": "abc"})
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "dlq.escalation.created", fb.dlqSubject)
	assert.Equal(t, []byte("payload"), fb.dlqPayload)
	assert.Equal(t, "escalation.created", fb.dlqHeaders["original_subject"])
	assert.Equal(t, cause.Error(), fb.dlqHeaders["error"])
	assert.NotEmpty(t, fb.dlqHeaders["dlq_timestamp"])
	// Original headers survive.
	assert.Equal(t, "abc", fb.dlqHeaders["trace"])
}

func TestSafePublisher_DLQFailureStillReturnsOriginalError(t *testing.T) {
	cause := errors.New("stream unavailable")
	fb := &fakeBus{publishErr: cause, dlqErr: errors.New("redis down")}
	p := NewSafePublisher(fb, time.Second, nil)

	err := p.Publish(context.Background(), "task.created", []byte("x"), nil)
	assert.ErrorIs(t, err, cause)
}
