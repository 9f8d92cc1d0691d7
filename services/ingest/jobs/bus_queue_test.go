package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	connected  bool
	publishErr error
	published  []any
	handler    func(context.Context, []byte) error
	group      string
}

func (f *fakeBroker) Connected() bool { return f.connected }

func (f *fakeBroker) Publish(_ context.Context, _ string, v any) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, v)
	return nil
}

func (f *fakeBroker) QueueSubscribe(_ context.Context, _, queue string, _ time.Duration, fn func(context.Context, []byte) error) (io.Closer, error) {
	f.group = queue
	f.handler = fn
	return io.NopCloser(nil), nil
}

func TestBusQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	task := Task{JobID: "j1", URL: "https://example.com/a.zip"}

	err := NewBusQueue(&fakeBroker{}, "unpackd.jobs", "workers", time.Minute).Enqueue(ctx, task)
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	err = NewBusQueue(&fakeBroker{connected: true, publishErr: errors.New("no responders")}, "unpackd.jobs", "workers", time.Minute).Enqueue(ctx, task)
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	broker := &fakeBroker{connected: true}
	require.NoError(t, NewBusQueue(broker, "unpackd.jobs", "workers", time.Minute).Enqueue(ctx, task))
	assert.Equal(t, []any{task}, broker.published)
}

func TestBusQueueConsumeDecodesTasks(t *testing.T) {
	broker := &fakeBroker{connected: true}
	q := NewBusQueue(broker, "unpackd.jobs", "workers", time.Minute)

	var got Task
	_, err := q.Consume(context.Background(), func(_ context.Context, task Task) error {
		got = task
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "workers", broker.group)

	data, err := json.Marshal(Task{JobID: "j9", SessionID: "s9"})
	require.NoError(t, err)
	require.NoError(t, broker.handler(context.Background(), data))
	assert.Equal(t, "j9", got.JobID)

	assert.Error(t, broker.handler(context.Background(), []byte("{")))
}
