package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"unpackd/pkg/bus"
)

// Broker is the subset of the message bus a BusQueue needs.
type Broker interface {
	Connected() bool
	Publish(ctx context.Context, subj string, v any) error
	QueueSubscribe(ctx context.Context, subj, queue string, ackWait time.Duration, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

var _ Broker = (*bus.Bus)(nil)

// BusQueue distributes tasks through a JetStream queue group so any number
// of worker processes can share the load.
type BusQueue struct {
	broker  Broker
	subject string
	group   string
	ackWait time.Duration
}

func NewBusQueue(broker Broker, subject, group string, ackWait time.Duration) *BusQueue {
	return &BusQueue{broker: broker, subject: subject, group: group, ackWait: ackWait}
}

func (q *BusQueue) Enqueue(ctx context.Context, task Task) error {
	if q.broker == nil || !q.broker.Connected() {
		return fmt.Errorf("%w: bus disconnected", ErrQueueUnavailable)
	}
	if err := q.broker.Publish(ctx, q.subject, task); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrQueueUnavailable, q.subject, err)
	}
	return nil
}

func (q *BusQueue) Consume(ctx context.Context, handler func(context.Context, Task) error) (io.Closer, error) {
	return q.broker.QueueSubscribe(ctx, q.subject, q.group, q.ackWait, func(ctx context.Context, data []byte) error {
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		return handler(ctx, task)
	})
}
