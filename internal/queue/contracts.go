package queue

import (
	"context"

	"github.com/iago/erpnext-dispatch/internal/domain"
)

// Producer sends queued dispatches to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives queued dispatches and runs handler for each. A handler
// error means the message should be delivered again.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
