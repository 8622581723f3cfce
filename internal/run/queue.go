package run

import (
	"context"
)

// Handler processes run IDs delivered from the queue.
type Handler func(ctx context.Context, runID string) error

// Producer delivers runs into the queue.
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer pulls runs out of the queue.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue combines producer and consumer capabilities.
type Queue interface {
	Producer
	Consumer
}
