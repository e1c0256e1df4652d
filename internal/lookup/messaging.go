package lookup

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of kafka.Reader the pipeline consumes through.
// FetchMessage and CommitMessages are split so the worker can process a batch
// concurrently and commit offsets later, in order, via its commit coordinator.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of kafka.Writer used to publish results, catalog
// edges, and dead letters.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
