// Package kafka publishes lookup jobs for the API tier.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"bookscout/internal/models"
)

// JobProducer is what HTTP handlers depend on to enqueue a lookup.
type JobProducer interface {
	WriteJob(ctx context.Context, job models.LookupJob) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes LookupJob messages to the requests topic.
type Producer struct {
	writer messageWriter
}

// NewProducer connects a producer to broker/topic. Messages are keyed by
// request ID, and LeastBytes keeps partitions balanced when queries arrive in
// bursts. Topics are provisioned by deploy tooling, so auto-creation stays off.
func NewProducer(broker, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: false,
		},
	}
}

// NewProducerWithWriter injects a writer, for tests.
func NewProducerWithWriter(writer messageWriter) *Producer {
	return &Producer{writer: writer}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// WriteJob marshals and publishes one job, keyed by its request ID.
func (p *Producer) WriteJob(ctx context.Context, job models.LookupJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.RequestID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}
