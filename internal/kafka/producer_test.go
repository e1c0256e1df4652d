package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	kgo "github.com/segmentio/kafka-go"

	bkafka "bookscout/internal/kafka"
	"bookscout/internal/models"
	"bookscout/mocks"
)

func TestProducerWriteJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	prod := bkafka.NewProducerWithWriter(writer)

	job := models.LookupJob{
		RequestID: "request-123",
		Query:     "clans of the alphane moon",
		CreatedAt: time.Unix(0, 0).UTC(),
	}

	writer.EXPECT().
		WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kgo.Message) error {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if string(msgs[0].Key) != job.RequestID {
				t.Fatalf("unexpected message key: %s", string(msgs[0].Key))
			}

			var got models.LookupJob
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("failed to decode message: %v", err)
			}
			if got.RequestID != job.RequestID || got.Query != job.Query {
				t.Fatalf("unexpected job payload: %+v", got)
			}
			return nil
		})

	if err := prod.WriteJob(context.Background(), job); err != nil {
		t.Fatalf("WriteJob returned error: %v", err)
	}
}

func TestProducerWriteJobError(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	writer := mocks.NewMockMessageWriter(ctrl)
	prod := bkafka.NewProducerWithWriter(writer)

	job := models.LookupJob{RequestID: "request-err"}
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("write failed"))
	if err := prod.WriteJob(context.Background(), job); err == nil {
		t.Fatal("expected error, got nil")
	}
}
