package main

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"bookscout/internal/lookup"
)

// commitCoordinator serializes Kafka offset commits for jobs that finish out of
// order. Jobs run concurrently, so offset 7 can finish before offset 6; committing
// 7 first would mark 6 as consumed and a restart would silently drop that lookup.
// Finished messages are parked per partition until every lower offset has been
// committed.
type commitCoordinator struct {
	reader lookup.MessageReader
	done   <-chan kafka.Message // finished messages, any order

	mu        sync.Mutex
	watermark map[int]int64                   // lowest uncommitted offset per partition
	parked    map[int]map[int64]kafka.Message // finished but not yet committable, keyed by offset
}

func newCommitCoordinator(reader lookup.MessageReader, done <-chan kafka.Message) *commitCoordinator {
	return &commitCoordinator{
		reader:    reader,
		done:      done,
		watermark: make(map[int]int64),
		parked:    make(map[int]map[int64]kafka.Message),
	}
}

// run consumes finished messages until ctx is cancelled or the done channel
// closes, committing whatever runs of contiguous offsets form along the way.
// Anything still parked at shutdown gets a best-effort commit.
func (c *commitCoordinator) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.flush(ctx)
			return
		case msg, ok := <-c.done:
			if !ok {
				c.flush(ctx)
				return
			}
			c.park(msg)
			c.advance(ctx, msg.Partition)
		}
	}
}

// park records a finished message. The first message seen on a partition seeds
// the watermark, since the group's committed offset before that point is not ours
// to manage.
func (c *commitCoordinator) park(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := msg.Partition
	if c.parked[p] == nil {
		c.parked[p] = make(map[int64]kafka.Message)
	}
	c.parked[p][msg.Offset] = msg
	atomic.AddInt64(&workerCommitPendingTotal, 1)
	if _, seen := c.watermark[p]; !seen {
		c.watermark[p] = msg.Offset
	}
}

// advance commits parked messages for a partition in offset order until it hits
// a gap (an offset still in flight).
func (c *commitCoordinator) advance(ctx context.Context, partition int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.commitAtWatermark(ctx, partition, "commit error") {
	}
}

// flush drains every partition on shutdown.
func (c *commitCoordinator) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.parked {
		for c.commitAtWatermark(ctx, p, "commit flush error") {
		}
	}
}

// commitAtWatermark commits the message sitting at the partition's watermark,
// if present, and moves the watermark past it. Caller holds c.mu; the lock is
// dropped around the network call. A failed commit puts the message back and
// leaves the watermark alone, so the next advance retries the same offset.
func (c *commitCoordinator) commitAtWatermark(ctx context.Context, partition int, logPrefix string) bool {
	offset := c.watermark[partition]
	msg, ok := c.parked[partition][offset]
	if !ok {
		return false
	}
	delete(c.parked[partition], offset)
	atomic.AddInt64(&workerCommitPendingTotal, -1)

	c.mu.Unlock()
	start := time.Now()
	err := c.reader.CommitMessages(ctx, msg)
	observeCommitLatency(time.Since(start))
	c.mu.Lock()

	if err != nil {
		atomic.AddUint64(&workerCommitErrorsTotal, 1)
		log.Printf("%s partition=%d offset=%d: %v", logPrefix, partition, offset, err)
		c.parked[partition][offset] = msg
		atomic.AddInt64(&workerCommitPendingTotal, 1)
		return false
	}
	c.watermark[partition] = offset + 1
	return true
}
