package ingest

import (
	"context"
	"log"
	"time"

	"quiz-ingest-service/internal/domain"
	infraredis "quiz-ingest-service/internal/infra/redis"
)

const (
	defaultBatchSize    = 500
	defaultPollInterval = 500 * time.Millisecond
	defaultHeartbeatTTL = 20 * time.Second

	// productiveSleep keeps throughput up after a non-empty drain instead of
	// waiting the full poll interval.
	productiveSleep = 100 * time.Millisecond
)

// ConsumerQueue is the slice of the stream queue the consumer needs: stream
// discovery, draining, and the heartbeat record.
type ConsumerQueue interface {
	ListStreams(ctx context.Context) ([]string, error)
	ReadBatch(ctx context.Context, streamKey string, count int) ([]infraredis.StreamEntry, error)
	DeleteEntries(ctx context.Context, streamKey string, ids []string) error
	Length(ctx context.Context, streamKey string) (int, error)
	RemoveIfEmpty(ctx context.Context, streamKey string) error
	SetHeartbeat(ctx context.Context, hb domain.ConsumerHeartbeat, ttl time.Duration) error
}

// Consumer continuously drains the durable answer streams into the store,
// deletes what it has written, retires empty streams, and publishes a
// heartbeat carrying backlog health.
type Consumer struct {
	queue        ConsumerQueue
	store        Store
	batchSize    int
	pollInterval time.Duration
	heartbeatTTL time.Duration
	monitor      *BacklogMonitor
}

type ConsumerOptions struct {
	BatchSize      int
	PollInterval   time.Duration
	HeartbeatTTL   time.Duration
	AlertThreshold int
}

func NewConsumer(queue ConsumerQueue, store Store, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = defaultHeartbeatTTL
	}
	return &Consumer{
		queue:        queue,
		store:        store,
		batchSize:    opts.BatchSize,
		pollInterval: opts.PollInterval,
		heartbeatTTL: opts.HeartbeatTTL,
		monitor:      NewBacklogMonitor(opts.AlertThreshold),
	}
}

// Run polls until the context is canceled. A failing cycle is logged and
// retried on the next tick; it never terminates the loop.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[consumer] started (batch=%d poll=%s)", c.batchSize, c.pollInterval)
	for {
		processed, err := c.Cycle(ctx)
		if err != nil {
			log.Printf("[consumer] cycle failed: %v", err)
		}

		sleep := c.pollInterval
		if processed > 0 {
			sleep = productiveSleep
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Cycle performs one full pass: drain every known stream, measure the
// backlog, and publish the heartbeat. Returns the number of entries written.
func (c *Consumer) Cycle(ctx context.Context) (int, error) {
	keys, err := c.queue.ListStreams(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, key := range keys {
		n, err := c.drainStream(ctx, key)
		processed += n
		if err != nil {
			// Undeleted entries stay in the stream; safe to retry next cycle.
			log.Printf("[consumer] drain %s failed: %v", key, err)
		}
	}

	backlog, err := c.backlogTotal(ctx)
	if err != nil {
		return processed, err
	}
	alert, streak := c.monitor.Observe(backlog)
	if alert {
		log.Printf("[consumer] backlog growing (current %d, streak %d)", backlog, streak)
	}
	hb := domain.ConsumerHeartbeat{
		TS:      time.Now().UnixMilli(),
		Backlog: backlog,
		Alert:   alert,
		Streak:  streak,
	}
	if err := c.queue.SetHeartbeat(ctx, hb, c.heartbeatTTL); err != nil {
		log.Printf("[consumer] heartbeat failed: %v", err)
	}
	return processed, nil
}

func (c *Consumer) drainStream(ctx context.Context, streamKey string) (int, error) {
	processed := 0
	for {
		entries, err := c.queue.ReadBatch(ctx, streamKey, c.batchSize)
		if err != nil {
			return processed, err
		}
		if len(entries) == 0 {
			break
		}
		events := make([]domain.AnswerEvent, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			events = append(events, entry.Event)
			ids = append(ids, entry.ID)
		}
		if err := c.store.WriteAnswers(ctx, events); err != nil {
			return processed, err
		}
		if err := c.queue.DeleteEntries(ctx, streamKey, ids); err != nil {
			return processed, err
		}
		processed += len(entries)
	}
	return processed, c.queue.RemoveIfEmpty(ctx, streamKey)
}

func (c *Consumer) backlogTotal(ctx context.Context) (int, error) {
	keys, err := c.queue.ListStreams(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, key := range keys {
		n, err := c.queue.Length(ctx, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
