// Package transport moves integration events over Redis Streams: the outbox
// dispatcher publishes to one stream, a consumer group reads the inbound
// stream, and deliveries that keep failing are quarantined on a dead-letter
// stream for the reconciliation sweeper.
package transport

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"caravel/internal/outbox"
	"caravel/internal/reconcile"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the minimal client surface used by this package.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
}

// Publisher publishes outbox messages to a stream.
type Publisher struct {
	client StreamClient
	stream string
	maxLen int64
}

// NewPublisher constructs a Publisher targeting the given stream.
func NewPublisher(client StreamClient, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = "integration_events"
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the message to the stream.
func (p *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":             msg.ID.String(),
			"type":           msg.Type,
			"correlation_id": msg.CorrelationID.String(),
			"payload":        string(msg.Payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

// Inbound is one delivery read from the stream.
type Inbound struct {
	ID            string
	Type          string
	CorrelationID string
	Payload       []byte
	RetryCount    int64
}

// Handler processes one inbound delivery. A non-nil error leaves the
// delivery pending for redelivery.
type Handler func(ctx context.Context, msg Inbound) error

// ConsumerConfig controls the consumer group loop.
type ConsumerConfig struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	BatchSize        int64
	Block            time.Duration
	// RetryMinIdle is how long a pending delivery sits before it is claimed
	// for retry.
	RetryMinIdle time.Duration
	// MaxDeliveries bounds redelivery before quarantine.
	MaxDeliveries int64
	// ErrorBackoff is how long the loop pauses after a failed read or retry
	// scan, so a broker outage does not spin it hot.
	ErrorBackoff time.Duration
}

// Consumer reads the inbound stream through a consumer group. Delivery is
// at-least-once: an unacked message is claimed and retried, and after
// MaxDeliveries it is moved to the dead-letter stream and acked.
type Consumer struct {
	client  StreamClient
	cfg     ConsumerConfig
	handler Handler
	logf    func(format string, args ...any)
	sleep   func(ctx context.Context, d time.Duration)
}

// NewConsumer constructs a Consumer.
func NewConsumer(client StreamClient, cfg ConsumerConfig, handler Handler, logf func(format string, args ...any)) *Consumer {
	if logf == nil {
		logf = log.Printf
	}
	if cfg.Stream == "" {
		cfg.Stream = "integration_events"
	}
	if cfg.Group == "" {
		cfg.Group = "caravel"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "caravel-1"
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dead"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.RetryMinIdle <= 0 {
		cfg.RetryMinIdle = 30 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Consumer{client: client, cfg: cfg, handler: handler, logf: logf, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		errored := false
		if err := c.retryPending(ctx); err != nil && ctx.Err() == nil {
			c.logf("consumer retry scan: %v", err)
			errored = true
		}
		if err := c.readNew(ctx); err != nil && ctx.Err() == nil {
			c.logf("consumer read: %v", err)
			errored = true
		}
		if errored {
			c.sleep(ctx, c.cfg.ErrorBackoff)
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (c *Consumer) readNew(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.process(ctx, decodeInbound(msg, 1))
		}
	}
	return nil
}

// retryPending claims deliveries that sat unacked past RetryMinIdle and
// either retries them or quarantines them after too many deliveries.
func (c *Consumer) retryPending(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.RetryMinIdle,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	retries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		retries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.RetryMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		inbound := decodeInbound(msg, retries[msg.ID])
		if inbound.RetryCount > c.cfg.MaxDeliveries {
			if err := c.quarantine(ctx, msg, inbound); err != nil {
				c.logf("quarantine %s: %v", msg.ID, err)
			}
			continue
		}
		c.process(ctx, inbound)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg Inbound) {
	if err := c.handler(ctx, msg); err != nil {
		// Leave unacked; claimed again after RetryMinIdle.
		c.logf("handle %s (%s): %v", msg.ID, msg.Type, err)
		return
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.logf("ack %s: %v", msg.ID, err)
	}
}

func (c *Consumer) quarantine(ctx context.Context, raw redis.XMessage, msg Inbound) error {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DeadLetterStream,
		Values: raw.Values,
	}).Err(); err != nil {
		return err
	}
	c.logf("dead-lettered %s (%s) after %d deliveries", msg.ID, msg.Type, msg.RetryCount)
	return c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err()
}

func decodeInbound(msg redis.XMessage, retryCount int64) Inbound {
	inbound := Inbound{ID: msg.ID, RetryCount: retryCount}
	if v, ok := msg.Values["type"].(string); ok {
		inbound.Type = v
	}
	if v, ok := msg.Values["correlation_id"].(string); ok {
		inbound.CorrelationID = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		inbound.Payload = []byte(v)
	}
	return inbound
}

// DeadLetterQueue exposes the dead-letter stream to the reconciliation
// sweeper.
type DeadLetterQueue struct {
	client     StreamClient
	stream     string
	mainStream string
}

// NewDeadLetterQueue constructs a DeadLetterQueue.
func NewDeadLetterQueue(client StreamClient, stream, mainStream string) *DeadLetterQueue {
	return &DeadLetterQueue{client: client, stream: stream, mainStream: mainStream}
}

// List returns up to limit dead letters, oldest first.
func (q *DeadLetterQueue) List(ctx context.Context, limit int) ([]reconcile.DeadLetter, error) {
	msgs, err := q.client.XRangeN(ctx, q.stream, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}

	letters := make([]reconcile.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		inbound := decodeInbound(msg, 0)
		letters = append(letters, reconcile.DeadLetter{
			ID:            msg.ID,
			Type:          inbound.Type,
			CorrelationID: inbound.CorrelationID,
			Payload:       inbound.Payload,
		})
	}
	return letters, nil
}

// Requeue moves a dead letter back onto the main stream.
func (q *DeadLetterQueue) Requeue(ctx context.Context, id string) error {
	msgs, err := q.client.XRangeN(ctx, q.stream, id, id, 1).Result()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return reconcile.ErrGone
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.mainStream,
		Values: msgs[0].Values,
	}).Err(); err != nil {
		return err
	}
	return q.client.XDel(ctx, q.stream, id).Err()
}

// Discard drops a dead letter for good.
func (q *DeadLetterQueue) Discard(ctx context.Context, id string) error {
	return q.client.XDel(ctx, q.stream, id).Err()
}
