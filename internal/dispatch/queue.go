package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is one durable refund-execution intent taken off the stream.
// It carries the refund identity only; consumers re-read the refund
// from the store before acting.
type Message struct {
	ID       string
	RefundID string
}

// RedisQueue is a durable at-least-once dispatch queue on a Redis
// stream with a consumer group. There is no ordering guarantee across
// refunds; ordering within one refund's lifecycle comes from status
// checks, not from the queue.
type RedisQueue struct {
	client     redis.UniversalClient
	stream     string
	deadLetter string
	maxLen     int64
}

// NewRedisQueue constructs a queue over the given stream. Dead-lettered
// messages land on "<stream>.dead".
func NewRedisQueue(client redis.UniversalClient, stream string, maxLen int64) *RedisQueue {
	if stream == "" {
		stream = "refund_dispatch"
	}
	return &RedisQueue{
		client:     client,
		stream:     stream,
		deadLetter: stream + ".dead",
		maxLen:     maxLen,
	}
}

// Publish appends a refund-execution intent to the stream.
func (q *RedisQueue) Publish(ctx context.Context, refundID uuid.UUID) error {
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"refund_id": refundID.String()},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (q *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Fetch blocks up to the given duration for new messages delivered to
// this consumer within the group.
func (q *RedisQueue) Fetch(ctx context.Context, group, consumer string, block time.Duration, count int64) ([]Message, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			refundID, _ := entry.Values["refund_id"].(string)
			messages = append(messages, Message{ID: entry.ID, RefundID: refundID})
		}
	}
	return messages, nil
}

// Ack marks the message as processed within the group.
func (q *RedisQueue) Ack(ctx context.Context, group, messageID string) error {
	return q.client.XAck(ctx, q.stream, group, messageID).Err()
}

// DeadLetter parks an unprocessable message on the dead-letter stream
// and acks the original, so it is not redelivered forever.
func (q *RedisQueue) DeadLetter(ctx context.Context, group string, msg Message, reason string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadLetter,
		Values: map[string]any{
			"refund_id": msg.RefundID,
			"origin_id": msg.ID,
			"reason":    reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	return q.Ack(ctx, group, msg.ID)
}
