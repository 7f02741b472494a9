package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, "refund_dispatch", 0), srv
}

func TestRedisQueue_PublishFetchAck(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()

	if err := queue.EnsureGroup(ctx, "dispatchers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	refundID := uuid.New()
	if err := queue.Publish(ctx, refundID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	messages, err := queue.Fetch(ctx, "dispatchers", "worker-1", 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].RefundID != refundID.String() {
		t.Fatalf("expected refund %s, got %s", refundID, messages[0].RefundID)
	}

	if err := queue.Ack(ctx, "dispatchers", messages[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestRedisQueue_EnsureGroupIdempotent(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()

	if err := queue.EnsureGroup(ctx, "dispatchers"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := queue.EnsureGroup(ctx, "dispatchers"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestRedisQueue_FetchEmptyReturnsNil(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()

	if err := queue.EnsureGroup(ctx, "dispatchers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	messages, err := queue.Fetch(ctx, "dispatchers", "worker-1", time.Millisecond, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if messages != nil {
		t.Fatalf("expected no messages, got %v", messages)
	}
}

func TestRedisQueue_DeadLetterParksAndAcks(t *testing.T) {
	queue, srv := newTestQueue(t)
	ctx := context.Background()

	if err := queue.EnsureGroup(ctx, "dispatchers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	refundID := uuid.New()
	if err := queue.Publish(ctx, refundID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	messages, err := queue.Fetch(ctx, "dispatchers", "worker-1", 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	if err := queue.DeadLetter(ctx, "dispatchers", messages[0], "refund not found"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	parked, err := srv.Stream("refund_dispatch.dead")
	if err != nil {
		t.Fatalf("read dead stream: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(parked))
	}
}
