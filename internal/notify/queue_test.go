package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"campushub/pkg/domain"
)

func TestDeliveryQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID, payload := newPendingDelivery(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, payload); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["payload"] != payload {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestDeliveryQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID, payload := newPendingDelivery(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, payload); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestDeliveryQueueRoundTripsNotification(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewDeliveryQueue(DeliveryQueueConfig{
		Addr:   redisSrv.Addr(),
		Stream: "test:notify",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	job, err := q.Enqueue(ctx, domain.Notification{
		UserID:  "stu-1",
		Type:    domain.NotificationAnnouncement,
		Message: "exam rescheduled",
		Data:    map[string]string{"announcementId": "ann-1"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusQueued || got.Notification.UserID != "stu-1" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Notification.Data["announcementId"] != "ann-1" {
		t.Fatalf("payload lost data: %+v", got.Notification)
	}
}

func TestDeliveryQueueRejectsMissingUser(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewDeliveryQueue(DeliveryQueueConfig{Addr: redisSrv.Addr(), Stream: "test:notify"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), domain.Notification{Message: "orphan"}); err == nil {
		t.Fatalf("expected enqueue to reject notification without user")
	}
}

func newPendingDelivery(t *testing.T) (*DeliveryQueue, context.Context, string, string, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewDeliveryQueue(DeliveryQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:notify",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	if _, err := q.Enqueue(ctx, domain.Notification{UserID: "stu-1", Type: domain.NotificationSystem, Message: "hello"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	jobID, _ := msg.Values["job_id"].(string)
	payload, _ := msg.Values["payload"].(string)
	return q, ctx, msg.ID, jobID, payload
}
