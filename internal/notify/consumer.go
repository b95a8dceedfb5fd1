package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"campushub/pkg/domain"
)

const reconnectDelay = 5 * time.Second

var errBadEvent = errors.New("malformed announcement event")

// AnnouncementEvent is published by the academic services when an
// announcement goes out to a set of users.
type AnnouncementEvent struct {
	AnnouncementID string   `json:"announcementId"`
	Title          string   `json:"title"`
	Recipients     []string `json:"recipients"`
}

// Enqueuer accepts notifications for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, n domain.Notification) (DeliveryJob, error)
}

// Consumer reads announcement events from RabbitMQ and fans them out as
// one delivery job per recipient.
type Consumer struct {
	url      string
	queue    string
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewConsumer constructs the intake consumer.
func NewConsumer(url, queue string, enqueuer Enqueuer, logger *slog.Logger) (*Consumer, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp url required")
	}
	if strings.TrimSpace(queue) == "" {
		queue = "campushub.announcements"
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{url: url, queue: queue, enqueuer: enqueuer, logger: logger}, nil
}

// Run consumes until the context is canceled, redialing on broker loss.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("announcement consumer disconnected", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				if errors.Is(err, errBadEvent) {
					c.logger.Warn("dropping malformed announcement event", "err", err)
					_ = d.Nack(false, false)
					continue
				}
				c.logger.Error("announcement fan-out failed, requeueing", "err", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// handle expands one announcement event into per-recipient delivery
// jobs. Redelivery after a partial failure can enqueue a recipient
// twice; delivery is at-least-once by contract.
func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var ev AnnouncementEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errBadEvent, err)
	}
	if strings.TrimSpace(ev.AnnouncementID) == "" || strings.TrimSpace(ev.Title) == "" {
		return fmt.Errorf("%w: missing announcementId or title", errBadEvent)
	}
	if len(ev.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", errBadEvent)
	}
	for _, userID := range ev.Recipients {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		n := domain.Notification{
			UserID:  userID,
			Type:    domain.NotificationAnnouncement,
			Message: ev.Title,
			Data:    map[string]string{"announcementId": ev.AnnouncementID},
		}
		if _, err := c.enqueuer.Enqueue(ctx, n); err != nil {
			return fmt.Errorf("enqueue for %s: %w", userID, err)
		}
	}
	return nil
}
