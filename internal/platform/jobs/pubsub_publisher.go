package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/cuecraft/api/internal/services"
)

// PubSubPublisher fans order events and notifications out to Pub/Sub topics. Either topic may be
// nil, in which case the matching publish call is a no-op.
type PubSubPublisher struct {
	orderTopic        *pubsub.Topic
	notificationTopic *pubsub.Topic
	marshal           func(any) ([]byte, error)
}

var (
	_ services.OrderEventPublisher   = (*PubSubPublisher)(nil)
	_ services.NotificationPublisher = (*PubSubPublisher)(nil)
)

// NewPubSubPublisher constructs a publisher over the given topics.
func NewPubSubPublisher(orderTopic, notificationTopic *pubsub.Topic) (*PubSubPublisher, error) {
	if orderTopic == nil && notificationTopic == nil {
		return nil, errors.New("pubsub publisher: at least one topic is required")
	}
	return &PubSubPublisher{
		orderTopic:        orderTopic,
		notificationTopic: notificationTopic,
		marshal:           json.Marshal,
	}, nil
}

type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type notificationMessage struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Link      string         `json:"link,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PublishOrderEvent publishes the event with routing attributes so subscribers can filter by type.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.orderTopic == nil {
		return nil
	}
	data, err := p.marshal(orderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)

	if _, err := p.orderTopic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PublishNotification hands a stored notification to the push dispatcher.
func (p *PubSubPublisher) PublishNotification(ctx context.Context, notification services.Notification) error {
	if p == nil || p.notificationTopic == nil {
		return nil
	}
	msg := notificationMessage{
		ID:        notification.ID,
		UserID:    notification.UserID,
		Type:      string(notification.Type),
		Title:     notification.Title,
		Message:   notification.Message,
		Metadata:  notification.Metadata,
		CreatedAt: notification.CreatedAt.UTC(),
	}
	if notification.Link != nil {
		msg.Link = *notification.Link
	}
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	attrs := make(map[string]string)
	setAttr(attrs, "notificationId", notification.ID)
	setAttr(attrs, "userId", notification.UserID)
	setAttr(attrs, "type", string(notification.Type))

	if _, err := p.notificationTopic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Stop flushes pending messages on both topics.
func (p *PubSubPublisher) Stop() {
	if p == nil {
		return
	}
	for _, topic := range []*pubsub.Topic{p.orderTopic, p.notificationTopic} {
		if topic != nil {
			topic.Stop()
		}
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
