package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/wcsap/core"
)

// LogoutTopic is the topic logout and logout-everywhere events are published on
const LogoutTopic = "wcsap.logout"

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Identity string    `json:"identity"`
	Reason   string    `json:"reason"`
	Revoked  int       `json:"revoked"`
	At       time.Time `json:"at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
	now       func() time.Time
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     LogoutTopic,
		now:       time.Now,
	}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, identity core.Identity, reason string, revoked int) error {
	event := LogoutEvent{
		Identity: identity.String(),
		Reason:   reason,
		Revoked:  revoked,
		At:       p.now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("reason", reason)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher discards events. It is used when event publishing is disabled.
type NopPublisher struct{}

// PublishLogout does nothing
func (NopPublisher) PublishLogout(context.Context, core.Identity, string, int) error {
	return nil
}
