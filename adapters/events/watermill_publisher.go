package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/sigil/ports"
)

const (
	// LogoutTopic receives an event whenever an authenticated session is logged out
	LogoutTopic = "sigil.auth.logout"

	// SessionKeyTopic receives session-key lifecycle events
	SessionKeyTopic = "sigil.session_key"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Address string    `json:"address"`
	At      time.Time `json:"at"`
}

// SessionKeyEvent represents a change to an owner's session key
type SessionKeyEvent struct {
	Owner string    `json:"owner"`
	Hash  string    `json:"hash"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	now       func() time.Time
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		now:       time.Now,
	}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, address string) error {
	return p.publish(ctx, LogoutTopic, LogoutEvent{
		Address: address,
		At:      p.now().UTC(),
	})
}

// PublishSessionKey publishes a session-key lifecycle event
func (p *WatermillPublisher) PublishSessionKey(ctx context.Context, owner, hash, event string) error {
	return p.publish(ctx, SessionKeyTopic, SessionKeyEvent{
		Owner: owner,
		Hash:  hash,
		Event: event,
		At:    p.now().UTC(),
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishLogout(context.Context, string) error { return nil }

func (NopPublisher) PublishSessionKey(context.Context, string, string, string) error { return nil }
