package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType names an auth lifecycle notification.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// AuthEventsChannel is the pub/sub channel carrying auth events.
const AuthEventsChannel = "auth:events"

// AuthEvent is published by the backend whenever a session changes.
type AuthEvent struct {
	Type      EventType    `json:"type"`
	DeviceID  string       `json:"device_id"`
	TabID     string       `json:"tab_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	Session   *AuthSession `json:"session,omitempty"`
	At        time.Time    `json:"at"`
}

// Publisher emits auth events.
type Publisher interface {
	Publish(ctx context.Context, ev AuthEvent) error
}

// EventBus fans auth events out over Redis pub/sub.
type EventBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewEventBus constructs an EventBus on the default channel.
func NewEventBus(client *redis.Client, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{client: client, channel: AuthEventsChannel, logger: logger}
}

// Publish sends the event to every subscriber.
func (b *EventBus) Publish(ctx context.Context, ev AuthEvent) error {
	if b == nil || b.client == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe delivers events until ctx is done. The returned channel is closed
// when the subscription ends.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan AuthEvent, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan AuthEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev AuthEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("decode auth event", slog.Any("error", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
