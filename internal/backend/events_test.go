package backend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestEventBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewEventBus(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, AuthEvent{Type: EventSignedOut, DeviceID: "d1", SessionID: "s1"}))
	select {
	case ev := <-events:
		require.Equal(t, EventSignedOut, ev.Type)
		require.Equal(t, "s1", ev.SessionID)
		require.False(t, ev.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case _, ok := <-events:
		require.False(t, ok, "channel closes when the subscription ends")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestNilEventBusPublishIsNoop(t *testing.T) {
	var bus *EventBus
	require.NoError(t, bus.Publish(context.Background(), AuthEvent{Type: EventSignedIn}))
}
