package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveAuthEvent(eventType, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[eventType+"/"+outcome]++
}

type chanSubscriber struct {
	ch chan backend.AuthEvent
}

func (s chanSubscriber) Subscribe(ctx context.Context) (<-chan backend.AuthEvent, error) {
	return s.ch, nil
}

func newListener(h *harness) (*Listener, *countingObserver) {
	obs := &countingObserver{}
	return NewListener(h.store, chanSubscriber{}, obs, nil), obs
}

func TestSignedOutIgnoredWhileOwnCredentialsValid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, obs := newListener(h)

	_, err := h.store.SignIn(ctx, tabA, identity.RoleAdmin, authSession("s-a", "admin-1", "ra", baseTime))
	require.NoError(t, err)
	_, err = h.store.SignIn(ctx, tabB, identity.RoleAdmin, authSession("s-b", "admin-1", "rb", baseTime))
	require.NoError(t, err)
	before := h.store.State(ctx, tabB)

	h.auth.valid["rb"] = true
	h.store.SignOut(ctx, tabA, backend.ScopeLocal)
	h.store.Wait()

	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedOut, DeviceID: "device-1", SessionID: "s-a"})
	require.Equal(t, OutcomeIgnored, outcomes[tabB.ID])
	require.Equal(t, before, h.store.State(ctx, tabB))
	require.Zero(t, obs.counts["SIGNED_OUT/applied"])
}

func TestSignedOutClearsWhenRecheckFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)

	_, err := h.store.SignIn(ctx, tabB, identity.RoleAdmin, authSession("s-b", "admin-1", "rb", baseTime))
	require.NoError(t, err)

	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedOut, DeviceID: "device-1", SessionID: "s-b"})
	require.Equal(t, OutcomeApplied, outcomes[tabB.ID])
	_, ok := h.store.Restore(ctx, tabB)
	require.False(t, ok)
}

func TestSignedOutKeepsSessionOnTransientRecheckError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)

	_, err := h.store.SignIn(ctx, tabB, identity.RoleAdmin, authSession("s-b", "admin-1", "rb", baseTime))
	require.NoError(t, err)
	h.auth.recheckErr = errors.New("timeout")

	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedOut, DeviceID: "device-1", SessionID: "s-b"})
	require.Equal(t, OutcomeIgnored, outcomes[tabB.ID])
	_, ok := h.store.Restore(ctx, tabB)
	require.True(t, ok)
}

func TestSignedInOutOfOrderNeverOverwritesWithStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)
	require.NoError(t, h.store.tabs.Register(ctx, tabA))

	newer := authSession("s2", "teacher-1", "r2", baseTime.Add(time.Minute))
	older := authSession("s1", "teacher-1", "r1", baseTime)

	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: "device-1", TabID: tabA.ID, Session: newer})
	require.Equal(t, OutcomeApplied, outcomes[tabA.ID])
	outcomes = l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: "device-1", TabID: tabA.ID, Session: older})
	require.Equal(t, OutcomeStale, outcomes[tabA.ID])

	sess, ok := h.store.Restore(ctx, tabA)
	require.True(t, ok)
	require.Equal(t, "s2", sess.ID)
	require.Equal(t, identity.RoleTeacher, sess.Role)
}

func TestSignedInThenSignedOutWithValidRecheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)
	require.NoError(t, h.store.tabs.Register(ctx, tabA))

	l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: "device-1", TabID: tabA.ID, Session: authSession("s1", "teacher-1", "r1", baseTime)})
	h.auth.valid["r1"] = true
	l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedOut, DeviceID: "device-1", SessionID: "other"})

	sess, ok := h.store.Restore(ctx, tabA)
	require.True(t, ok)
	require.Equal(t, "s1", sess.ID)
}

func TestSignedInAlreadyAppliedIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)

	auth := authSession("s1", "teacher-1", "r1", baseTime)
	_, err := h.store.SignIn(ctx, tabA, identity.RoleNone, auth)
	require.NoError(t, err)

	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: "device-1", TabID: tabA.ID, Session: auth})
	require.Equal(t, OutcomeIgnored, outcomes[tabA.ID])
}

func TestSignedInAdoptsForEmptySiblingTabs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)
	require.NoError(t, h.store.tabs.Register(ctx, tabA))
	require.NoError(t, h.store.tabs.Register(ctx, tabB))
	h.auth.deviceSession = authSession("child", "teacher-1", "rc", baseTime)

	outcomes := l.Handle(ctx, backend.AuthEvent{
		Type:     backend.EventSignedIn,
		DeviceID: "device-1",
		TabID:    tabA.ID,
		Session:  authSession("s1", "teacher-1", "r1", baseTime),
	})
	require.Equal(t, OutcomeApplied, outcomes[tabA.ID])
	require.Equal(t, OutcomeApplied, outcomes[tabB.ID])

	a, _ := h.store.Restore(ctx, tabA)
	b, _ := h.store.Restore(ctx, tabB)
	require.Equal(t, "s1", a.ID)
	require.Equal(t, "child", b.ID)
}

func TestSignedInExpiredPayloadIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)
	require.NoError(t, h.store.tabs.Register(ctx, tabA))

	expired := authSession("s1", "teacher-1", "r1", baseTime)
	expired.ExpiresAt = baseTime.Add(-time.Second)
	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: "device-1", TabID: tabA.ID, Session: expired})
	require.Equal(t, OutcomeStale, outcomes[tabA.ID])
	_, ok := h.store.Restore(ctx, tabA)
	require.False(t, ok)
}

func TestTokenRefreshedUpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, _ := newListener(h)

	_, err := h.store.SignIn(ctx, tabA, identity.RoleNone, authSession("s1", "teacher-1", "r1", baseTime))
	require.NoError(t, err)
	_, err = h.store.SignIn(ctx, tabB, identity.RoleAdmin, authSession("s2", "admin-1", "r2", baseTime))
	require.NoError(t, err)

	renewed := authSession("s1", "teacher-1", "r1-next", baseTime.Add(time.Hour))
	renewed.Principal.Metadata.Role = "admin"
	outcomes := l.Handle(ctx, backend.AuthEvent{Type: backend.EventTokenRefreshed, DeviceID: "device-1", SessionID: "s1", Session: renewed})
	require.Equal(t, OutcomeApplied, outcomes[tabA.ID])
	require.Equal(t, OutcomeIgnored, outcomes[tabB.ID])

	a, _ := h.store.Restore(ctx, tabA)
	require.Equal(t, "r1-next", a.RefreshToken)
	require.Equal(t, baseTime.Add(time.Hour), a.Principal.IssuedAt)
	require.Equal(t, identity.RoleTeacher, a.Role, "role is not re-resolved on refresh")

	b, _ := h.store.Restore(ctx, tabB)
	require.Equal(t, "r2", b.RefreshToken)
}

func TestListenerRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ch := make(chan backend.AuthEvent, 1)
	l := NewListener(h.store, chanSubscriber{ch: ch}, nil, nil)
	require.NoError(t, h.store.tabs.Register(context.Background(), tabA))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ch <- backend.AuthEvent{Type: backend.EventSignedIn, DeviceID: "device-1", TabID: tabA.ID, Session: authSession("s1", "teacher-1", "r1", baseTime)}
	require.Eventually(t, func() bool {
		_, ok := h.store.Restore(context.Background(), tabA)
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	close(ch)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
