package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/identity"
)

// Outcome is what an auth event did to one tab.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeStale   Outcome = "stale"
)

// Subscriber yields backend auth events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan backend.AuthEvent, error)
}

// Observer counts listener outcomes.
type Observer interface {
	ObserveAuthEvent(eventType, outcome string)
}

// Listener reconciles backend auth events with the tabs of the affected device.
// Events are handled one at a time.
type Listener struct {
	store    *Store
	events   Subscriber
	observer Observer
	logger   *slog.Logger
}

// NewListener constructs a Listener.
func NewListener(store *Store, events Subscriber, observer Observer, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{store: store, events: events, observer: observer, logger: logger}
}

// Run consumes events for the lifetime of ctx, resubscribing after failures.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("auth event listener started")
	for {
		ch, err := l.events.Subscribe(ctx)
		if err != nil {
			l.logger.Error("subscribe to auth events", slog.Any("error", err))
		} else {
			for ev := range ch {
				l.Handle(ctx, ev)
			}
		}
		select {
		case <-ctx.Done():
			l.logger.Info("auth event listener stopped")
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Handle applies one event to every tab of its device and reports the outcome per tab.
func (l *Listener) Handle(ctx context.Context, ev backend.AuthEvent) map[string]Outcome {
	outcomes := make(map[string]Outcome)
	tabIDs, err := l.store.tabs.Tabs(ctx, ev.DeviceID)
	if err != nil {
		l.logger.Warn("list device tabs", slog.String("device", ev.DeviceID), slog.Any("error", err))
		return outcomes
	}
	for _, id := range tabIDs {
		tab := Tab{ID: id, DeviceID: ev.DeviceID}
		var outcome Outcome
		switch ev.Type {
		case backend.EventSignedIn:
			outcome = l.signedIn(ctx, tab, ev)
		case backend.EventSignedOut:
			outcome = l.signedOut(ctx, tab, ev)
		case backend.EventTokenRefreshed:
			outcome = l.tokenRefreshed(ctx, tab, ev)
		default:
			outcome = OutcomeIgnored
		}
		outcomes[id] = outcome
		if l.observer != nil {
			l.observer.ObserveAuthEvent(string(ev.Type), string(outcome))
		}
		l.logger.Debug("auth event handled",
			slog.String("type", string(ev.Type)),
			slog.String("tab", id),
			slog.String("outcome", string(outcome)))
	}
	return outcomes
}

// signedIn installs the payload in the originating tab. Other tabs of the
// device that hold no session adopt a session of their own.
func (l *Listener) signedIn(ctx context.Context, tab Tab, ev backend.AuthEvent) Outcome {
	s := l.store
	if ev.Session == nil {
		return OutcomeIgnored
	}
	if !ev.Session.ExpiresAt.After(s.now()) {
		return OutcomeStale
	}
	if tab.ID != ev.TabID {
		if _, ok := s.Restore(ctx, tab); ok {
			return OutcomeIgnored
		}
		st := s.Bootstrap(ctx, tab)
		if st.Session == nil {
			return OutcomeIgnored
		}
		return OutcomeApplied
	}

	unlock := s.lock(tab.ID)
	defer unlock()
	rec, ok := s.load(ctx, tab)
	if ok && rec.Session != nil {
		cur := rec.Session
		if ev.Session.Principal.IssuedAt.Before(cur.Principal.IssuedAt) {
			return OutcomeStale
		}
		if cur.ID == ev.Session.ID && cur.Principal.IssuedAt.Equal(ev.Session.Principal.IssuedAt) {
			return OutcomeIgnored
		}
	}
	sess := s.build(ctx, tab, identity.RoleNone, ev.Session)
	if err := s.save(ctx, tab, record{Session: sess}); err != nil {
		l.logger.Warn("persist signed-in session", slog.String("tab", tab.ID), slog.Any("error", err))
	}
	return OutcomeApplied
}

// signedOut re-checks the tab's own credentials before tearing it down. A
// valid re-check means the notification concerns another tab.
func (l *Listener) signedOut(ctx context.Context, tab Tab, ev backend.AuthEvent) Outcome {
	s := l.store
	if ev.TabID != "" && tab.ID == ev.TabID {
		return OutcomeIgnored
	}
	unlock := s.lock(tab.ID)
	defer unlock()
	rec, ok := s.load(ctx, tab)
	if !ok || rec.Session == nil {
		return OutcomeIgnored
	}
	cur := rec.Session
	if cur.ID == "" {
		if cur.Demo() && cur.ExpiresAt.After(s.now()) {
			return OutcomeIgnored
		}
		s.clear(ctx, tab)
		return OutcomeApplied
	}
	if s.auth == nil {
		return OutcomeIgnored
	}
	_, err := s.auth.GetSession(ctx, backend.SessionLookup{DeviceID: tab.DeviceID, RefreshToken: cur.RefreshToken})
	switch {
	case err == nil:
		return OutcomeIgnored
	case errors.Is(err, backend.ErrNoSession), errors.Is(err, backend.ErrSessionExpired):
		s.clear(ctx, tab)
		return OutcomeApplied
	default:
		l.logger.Warn("sign-out re-check failed, keeping session", slog.String("tab", tab.ID), slog.Any("error", err))
		return OutcomeIgnored
	}
}

// tokenRefreshed renews tabs holding the refreshed backend session. Role and
// tenant are left untouched.
func (l *Listener) tokenRefreshed(ctx context.Context, tab Tab, ev backend.AuthEvent) Outcome {
	s := l.store
	if ev.Session == nil {
		return OutcomeIgnored
	}
	unlock := s.lock(tab.ID)
	defer unlock()
	rec, ok := s.load(ctx, tab)
	if !ok || rec.Session == nil || rec.Session.ID != ev.Session.ID {
		return OutcomeIgnored
	}
	cur := *rec.Session
	if ev.Session.Principal.IssuedAt.Before(cur.Principal.IssuedAt) {
		return OutcomeStale
	}
	renew(&cur, ev.Session)
	if err := s.save(ctx, tab, record{Session: &cur}); err != nil {
		l.logger.Warn("persist refreshed session", slog.String("tab", tab.ID), slog.Any("error", err))
	}
	return OutcomeApplied
}
