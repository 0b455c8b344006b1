package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/campusgate/campusgate/internal/backend"
	jobmetrics "github.com/campusgate/campusgate/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAuth carries session revocations and verification mails.
	QueueAuth = "auth"

	// TaskRevokeSession signs a backend session out after a tab already did.
	TaskRevokeSession = "auth:revoke_session"
	// TaskSendVerification mails a confirmation link.
	TaskSendVerification = "auth:send_verification"
	// TaskPurgeSessions drops expired and revoked backend sessions.
	TaskPurgeSessions = "auth:purge_sessions"
)

// RevokeSessionPayload identifies the backend session to sign out.
type RevokeSessionPayload struct {
	SessionID string               `json:"session_id"`
	Scope     backend.SignOutScope `json:"scope"`
}

// NewRevokeSessionTask constructs an Asynq task.
func NewRevokeSessionTask(payload RevokeSessionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRevokeSession, data, asynq.MaxRetry(5), asynq.Timeout(30*time.Second)), nil
}

// NewSendVerificationTask constructs an Asynq task.
func NewSendVerificationTask(mail backend.VerificationMail) (*asynq.Task, error) {
	data, err := json.Marshal(mail)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendVerification, data, asynq.MaxRetry(10)), nil
}

// NewPurgeSessionsTask constructs the purge task. It has no payload.
func NewPurgeSessionsTask() *asynq.Task {
	return asynq.NewTask(TaskPurgeSessions, nil, asynq.Queue(QueueDefault))
}

// SessionSigner is the backend call a revocation replays.
type SessionSigner interface {
	SignOut(ctx context.Context, sessionID string, scope backend.SignOutScope) error
}

// SessionPurger deletes backend sessions that ended before cutoff.
type SessionPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// HandleRevokeSession returns the handler for TaskRevokeSession. A session
// that no longer exists counts as revoked.
func HandleRevokeSession(signer SessionSigner, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RevokeSessionPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.SessionID == "" {
			return fmt.Errorf("jobs: revoke payload: %w", asynq.SkipRetry)
		}
		tracker := metrics.Track(TaskRevokeSession)
		err := signer.SignOut(ctx, payload.SessionID, payload.Scope)
		if errors.Is(err, backend.ErrNoSession) {
			err = nil
		}
		if err != nil && logger != nil {
			logger.Warn("revoke session", slog.String("session", payload.SessionID), slog.Any("error", err))
		}
		return tracker.End(err)
	}
}

// HandleSendVerification returns the handler for TaskSendVerification.
func HandleSendVerification(sender Sender, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var mail backend.VerificationMail
		if err := json.Unmarshal(t.Payload(), &mail); err != nil || mail.To == "" {
			return fmt.Errorf("jobs: verification payload: %w", asynq.SkipRetry)
		}
		tracker := metrics.Track(TaskSendVerification)
		body := "Confirm your email address to open your dashboard:\r\n\r\n" + mail.Link + "\r\n"
		return tracker.End(sender.Send(ctx, mail.To, "Confirm your email", body))
	}
}

// HandlePurgeSessions returns the handler for TaskPurgeSessions. Sessions
// that ended more than grace ago are deleted.
func HandlePurgeSessions(purger SessionPurger, grace time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskPurgeSessions)
		removed, err := purger.PurgeExpired(ctx, time.Now().Add(-grace))
		if err == nil {
			metrics.AddPurged(removed)
			if logger != nil {
				logger.Info("purged sessions", slog.Int64("removed", removed))
			}
		}
		return tracker.End(err)
	}
}
