// Package notify delivers best-effort notifications about work requests.
//
// The workflow engine calls a Notifier after every persisted transition and
// after a request is created. A Notifier either logs the event (LogNotifier)
// or enqueues it for the mail Worker (QueueNotifier). Delivery errors are
// reported to the caller, which logs them and moves on.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/model"
)

// Notification kinds, used as metric labels and task type suffixes.
const (
	KindStateChange = "state_change"
	KindNewRequest  = "new_request"
)

// StateChange describes a persisted approval transition.
type StateChange struct {
	Actor     model.Actor `json:"actor"`
	PrevState model.State `json:"prev_state"`
	NewState  model.State `json:"new_state"`
	OwnerID   string      `json:"owner_id"`
	RequestID string      `json:"request_id"`
}

// NewRequestNotice describes a freshly created work request.
type NewRequestNotice struct {
	Actor         model.Actor `json:"actor"`
	RequestID     string      `json:"request_id"`
	RequestNumber int64       `json:"request_number"`
	Title         string      `json:"title"`
	Receivers     []string    `json:"receivers,omitempty"`
}

// Notifier sends workflow notifications.
type Notifier interface {
	NotifyStateChange(ctx context.Context, change StateChange) error
	NotifyNewRequest(ctx context.Context, notice NewRequestNotice) error
}

// LogNotifier writes notifications to the context logger instead of
// delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier that falls back to logger when the
// context carries none.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyStateChange logs the transition.
func (n *LogNotifier) NotifyStateChange(ctx context.Context, change StateChange) error {
	observability.LoggerFrom(ctx, n.logger).Info("notification",
		zap.String("kind", KindStateChange),
		zap.String("request_id", change.RequestID),
		zap.String("owner_id", change.OwnerID),
		zap.String("actor", change.Actor.Email),
		zap.Int("prev_state", int(change.PrevState)),
		zap.Int("new_state", int(change.NewState)),
	)
	return nil
}

// NotifyNewRequest logs the creation.
func (n *LogNotifier) NotifyNewRequest(ctx context.Context, notice NewRequestNotice) error {
	observability.LoggerFrom(ctx, n.logger).Info("notification",
		zap.String("kind", KindNewRequest),
		zap.String("request_id", notice.RequestID),
		zap.Int64("n_request", notice.RequestNumber),
		zap.String("actor", notice.Actor.Email),
		zap.Int("receivers", len(notice.Receivers)),
	)
	return nil
}
