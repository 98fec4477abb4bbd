package notify

import (
	"context"
	"log/slog"
)

// PushNote is the payload handed to the external push-notification dispatcher.
type PushNote struct {
	Title     string
	Body      string
	RoomID    string
	MessageID string
}

// PushDispatcher performs out-of-process notification delivery (APNs/FCM
// relay or similar). It is an external collaborator: failures are logged by
// the deliverer and never propagated as failures of message creation.
type PushDispatcher interface {
	Dispatch(ctx context.Context, userID string, note PushNote) error
}

// LogDispatcher is the dev fallback when no push relay is configured.
type LogDispatcher struct {
	log *slog.Logger
}

// NewLogDispatcher constructs a dispatcher that only logs.
func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Dispatch logs the would-be push and succeeds.
func (d *LogDispatcher) Dispatch(_ context.Context, userID string, note PushNote) error {
	if d.log != nil {
		d.log.Debug("notify.push.log_only", "user_id", userID, "room_id", note.RoomID, "message_id", note.MessageID)
	}
	return nil
}
