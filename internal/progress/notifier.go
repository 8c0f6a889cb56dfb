package progress

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	utils "kitch-ingest/pkg/utils"
)

type NotificationKind string

const (
	AssetPublished NotificationKind = "asset-published"
	AssetFailed    NotificationKind = "asset-failed"
	StreamEnded    NotificationKind = "stream-ended"
)

// Notification is handed to the downstream notification service for
// terminal outcomes. Formatting and delivery to users happen elsewhere.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id,omitempty"`
	Source    string           `json:"source,omitempty"`
	Error     string           `json:"error,omitempty"`
	Thumbnail string           `json:"thumbnail,omitempty"`
	At        time.Time        `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, note Notification) error
}

// LogNotifier records notifications in the log when no queue is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, note Notification) error {
	utils.WithFields(logrus.Fields{
		"kind":  note.Kind,
		"id":    note.ID,
		"owner": note.OwnerID,
		"error": note.Error,
	}).Info("notification")
	return nil
}
