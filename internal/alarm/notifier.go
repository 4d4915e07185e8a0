package alarm

import (
	"context"
	"errors"
	"log/slog"
)

// Notification is what a fired alert surfaces to the user.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	AlertID string `json:"alertId"`
	URL     string `json:"url,omitempty"`
}

// Notifier shows a notification. id is the alarm name, so showing the same
// alarm twice replaces the earlier notification where the sink supports it.
type Notifier interface {
	Show(ctx context.Context, id string, n Notification) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Show(_ context.Context, id string, n Notification) error {
	l.Logger.Info("alert fired", "alarm", id, "alert_id", n.AlertID, "message", n.Message)
	return nil
}

// Fanout delivers to every notifier, even when some of them fail.
type Fanout []Notifier

func (f Fanout) Show(ctx context.Context, id string, n Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Show(ctx, id, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
