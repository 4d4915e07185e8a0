package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/notara/internal/alarm"
	"github.com/dukerupert/notara/internal/store"
)

// Notifier delivers fired alerts to every registered push subscription.
// Subscriptions the push service reports as gone are deleted.
type Notifier struct {
	service *Service
	subs    *store.PushStore
	logger  *slog.Logger
}

func NewNotifier(svc *Service, subs *store.PushStore, logger *slog.Logger) *Notifier {
	return &Notifier{service: svc, subs: subs, logger: logger}
}

func (n *Notifier) Show(ctx context.Context, id string, note alarm.Notification) error {
	subs, err := n.subs.List(ctx)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}

	payload := Payload{
		Title: note.Title,
		Body:  note.Message,
		URL:   note.URL,
		Tag:   id,
	}

	var errs []error
	for _, sub := range subs {
		err := n.service.Send(ctx, sub, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrExpired):
			n.logger.Info("removing expired push subscription", "endpoint", sub.Endpoint)
			if err := n.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				errs = append(errs, err)
			}
		default:
			errs = append(errs, fmt.Errorf("%s: %w", sub.DeviceName, err))
		}
	}
	return errors.Join(errs...)
}
