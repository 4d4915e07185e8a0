package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
)

// PushSubscriptionsKey holds every registered push endpoint. It is not a
// partition key and is ignored by aggregation.
const PushSubscriptionsKey = "notara_push_subscriptions"

type PushStore struct {
	kv  kv.Store
	now func() time.Time
}

func NewPushStore(s kv.Store) *PushStore {
	return &PushStore{kv: s, now: time.Now}
}

func (s *PushStore) read(ctx context.Context) (map[string]model.PushSubscription, error) {
	subs := map[string]model.PushSubscription{}
	if _, err := kv.GetJSON(ctx, s.kv, PushSubscriptionsKey, &subs); err != nil {
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	if subs == nil {
		subs = map[string]model.PushSubscription{}
	}
	return subs, nil
}

func (s *PushStore) write(ctx context.Context, subs map[string]model.PushSubscription) error {
	if len(subs) == 0 {
		if err := s.kv.Remove(ctx, PushSubscriptionsKey); err != nil {
			return fmt.Errorf("remove push subscriptions: %w", err)
		}
		return nil
	}
	if err := kv.SetJSON(ctx, s.kv, PushSubscriptionsKey, subs); err != nil {
		return fmt.Errorf("write push subscriptions: %w", err)
	}
	return nil
}

// Save registers an endpoint, replacing the keys of an existing one. The
// original creation time is kept on replace.
func (s *PushStore) Save(ctx context.Context, sub model.PushSubscription) (model.PushSubscription, error) {
	subs, err := s.read(ctx)
	if err != nil {
		return model.PushSubscription{}, err
	}
	if prev, ok := subs[sub.Endpoint]; ok {
		sub.CreatedAt = prev.CreatedAt
	} else {
		sub.CreatedAt = model.Millis(s.now())
	}
	subs[sub.Endpoint] = sub
	if err := s.write(ctx, subs); err != nil {
		return model.PushSubscription{}, err
	}
	return sub, nil
}

// List returns every subscription, newest first.
func (s *PushStore) List(ctx context.Context) ([]model.PushSubscription, error) {
	subs, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PushSubscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out, nil
}

func (s *PushStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	subs, err := s.read(ctx)
	if err != nil {
		return err
	}
	if _, ok := subs[endpoint]; !ok {
		return nil
	}
	delete(subs, endpoint)
	return s.write(ctx, subs)
}
