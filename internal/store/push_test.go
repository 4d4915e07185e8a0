package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/notara/internal/model"
)

func setupPushTestStore(t *testing.T) (*PushStore, *KV) {
	t.Helper()
	db := setupKVTestDB(t)
	ps := NewPushStore(db)
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ps.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return ps, db
}

func TestSaveSubscription(t *testing.T) {
	ctx := context.Background()
	ps, _ := setupPushTestStore(t)

	sub, err := ps.Save(ctx, model.PushSubscription{
		Endpoint:   "https://push.example.com/sub1",
		P256dhKey:  "p256dh_key1",
		AuthKey:    "auth_key1",
		DeviceName: "Chrome Desktop",
	})
	if err != nil {
		t.Fatalf("save subscription: %v", err)
	}
	if sub.CreatedAt == 0 {
		t.Error("expected created_at to be set")
	}

	subs, err := ps.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].DeviceName != "Chrome Desktop" {
		t.Errorf("device_name = %q, want %q", subs[0].DeviceName, "Chrome Desktop")
	}
}

func TestSaveSubscriptionUpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	ps, _ := setupPushTestStore(t)

	first, _ := ps.Save(ctx, model.PushSubscription{Endpoint: "https://push.example.com/sub1", P256dhKey: "old", AuthKey: "old"})
	second, err := ps.Save(ctx, model.PushSubscription{Endpoint: "https://push.example.com/sub1", P256dhKey: "new", AuthKey: "new"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at = %d, want %d", second.CreatedAt, first.CreatedAt)
	}

	subs, _ := ps.List(ctx)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription after upsert, got %d", len(subs))
	}
	if subs[0].P256dhKey != "new" {
		t.Errorf("p256dh = %q, want new", subs[0].P256dhKey)
	}
}

func TestListSubscriptionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	ps, _ := setupPushTestStore(t)

	ps.Save(ctx, model.PushSubscription{Endpoint: "https://push.example.com/a"})
	ps.Save(ctx, model.PushSubscription{Endpoint: "https://push.example.com/b"})

	subs, err := ps.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if subs[0].Endpoint != "https://push.example.com/b" {
		t.Errorf("first = %q, want the newest endpoint", subs[0].Endpoint)
	}
}

func TestDeleteByEndpoint(t *testing.T) {
	ctx := context.Background()
	ps, db := setupPushTestStore(t)

	ps.Save(ctx, model.PushSubscription{Endpoint: "https://push.example.com/a"})
	if err := ps.DeleteByEndpoint(ctx, "https://push.example.com/missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := ps.DeleteByEndpoint(ctx, "https://push.example.com/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	subs, _ := ps.List(ctx)
	if len(subs) != 0 {
		t.Errorf("expected 0 subscriptions, got %d", len(subs))
	}
	all, _ := db.Get(ctx)
	if _, ok := all[PushSubscriptionsKey]; ok {
		t.Error("expected the subscriptions key to be removed once empty")
	}
}
