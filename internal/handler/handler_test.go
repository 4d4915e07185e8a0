package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/notara/internal/alarm"
	"github.com/dukerupert/notara/internal/backup"
	"github.com/dukerupert/notara/internal/freemium"
	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
	"github.com/dukerupert/notara/internal/push"
	"github.com/dukerupert/notara/internal/store"
	"github.com/dukerupert/notara/internal/websocket"
)

var fixedNow = time.Date(2026, 5, 4, 17, 30, 0, 0, time.UTC)

const pageURL = "https://example.com/docs/intro"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (h *recordingHub) Broadcast(msg websocket.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.msgs))
	for i, m := range h.msgs {
		out[i] = m.Type
	}
	return out
}

type fakeScheduler struct {
	synced    []model.Alert
	cancelled []string
	plans     map[string]alarm.TimerSpec
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{plans: map[string]alarm.TimerSpec{}}
}

func (f *fakeScheduler) Register(s model.AlertSchedule) (alarm.TimerSpec, error) {
	spec, err := alarm.Plan(s, fixedNow)
	if err != nil {
		return alarm.TimerSpec{}, fmt.Errorf("register %q: %w", s.AlarmName, err)
	}
	f.plans[s.AlarmName] = spec
	return spec, nil
}

func (f *fakeScheduler) Cancel(name string) {
	f.cancelled = append(f.cancelled, name)
}

func (f *fakeScheduler) Sync(a model.Alert) error {
	f.synced = append(f.synced, a)
	return nil
}

func do(t *testing.T, h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

type noteFixture struct {
	kv    *kv.Memory
	notes *store.NoteStore
	gate  *freemium.Gate
	hub   *recordingHub
	h     *NoteHandler
}

func setupNotes(t *testing.T) noteFixture {
	t.Helper()
	mem := kv.NewMemory()
	ns := store.NewNoteStore(mem)
	ns.SetClock(func() time.Time { return fixedNow })
	gate := freemium.NewGate(mem, ns)
	hub := &recordingHub{}
	h := NewNoteHandler(ns, gate, hub, discardLogger())
	h.now = func() time.Time { return fixedNow }
	return noteFixture{kv: mem, notes: ns, gate: gate, hub: hub, h: h}
}

func TestNoteCreateAndRead(t *testing.T) {
	f := setupNotes(t)

	rec := do(t, f.h.Create, "POST", "/api/notes", map[string]any{"url": pageURL, "text": "remember"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[model.Note](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.ScopePage, created.Scope)
	assert.Equal(t, model.ColorYellow, created.Color)
	assert.Equal(t, model.Millis(fixedNow), created.CreatedAt)

	rec = do(t, f.h.Create, "POST", "/api/notes", map[string]any{"url": pageURL, "scope": "site", "text": "site wide"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, f.h.ForURL, "GET", "/api/notes?url="+pageURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	notes := decodeBody[[]model.Note](t, rec)
	require.Len(t, notes, 2)
	assert.Equal(t, "site wide", notes[0].Text, "site notes come first")
	assert.Equal(t, "remember", notes[1].Text)

	rec = do(t, f.h.Count, "GET", "/api/notes/count?url="+pageURL, nil)
	assert.Equal(t, 2, decodeBody[map[string]int](t, rec)["count"])

	assert.Equal(t, []string{"note_created", "note_created"}, f.hub.types())
}

func TestNoteCreateValidation(t *testing.T) {
	f := setupNotes(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{"text": "x"}},
		{"global scope", map[string]any{"url": pageURL, "scope": "global"}},
		{"bad color", map[string]any{"url": pageURL, "color": "orange"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, f.h.Create, "POST", "/api/notes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest("POST", "/api/notes", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.h.Create(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.h.ForURL, "GET", "/api/notes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNoteCreateBlockedAtFreeLimit(t *testing.T) {
	f := setupNotes(t)
	ctx := context.Background()
	for i := 0; i < freemium.FreeNoteLimit; i++ {
		require.NoError(t, f.notes.Upsert(ctx, model.Note{
			ID: fmt.Sprintf("n%d", i), URL: fmt.Sprintf("https://site%d.com/", i%3), Scope: model.ScopePage,
		}))
	}

	rec := do(t, f.h.Create, "POST", "/api/notes", map[string]any{"url": pageURL, "text": "one too many"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	d := decodeBody[freemium.Decision](t, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, freemium.FreeNoteLimit, d.Current)
	require.NotNil(t, d.Limit)
	assert.Equal(t, freemium.FreeNoteLimit, *d.Limit)

	require.NoError(t, f.gate.SetPro(ctx, true))
	rec = do(t, f.h.Create, "POST", "/api/notes", map[string]any{"url": pageURL, "text": "pro"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestNotePatch(t *testing.T) {
	f := setupNotes(t)
	ctx := context.Background()
	require.NoError(t, f.notes.Upsert(ctx, model.Note{ID: "n1", URL: pageURL, Scope: model.ScopePage, Text: "old"}))

	ref := model.Ref{ID: "n1", URL: pageURL, Scope: model.ScopePage}
	rec := do(t, f.h.Patch, "PATCH", "/api/notes", map[string]any{"ref": ref, "patch": map[string]any{"text": "new"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "updated", decodeBody[map[string]string](t, rec)["outcome"])

	n, found, err := f.notes.Find(ctx, ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", n.Text)

	missing := model.Ref{ID: "gone", URL: pageURL, Scope: model.ScopePage}
	rec = do(t, f.h.Patch, "PATCH", "/api/notes", map[string]any{"ref": missing, "patch": map[string]any{"text": "x"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decodeBody[map[string]string](t, rec)["outcome"])

	assert.Equal(t, []string{"note_updated"}, f.hub.types())
}

func TestNoteDeleteAndChangeScope(t *testing.T) {
	f := setupNotes(t)
	ctx := context.Background()
	n := model.Note{ID: "n1", URL: pageURL, Scope: model.ScopePage, Text: "move me"}
	require.NoError(t, f.notes.Upsert(ctx, n))

	rec := do(t, f.h.ChangeScope, "POST", "/api/notes/scope", map[string]any{"note": n, "scope": "site"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decodeBody[model.Note](t, rec)
	assert.Equal(t, model.ScopeSite, moved.Scope)

	site, err := f.notes.SiteNotes(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, site, 1)
	page, err := f.notes.PageNotes(ctx, pageURL)
	require.NoError(t, err)
	assert.Empty(t, page)

	rec = do(t, f.h.Delete, "DELETE", "/api/notes", map[string]any{"ref": moved.Ref()})
	require.Equal(t, http.StatusNoContent, rec.Code)
	count, err := f.notes.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	rec = do(t, f.h.Delete, "DELETE", "/api/notes", map[string]any{"ref": map[string]any{"id": "x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNoteAllAndGrouped(t *testing.T) {
	f := setupNotes(t)
	ctx := context.Background()
	require.NoError(t, f.notes.Upsert(ctx, model.Note{ID: "a", URL: "https://example.com/a", Scope: model.ScopePage}))
	require.NoError(t, f.notes.Upsert(ctx, model.Note{ID: "b", URL: "https://example.com/b", Scope: model.ScopePage}))
	require.NoError(t, f.notes.Upsert(ctx, model.Note{ID: "c", URL: "https://other.org/", Scope: model.ScopeSite}))

	rec := do(t, f.h.All, "GET", "/api/notes/all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[map[string][]model.Note](t, rec)
	assert.Len(t, all, 3)

	rec = do(t, f.h.Grouped, "GET", "/api/notes/grouped", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decodeBody[[]struct {
		Domain string       `json:"domain"`
		Items  []model.Note `json:"items"`
	}](t, rec)
	require.Len(t, groups, 2)
	assert.Equal(t, "example.com", groups[0].Domain)
	assert.Len(t, groups[0].Items, 2)

	rec = do(t, f.h.Grouped, "GET", "/api/notes/grouped?by=path", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hier := decodeBody[[]struct {
		Domain     string `json:"domain"`
		TotalCount int    `json:"totalCount"`
	}](t, rec)
	require.Len(t, hier, 2)
	assert.Equal(t, 2, hier[0].TotalCount)

	rec = do(t, f.h.Grouped, "GET", "/api/notes/grouped?by=color", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type alertFixture struct {
	alerts *store.AlertStore
	sched  *fakeScheduler
	hub    *recordingHub
	h      *AlertHandler
}

func setupAlerts(t *testing.T) alertFixture {
	t.Helper()
	as := store.NewAlertStore(kv.NewMemory())
	as.SetClock(func() time.Time { return fixedNow })
	sched := newFakeScheduler()
	hub := &recordingHub{}
	h := NewAlertHandler(as, sched, hub, discardLogger())
	h.now = func() time.Time { return fixedNow }
	return alertFixture{alerts: as, sched: sched, hub: hub, h: h}
}

func TestAlertCreateWithSchedule(t *testing.T) {
	f := setupAlerts(t)

	rec := do(t, f.h.Create, "POST", "/api/alerts", map[string]any{
		"url":      pageURL,
		"message":  "stand up",
		"schedule": map[string]any{"type": "daily", "timeOfDay": "18:00"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeBody[model.Alert](t, rec)
	assert.True(t, a.Enabled)
	require.NotNil(t, a.Schedule)
	assert.Equal(t, model.NewAlarmName(fixedNow), a.Schedule.AlarmName)

	require.Len(t, f.sched.synced, 1)
	assert.Equal(t, a.ID, f.sched.synced[0].ID)
	assert.Equal(t, []string{"alert_created"}, f.hub.types())
}

func TestAlertCreateValidation(t *testing.T) {
	f := setupAlerts(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty message", map[string]any{"url": pageURL, "message": "  "}},
		{"missing url", map[string]any{"message": "x"}},
		{"bad scope", map[string]any{"url": pageURL, "message": "x", "scope": "world"}},
		{"bad time", map[string]any{"url": pageURL, "message": "x", "schedule": map[string]any{"type": "daily", "timeOfDay": "25:00"}}},
		{"missing interval", map[string]any{"url": pageURL, "message": "x", "schedule": map[string]any{"type": "custom"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, f.h.Create, "POST", "/api/alerts", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.sched.synced)
}

func TestAlertCreateGlobalWithoutURL(t *testing.T) {
	f := setupAlerts(t)

	rec := do(t, f.h.Create, "POST", "/api/alerts", map[string]any{"scope": "global", "message": "everywhere", "enabled": false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[model.Alert](t, rec).Enabled)

	rec = do(t, f.h.Global, "GET", "/api/alerts/global", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.Alert](t, rec), 1)
}

func TestAlertPatchSchedule(t *testing.T) {
	f := setupAlerts(t)
	ctx := context.Background()
	a := model.Alert{
		ID: "a1", URL: pageURL, Scope: model.ScopePage, Message: "m", Enabled: true,
		Schedule: &model.AlertSchedule{Type: model.ScheduleDaily, TimeOfDay: "09:00", AlarmName: "notara_scheduled_1"},
	}
	require.NoError(t, f.alerts.Upsert(ctx, a))

	rec := do(t, f.h.Patch, "PATCH", "/api/alerts", map[string]any{"ref": a.Ref(), "patch": map[string]any{"enabled": false}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.sched.synced, 1)
	assert.False(t, f.sched.synced[0].Enabled)
	assert.Empty(t, f.sched.cancelled, "same alarm name is cancelled through Sync")

	rec = do(t, f.h.Patch, "PATCH", "/api/alerts", map[string]any{"ref": a.Ref(), "patch": map[string]any{"clearSchedule": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"notara_scheduled_1"}, f.sched.cancelled)

	stored, _, err := f.alerts.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.Nil(t, stored.Schedule)

	rec = do(t, f.h.Patch, "PATCH", "/api/alerts", map[string]any{
		"ref":   a.Ref(),
		"patch": map[string]any{"schedule": map[string]any{"type": "weekly", "timeOfDay": "7:5"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.h.Patch, "PATCH", "/api/alerts", map[string]any{
		"ref":   model.Ref{ID: "missing", URL: pageURL, Scope: model.ScopePage},
		"patch": map[string]any{"message": "x"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decodeBody[map[string]string](t, rec)["outcome"])
}

func TestAlertDeleteCancelsAlarm(t *testing.T) {
	f := setupAlerts(t)
	ctx := context.Background()
	a := model.Alert{
		ID: "a1", URL: pageURL, Scope: model.ScopeSite, Message: "m", Enabled: true,
		Schedule: &model.AlertSchedule{Type: model.ScheduleDaily, TimeOfDay: "09:00", AlarmName: "notara_scheduled_7"},
	}
	require.NoError(t, f.alerts.Upsert(ctx, a))

	rec := do(t, f.h.Delete, "DELETE", "/api/alerts", map[string]any{"ref": a.Ref()})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"notara_scheduled_7"}, f.sched.cancelled)

	_, found, err := f.alerts.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAlertChangeScopeToGlobal(t *testing.T) {
	f := setupAlerts(t)
	ctx := context.Background()
	a := model.Alert{ID: "a1", URL: pageURL, Scope: model.ScopePage, Message: "m", Enabled: true}
	require.NoError(t, f.alerts.Upsert(ctx, a))

	rec := do(t, f.h.ChangeScope, "POST", "/api/alerts/scope", map[string]any{"alert": a, "scope": "global"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	global, err := f.alerts.Global(ctx)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, pageURL, global[0].URL)
}

func TestAlertScheduleAndCancelEndpoints(t *testing.T) {
	f := setupAlerts(t)

	rec := do(t, f.h.Schedule, "POST", "/api/alerts/schedule", map[string]any{
		"schedule": map[string]any{"type": "custom", "intervalMinutes": 30},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[scheduleResponse](t, rec)
	assert.Equal(t, model.NewAlarmName(fixedNow), resp.AlarmName)
	assert.Equal(t, 30.0, resp.PeriodMinutes)
	assert.Equal(t, "Every 30min", resp.Description)
	assert.Nil(t, resp.When)

	rec = do(t, f.h.Schedule, "POST", "/api/alerts/schedule", map[string]any{
		"schedule": map[string]any{"type": "daily", "timeOfDay": "18:00", "alarmName": "notara_scheduled_42"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[scheduleResponse](t, rec)
	require.NotNil(t, resp.When)
	assert.True(t, resp.When.Equal(time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Daily 18:00", resp.Description)

	rec = do(t, f.h.Schedule, "POST", "/api/alerts/schedule", map[string]any{"schedule": map[string]any{"type": "yearly"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.h.Cancel, "POST", "/api/alerts/cancel", map[string]any{"alarmName": "notara_scheduled_42"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"notara_scheduled_42"}, f.sched.cancelled)

	rec = do(t, f.h.Cancel, "POST", "/api/alerts/cancel", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFreemiumStatus(t *testing.T) {
	f := setupNotes(t)
	h := NewFreemiumHandler(f.gate, discardLogger())

	rec := do(t, h.Status, "GET", "/api/freemium", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"allowed":true,"current":0,"limit":20,"unlimited":false}`, rec.Body.String())

	require.NoError(t, f.gate.SetPro(context.Background(), true))
	rec = do(t, h.Status, "GET", "/api/freemium", nil)
	assert.JSONEq(t, `{"allowed":true,"current":0,"limit":null,"unlimited":true}`, rec.Body.String())
}

func TestPushSubscribeUnsubscribe(t *testing.T) {
	ps := store.NewPushStore(kv.NewMemory())
	h := NewPushHandler(ps, push.NewService(push.Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"}), discardLogger())
	ctx := context.Background()

	rec := do(t, h.Subscribe, "POST", "/api/push/subscribe", map[string]any{
		"endpoint": "https://push.example/abc", "p256dh": "key", "auth": "secret", "device_name": "laptop",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h.List, "GET", "/api/push/subscriptions", nil)
	subs := decodeBody[[]model.PushSubscription](t, rec)
	require.Len(t, subs, 1)
	assert.Equal(t, "laptop", subs[0].DeviceName)

	rec = do(t, h.Subscribe, "POST", "/api/push/subscribe", map[string]any{"endpoint": "https://push.example/abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Unsubscribe, "DELETE", "/api/push/subscribe", map[string]any{"endpoint": "https://push.example/abc"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	left, err := ps.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	rec = do(t, h.VAPIDKey, "GET", "/api/push/vapid-key", nil)
	assert.Equal(t, "pub", decodeBody[map[string]string](t, rec)["public_key"])
}

func TestBackupNotConfigured(t *testing.T) {
	mem := kv.NewMemory()
	bs := store.NewBackupStore(mem)
	m := backup.NewManager(backup.S3Config{}, mem, bs, discardLogger(), nil)
	h := NewBackupHandler(m, bs, discardLogger())

	rec := do(t, h.Run, "POST", "/api/backup", map[string]any{"passphrase": "pw"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h.Run, "POST", "/api/backup", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Restore, "POST", "/api/backup/restore", map[string]any{"key": "k", "passphrase": "pw"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h.Status, "GET", "/api/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":{"state":"disabled","in_progress":false},"backups":[]}`, rec.Body.String())
}
