package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/notara/internal/alarm"
	"github.com/dukerupert/notara/internal/grouping"
	"github.com/dukerupert/notara/internal/model"
	"github.com/dukerupert/notara/internal/store"
	"github.com/dukerupert/notara/internal/websocket"
)

// AlarmScheduler keeps alarm timers in step with stored alerts.
type AlarmScheduler interface {
	Register(sched model.AlertSchedule) (alarm.TimerSpec, error)
	Cancel(alarmName string)
	Sync(a model.Alert) error
}

type AlertHandler struct {
	alerts    *store.AlertStore
	scheduler AlarmScheduler
	hub       Broadcaster
	logger    *slog.Logger
	now       func() time.Time
}

func NewAlertHandler(as *store.AlertStore, scheduler AlarmScheduler, hub Broadcaster, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{alerts: as, scheduler: scheduler, hub: orNop(hub), logger: logger, now: time.Now}
}

// prepareSchedule names an unnamed schedule and checks that it can be
// planned.
func (h *AlertHandler) prepareSchedule(s *model.AlertSchedule) error {
	if s.AlarmName == "" {
		s.AlarmName = model.NewAlarmName(h.now())
	}
	_, err := alarm.Plan(*s, h.now())
	return err
}

// sync registers or cancels the alert's timer. A failure leaves the alert
// stored; the next reconcile retries.
func (h *AlertHandler) sync(a model.Alert) {
	if err := h.scheduler.Sync(a); err != nil {
		h.logger.Warn("sync alarm", "alert_id", a.ID, "error", err)
	}
}

// ForURL handles GET /api/alerts?url=
func (h *AlertHandler) ForURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	alerts, err := h.alerts.ReadForURL(r.Context(), url)
	if err != nil {
		h.logger.Error("read alerts", "url", url, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// Count handles GET /api/alerts/count?url=
func (h *AlertHandler) Count(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	alerts, err := h.alerts.ReadForURL(r.Context(), url)
	if err != nil {
		h.logger.Error("count alerts", "url", url, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(alerts)})
}

// Global handles GET /api/alerts/global
func (h *AlertHandler) Global(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.Global(r.Context())
	if err != nil {
		h.logger.Error("read global alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type createAlertRequest struct {
	URL      string               `json:"url"`
	Scope    model.Scope          `json:"scope"`
	Message  string               `json:"message"`
	Enabled  *bool                `json:"enabled"`
	Schedule *model.AlertSchedule `json:"schedule"`
}

// Create handles POST /api/alerts. Alerts are enabled unless the request
// says otherwise; an enabled schedule gets its timer immediately.
func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if !decode(w, r, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Scope == "" {
		req.Scope = model.ScopePage
	}
	if !req.Scope.Valid() {
		writeError(w, http.StatusBadRequest, "scope must be page, site or global")
		return
	}
	if req.Scope != model.ScopeGlobal && req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.Schedule != nil {
		if err := h.prepareSchedule(req.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	stamp := model.Millis(h.now())
	a := model.Alert{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Scope:     req.Scope,
		Message:   req.Message,
		Enabled:   req.Enabled == nil || *req.Enabled,
		Schedule:  req.Schedule,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
	if err := h.alerts.Upsert(r.Context(), a); err != nil {
		h.logger.Error("create alert", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	h.sync(a)

	h.hub.Broadcast(websocket.NewMessage("alert", "created", a.ID, map[string]any{"url": a.URL, "scope": a.Scope}))
	writeJSON(w, http.StatusCreated, a)
}

type alertPatchRequest struct {
	Ref   model.Ref        `json:"ref"`
	Patch model.AlertPatch `json:"patch"`
}

// Patch handles PATCH /api/alerts. Changing the schedule or the enabled flag
// re-registers or cancels the alarm.
func (h *AlertHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req alertPatchRequest
	if !decode(w, r, &req) {
		return
	}
	if !(refRequest{Ref: req.Ref}).valid() {
		writeError(w, http.StatusBadRequest, "ref with id and scope is required")
		return
	}
	if req.Patch.Schedule != nil && !req.Patch.ClearSchedule {
		if err := h.prepareSchedule(req.Patch.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	before, found, err := h.alerts.Find(ctx, req.Ref)
	if err != nil {
		h.logger.Error("find alert", "id", req.Ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]string{"outcome": store.NotFound.String()})
		return
	}

	outcome, err := h.alerts.Patch(ctx, req.Ref, req.Patch)
	if err != nil {
		h.logger.Error("update alert", "id", req.Ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}
	if outcome == store.Updated {
		after := req.Patch.Apply(before)
		if before.Schedule != nil && (after.Schedule == nil || after.Schedule.AlarmName != before.Schedule.AlarmName) {
			h.scheduler.Cancel(before.Schedule.AlarmName)
		}
		h.sync(after)
		h.hub.Broadcast(websocket.NewMessage("alert", "updated", req.Ref.ID, nil))
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
}

// Delete handles DELETE /api/alerts and cancels the alert's alarm.
func (h *AlertHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.valid() {
		writeError(w, http.StatusBadRequest, "ref with id and scope is required")
		return
	}

	ctx := r.Context()
	a, found, err := h.alerts.Find(ctx, req.Ref)
	if err != nil {
		h.logger.Error("find alert", "id", req.Ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	if err := h.alerts.Remove(ctx, req.Ref); err != nil {
		h.logger.Error("delete alert", "id", req.Ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	if found && a.Schedule != nil {
		h.scheduler.Cancel(a.Schedule.AlarmName)
	}
	h.hub.Broadcast(websocket.NewMessage("alert", "deleted", req.Ref.ID, nil))
	w.WriteHeader(http.StatusNoContent)
}

type alertScopeRequest struct {
	Alert model.Alert `json:"alert"`
	Scope model.Scope `json:"scope"`
}

// ChangeScope handles POST /api/alerts/scope. The alarm name travels with
// the alert, so its timer needs no change.
func (h *AlertHandler) ChangeScope(w http.ResponseWriter, r *http.Request) {
	var req alertScopeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Alert.ID == "" || !req.Alert.Scope.Valid() {
		writeError(w, http.StatusBadRequest, "alert with id and scope is required")
		return
	}
	if !req.Scope.Valid() {
		writeError(w, http.StatusBadRequest, "scope must be page, site or global")
		return
	}

	moved, err := h.alerts.ChangeScope(r.Context(), req.Alert, req.Scope)
	if err != nil {
		h.logger.Error("change alert scope", "id", req.Alert.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to change scope")
		return
	}
	h.hub.Broadcast(websocket.NewMessage("alert", "moved", moved.ID, map[string]any{"scope": moved.Scope}))
	writeJSON(w, http.StatusOK, moved)
}

// All handles GET /api/alerts/all
func (h *AlertHandler) All(w http.ResponseWriter, r *http.Request) {
	all, err := h.alerts.All(r.Context())
	if err != nil {
		h.logger.Error("list all alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// Grouped handles GET /api/alerts/grouped?by=domain|path
func (h *AlertHandler) Grouped(w http.ResponseWriter, r *http.Request) {
	all, err := h.alerts.All(r.Context())
	if err != nil {
		h.logger.Error("list all alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	switch r.URL.Query().Get("by") {
	case "", "domain":
		writeJSON(w, http.StatusOK, grouping.ByDomain(all))
	case "path":
		writeJSON(w, http.StatusOK, grouping.ByDomainAndPath(all))
	default:
		writeError(w, http.StatusBadRequest, "by must be domain or path")
	}
}

type scheduleResponse struct {
	AlarmName     string     `json:"alarmName"`
	When          *time.Time `json:"when,omitempty"`
	PeriodMinutes float64    `json:"periodMinutes"`
	Description   string     `json:"description"`
}

// Schedule handles POST /api/alerts/schedule. It registers a timer for a
// schedule without storing an alert.
func (h *AlertHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schedule model.AlertSchedule `json:"schedule"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Schedule.AlarmName == "" {
		req.Schedule.AlarmName = model.NewAlarmName(h.now())
	}

	spec, err := h.scheduler.Register(req.Schedule)
	if errors.Is(err, alarm.ErrInvalidSchedule) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("register alarm", "alarm", req.Schedule.AlarmName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register alarm")
		return
	}

	resp := scheduleResponse{
		AlarmName:     req.Schedule.AlarmName,
		PeriodMinutes: spec.Period.Minutes(),
		Description:   alarm.Describe(req.Schedule),
	}
	if !spec.When.IsZero() {
		resp.When = &spec.When
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel handles POST /api/alerts/cancel
func (h *AlertHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AlarmName string `json:"alarmName"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.AlarmName == "" {
		writeError(w, http.StatusBadRequest, "alarmName is required")
		return
	}
	h.scheduler.Cancel(req.AlarmName)
	w.WriteHeader(http.StatusNoContent)
}
