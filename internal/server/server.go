// Package server wires the stores, the alarm scheduler and the HTTP API
// together.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dukerupert/notara/internal/alarm"
	"github.com/dukerupert/notara/internal/backup"
	"github.com/dukerupert/notara/internal/config"
	"github.com/dukerupert/notara/internal/email"
	"github.com/dukerupert/notara/internal/freemium"
	"github.com/dukerupert/notara/internal/handler"
	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/license"
	"github.com/dukerupert/notara/internal/middleware"
	"github.com/dukerupert/notara/internal/migrate"
	"github.com/dukerupert/notara/internal/push"
	"github.com/dukerupert/notara/internal/store"
	ws "github.com/dukerupert/notara/internal/websocket"
)

// cleanupInterval is how often expired backups and rate limit windows are
// swept.
const cleanupInterval = time.Hour

type Server struct {
	kv            kv.Store
	hub           *ws.Hub
	gate          *freemium.Gate
	timers        *alarm.TimerService
	scheduler     *alarm.Scheduler
	licenseClient *license.Client
	backupManager *backup.Manager
	rateLimiter   *middleware.RateLimiter

	noteH     *handler.NoteHandler
	alertH    *handler.AlertHandler
	freemiumH *handler.FreemiumHandler
	pushH     *handler.PushHandler
	backupH   *handler.BackupHandler

	origins       []string
	retentionDays int
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server over base. Every write through the server's stores is
// broadcast to websocket clients.
func New(base kv.Store, cfg *config.Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	observed := kv.NewObserved(base, hub.StorageChanged)

	noteStore := store.NewNoteStore(observed)
	alertStore := store.NewAlertStore(observed)
	pushStore := store.NewPushStore(observed)
	backupStore := store.NewBackupStore(observed)
	gate := freemium.NewGate(observed, noteStore)

	pushSvc := push.NewService(cfg.PushConfig())
	notifiers := alarm.Fanout{
		alarm.LogNotifier{Logger: logger.With("component", "alarm")},
		hub,
	}
	if cfg.PushConfig().Enabled() {
		notifiers = append(notifiers, push.NewNotifier(pushSvc, pushStore, logger.With("component", "push")))
	}
	if cfg.EmailConfig().Enabled() {
		notifiers = append(notifiers, email.NewClient(cfg.EmailConfig()))
	}

	timers := alarm.NewTimerService(logger.With("component", "timers"))
	scheduler := alarm.NewScheduler(alertStore, timers, notifiers, logger.With("component", "scheduler"))

	backupMgr := backup.NewManager(cfg.S3Config(), observed, backupStore, logger.With("component", "backup"), func(s backup.Status) {
		hub.Broadcast(ws.Message{
			Type:   "backup_status",
			Entity: "backup",
			Action: string(s.State),
			Extra: map[string]any{
				"in_progress": s.InProgress,
				"error":       s.Error,
			},
		})
	})

	backupMgr.OnRestore(func(ctx context.Context) error {
		_, err := scheduler.Reconcile(ctx)
		return err
	})

	licenseClient := license.NewClient(cfg.LicenseConfig(), logger.With("component", "license"))
	licenseClient.OnChange(func(pro bool) {
		if err := gate.SetPro(context.Background(), pro); err != nil {
			logger.Error("store pro status", "error", err)
		}
	})

	return &Server{
		kv:            observed,
		hub:           hub,
		gate:          gate,
		timers:        timers,
		scheduler:     scheduler,
		licenseClient: licenseClient,
		backupManager: backupMgr,
		rateLimiter:   middleware.NewRateLimiter(10, time.Minute),
		noteH:         handler.NewNoteHandler(noteStore, gate, hub, logger.With("component", "note")),
		alertH:        handler.NewAlertHandler(alertStore, scheduler, hub, logger.With("component", "alert")),
		freemiumH:     handler.NewFreemiumHandler(gate, logger.With("component", "freemium")),
		pushH:         handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push_handler")),
		backupH:       handler.NewBackupHandler(backupMgr, backupStore, logger.With("component", "backup_handler")),
		origins:       cfg.Origins,
		retentionDays: cfg.Backup.RetentionDays,
		logger:        logger,
	}
}

// Scheduler returns the alarm scheduler.
func (s *Server) Scheduler() *alarm.Scheduler {
	return s.scheduler
}

// Timers returns the timer service backing the scheduler.
func (s *Server) Timers() *alarm.TimerService {
	return s.timers
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// LicenseClient returns the license client.
func (s *Server) LicenseClient() *license.Client {
	return s.licenseClient
}

// Start migrates legacy keys, validates the license, re-creates every alarm
// and starts the background loops. Startup work runs in that order so the
// reconcile sees migrated alerts.
func (s *Server) Start(ctx context.Context) error {
	report, err := migrate.Legacy(ctx, s.kv, keys.LegacyRenames())
	if err != nil {
		return err
	}
	if !report.Empty() {
		s.logger.Info("legacy keys migrated", "copied", report.Copied, "skipped", report.Skipped, "removed", report.Removed)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.licenseClient.Start(ctx)

	if _, err := s.scheduler.Reconcile(ctx); err != nil {
		cancel()
		s.licenseClient.Stop()
		return err
	}
	s.scheduler.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(ctx)
	}()
	return nil
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Sweep()
			if err := s.backupManager.Cleanup(ctx, s.retentionDays); err != nil {
				s.logger.Error("backup cleanup", "error", err)
			}
		}
	}
}

// Stop halts the background loops and clears every timer.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	s.scheduler.Stop()
	s.licenseClient.Stop()
	s.wg.Wait()
	s.timers.Close()
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	mux.HandleFunc("GET /api/notes", s.noteH.ForURL)
	mux.HandleFunc("GET /api/notes/count", s.noteH.Count)
	mux.HandleFunc("POST /api/notes", s.noteH.Create)
	mux.HandleFunc("PATCH /api/notes", s.noteH.Patch)
	mux.HandleFunc("DELETE /api/notes", s.noteH.Delete)
	mux.HandleFunc("POST /api/notes/scope", s.noteH.ChangeScope)
	mux.HandleFunc("GET /api/notes/all", s.noteH.All)
	mux.HandleFunc("GET /api/notes/grouped", s.noteH.Grouped)

	mux.HandleFunc("GET /api/alerts", s.alertH.ForURL)
	mux.HandleFunc("GET /api/alerts/count", s.alertH.Count)
	mux.HandleFunc("GET /api/alerts/global", s.alertH.Global)
	mux.HandleFunc("POST /api/alerts", s.alertH.Create)
	mux.HandleFunc("PATCH /api/alerts", s.alertH.Patch)
	mux.HandleFunc("DELETE /api/alerts", s.alertH.Delete)
	mux.HandleFunc("POST /api/alerts/scope", s.alertH.ChangeScope)
	mux.HandleFunc("GET /api/alerts/all", s.alertH.All)
	mux.HandleFunc("GET /api/alerts/grouped", s.alertH.Grouped)
	mux.HandleFunc("POST /api/alerts/schedule", s.alertH.Schedule)
	mux.HandleFunc("POST /api/alerts/cancel", s.alertH.Cancel)
	mux.HandleFunc("GET /api/alarms", s.alarmsHandler)

	mux.HandleFunc("GET /api/freemium", s.freemiumH.Status)
	mux.HandleFunc("GET /api/license", s.licenseHandler)

	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.List)
	mux.HandleFunc("POST /api/push/subscribe", s.rateLimited(s.pushH.Subscribe))
	mux.HandleFunc("DELETE /api/push/subscribe", s.pushH.Unsubscribe)

	mux.HandleFunc("GET /api/backup", s.backupH.Status)
	mux.HandleFunc("POST /api/backup", s.rateLimited(s.backupH.Run))
	mux.HandleFunc("POST /api/backup/restore", s.rateLimited(s.backupH.Restore))

	h := middleware.CORS(s.origins)(mux)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"alarms":  len(s.timers.Pending()),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) alarmsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.timers.Pending())
}

func (s *Server) licenseHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.licenseClient.Status())
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	return middleware.RateLimit(s.rateLimiter)(h).ServeHTTP
}
