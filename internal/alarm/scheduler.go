// Package alarm turns alert schedules into recurring timers and surfaces a
// notification when one fires.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/notara/internal/model"
)

// NotificationTitle is the title of every alert notification.
const NotificationTitle = "Notara Alert"

// AlertLister reads stored alerts. FindByAlarm reports the alert whose
// schedule owns alarmName.
type AlertLister interface {
	List(ctx context.Context) ([]model.Alert, error)
	FindByAlarm(ctx context.Context, alarmName string) (model.Alert, bool, error)
}

// FireResult reports what HandleFire did.
type FireResult int

const (
	// Delivered means the owning alert was found enabled and shown.
	Delivered FireResult = iota
	// Dropped means the alert was deleted, disabled or rescheduled since the
	// timer was created. Dropping is not an error.
	Dropped
)

func (r FireResult) String() string {
	if r == Dropped {
		return "dropped"
	}
	return "delivered"
}

type Scheduler struct {
	mu       sync.Mutex
	alerts   AlertLister
	timers   Timers
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(alerts AlertLister, timers Timers, notifier Notifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		alerts:   alerts,
		timers:   timers,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source used to anchor daily and weekly timers.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Register creates the recurring timer for a schedule, replacing any timer
// already registered under its alarm name.
func (s *Scheduler) Register(sched model.AlertSchedule) (TimerSpec, error) {
	spec, err := Plan(sched, s.now())
	if err != nil {
		return TimerSpec{}, fmt.Errorf("register %q: %w", sched.AlarmName, err)
	}
	s.timers.Create(sched.AlarmName, spec)
	return spec, nil
}

// Cancel removes the timer for alarmName. Unknown names are ignored.
func (s *Scheduler) Cancel(alarmName string) {
	if alarmName == "" {
		return
	}
	s.timers.Clear(alarmName)
}

// Sync registers or cancels the timer of a single alert to match its state.
func (s *Scheduler) Sync(a model.Alert) error {
	if a.Scheduled() {
		_, err := s.Register(*a.Schedule)
		return err
	}
	if a.Schedule != nil {
		s.Cancel(a.Schedule.AlarmName)
	}
	return nil
}

// Reconcile clears every timer and registers one for each enabled alert
// with a schedule. It always starts from a clean slate, so calling it again
// gives the same result. Alerts with an invalid schedule are logged and
// skipped. It returns the number of timers registered.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	s.timers.ClearAll()

	alerts, err := s.alerts.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile alarms: %w", err)
	}

	n := 0
	for _, a := range alerts {
		if !a.Scheduled() {
			continue
		}
		if _, err := s.Register(*a.Schedule); err != nil {
			s.logger.Warn("skipping alert with invalid schedule", "alert_id", a.ID, "error", err)
			continue
		}
		n++
	}
	s.logger.Info("alarms reconciled", "registered", n, "alerts", len(alerts))
	return n, nil
}

// HandleFire finds the alert owning alarmName and shows it. A fire whose
// alert is gone or disabled is dropped.
func (s *Scheduler) HandleFire(ctx context.Context, alarmName string) (FireResult, error) {
	a, found, err := s.alerts.FindByAlarm(ctx, alarmName)
	if err != nil {
		return Dropped, fmt.Errorf("handle fire %q: %w", alarmName, err)
	}
	if !found || !a.Enabled {
		s.logger.Debug("dropping fire for missing or disabled alert", "alarm", alarmName)
		return Dropped, nil
	}

	n := Notification{Title: NotificationTitle, Message: a.Message, AlertID: a.ID, URL: a.URL}
	if err := s.notifier.Show(ctx, alarmName, n); err != nil {
		return Delivered, fmt.Errorf("show %q: %w", alarmName, err)
	}
	return Delivered, nil
}

// Run handles fired timers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case name := <-s.timers.Fired():
			if _, err := s.HandleFire(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("alarm fire failed", "alarm", name, "error", err)
			}
		}
	}
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop stops a started scheduler and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
