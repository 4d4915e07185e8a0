package alarm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TimerSpec describes when a named timer first fires and how often it
// repeats. When takes precedence over Delay. A zero Period fires once.
type TimerSpec struct {
	When   time.Time
	Delay  time.Duration
	Period time.Duration
}

// Pending describes a registered timer.
type Pending struct {
	Name   string        `json:"name"`
	Next   time.Time     `json:"next"`
	Period time.Duration `json:"period"`
}

// Timers is a named timer facility. Creating a timer under a name that is
// already registered replaces it. Fired names are delivered on Fired.
type Timers interface {
	Create(name string, spec TimerSpec)
	Clear(name string) bool
	ClearAll()
	Pending() []Pending
	Fired() <-chan string
}

type timer struct {
	next   time.Time
	period time.Duration
	cancel context.CancelFunc
}

// TimerService runs each timer in its own goroutine. Timers do not outlive
// the process; Scheduler.Reconcile recreates them from stored alerts.
type TimerService struct {
	mu     sync.Mutex
	timers map[string]*timer
	fired  chan string
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
	logger *slog.Logger
}

func NewTimerService(logger *slog.Logger) *TimerService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerService{
		timers: make(map[string]*timer),
		fired:  make(chan string, 64),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
		logger: logger,
	}
}

func (s *TimerService) Fired() <-chan string {
	return s.fired
}

func (s *TimerService) Create(name string, spec TimerSpec) {
	first := spec.When
	if first.IsZero() {
		first = s.now().Add(spec.Delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[name]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &timer{next: first, period: spec.Period, cancel: cancel}
	s.timers[name] = t

	s.logger.Debug("timer created", "name", name, "next", first, "period", spec.Period)
	go s.run(ctx, name, t)
}

func (s *TimerService) run(ctx context.Context, name string, t *timer) {
	s.mu.Lock()
	next := t.next
	s.mu.Unlock()

	tm := time.NewTimer(next.Sub(s.now()))
	defer tm.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.C:
		}

		select {
		case s.fired <- name:
		case <-ctx.Done():
			return
		}

		if t.period <= 0 {
			s.mu.Lock()
			if s.timers[name] == t {
				delete(s.timers, name)
			}
			s.mu.Unlock()
			return
		}

		// Skip periods missed while the process was suspended.
		now := s.now()
		next = next.Add(t.period)
		for !next.After(now) {
			next = next.Add(t.period)
		}
		s.mu.Lock()
		t.next = next
		s.mu.Unlock()
		tm.Reset(next.Sub(now))
	}
}

// Clear stops the named timer. It reports whether one was registered.
func (s *TimerService) Clear(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.timers, name)
	return true
}

func (s *TimerService) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.timers {
		t.cancel()
		delete(s.timers, name)
	}
}

// Pending lists registered timers ordered by name.
func (s *TimerService) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pending, 0, len(s.timers))
	for name, t := range s.timers {
		out = append(out, Pending{Name: name, Next: t.next, Period: t.period})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every timer.
func (s *TimerService) Close() {
	s.cancel()
	s.ClearAll()
}
