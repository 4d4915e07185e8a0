package alarm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/notara/internal/model"
)

// ErrInvalidSchedule is returned for schedules that cannot be turned into a
// timer.
var ErrInvalidSchedule = errors.New("invalid schedule")

const (
	DailyPeriod  = 24 * time.Hour
	WeeklyPeriod = 7 * 24 * time.Hour
)

var dayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// TimeOfDay is an "HH:MM" wall clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" in 24 hour form. The hour has one or two
// digits, the minute exactly two.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time of day %q: %w", s, ErrInvalidSchedule)
	}
	if !digits(h, 1, 2) {
		return TimeOfDay{}, fmt.Errorf("hour in %q: %w", s, ErrInvalidSchedule)
	}
	if !digits(m, 2, 2) {
		return TimeOfDay{}, fmt.Errorf("minute in %q: %w", s, ErrInvalidSchedule)
	}
	hour, _ := strconv.Atoi(h)
	minute, _ := strconv.Atoi(m)
	if hour > 23 {
		return TimeOfDay{}, fmt.Errorf("hour in %q: %w", s, ErrInvalidSchedule)
	}
	if minute > 59 {
		return TimeOfDay{}, fmt.Errorf("minute in %q: %w", s, ErrInvalidSchedule)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func digits(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// at is tod on day's date in day's location. A wall time skipped by a
// daylight saving jump is moved forward by the size of the jump, so 02:30 on
// a spring-forward night becomes 03:30.
func at(day time.Time, tod TimeOfDay) time.Time {
	t := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, day.Location())
	if t.Hour() == tod.Hour && t.Minute() == tod.Minute {
		return t
	}
	_, before := t.Zone()
	_, after := t.Add(3 * time.Hour).Zone()
	return t.Add(time.Duration(after-before) * time.Second)
}

// NextDailyFire is today at tod if that is strictly after now, otherwise
// tomorrow at tod. A time equal to now counts as passed.
func NextDailyFire(tod TimeOfDay, now time.Time) time.Time {
	next := at(now, tod)
	if !next.After(now) {
		next = at(now.AddDate(0, 0, 1), tod)
	}
	return next
}

// NextWeeklyFire is the next dow at tod strictly after now. When dow is today
// and tod has passed, it is a full week away.
func NextWeeklyFire(dow time.Weekday, tod TimeOfDay, now time.Time) time.Time {
	days := (int(dow) - int(now.Weekday()) + 7) % 7
	next := at(now.AddDate(0, 0, days), tod)
	if !next.After(now) {
		next = at(now.AddDate(0, 0, days+7), tod)
	}
	return next
}

// Plan turns a schedule into a timer spec relative to now.
func Plan(s model.AlertSchedule, now time.Time) (TimerSpec, error) {
	if s.AlarmName == "" {
		return TimerSpec{}, fmt.Errorf("missing alarm name: %w", ErrInvalidSchedule)
	}

	switch s.Type {
	case model.ScheduleDaily:
		tod, err := ParseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return TimerSpec{}, err
		}
		return TimerSpec{When: NextDailyFire(tod, now), Period: DailyPeriod}, nil

	case model.ScheduleWeekly:
		if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return TimerSpec{}, fmt.Errorf("day of week: %w", ErrInvalidSchedule)
		}
		tod, err := ParseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return TimerSpec{}, err
		}
		return TimerSpec{When: NextWeeklyFire(time.Weekday(*s.DayOfWeek), tod, now), Period: WeeklyPeriod}, nil

	case model.ScheduleCustom:
		if s.IntervalMinutes == nil || *s.IntervalMinutes < 1 {
			return TimerSpec{}, fmt.Errorf("interval: %w", ErrInvalidSchedule)
		}
		every := time.Duration(*s.IntervalMinutes) * time.Minute
		return TimerSpec{Delay: every, Period: every}, nil

	default:
		return TimerSpec{}, fmt.Errorf("type %q: %w", s.Type, ErrInvalidSchedule)
	}
}

// Describe is the short label shown next to a scheduled alert, e.g.
// "Daily 09:00", "Weekly, Mon 09:00" or "Every 30min".
func Describe(s model.AlertSchedule) string {
	switch s.Type {
	case model.ScheduleDaily:
		return "Daily " + s.TimeOfDay
	case model.ScheduleWeekly:
		day := 0
		if s.DayOfWeek != nil {
			day = ((*s.DayOfWeek % 7) + 7) % 7
		}
		return fmt.Sprintf("Weekly, %s %s", dayNames[day], s.TimeOfDay)
	case model.ScheduleCustom:
		n := 0
		if s.IntervalMinutes != nil {
			n = *s.IntervalMinutes
		}
		return fmt.Sprintf("Every %dmin", n)
	}
	return ""
}
