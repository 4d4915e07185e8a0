package model

import (
	"fmt"
	"time"
)

type ScheduleType string

const (
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
	ScheduleCustom ScheduleType = "custom"
)

// AlarmPrefix is the prefix of generated alarm names.
const AlarmPrefix = "notara_scheduled_"

// AlertSchedule ties an alert to one recurring timer. DayOfWeek is only read
// for weekly schedules and IntervalMinutes only for custom ones.
type AlertSchedule struct {
	Type            ScheduleType `json:"type"`
	DayOfWeek       *int         `json:"dayOfWeek,omitempty"`
	TimeOfDay       string       `json:"timeOfDay"`
	IntervalMinutes *int         `json:"intervalMinutes,omitempty"`
	AlarmName       string       `json:"alarmName"`
}

// NewAlarmName returns a fresh alarm name derived from t.
func NewAlarmName(t time.Time) string {
	return fmt.Sprintf("%s%d", AlarmPrefix, t.UnixMilli())
}

// Alert is a message attached to a page, a site or shown everywhere. Without
// a schedule it is advisory only and shown as a toast.
type Alert struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Scope     Scope          `json:"scope"`
	Message   string         `json:"message"`
	Enabled   bool           `json:"enabled"`
	Schedule  *AlertSchedule `json:"schedule,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

func (a Alert) Ref() Ref {
	return Ref{ID: a.ID, URL: a.URL, Scope: a.Scope}
}

func (a Alert) WithScope(s Scope, at int64) Alert {
	a.Scope = s
	a.UpdatedAt = at
	return a
}

func (a Alert) Touched(at int64) Alert {
	a.UpdatedAt = at
	return a
}

// Scheduled reports whether a should currently own a timer.
func (a Alert) Scheduled() bool {
	return a.Enabled && a.Schedule != nil
}

type AlertPatch struct {
	Message       *string        `json:"message,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
	Schedule      *AlertSchedule `json:"schedule,omitempty"`
	ClearSchedule bool           `json:"clearSchedule,omitempty"`
}

func (p AlertPatch) Apply(a Alert) Alert {
	if p.Message != nil {
		a.Message = *p.Message
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.ClearSchedule {
		a.Schedule = nil
	} else if p.Schedule != nil {
		s := *p.Schedule
		a.Schedule = &s
	}
	return a
}
