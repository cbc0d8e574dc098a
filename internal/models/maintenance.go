package models

import (
	"fmt"
	"time"
)

// ActivationWindow is a recurring window during which activations may run.
// Outside the window the engine rejects (or, with wait semantics, defers)
// the attempt and reports when it becomes eligible again.
type ActivationWindow struct {
	// DayOfWeek is the Go time.Weekday value (0=Sunday … 6=Saturday).
	// Use -1 to mean "every day".
	DayOfWeek int `json:"day_of_week"`

	// StartHour and StartMinute define the window start in Timezone.
	StartHour   int    `json:"start_hour"`
	StartMinute int    `json:"start_minute"`
	Timezone    string `json:"timezone,omitempty"`

	// DurationMinutes is how long the window stays open.
	DurationMinutes int `json:"duration_minutes"`
}

// Contains reports whether t falls inside the window.
func (w ActivationWindow) Contains(t time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	dur := time.Duration(w.DurationMinutes) * time.Minute

	// The window may have opened today or, when it straddles midnight,
	// yesterday. Check both candidate starts.
	for _, dayBack := range []int{0, 1} {
		day := local.AddDate(0, 0, -dayBack)
		if w.DayOfWeek >= 0 && int(day.Weekday()) != w.DayOfWeek {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, w.StartMinute, 0, 0, loc)
		if !local.Before(start) && local.Before(start.Add(dur)) {
			return true
		}
	}
	return false
}

// NextOpen returns the earliest instant at or after t when the window is
// open. A window already open at t returns t itself.
func (w ActivationWindow) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	for ahead := 0; ahead <= 7; ahead++ {
		day := local.AddDate(0, 0, ahead)
		if w.DayOfWeek >= 0 && int(day.Weekday()) != w.DayOfWeek {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, w.StartMinute, 0, 0, loc)
		if !start.Before(local) {
			return start
		}
	}
	return local
}

// HumanSchedule returns a plain-English description of the window.
// Example: "every Sunday at 02:00 UTC for 2h"
func (w ActivationWindow) HumanSchedule() string {
	tz := w.Timezone
	if tz == "" {
		tz = "UTC"
	}
	day := "every day"
	if w.DayOfWeek >= 0 && w.DayOfWeek <= 6 {
		day = "every " + time.Weekday(w.DayOfWeek).String()
	}
	durationH := w.DurationMinutes / 60
	durationM := w.DurationMinutes % 60
	durationStr := ""
	switch {
	case durationH > 0 && durationM > 0:
		durationStr = fmt.Sprintf("%dh %dm", durationH, durationM)
	case durationH > 0:
		durationStr = fmt.Sprintf("%dh", durationH)
	default:
		durationStr = fmt.Sprintf("%dm", durationM)
	}
	return fmt.Sprintf("%s at %02d:%02d %s for %s", day, w.StartHour, w.StartMinute, tz, durationStr)
}
