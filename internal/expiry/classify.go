// Package expiry buckets tracked dates into urgency levels and turns the
// urgent ones into notifications.
package expiry

import (
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

// Status is the bucket a single date falls into relative to today.
type Status string

const (
	StatusNone Status = ""

	StatusExpired       Status = "expired"
	StatusExpiringToday Status = "expiring_today"
	StatusExpiringSoon  Status = "expiring_soon"

	StatusPastDue  Status = "past_due"
	StatusDueToday Status = "due_today"
	StatusDueSoon  Status = "due_soon"

	StatusUpcoming Status = "upcoming"
)

// Thresholds configure the bucketing windows. Days are calendar days in Location.
type Thresholds struct {
	SoonDays      int
	LookaheadDays int
	Location      *time.Location
}

// DefaultThresholds are 7 days for "soon" and a 90 day look-ahead in UTC.
func DefaultThresholds() Thresholds {
	return Thresholds{SoonDays: 7, LookaheadDays: 90, Location: time.UTC}
}

func (t Thresholds) location() *time.Location {
	if t.Location == nil {
		return time.UTC
	}
	return t.Location
}

// Horizon is the last instant covered by the look-ahead window.
func (t Thresholds) Horizon(now time.Time) time.Time {
	return startOfDay(now, t.location()).AddDate(0, 0, t.LookaheadDays+1).Add(-time.Nanosecond)
}

// Classification is the outcome of bucketing one item's dates.
type Classification struct {
	Expiration      Status `json:"expiration,omitempty"`
	Due             Status `json:"due,omitempty"`
	DaysUntilExpiry *int   `json:"daysUntilExpiry,omitempty"`
	DaysUntilDue    *int   `json:"daysUntilDue,omitempty"`
}

// Urgent returns the notification categories the classification triggers.
func (c Classification) Urgent() []model.NotificationCategory {
	var out []model.NotificationCategory
	switch c.Expiration {
	case StatusExpired:
		out = append(out, model.CategoryExpired)
	case StatusExpiringToday:
		out = append(out, model.CategoryExpiringToday)
	}
	switch c.Due {
	case StatusPastDue:
		out = append(out, model.CategoryPastDue)
	case StatusDueToday:
		out = append(out, model.CategoryDueToday)
	}
	return out
}

// Relevant reports whether either date falls inside the look-ahead window.
func (c Classification) Relevant() bool {
	return c.Expiration != StatusNone || c.Due != StatusNone
}

// Classify buckets the due and expiration dates of one item at now. It has no
// side effects.
func Classify(now time.Time, dueDate, expirationDate *time.Time, th Thresholds) Classification {
	var c Classification
	loc := th.location()
	if expirationDate != nil {
		days := daysBetween(now, *expirationDate, loc)
		c.DaysUntilExpiry = &days
		c.Expiration = bucket(days, th, StatusExpired, StatusExpiringToday, StatusExpiringSoon)
	}
	if dueDate != nil {
		days := daysBetween(now, *dueDate, loc)
		c.DaysUntilDue = &days
		c.Due = bucket(days, th, StatusPastDue, StatusDueToday, StatusDueSoon)
	}
	return c
}

func bucket(days int, th Thresholds, past, today, soon Status) Status {
	switch {
	case days < 0:
		return past
	case days == 0:
		return today
	case days <= th.SoonDays:
		return soon
	case days <= th.LookaheadDays:
		return StatusUpcoming
	default:
		return StatusNone
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days from now to t in loc.
func daysBetween(now, t time.Time, loc *time.Location) int {
	from := startOfDay(now, loc)
	to := startOfDay(t, loc)
	// Dates are compared in UTC so DST shifts don't produce fractional days
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
