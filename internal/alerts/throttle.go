package alerts

import (
	"time"

	"alertflow/internal/domain"
)

// Throttle gates an alert by its check frequency and its daily cap. Calendar
// days are counted in the business timezone.
type Throttle struct {
	loc *time.Location
}

func NewThrottle(loc *time.Location) Throttle {
	if loc == nil {
		loc = time.UTC
	}
	return Throttle{loc: loc}
}

// Due reports whether enough time has passed since the last check.
func (t Throttle) Due(a domain.AutomatedAlert, now time.Time) bool {
	if a.LastCheckAt == nil || a.CheckFrequencyMinutes <= 0 {
		return true
	}
	return now.Sub(*a.LastCheckAt) >= time.Duration(a.CheckFrequencyMinutes)*time.Minute
}

// SentToday is the stored counter, or zero once last_triggered_at falls on an
// earlier day than now.
func (t Throttle) SentToday(a domain.AutomatedAlert, now time.Time) int {
	if a.LastTriggeredAt == nil || !t.sameDay(*a.LastTriggeredAt, now) {
		return 0
	}
	return a.AlertsSentToday
}

// Remaining is how many notifications the alert may still queue today.
func (t Throttle) Remaining(a domain.AutomatedAlert, now time.Time) int {
	left := a.MaxAlertsPerDay - t.SentToday(a, now)
	if left < 0 {
		return 0
	}
	return left
}

func (t Throttle) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(t.loc).Date()
	by, bm, bd := b.In(t.loc).Date()
	return ay == by && am == bm && ad == bd
}
