package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"alertflow/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestThrottleDue(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(time.UTC)

	tests := []struct {
		name  string
		alert domain.AutomatedAlert
		want  bool
	}{
		{name: "never checked", alert: domain.AutomatedAlert{CheckFrequencyMinutes: 15}, want: true},
		{name: "checked recently", alert: domain.AutomatedAlert{CheckFrequencyMinutes: 15, LastCheckAt: ptr(now.Add(-10 * time.Minute))}, want: false},
		{name: "exactly on frequency", alert: domain.AutomatedAlert{CheckFrequencyMinutes: 15, LastCheckAt: ptr(now.Add(-15 * time.Minute))}, want: true},
		{name: "overdue", alert: domain.AutomatedAlert{CheckFrequencyMinutes: 15, LastCheckAt: ptr(now.Add(-time.Hour))}, want: true},
		{name: "no frequency", alert: domain.AutomatedAlert{LastCheckAt: ptr(now)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Due(tt.alert, now))
		})
	}
}

func TestThrottleDailyReset(t *testing.T) {
	santiago, err := time.LoadLocation("America/Santiago")
	if err != nil {
		t.Skip("tzdata not available")
	}
	th := NewThrottle(santiago)
	// 02:00 UTC on the 17th is still the 16th in Santiago.
	now := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		triggered *time.Time
		sent      int
		max       int
		wantSent  int
		wantLeft  int
	}{
		{name: "never triggered", sent: 5, max: 3, wantSent: 0, wantLeft: 3},
		{name: "same local day", triggered: ptr(time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)), sent: 2, max: 3, wantSent: 2, wantLeft: 1},
		{name: "previous local day", triggered: ptr(time.Date(2026, 10, 15, 20, 0, 0, 0, time.UTC)), sent: 3, max: 3, wantSent: 0, wantLeft: 3},
		{name: "cap reached", triggered: ptr(now.Add(-time.Minute)), sent: 3, max: 3, wantSent: 3, wantLeft: 0},
		{name: "over cap clamps", triggered: ptr(now.Add(-time.Minute)), sent: 5, max: 3, wantSent: 5, wantLeft: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := domain.AutomatedAlert{LastTriggeredAt: tt.triggered, AlertsSentToday: tt.sent, MaxAlertsPerDay: tt.max}
			assert.Equal(t, tt.wantSent, th.SentToday(a, now))
			assert.Equal(t, tt.wantLeft, th.Remaining(a, now))
		})
	}
}
