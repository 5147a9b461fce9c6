package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"notification_scheduler/internal/domain/schedule"
)

func TestSendWindowEvaluate(t *testing.T) {
	appt := baseTime.Add(72 * time.Hour)

	tests := []struct {
		name   string
		grace  time.Duration
		active bool
		now    time.Time
		want   schedule.UnitStatus
	}{
		{"well ahead of send time", time.Hour, true, appt.Add(-30 * time.Hour), schedule.UnitStatusPending},
		{"inside grace", time.Hour, true, appt.Add(-24*time.Hour + 30*time.Minute), schedule.UnitStatusPending},
		{"late by exactly grace", time.Hour, true, appt.Add(-23 * time.Hour), schedule.UnitStatusSkippedExpired},
		{"late beyond grace", time.Hour, true, appt.Add(-2 * time.Hour), schedule.UnitStatusSkippedExpired},
		{"zero grace on time", 0, true, appt.Add(-24 * time.Hour), schedule.UnitStatusPending},
		{"appointment started", 48 * time.Hour, true, appt, schedule.UnitStatusSkippedExpired},
		{"inactive setting", time.Hour, false, appt.Add(-30 * time.Hour), schedule.UnitStatusSkippedDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSendWindowCalculator(tt.grace)
			setting := testSetting(1)
			setting.Active = tt.active
			sendAt := c.SendAt(setting, appt)
			assert.Equal(t, appt.Add(-24*time.Hour), sendAt)
			assert.Equal(t, tt.want, c.Evaluate(setting, sendAt, appt, tt.now))
		})
	}
}

func TestSendWindowApply(t *testing.T) {
	c := NewSendWindowCalculator(time.Hour)
	setting := testSetting(1)
	appt := baseTime.Add(30 * time.Hour)
	u := &schedule.NotificationUnit{AppointmentTime: appt}

	c.Apply(setting, u, baseTime)
	assert.Equal(t, appt.Add(-24*time.Hour), u.SendAt)
	assert.Equal(t, u.SendAt, u.NextAttemptAt)
	assert.Equal(t, schedule.UnitStatusPending, u.Status)
}
