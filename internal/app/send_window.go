package app

import (
	"time"

	"notification_scheduler/internal/domain/schedule"
)

// SendWindowCalculator assigns sendAt and the initial status of a unit.
type SendWindowCalculator struct {
	grace time.Duration
}

func NewSendWindowCalculator(grace time.Duration) *SendWindowCalculator {
	if grace < 0 {
		grace = 0
	}
	return &SendWindowCalculator{grace: grace}
}

// SendAt is appointmentTime minus the setting's offset.
func (c *SendWindowCalculator) SendAt(setting *schedule.ScheduleSetting, appointment time.Time) time.Time {
	return appointment.Add(-setting.Offset())
}

// Evaluate returns the status a unit should have at now: pending, skipped:disabled or
// skipped:expired. Skips are terminal.
func (c *SendWindowCalculator) Evaluate(setting *schedule.ScheduleSetting, sendAt, appointment, now time.Time) schedule.UnitStatus {
	if !setting.Active {
		return schedule.UnitStatusSkippedDisabled
	}
	if !now.Before(appointment) {
		return schedule.UnitStatusSkippedExpired
	}
	if late := now.Sub(sendAt); late > 0 && late >= c.grace {
		return schedule.UnitStatusSkippedExpired
	}
	return schedule.UnitStatusPending
}

// Apply fills SendAt, NextAttemptAt and Status on a freshly grouped unit.
func (c *SendWindowCalculator) Apply(setting *schedule.ScheduleSetting, u *schedule.NotificationUnit, now time.Time) {
	u.SendAt = c.SendAt(setting, u.AppointmentTime)
	u.NextAttemptAt = u.SendAt
	u.Status = c.Evaluate(setting, u.SendAt, u.AppointmentTime, now)
	u.UpdatedAt = now
}
