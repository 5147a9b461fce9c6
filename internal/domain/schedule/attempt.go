package schedule

import "time"

// AttemptOutcome is the result of one delivery attempt.
type AttemptOutcome string

const (
	OutcomeSent           AttemptOutcome = "sent"
	OutcomeTransientError AttemptOutcome = "transient_error"
	OutcomePermanentError AttemptOutcome = "permanent_error"
)

// DispatchAttempt is an append-only log entry for one delivery attempt.
type DispatchAttempt struct {
	ID             int64
	UnitID         int64
	IdempotencyKey string
	AttemptNumber  int
	WorkerID       string
	Outcome        AttemptOutcome
	ErrorDetail    string
	ProviderRef    string
	AttemptedAt    time.Time
}
