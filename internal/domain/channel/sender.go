package channel

import (
	"context"
	"errors"
	"fmt"

	"notification_scheduler/internal/domain/schedule"
)

// Ack is a successful hand-off to the channel provider.
type Ack struct {
	ProviderRef string
}

// Sender delivers a notification unit through one channel.
// Implementations report failures as TransientError or PermanentError; any other error is
// treated as transient.
type Sender interface {
	Send(ctx context.Context, unit *schedule.NotificationUnit) (Ack, error)
}

// TransientError is a delivery failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient delivery error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a delivery failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent delivery error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Alerter receives operator-visible messages, e.g. units that exhausted their attempts.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}
