// Package erp defines the boundary to external record systems that supply appointments.
package erp

import (
	"context"
	"errors"
	"fmt"

	"notification_scheduler/internal/domain/schedule"
)

var (
	// ErrAdapterUnavailable is retryable: the ERP could not be reached or timed out.
	ErrAdapterUnavailable = errors.New("erp adapter unavailable")
	// ErrAdapterRejected is fatal for the window: the ERP refused the request.
	ErrAdapterRejected = errors.New("erp adapter rejected request")
	// ErrNoAdapter is returned by a registry without an adapter for the requested kind.
	ErrNoAdapter = errors.New("no erp adapter registered")
)

// AdapterError carries the ERP kind and the underlying cause.
type AdapterError struct {
	Kind  schedule.ERPKind
	Class error // ErrAdapterUnavailable or ErrAdapterRejected
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Class, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// Unavailable wraps err as a retryable adapter error.
func Unavailable(kind schedule.ERPKind, err error) error {
	return &AdapterError{Kind: kind, Class: ErrAdapterUnavailable, Err: err}
}

// Rejected wraps err as a non-retryable adapter error.
func Rejected(kind schedule.ERPKind, err error) error {
	return &AdapterError{Kind: kind, Class: ErrAdapterRejected, Err: err}
}

// FetchResult is what one window extraction returns.
type FetchResult struct {
	Events       []schedule.RawEvent
	Continuation string
}

// Adapter pulls raw events for a window.
type Adapter interface {
	FetchEvents(ctx context.Context, w schedule.Window, params schedule.ERPParams) (*FetchResult, error)
}

// Resolver picks the adapter for an ERP kind.
type Resolver interface {
	Adapter(kind schedule.ERPKind) (Adapter, error)
}
