package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrSettingNotFound        = fmt.Errorf("schedule setting not found")
	ErrDuplicateActiveSetting = fmt.Errorf("another active schedule setting exists for this workspace, setting type and channel")
	ErrCursorNotFound         = fmt.Errorf("extraction cursor not found")
	ErrStaleCursor            = fmt.Errorf("stale extraction cursor")
	ErrExtractionLocked       = fmt.Errorf("extraction window is locked by another worker")
	ErrNoWindow               = fmt.Errorf("no extraction window is due")
	ErrUnitNotFound           = fmt.Errorf("notification unit not found")
	ErrLeaseLost              = fmt.Errorf("dispatch lease lost")
	ErrUnitNotRequeueable     = fmt.Errorf("notification unit is not in a failed state")
	errInvalidSetting         = errors.New("invalid schedule setting")
)

// ErrInvalidSetting wraps a validation message so callers can match on errors.Is(err, ErrInvalid).
func ErrInvalidSetting(msg string) error {
	return fmt.Errorf("%w: %s", errInvalidSetting, msg)
}

// IsInvalidSetting reports whether err came from setting validation.
func IsInvalidSetting(err error) bool {
	return errors.Is(err, errInvalidSetting)
}
