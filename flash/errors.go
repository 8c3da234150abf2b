package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed device.
	ErrClosed = errors.New("device is closed")

	// ErrBusyTimeout is returned when the device did not become idle within
	// the configured wait timeout. With the default unbounded wait it is
	// never returned.
	ErrBusyTimeout = errors.New("timeout waiting for device to become idle")
)

// UnexpectedIDError is returned by Init when the JEDEC ID read from the
// device does not match the configured one.
type UnexpectedIDError struct {
	Got  uint16
	Want uint16
}

func (e *UnexpectedIDError) Error() string {
	return fmt.Sprintf("unexpected JEDEC ID 0x%04X, want 0x%04X", e.Got, e.Want)
}
