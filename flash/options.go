package flash

import "time"

// Option configures a Device.
type Option func(*Device)

// WithJEDECID sets the JEDEC ID Init verifies against. Zero (the default)
// skips verification.
func WithJEDECID(id uint16) Option {
	return func(d *Device) {
		d.jedecID = id
	}
}

// WithPollInterval sets the delay between status polls while waiting for the
// device to finish an internal program/erase operation.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Device) {
		d.pollInterval = interval
	}
}

// WithWaitTimeout bounds the busy wait. The default of 0 waits forever,
// matching the hardware reality that a chip erase can legitimately take tens
// of seconds. A non-zero timeout makes an absent or stuck device surface as
// ErrBusyTimeout instead of a hang.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.waitTimeout = timeout
	}
}

// WithLogFunc sets a logging callback. Nil disables logging.
func WithLogFunc(logFunc LogFunc) Option {
	return func(d *Device) {
		d.logFunc = logFunc
	}
}
