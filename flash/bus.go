package flash

type LogFunc func(format string, params ...interface{})

// Bus is the serial transport a flash device is attached to. The bus may be
// shared with other peripherals that use different clock settings; an
// implementation must apply the configuration this driver needs when the bus
// is acquired and put back whatever was there before when the session is
// released.
type Bus interface {
	// Acquire claims the bus for one transaction: it applies the flash bus
	// configuration (SPI mode 0, MSB first, a clock rate tolerated by
	// co-resident peripherals) and asserts the device select line. Every
	// session must be released exactly once. Nested acquisition is not
	// supported.
	Acquire() (Session, error)

	// Close releases the underlying transport.
	Close() error
}

// Session is a single chip-select framed transaction on the bus. The select
// line stays asserted between Acquire and Release, so consecutive Write/Read
// calls form the phases of one flash command.
type Session interface {
	// Write clocks out buf, discarding whatever the device shifts back.
	Write(buf []byte) error

	// Read clocks out len(buf) zero bytes while capturing the device's
	// response into buf.
	Read(buf []byte) error

	// Release deasserts the select line and restores the bus configuration
	// that was active before Acquire.
	Release() error
}
