// Package flash implements a driver for 256-byte-page serial NOR flash
// memory devices on a shared SPI bus: JEDEC identification, array reads,
// page programming with automatic page-boundary splitting, block and chip
// erase, and deep power-down management.
//
// The transport is abstract (see Bus); flashopen provides openers for a
// platform SPI port and for an MCP2210 USB bridge, flashtest provides a
// simulated device for host-side testing.
package flash

import (
	"encoding/binary"
	"sync"
	"time"
)

// Device is one flash chip attached to a Bus.
//
// All operations are synchronous and blocking: a command is only issued once
// the device reports idle, so an erase started earlier delays the next call,
// not the erase itself. Device serializes its own method calls; it does not
// arbitrate the bus with other masters.
type Device struct {
	bus Bus

	jedecID      uint16
	pollInterval time.Duration
	waitTimeout  time.Duration

	uniqueID [8]byte

	workMutex sync.Mutex
	closed    bool

	logFunc LogFunc
}

// New creates a Device on the given bus. The device is not touched until
// Init is called.
func New(bus Bus, opts ...Option) *Device {
	d := &Device{
		bus: bus,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Device) log(format string, params ...interface{}) {
	if d.logFunc != nil {
		d.logFunc(" * "+format, params...)
	}
}

// Init wakes the device, verifies its JEDEC ID if one was configured, and
// clears all block protection bits. On an ID mismatch it returns
// *UnexpectedIDError without modifying the device; the caller must not use
// the device in that case.
func (d *Device) Init() error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	if err := d.wake(); err != nil {
		return err
	}

	if d.jedecID != 0 {
		id, err := d.identify()
		if err != nil {
			return err
		}

		if id != d.jedecID {
			return &UnexpectedIDError{Got: id, Want: d.jedecID}
		}
	}

	// Global unprotect
	t, err := d.begin(OpStatusWrite, true)
	if err != nil {
		return err
	}

	if err := t.out([]byte{0}); err != nil {
		return t.abort(err)
	}

	d.log("Initialized device")

	return t.end()
}

// Identify reads the JEDEC manufacturer/device ID.
func (d *Device) Identify() (uint16, error) {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	return d.identify()
}

func (d *Device) identify() (uint16, error) {
	t, err := d.begin(OpIDRead, false)
	if err != nil {
		return 0, err
	}

	var buf [2]byte
	if err := t.in(buf[:]); err != nil {
		return 0, t.abort(err)
	}

	id := binary.BigEndian.Uint16(buf[:])
	d.log("JEDEC ID 0x%04x", id)

	return id, t.end()
}

// ReadUniqueID reads the factory-programmed 64-bit unique ID. The value is
// also cached and available via UniqueID afterwards.
func (d *Device) ReadUniqueID() ([8]byte, error) {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return [8]byte{}, ErrClosed
	}

	t, err := d.begin(OpUniqueIDRead, false)
	if err != nil {
		return [8]byte{}, err
	}

	if err := t.dummy(4); err != nil {
		return [8]byte{}, t.abort(err)
	}

	if err := t.in(d.uniqueID[:]); err != nil {
		return [8]byte{}, t.abort(err)
	}

	return d.uniqueID, t.end()
}

// UniqueID returns the unique ID cached by the last ReadUniqueID call. It is
// zero until ReadUniqueID has been called once.
func (d *Device) UniqueID() [8]byte {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	return d.uniqueID
}

// ReadByte reads one byte. It uses the low-frequency read command, which
// omits the dummy byte the full-rate command needs.
func (d *Device) ReadByte(addr uint32) (byte, error) {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	t, err := d.begin(OpArrayReadLowFreq, false)
	if err != nil {
		return 0, err
	}

	if err := t.address(addr); err != nil {
		return 0, t.abort(err)
	}

	var buf [1]byte
	if err := t.in(buf[:]); err != nil {
		return 0, t.abort(err)
	}

	return buf[0], t.end()
}

// ReadBytes fills buf from the array starting at addr. Reading does not
// modify the device, so repeated reads of an unmodified region return
// identical data.
func (d *Device) ReadBytes(addr uint32, buf []byte) error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	t, err := d.begin(OpArrayRead, false)
	if err != nil {
		return err
	}

	if err := t.address(addr); err != nil {
		return t.abort(err)
	}

	if err := t.dummy(1); err != nil {
		return t.abort(err)
	}

	if err := t.in(buf); err != nil {
		return t.abort(err)
	}

	return t.end()
}

// WriteByte programs one byte. The location must have been erased first;
// the device silently ignores attempts to set bits back to 1.
func (d *Device) WriteByte(addr uint32, value byte) error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	return d.program(addr, []byte{value})
}

// WriteBytes programs buf starting at addr, splitting it into page-aligned
// program transactions. The first chunk is capped at the distance to the
// next page boundary, every following chunk is a full page except the final
// remainder. As with WriteByte, the target range must have been erased.
func (d *Device) WriteBytes(addr uint32, buf []byte) error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	maxBytes := PageSize - int(addr%PageSize)

	for len(buf) > 0 {
		n := len(buf)
		if n > maxBytes {
			n = maxBytes
		}

		if err := d.program(addr, buf[:n]); err != nil {
			return err
		}

		addr += uint32(n)
		buf = buf[n:]
		maxBytes = PageSize
	}

	return nil
}

// program issues a single page-program transaction. The caller guarantees
// buf does not cross a page boundary.
func (d *Device) program(addr uint32, buf []byte) error {
	t, err := d.begin(OpPageProgram, true)
	if err != nil {
		return err
	}

	if err := t.address(addr); err != nil {
		return t.abort(err)
	}

	if err := t.out(buf); err != nil {
		return t.abort(err)
	}

	d.log("Programmed %d bytes at 0x%06x", len(buf), addr)

	return t.end()
}

// EraseChip erases the entire array. The command is only issued, not waited
// for: the erase can take many seconds and the busy gate of the next
// operation (or a ReadStatus poll) picks up the wait.
func (d *Device) EraseChip() error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	t, err := d.begin(OpChipErase, true)
	if err != nil {
		return err
	}

	d.log("Erasing chip")

	return t.end()
}

// EraseBlock4K erases the 4 KiB block containing addr.
func (d *Device) EraseBlock4K(addr uint32) error {
	return d.eraseBlock(OpBlockErase4K, addr)
}

// EraseBlock32K erases the 32 KiB block containing addr.
func (d *Device) EraseBlock32K(addr uint32) error {
	return d.eraseBlock(OpBlockErase32K, addr)
}

// EraseBlock64K erases the 64 KiB block containing addr.
func (d *Device) EraseBlock64K(addr uint32) error {
	return d.eraseBlock(OpBlockErase64K, addr)
}

func (d *Device) eraseBlock(op byte, addr uint32) error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	t, err := d.begin(op, true)
	if err != nil {
		return err
	}

	if err := t.address(addr); err != nil {
		return t.abort(err)
	}

	d.log("Erasing block 0x%02x at 0x%06x", op, addr)

	return t.end()
}

// Sleep puts the device into deep power-down. Until Wake is called the
// device ignores every other command.
func (d *Device) Sleep() error {
	return d.singleOp(OpSleep)
}

// Wake brings the device out of deep power-down.
func (d *Device) Wake() error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	return d.wake()
}

func (d *Device) wake() error {
	t, err := d.begin(OpWake, false)
	if err != nil {
		return err
	}

	return t.end()
}

func (d *Device) singleOp(op byte) error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	t, err := d.begin(op, false)
	if err != nil {
		return err
	}

	return t.end()
}

// ReadStatus reads the raw status register.
func (d *Device) ReadStatus() (byte, error) {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	return d.readStatus()
}

// Busy reports whether an internal program/erase operation is still in
// progress.
func (d *Device) Busy() (bool, error) {
	status, err := d.ReadStatus()
	return status&statusBusy != 0, err
}

// readStatus is a complete transaction of its own and does not go through
// the busy gate: it is what the busy gate is made of.
func (d *Device) readStatus() (byte, error) {
	s, err := d.bus.Acquire()
	if err != nil {
		return 0, err
	}

	var buf [1]byte

	err = s.Write([]byte{OpStatusRead})
	if err == nil {
		err = s.Read(buf[:])
	}

	if relErr := s.Release(); err == nil {
		err = relErr
	}

	return buf[0], err
}

// waitIdle polls the status register until the busy bit clears. A missing
// chip is expected to read as idle thanks to a pull-down on the data-in
// line; without that pull-down, and without a wait timeout configured, this
// loop can hang forever.
func (d *Device) waitIdle() error {
	var deadline time.Time
	if d.waitTimeout > 0 {
		deadline = time.Now().Add(d.waitTimeout)
	}

	for {
		status, err := d.readStatus()
		if err != nil {
			return err
		}

		if status&statusBusy == 0 {
			return nil
		}

		if d.waitTimeout > 0 && !time.Now().Before(deadline) {
			return ErrBusyTimeout
		}

		if d.pollInterval > 0 {
			time.Sleep(d.pollInterval)
		}
	}
}

// Close closes the underlying bus. The device cannot be used afterwards.
func (d *Device) Close() error {
	d.workMutex.Lock()
	defer d.workMutex.Unlock()

	if d.closed {
		return nil
	}

	d.closed = true

	return d.bus.Close()
}
