package flash

import "encoding/binary"

// txn is one in-progress flash command. begin leaves the bus selected after
// clocking the opcode; phase methods append address/dummy/data bytes and end
// releases the bus. Program and erase commands only start inside the device
// once the select line deasserts, so forgetting end does not just leak the
// bus, it also leaves the command unexecuted.
type txn struct {
	s Session
}

// begin waits until the device is idle, then starts a command transaction.
// For mutating commands the write-enable latch is set first, in its own
// select-framed transaction, since the device requires it immediately before
// every program/erase/status-write and clears it again afterwards.
func (d *Device) begin(op byte, isWrite bool) (*txn, error) {
	if err := d.waitIdle(); err != nil {
		return nil, err
	}

	if isWrite {
		s, err := d.bus.Acquire()
		if err != nil {
			return nil, err
		}

		err = s.Write([]byte{OpWriteEnable})
		if relErr := s.Release(); err == nil {
			err = relErr
		}
		if err != nil {
			return nil, err
		}
	}

	s, err := d.bus.Acquire()
	if err != nil {
		return nil, err
	}

	if err := s.Write([]byte{op}); err != nil {
		s.Release()
		return nil, err
	}

	return &txn{s: s}, nil
}

// address clocks out a 24-bit address, most significant byte first.
func (t *txn) address(addr uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], addr)
	return t.s.Write(buf[1:])
}

// dummy clocks out n don't-care bytes.
func (t *txn) dummy(n int) error {
	return t.s.Write(make([]byte, n))
}

// out clocks out a data phase.
func (t *txn) out(buf []byte) error {
	return t.s.Write(buf)
}

// in clocks in a data phase.
func (t *txn) in(buf []byte) error {
	return t.s.Read(buf)
}

// end releases the bus, completing the command.
func (t *txn) end() error {
	return t.s.Release()
}

// abort releases the bus after a failed phase, keeping the phase error.
func (t *txn) abort(err error) error {
	t.s.Release()
	return err
}
