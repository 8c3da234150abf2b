// Package flashtest provides a simulated serial NOR flash device behind the
// flash.Bus interface, usable from tests and for host-side development
// without hardware attached.
//
// The simulation reproduces the properties the driver has to get right:
// programming can only clear bits (erase-before-write), a program
// transaction that crosses a page boundary wraps around inside the page, the
// write-enable latch is one-shot, and program/erase operations leave the
// device busy for a configurable number of status polls. Every chip-select
// framed transaction is recorded for sequence assertions.
package flashtest

import (
	"errors"

	"github.com/BertoldVdb/spiflash/flash"
)

// MemSize is the size of the simulated array (a 4 Mbit part).
const MemSize = 512 * 1024

// Bus simulates one flash chip and the bus it sits on.
type Bus struct {
	// JEDECID is returned for the ID-read command.
	JEDECID uint16

	// UniqueID is returned for the unique-ID-read command.
	UniqueID [8]byte

	// BusyPolls is the number of status reads that report busy after each
	// program or erase before the device turns idle again.
	BusyPolls int

	// Mem is the array contents, initially all erased (0xFF).
	Mem []byte

	// Transactions records the bytes the master clocked out in every
	// released transaction, in order. Status polls are included.
	Transactions [][]byte

	busyLeft  int
	wel       bool
	sleeping  bool
	statusReg byte

	acquired bool
	closed   bool
	cur      []byte
}

// NewBus creates a simulated chip reporting the given JEDEC ID.
func NewBus(jedecID uint16) *Bus {
	mem := make([]byte, MemSize)
	for i := range mem {
		mem[i] = 0xFF
	}

	return &Bus{
		JEDECID: jedecID,
		Mem:     mem,
	}
}

// SetBusy makes the next n status reads report busy, as if a program/erase
// were in progress.
func (b *Bus) SetBusy(n int) {
	b.busyLeft = n
}

func (b *Bus) Acquire() (flash.Session, error) {
	if b.closed {
		return nil, errors.New("bus is closed")
	}

	if b.acquired {
		return nil, errors.New("nested bus acquisition")
	}

	b.acquired = true
	b.cur = nil

	return &session{b: b}, nil
}

func (b *Bus) Close() error {
	b.closed = true
	return nil
}

type session struct {
	b        *Bus
	released bool
}

func (s *session) Write(buf []byte) error {
	if s.released {
		return errors.New("transfer on released session")
	}

	for _, c := range buf {
		s.b.clock(c)
	}

	return nil
}

func (s *session) Read(buf []byte) error {
	if s.released {
		return errors.New("transfer on released session")
	}

	for i := range buf {
		buf[i] = s.b.clock(0)
	}

	return nil
}

func (s *session) Release() error {
	if s.released {
		return errors.New("double release")
	}

	s.released = true
	s.b.acquired = false
	s.b.commit()

	return nil
}

// clock exchanges one byte: the response depends only on the bytes received
// earlier in the transaction, exactly as on a real full-duplex bus.
func (b *Bus) clock(in byte) byte {
	out := b.respond()
	b.cur = append(b.cur, in)
	return out
}

func (b *Bus) respond() byte {
	i := len(b.cur)
	if i == 0 {
		return 0xFF
	}

	op := b.cur[0]

	// In deep power-down the chip ignores everything but wake. The data-out
	// line floats; the assumed pull-down makes it read as zero.
	if b.sleeping {
		return 0
	}

	switch op {
	case flash.OpStatusRead:
		status := b.statusReg &^ 0x01
		if b.busyLeft > 0 {
			status |= 0x01
		}
		return status

	case flash.OpIDRead:
		switch i {
		case 1:
			return byte(b.JEDECID >> 8)
		case 2:
			return byte(b.JEDECID)
		}
		return 0

	case flash.OpUniqueIDRead:
		if i >= 5 {
			return b.UniqueID[(i-5)%len(b.UniqueID)]
		}
		return 0

	case flash.OpArrayReadLowFreq:
		if i >= 4 {
			return b.Mem[(b.curAddr()+uint32(i-4))%uint32(len(b.Mem))]
		}
		return 0

	case flash.OpArrayRead:
		if i >= 5 {
			return b.Mem[(b.curAddr()+uint32(i-5))%uint32(len(b.Mem))]
		}
		return 0
	}

	return 0
}

func (b *Bus) curAddr() uint32 {
	if len(b.cur) < 4 {
		return 0
	}

	return uint32(b.cur[1])<<16 | uint32(b.cur[2])<<8 | uint32(b.cur[3])
}

// commit applies the side effects of the finished transaction. Program and
// erase only start when the select line deasserts, which is why they happen
// here and not in clock.
func (b *Bus) commit() {
	tx := b.cur
	b.cur = nil
	b.Transactions = append(b.Transactions, tx)

	if len(tx) == 0 {
		return
	}

	op := tx[0]

	if b.sleeping {
		if op == flash.OpWake {
			b.sleeping = false
		}
		return
	}

	switch op {
	case flash.OpStatusRead:
		if b.busyLeft > 0 {
			b.busyLeft--
		}

	case flash.OpWriteEnable:
		b.wel = true

	case flash.OpWriteDisable:
		b.wel = false

	case flash.OpStatusWrite:
		if b.wel && len(tx) >= 2 {
			b.statusReg = tx[1] &^ 0x03 // busy and WEL bits are read-only
		}
		b.wel = false

	case flash.OpPageProgram:
		b.program(tx)

	case flash.OpChipErase:
		if b.wel {
			b.erase(0, uint32(len(b.Mem)))
		}
		b.wel = false

	case flash.OpBlockErase4K:
		b.eraseBlock(tx, 4096)

	case flash.OpBlockErase32K:
		b.eraseBlock(tx, 32*1024)

	case flash.OpBlockErase64K:
		b.eraseBlock(tx, 64*1024)

	case flash.OpSleep:
		b.sleeping = true
	}
}

func (b *Bus) program(tx []byte) {
	defer func() { b.wel = false }()

	if !b.wel || len(tx) < 5 {
		return
	}

	addr := (uint32(tx[1])<<16 | uint32(tx[2])<<8 | uint32(tx[3])) % uint32(len(b.Mem))
	page := addr &^ (flash.PageSize - 1)
	offset := addr & (flash.PageSize - 1)

	// Bits only go from 1 to 0, and the address wraps inside the page: a
	// transaction spanning a page boundary corrupts the start of the page.
	for _, v := range tx[4:] {
		b.Mem[page+offset] &= v
		offset = (offset + 1) & (flash.PageSize - 1)
	}

	b.busyLeft = b.BusyPolls
}

func (b *Bus) eraseBlock(tx []byte, size uint32) {
	defer func() { b.wel = false }()

	if !b.wel || len(tx) < 4 {
		return
	}

	addr := (uint32(tx[1])<<16 | uint32(tx[2])<<8 | uint32(tx[3])) % uint32(len(b.Mem))
	b.erase(addr&^(size-1), size)
}

func (b *Bus) erase(start, size uint32) {
	for i := uint32(0); i < size; i++ {
		b.Mem[(start+i)%uint32(len(b.Mem))] = 0xFF
	}

	b.busyLeft = b.BusyPolls
}
