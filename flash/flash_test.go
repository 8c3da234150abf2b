package flash_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/spiflash/flash"
	"github.com/BertoldVdb/spiflash/flash/flashtest"
)

func newDevice(t *testing.T, opts ...flash.Option) (*flash.Device, *flashtest.Bus) {
	t.Helper()

	bus := flashtest.NewBus(0xEF30)
	return flash.New(bus, opts...), bus
}

// commands returns the recorded transactions with the status polls stripped,
// leaving only actual commands.
func commands(bus *flashtest.Bus) [][]byte {
	var out [][]byte
	for _, tx := range bus.Transactions {
		if len(tx) > 0 && tx[0] == flash.OpStatusRead {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// programs returns (address, length) for every page-program transaction.
func programs(bus *flashtest.Bus) [][2]uint32 {
	var out [][2]uint32
	for _, tx := range bus.Transactions {
		if len(tx) < 4 || tx[0] != flash.OpPageProgram {
			continue
		}
		addr := uint32(tx[1])<<16 | uint32(tx[2])<<8 | uint32(tx[3])
		out = append(out, [2]uint32{addr, uint32(len(tx) - 4)})
	}
	return out
}

func TestIdentify(t *testing.T) {
	dev, _ := newDevice(t)

	id, err := dev.Identify()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xEF30), id)
}

func TestInit(t *testing.T) {
	dev, bus := newDevice(t, flash.WithJEDECID(0xEF30))

	require.NoError(t, dev.Init())

	cmds := commands(bus)
	require.Len(t, cmds, 4)
	assert.Equal(t, []byte{flash.OpWake}, cmds[0])
	assert.Equal(t, []byte{flash.OpIDRead, 0, 0}, cmds[1])
	assert.Equal(t, []byte{flash.OpWriteEnable}, cmds[2])
	assert.Equal(t, []byte{flash.OpStatusWrite, 0}, cmds[3])
}

func TestInitIDMismatch(t *testing.T) {
	dev, bus := newDevice(t, flash.WithJEDECID(0x1F44))

	err := dev.Init()

	var idErr *flash.UnexpectedIDError
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, uint16(0xEF30), idErr.Got)
	assert.Equal(t, uint16(0x1F44), idErr.Want)

	// the device must be left untouched on a mismatch
	for _, tx := range bus.Transactions {
		assert.NotEqual(t, byte(flash.OpStatusWrite), tx[0])
		assert.NotEqual(t, byte(flash.OpWriteEnable), tx[0])
	}
}

func TestInitSkipsVerificationWithoutID(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.Init())

	for _, tx := range bus.Transactions {
		assert.NotEqual(t, byte(flash.OpIDRead), tx[0])
	}
}

func TestReadUniqueID(t *testing.T) {
	dev, bus := newDevice(t)
	bus.UniqueID = [8]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}

	uid, err := dev.ReadUniqueID()
	require.NoError(t, err)
	assert.Equal(t, bus.UniqueID, uid)
	assert.Equal(t, bus.UniqueID, dev.UniqueID())

	cmds := commands(bus)
	require.Len(t, cmds, 1)
	// opcode, 4 dummy bytes, 8 clocked zeros for the ID
	assert.Len(t, cmds[0], 13)
	assert.Equal(t, byte(flash.OpUniqueIDRead), cmds[0][0])
}

func TestReadByteUsesLowFrequencyCommand(t *testing.T) {
	dev, bus := newDevice(t)
	bus.Mem[0x1234] = 0x5A

	v, err := dev.ReadByte(0x1234)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), v)

	cmds := commands(bus)
	require.Len(t, cmds, 1)
	// no dummy byte: opcode, 3 address bytes, 1 data byte
	assert.Equal(t, []byte{flash.OpArrayReadLowFreq, 0x00, 0x12, 0x34, 0x00}, cmds[0])
}

func TestReadBytesUsesDummyByte(t *testing.T) {
	dev, bus := newDevice(t)
	copy(bus.Mem[0x400:], []byte{1, 2, 3, 4, 5})

	buf := make([]byte, 5)
	require.NoError(t, dev.ReadBytes(0x400, buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, buf)

	cmds := commands(bus)
	require.Len(t, cmds, 1)
	assert.Equal(t, byte(flash.OpArrayRead), cmds[0][0])
	// opcode + 3 address bytes + 1 dummy byte + data
	assert.Len(t, cmds[0], 5+len(buf))
}

func TestReadBytesIsIdempotent(t *testing.T) {
	dev, bus := newDevice(t)
	for i := 0; i < 64; i++ {
		bus.Mem[100+i] = byte(i * 7)
	}

	first := make([]byte, 64)
	second := make([]byte, 64)
	require.NoError(t, dev.ReadBytes(100, first))
	require.NoError(t, dev.ReadBytes(100, second))
	assert.Equal(t, first, second)
}

func TestWriteByte(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.WriteByte(0x20, 0x42))
	assert.Equal(t, byte(0x42), bus.Mem[0x20])

	cmds := commands(bus)
	require.Len(t, cmds, 2)
	assert.Equal(t, []byte{flash.OpWriteEnable}, cmds[0])
	assert.Equal(t, []byte{flash.OpPageProgram, 0x00, 0x00, 0x20, 0x42}, cmds[1])
}

func TestWriteBytesPageSplit(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		len  int
		want [][2]uint32
	}{
		{
			name: "misaligned start crossing one boundary",
			addr: 200,
			len:  300,
			want: [][2]uint32{{200, 56}, {256, 244}},
		},
		{
			name: "aligned start",
			addr: 512,
			len:  600,
			want: [][2]uint32{{512, 256}, {768, 256}, {1024, 88}},
		},
		{
			name: "fits in first page",
			addr: 250,
			len:  6,
			want: [][2]uint32{{250, 6}},
		},
		{
			name: "barely crosses boundary",
			addr: 250,
			len:  10,
			want: [][2]uint32{{250, 6}, {256, 4}},
		},
		{
			name: "single byte",
			addr: 0x1FF,
			len:  1,
			want: [][2]uint32{{0x1FF, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, bus := newDevice(t)

			buf := make([]byte, tt.len)
			for i := range buf {
				buf[i] = byte(i)
			}

			require.NoError(t, dev.WriteBytes(tt.addr, buf))
			assert.Equal(t, tt.want, programs(bus))

			readback := make([]byte, tt.len)
			require.NoError(t, dev.ReadBytes(tt.addr, readback))
			assert.Equal(t, buf, readback)
		})
	}
}

func TestWriteBytesEmpty(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.WriteBytes(0, nil))
	assert.Empty(t, bus.Transactions)
}

func TestEveryChunkIsWriteEnabled(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.WriteBytes(200, make([]byte, 300)))

	cmds := commands(bus)
	require.Len(t, cmds, 4)
	assert.Equal(t, []byte{flash.OpWriteEnable}, cmds[0])
	assert.Equal(t, byte(flash.OpPageProgram), cmds[1][0])
	assert.Equal(t, []byte{flash.OpWriteEnable}, cmds[2])
	assert.Equal(t, byte(flash.OpPageProgram), cmds[3][0])
}

func TestEraseBeforeWriteSemantics(t *testing.T) {
	dev, bus := newDevice(t)

	// programming can only clear bits
	require.NoError(t, dev.WriteByte(0x1000, 0xF0))
	require.NoError(t, dev.WriteByte(0x1000, 0x0F))
	assert.Equal(t, byte(0x00), bus.Mem[0x1000])

	// only an erase brings them back
	require.NoError(t, dev.EraseBlock4K(0x1000))
	assert.Equal(t, byte(0xFF), bus.Mem[0x1000])

	require.NoError(t, dev.WriteByte(0x1000, 0x0F))
	assert.Equal(t, byte(0x0F), bus.Mem[0x1000])
}

func TestEraseChip(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.WriteByte(12345, 0x00))
	require.NoError(t, dev.EraseChip())
	assert.Equal(t, byte(0xFF), bus.Mem[12345])

	cmds := commands(bus)
	require.Len(t, cmds, 4)
	assert.Equal(t, []byte{flash.OpWriteEnable}, cmds[2])
	// chip erase has no address phase
	assert.Equal(t, []byte{flash.OpChipErase}, cmds[3])
}

func TestBlockEraseRanges(t *testing.T) {
	tests := []struct {
		name  string
		erase func(*flash.Device, uint32) error
		size  uint32
	}{
		{"4K", (*flash.Device).EraseBlock4K, 4 * 1024},
		{"32K", (*flash.Device).EraseBlock32K, 32 * 1024},
		{"64K", (*flash.Device).EraseBlock64K, 64 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, bus := newDevice(t)

			base := tt.size * 2
			require.NoError(t, dev.WriteByte(base, 0x00))
			require.NoError(t, dev.WriteByte(base+tt.size-1, 0x00))
			require.NoError(t, dev.WriteByte(base+tt.size, 0x00))

			// erase by an address in the middle of the block
			require.NoError(t, tt.erase(dev, base+tt.size/2))

			assert.Equal(t, byte(0xFF), bus.Mem[base])
			assert.Equal(t, byte(0xFF), bus.Mem[base+tt.size-1])
			assert.Equal(t, byte(0x00), bus.Mem[base+tt.size], "next block must be untouched")
		})
	}
}

func TestBusyGateBlocksNextTransaction(t *testing.T) {
	dev, bus := newDevice(t)
	bus.BusyPolls = 3

	require.NoError(t, dev.WriteByte(0, 0x55))

	mark := len(bus.Transactions)
	_, err := dev.ReadByte(0)
	require.NoError(t, err)

	polls := 0
	for _, tx := range bus.Transactions[mark:] {
		if tx[0] == flash.OpStatusRead {
			polls++
		}
	}

	// three busy polls plus the final idle one
	assert.Equal(t, 4, polls)
}

func TestBusyTimeout(t *testing.T) {
	dev, bus := newDevice(t,
		flash.WithPollInterval(time.Millisecond),
		flash.WithWaitTimeout(5*time.Millisecond))

	bus.SetBusy(1 << 30)

	_, err := dev.ReadByte(0)
	require.ErrorIs(t, err, flash.ErrBusyTimeout)
}

func TestSleepWake(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.Sleep())
	require.NoError(t, dev.Wake())

	cmds := commands(bus)
	require.Len(t, cmds, 2)
	assert.Equal(t, []byte{flash.OpSleep}, cmds[0])
	assert.Equal(t, []byte{flash.OpWake}, cmds[1])
}

func TestSleepingDeviceIgnoresCommands(t *testing.T) {
	dev, bus := newDevice(t)

	require.NoError(t, dev.Sleep())
	require.NoError(t, dev.WriteByte(0x30, 0x00))
	assert.Equal(t, byte(0xFF), bus.Mem[0x30], "program while asleep must have no effect")

	require.NoError(t, dev.Wake())
	require.NoError(t, dev.WriteByte(0x30, 0x00))
	assert.Equal(t, byte(0x00), bus.Mem[0x30])
}

func TestReadStatusAndBusy(t *testing.T) {
	dev, bus := newDevice(t)

	status, err := dev.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), status)

	bus.SetBusy(1)
	busy, err := dev.Busy()
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = dev.Busy()
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestClosedDevice(t *testing.T) {
	dev, _ := newDevice(t)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	_, err := dev.ReadByte(0)
	assert.ErrorIs(t, err, flash.ErrClosed)
	assert.ErrorIs(t, dev.WriteByte(0, 0), flash.ErrClosed)
	assert.ErrorIs(t, dev.EraseChip(), flash.ErrClosed)
	assert.ErrorIs(t, dev.Init(), flash.ErrClosed)
}
