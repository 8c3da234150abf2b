package flashtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/spiflash/flash"
)

func TestAcquireReleaseDiscipline(t *testing.T) {
	bus := NewBus(0)

	s, err := bus.Acquire()
	require.NoError(t, err)

	_, err = bus.Acquire()
	assert.Error(t, err, "nested acquisition must be rejected")

	require.NoError(t, s.Release())
	assert.Error(t, s.Release())
	assert.Error(t, s.Write([]byte{0}))
	assert.Error(t, s.Read(make([]byte, 1)))

	_, err = bus.Acquire()
	assert.NoError(t, err)
}

func TestClosedBus(t *testing.T) {
	bus := NewBus(0)
	require.NoError(t, bus.Close())

	_, err := bus.Acquire()
	assert.Error(t, err)
}

// A raw program transaction crossing a page boundary must wrap inside the
// page, like the real device does. The driver never issues one; this guards
// the simulation that catches it if it ever would.
func TestProgramWrapsInsidePage(t *testing.T) {
	bus := NewBus(0)

	raw := func(tx []byte) {
		s, err := bus.Acquire()
		require.NoError(t, err)
		require.NoError(t, s.Write(tx))
		require.NoError(t, s.Release())
	}

	raw([]byte{flash.OpWriteEnable})
	// 4 data bytes starting 2 before the end of page 0
	raw([]byte{flash.OpPageProgram, 0x00, 0x00, 0xFE, 0x11, 0x22, 0x33, 0x44})

	assert.Equal(t, byte(0x11), bus.Mem[0xFE])
	assert.Equal(t, byte(0x22), bus.Mem[0xFF])
	assert.Equal(t, byte(0x33), bus.Mem[0x00], "third byte wraps to page start")
	assert.Equal(t, byte(0x44), bus.Mem[0x01])
	assert.Equal(t, byte(0xFF), bus.Mem[0x100], "next page must be untouched")
}

func TestProgramWithoutWriteEnableIsIgnored(t *testing.T) {
	bus := NewBus(0)

	s, err := bus.Acquire()
	require.NoError(t, err)
	require.NoError(t, s.Write([]byte{flash.OpPageProgram, 0x00, 0x00, 0x10, 0x00}))
	require.NoError(t, s.Release())

	assert.Equal(t, byte(0xFF), bus.Mem[0x10])
}

func TestWriteEnableLatchIsOneShot(t *testing.T) {
	bus := NewBus(0)

	raw := func(tx []byte) {
		s, err := bus.Acquire()
		require.NoError(t, err)
		require.NoError(t, s.Write(tx))
		require.NoError(t, s.Release())
	}

	raw([]byte{flash.OpWriteEnable})
	raw([]byte{flash.OpPageProgram, 0x00, 0x00, 0x10, 0x00})
	// second program without a fresh write enable
	raw([]byte{flash.OpPageProgram, 0x00, 0x00, 0x11, 0x00})

	assert.Equal(t, byte(0x00), bus.Mem[0x10])
	assert.Equal(t, byte(0xFF), bus.Mem[0x11])
}
