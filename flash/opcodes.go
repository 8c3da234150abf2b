package flash

// Command opcodes shared by the common 256-byte-page serial NOR flash
// families (Winbond W25X, Atmel/Adesto AT25DF and compatible parts).
const (
	// OpStatusRead reads the status register
	OpStatusRead = 0x05

	// OpStatusWrite writes the status register (clears protection bits)
	OpStatusWrite = 0x01

	// OpWriteEnable sets the write-enable latch. The latch is one-shot and
	// self-clears after the next program/erase/status-write command.
	OpWriteEnable = 0x06

	// OpWriteDisable clears the write-enable latch
	OpWriteDisable = 0x04

	// OpIDRead reads the JEDEC manufacturer/device ID
	OpIDRead = 0x9F

	// OpUniqueIDRead reads the factory-programmed 64-bit unique ID
	OpUniqueIDRead = 0x4B

	// OpArrayRead reads the memory array at full clock rate. Requires one
	// dummy byte after the address.
	OpArrayRead = 0x0B

	// OpArrayReadLowFreq reads the memory array at reduced clock rate,
	// without the dummy byte
	OpArrayReadLowFreq = 0x03

	// OpPageProgram programs 1 to 256 bytes within a single erased page
	OpPageProgram = 0x02

	// OpChipErase erases the entire array
	OpChipErase = 0x60

	// OpBlockErase4K erases a 4 KiB block
	OpBlockErase4K = 0x20

	// OpBlockErase32K erases a 32 KiB block
	OpBlockErase32K = 0x52

	// OpBlockErase64K erases a 64 KiB block
	OpBlockErase64K = 0xD8

	// OpSleep enters deep power-down. Only OpWake is accepted until woken.
	OpSleep = 0xB9

	// OpWake leaves deep power-down
	OpWake = 0xAB
)

// PageSize is the program page size. A single page-program transaction that
// crosses a page boundary wraps around inside the page and corrupts data, so
// multi-byte writes must be split on page boundaries.
const PageSize = 256

// statusBusy is bit 0 of the status register, set while an internal
// program/erase operation is in progress.
const statusBusy = 0x01
