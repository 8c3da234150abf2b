// Package mcp2210 implements the subset of the Microchip MCP2210
// USB-to-SPI protocol converter needed to drive an SPI peripheral with a
// GPIO-controlled chip-select line. The device is a USB HID-class device
// exchanging 64-byte command/response reports.
//
// Datasheet: https://ww1.microchip.com/downloads/en/DeviceDoc/22288A.pdf
package mcp2210

import (
	"fmt"
	"time"

	usb "github.com/karalabe/hid"
)

// VID and PID are the default vendor and product identifiers of the MCP2210.
const (
	VID = 0x04D8
	PID = 0x00DE
)

// MsgSz is the size (in bytes) of all command and response messages.
const MsgSz = 64

// GPPinCount is the number of GP pins on the chip.
const GPPinCount = 9

// spiChunkMax is the number of SPI data bytes that fit in one HID report.
const spiChunkMax = 60

// Command codes, echoed back as the first byte of every response.
const (
	cmdStatus          byte = 0x10
	cmdSPICancel       byte = 0x11
	cmdGetChipSettings byte = 0x20
	cmdSetChipSettings byte = 0x21
	cmdSetGPIOValue    byte = 0x30
	cmdGetGPIOValue    byte = 0x31
	cmdSetGPIODir      byte = 0x32
	cmdGetGPIODir      byte = 0x33
	cmdSetSPISettings  byte = 0x40
	cmdGetSPISettings  byte = 0x41
	cmdSPITransfer     byte = 0x42
)

// SPI transfer response status codes (byte 1).
const (
	statusOK         byte = 0x00
	statusBusNotFree byte = 0xF7
	statusInProgress byte = 0xF8
)

// SPI engine status codes (byte 3 of a transfer response).
const (
	engineFinished byte = 0x10
	engineStarted  byte = 0x20
	enginePending  byte = 0x30
)

// GP pin designations used in the chip settings.
const (
	PinGPIO      byte = 0x00
	PinChipSel   byte = 0x01
	PinDedicated byte = 0x02
)

// MCP2210 is the primary object used for interacting with the converter.
// All USB communication goes through the embedded HID device; use the SPI
// and GPIO modules rather than the device directly.
type MCP2210 struct {
	Device *usb.Device

	SPI  *SPI
	GPIO *GPIO
}

// AttachedDevices returns the descriptors of all connected USB HID devices
// matching the given VID and PID.
func AttachedDevices(vid uint16, pid uint16) []usb.DeviceInfo {
	var info []usb.DeviceInfo

	for _, i := range usb.Enumerate(vid, pid) {
		info = append(info, i)
	}

	return info
}

// NewFromDev wraps an already opened HID device.
func NewFromDev(dev *usb.Device) (*MCP2210, error) {
	m := &MCP2210{
		Device: dev,
	}

	m.SPI = &SPI{MCP2210: m}
	m.GPIO = &GPIO{m}

	return m, nil
}

// Close closes the USB HID connection.
func (m *MCP2210) Close() error {
	return m.Device.Close()
}

func makeMsg() []byte { return make([]byte, MsgSz) }

// xfer transmits one command report and returns the raw response report
// without interpreting its status byte.
func (m *MCP2210) xfer(cmd byte, data []byte) ([]byte, error) {
	data[0] = cmd

	if _, err := m.Device.Write(data); err != nil {
		return nil, fmt.Errorf("write [cmd=0x%02X]: %v", cmd, err)
	}

	rsp := makeMsg()
	n, err := m.Device.Read(rsp)
	if err != nil {
		return nil, fmt.Errorf("read [cmd=0x%02X]: %v", cmd, err)
	}

	if n < MsgSz {
		return nil, fmt.Errorf("read [cmd=0x%02X]: short read (%d of %d bytes)", cmd, n, MsgSz)
	}

	if rsp[0] != cmd {
		return nil, fmt.Errorf("read [cmd=0x%02X]: response for command 0x%02X", cmd, rsp[0])
	}

	return rsp, nil
}

// send transmits a command report and fails if the response does not
// indicate success.
func (m *MCP2210) send(cmd byte, data []byte) ([]byte, error) {
	rsp, err := m.xfer(cmd, data)
	if err != nil {
		return nil, err
	}

	if rsp[1] != statusOK {
		return nil, fmt.Errorf("command 0x%02X failed: 0x%02X", cmd, rsp[1])
	}

	return rsp, nil
}

// SPI contains the methods associated with the SPI transfer engine.
type SPI struct {
	*MCP2210

	baud uint32
	mode byte
}

// SPIBaudRate is the default clock rate, conservative enough for a flash
// chip on a few centimeters of wire.
const SPIBaudRate = 4000000

// SetConfig selects the bit rate and SPI mode used for following transfers.
// The settings are written to the chip together with the transaction size at
// the start of each transfer.
func (mod *SPI) SetConfig(baud uint32, mode byte) {
	mod.baud = baud
	mod.mode = mode
}

// applySettings writes the volatile SPI transfer settings: bit rate, SPI
// mode and the transaction size the engine expects. The chip-select masks
// are left idle since the select line is driven as a GPIO.
func (mod *SPI) applySettings(transactionSize uint16) error {
	baud := mod.baud
	if baud == 0 {
		baud = SPIBaudRate
	}

	cmd := makeMsg()

	cmd[4] = byte(baud)
	cmd[5] = byte(baud >> 8)
	cmd[6] = byte(baud >> 16)
	cmd[7] = byte(baud >> 24)

	// idle and active chip-select values: all lines idle high
	cmd[8], cmd[9] = 0xFF, 0x01
	cmd[10], cmd[11] = 0xFF, 0x01

	// no CS-to-data, data-to-CS or inter-byte delays
	cmd[18] = byte(transactionSize)
	cmd[19] = byte(transactionSize >> 8)
	cmd[20] = mod.mode

	_, err := mod.send(cmdSetSPISettings, cmd)
	return err
}

// Cancel aborts an ongoing SPI transfer.
func (mod *SPI) Cancel() error {
	_, err := mod.send(cmdSPICancel, makeMsg())
	return err
}

// Transfer clocks len(tx) bytes through the SPI engine, collecting the same
// number of response bytes into rx if rx is not nil. The transfer is split
// into HID-report sized chunks; the engine keeps the bus between chunks, so
// a select line held by GPIO sees one continuous transaction.
func (mod *SPI) Transfer(tx []byte, rx []byte) error {
	if rx != nil && len(rx) != len(tx) {
		return fmt.Errorf("rx length %d does not match tx length %d", len(rx), len(tx))
	}

	if err := mod.applySettings(uint16(len(tx))); err != nil {
		return err
	}

	sent, recv := 0, 0

	for recv < len(tx) {
		chunk := tx[sent:]
		if len(chunk) > spiChunkMax {
			chunk = chunk[:spiChunkMax]
		}

		cmd := makeMsg()
		cmd[1] = byte(len(chunk))
		copy(cmd[4:], chunk)

		rsp, err := mod.xfer(cmdSPITransfer, cmd)
		if err != nil {
			return err
		}

		switch rsp[1] {
		case statusOK:
			sent += len(chunk)
		case statusInProgress:
			// engine still clocking the previous chunk, ask again
			time.Sleep(200 * time.Microsecond)
			continue
		case statusBusNotFree:
			return fmt.Errorf("SPI bus not available (external owner)")
		default:
			return fmt.Errorf("SPI transfer failed: 0x%02X", rsp[1])
		}

		n := int(rsp[2])
		if recv+n > len(tx) {
			return fmt.Errorf("SPI transfer returned %d excess bytes", recv+n-len(tx))
		}

		if rx != nil {
			copy(rx[recv:], rsp[4:4+n])
		}
		recv += n

		if rsp[3] == engineFinished && recv < len(tx) {
			return fmt.Errorf("SPI transfer ended early (%d of %d bytes)", recv, len(tx))
		}
	}

	return nil
}

// GPIO contains the methods associated with the GP pins.
type GPIO struct {
	*MCP2210
}

// Designate configures a pin's function (PinGPIO, PinChipSel or
// PinDedicated) in the volatile chip settings, leaving the other pins as
// they are.
func (mod *GPIO) Designate(pin byte, function byte) error {
	if pin >= GPPinCount {
		return fmt.Errorf("invalid GP pin: %d", pin)
	}

	cur, err := mod.send(cmdGetChipSettings, makeMsg())
	if err != nil {
		return err
	}

	// pin designations (4-12), default output/direction (13-16) and the
	// other-settings byte (17) are carried over unchanged
	cmd := makeMsg()
	copy(cmd[4:], cur[4:18])
	cmd[4+pin] = function

	_, err = mod.send(cmdSetChipSettings, cmd)
	return err
}

// SetDir sets a pin's direction: 0 for output, 1 for input.
func (mod *GPIO) SetDir(pin byte, dir byte) error {
	if pin >= GPPinCount {
		return fmt.Errorf("invalid GP pin: %d", pin)
	}

	cur, err := mod.send(cmdGetGPIODir, makeMsg())
	if err != nil {
		return err
	}

	dirs := uint16(cur[4]) | uint16(cur[5])<<8
	if dir != 0 {
		dirs |= 1 << pin
	} else {
		dirs &^= 1 << pin
	}

	cmd := makeMsg()
	cmd[4] = byte(dirs)
	cmd[5] = byte(dirs >> 8)

	_, err = mod.send(cmdSetGPIODir, cmd)
	return err
}

// Set drives an output pin to the given level.
func (mod *GPIO) Set(pin byte, val byte) error {
	if pin >= GPPinCount {
		return fmt.Errorf("invalid GP pin: %d", pin)
	}

	cur, err := mod.send(cmdGetGPIOValue, makeMsg())
	if err != nil {
		return err
	}

	vals := uint16(cur[4]) | uint16(cur[5])<<8
	if val != 0 {
		vals |= 1 << pin
	} else {
		vals &^= 1 << pin
	}

	cmd := makeMsg()
	cmd[4] = byte(vals)
	cmd[5] = byte(vals >> 8)

	_, err = mod.send(cmdSetGPIOValue, cmd)
	return err
}
