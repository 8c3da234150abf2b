// Package flashopen opens a flash.Device from a path string describing how
// the chip is attached: a platform SPI port ("platform:SPI0.0:GPIO8") or an
// MCP2210 USB-to-SPI bridge ("usb::3").
package flashopen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BertoldVdb/spiflash/flash"
	"github.com/BertoldVdb/spiflash/flash/flashopen/mcp2210"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// busFrequency is deliberately conservative so peripherals sharing the bus
// wiring keep working.
const busFrequency = 4 * physic.MegaHertz

type platformBus struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinIO
}

func (b *platformBus) Acquire() (flash.Session, error) {
	if b.cs == nil {
		// hardware chip select: phases are buffered and sent as one framed
		// transfer
		return &bufferedSession{conn: b.conn}, nil
	}

	if err := b.cs.Out(gpio.Low); err != nil {
		return nil, err
	}

	return &platformSession{b: b}, nil
}

func (b *platformBus) Close() error {
	return b.port.Close()
}

// platformSession drives the select line itself, so each phase can go to the
// port directly.
type platformSession struct {
	b *platformBus
}

func (s *platformSession) Write(buf []byte) error {
	return s.b.conn.Tx(buf, nil)
}

func (s *platformSession) Read(buf []byte) error {
	return s.b.conn.Tx(make([]byte, len(buf)), buf)
}

func (s *platformSession) Release() error {
	return s.b.cs.Out(gpio.High)
}

// bufferedSession collects the write phases and performs a single
// select-framed transfer, either when the trailing read phase needs the
// response or on release. The port's own chip select then frames the whole
// command correctly even though it deasserts after every transfer.
type bufferedSession struct {
	conn    spi.Conn
	tx      []byte
	flushed bool
}

func (s *bufferedSession) Write(buf []byte) error {
	if s.flushed {
		return errors.New("write phase after read phase")
	}

	s.tx = append(s.tx, buf...)
	return nil
}

func (s *bufferedSession) Read(buf []byte) error {
	if s.flushed {
		return errors.New("multiple read phases")
	}
	s.flushed = true

	tx := append(s.tx, make([]byte, len(buf))...)
	rx := make([]byte, len(tx))

	if err := s.conn.Tx(tx, rx); err != nil {
		return err
	}

	copy(buf, rx[len(s.tx):])
	return nil
}

func (s *bufferedSession) Release() error {
	if s.flushed || len(s.tx) == 0 {
		return nil
	}
	s.flushed = true

	return s.conn.Tx(s.tx, nil)
}

// OpenPlatform attaches to a flash chip on a platform SPI port. If csPin is
// not empty the named GPIO drives the select line and the port is used in
// no-CS mode, which lets one command span multiple transfers.
func OpenPlatform(portID string, csPin string, jedecID uint16, logFunc flash.LogFunc) (*flash.Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %v", err)
	}

	port, err := spireg.Open(portID)
	if err != nil {
		return nil, fmt.Errorf("could not open port: %v", err)
	}

	mode := spi.Mode0

	var cs gpio.PinIO
	if csPin != "" {
		cs = gpioreg.ByName(csPin)
		if cs == nil {
			port.Close()
			return nil, errors.New("select gpio not found")
		}

		if err := cs.Out(gpio.High); err != nil {
			port.Close()
			return nil, err
		}

		mode |= spi.NoCS
	}

	conn, err := port.Connect(busFrequency, mode, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("could not connect: %v", err)
	}

	return initDevice(&platformBus{port: port, conn: conn, cs: cs}, jedecID, logFunc)
}

type usbBus struct {
	dev   *mcp2210.MCP2210
	csPin byte
}

func (b *usbBus) Acquire() (flash.Session, error) {
	if err := b.dev.GPIO.Set(b.csPin, 0); err != nil {
		return nil, err
	}

	return &usbSession{b: b}, nil
}

func (b *usbBus) Close() error {
	return b.dev.Close()
}

type usbSession struct {
	b *usbBus
}

func (s *usbSession) Write(buf []byte) error {
	return s.b.dev.SPI.Transfer(buf, nil)
}

func (s *usbSession) Read(buf []byte) error {
	return s.b.dev.SPI.Transfer(make([]byte, len(buf)), buf)
}

func (s *usbSession) Release() error {
	return s.b.dev.GPIO.Set(s.b.csPin, 1)
}

// OpenUSB attaches to a flash chip behind an MCP2210 bridge. The given GP
// pin drives the select line. An empty serial matches the first bridge
// found.
func OpenUSB(serial string, csPin byte, jedecID uint16, logFunc flash.LogFunc) (*flash.Device, error) {
	findDevice := func(serial string) (*mcp2210.MCP2210, error) {
		devices := mcp2210.AttachedDevices(mcp2210.VID, mcp2210.PID)

		for _, m := range devices {
			if m.Serial == serial || serial == "" {
				hid, err := m.Open()
				if err != nil {
					return nil, err
				}

				return mcp2210.NewFromDev(hid)
			}
		}

		return nil, errors.New("no device found")
	}

	dev, err := findDevice(serial)
	if err != nil {
		return nil, err
	}

	closeOnErr := func(err error) (*flash.Device, error) {
		dev.Close()
		return nil, err
	}

	if err := dev.GPIO.Designate(csPin, mcp2210.PinGPIO); err != nil {
		return closeOnErr(err)
	}

	if err := dev.GPIO.Set(csPin, 1); err != nil {
		return closeOnErr(err)
	}

	if err := dev.GPIO.SetDir(csPin, 0); err != nil {
		return closeOnErr(err)
	}

	dev.SPI.SetConfig(mcp2210.SPIBaudRate, 0)

	return initDevice(&usbBus{dev: dev, csPin: csPin}, jedecID, logFunc)
}

func initDevice(bus flash.Bus, jedecID uint16, logFunc flash.LogFunc) (*flash.Device, error) {
	dev := flash.New(bus,
		flash.WithJEDECID(jedecID),
		flash.WithPollInterval(500*time.Microsecond),
		flash.WithLogFunc(logFunc))

	if err := dev.Init(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to initialize flash: %v", err)
	}

	return dev, nil
}

func getPart(parts []string, index int, def string) string {
	if index >= len(parts) || parts[index] == "" {
		return def
	}
	return parts[index]
}

// Open parses a device path and returns an initialized device. Supported
// forms:
//
//	platform[:port[:cspin]]  e.g. platform:SPI0.0:GPIO8
//	usb[:serial[:cspin]]     e.g. usb::3
func Open(path string, jedecID uint16, logFunc flash.LogFunc) (*flash.Device, error) {
	parts := strings.Split(path, ":")

	switch parts[0] {
	case "platform":
		port := getPart(parts, 1, "SPI0.0")
		csPin := getPart(parts, 2, "")
		return OpenPlatform(port, csPin, jedecID, logFunc)

	case "usb":
		serial := getPart(parts, 1, "")
		csPin, err := strconv.ParseUint(getPart(parts, 2, "0"), 0, 8)
		if err != nil {
			return nil, err
		}
		return OpenUSB(serial, byte(csPin), jedecID, logFunc)
	}

	return nil, errors.New("device type not supported, use 'usb' or 'platform'")
}
