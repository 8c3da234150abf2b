package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/BertoldVdb/spiflash/flash"
	"github.com/BertoldVdb/spiflash/flash/flashopen"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] command [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n"+
		"  id                      read the JEDEC ID\n"+
		"  uid                     read the 64-bit unique ID\n"+
		"  status                  read the status register\n"+
		"  read <addr> <len> [file]  read bytes (hex dump or to file)\n"+
		"  write <addr> <file>     program a file (target must be erased)\n"+
		"  erase4k <addr>          erase the 4K block containing addr\n"+
		"  erase32k <addr>         erase the 32K block containing addr\n"+
		"  erase64k <addr>         erase the 64K block containing addr\n"+
		"  erasechip               erase the whole chip\n"+
		"  sleep | wake            enter/leave deep power-down\n\n"+
		"Flags:\n")
	flag.PrintDefaults()
	os.Exit(1)
}

func parseNum(s string) uint32 {
	v, err := strconv.ParseUint(s, 0, 24)
	if err != nil {
		log.Fatalf("Invalid number '%s': %v", s, err)
	}
	return uint32(v)
}

func main() {
	devPath := flag.String("dev", "platform:SPI0.0", "Device path (platform:port:cspin or usb:serial:cspin)")
	jedecID := flag.Uint("id", 0, "Expected JEDEC ID, 0 skips verification (e.g. 0xEF30)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")

	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	logOut := log.Printf
	if !*verbose {
		logOut = nil
	}

	dev, err := flashopen.Open(*devPath, uint16(*jedecID), logOut)
	if err != nil {
		log.Fatalf("Failed to open '%s': %v", *devPath, err)
	}
	defer dev.Close()

	if err := run(dev, args); err != nil {
		log.Fatalf("Command '%s' failed: %v", args[0], err)
	}
}

func run(dev *flash.Device, args []string) error {
	switch args[0] {
	case "id":
		id, err := dev.Identify()
		if err != nil {
			return err
		}
		log.Printf("JEDEC ID: 0x%04X", id)

	case "uid":
		uid, err := dev.ReadUniqueID()
		if err != nil {
			return err
		}
		log.Printf("Unique ID: %s", hex.EncodeToString(uid[:]))

	case "status":
		status, err := dev.ReadStatus()
		if err != nil {
			return err
		}
		log.Printf("Status: 0x%02X (busy=%t)", status, status&1 != 0)

	case "read":
		if len(args) < 3 {
			usage()
		}

		buf := make([]byte, parseNum(args[2]))
		if err := dev.ReadBytes(parseNum(args[1]), buf); err != nil {
			return err
		}

		if len(args) > 3 {
			return os.WriteFile(args[3], buf, 0644)
		}
		fmt.Print(hex.Dump(buf))

	case "write":
		if len(args) < 3 {
			usage()
		}

		buf, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}

		if err := dev.WriteBytes(parseNum(args[1]), buf); err != nil {
			return err
		}
		log.Printf("Programmed %d bytes", len(buf))

	case "erase4k", "erase32k", "erase64k":
		if len(args) < 2 {
			usage()
		}

		erase := dev.EraseBlock4K
		switch args[0] {
		case "erase32k":
			erase = dev.EraseBlock32K
		case "erase64k":
			erase = dev.EraseBlock64K
		}

		if err := erase(parseNum(args[1])); err != nil {
			return err
		}
		log.Printf("Erase started")

	case "erasechip":
		if err := dev.EraseChip(); err != nil {
			return err
		}
		log.Printf("Chip erase started, poll 'status' for completion")

	case "sleep":
		return dev.Sleep()

	case "wake":
		return dev.Wake()

	default:
		usage()
	}

	return nil
}
