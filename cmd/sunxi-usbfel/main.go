package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
	"github.com/JoshuaDoes/logger"
	"github.com/JoshuaDoes/sunxi-usbfel/console"
	"github.com/JoshuaDoes/sunxi-usbfel/livesuit"
	"github.com/JoshuaDoes/sunxi-usbfel/sparse"
	"github.com/JoshuaDoes/sunxi-usbfel/suit"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
)

const (
	app = "Sunxi-USBFEL"
	ver = "v0.1.0"
	dev = "JoshuaDoes"
)

var (
	help     = false
	forceFES = false
	format   = false
	noVerify = false

	device    = ""
	tags      = ""
	uart      = ""
	baud      = console.DefaultBaud
	verbosity = 2

	log *logger.Logger
)

func usage() {
	prog := strings.TrimSuffix(filepath.Base(os.Args[0]), filepath.Ext(os.Args[0]))
	text := fmt.Sprintf(
		" Sunxi USB FEL is a tool to talk to Allwinner devices in FEL or FES mode over USB and to flash"+
			" LiveSuit/PhoenixSuit firmware images to them.\n"+
			"\n"+
			" Usage of %s: %s <command> [arguments] [flags]\n"+
			"\n"+
			" > Commands\n"+
			" list                     | Lists attached FEL devices\n"+
			" ports                    | Lists serial ports available for --uart\n"+
			" status                   | Prints the mode and board of the device\n"+
			" read <addr> <len> <file> | Reads memory or storage to a file (.hex for Intel HEX)\n"+
			" write <addr> <file>      | Writes a file to memory or storage (.hex files carry their own addresses)\n"+
			" run <addr>               | Executes code at an address\n"+
			" info <image>             | Prints the items, flash plan and partition table of an image\n"+
			" flash <image>            | Flashes an image to the device\n"+
			" unsparse <in> <out>      | Expands a sparse image\n"+
			"\n"+
			" > Flags\n"+
			" -h, --help      | none   | Prints the help you see now and ignores other arguments\n"+
			" -d, --device    | string | Device to use as BUS:ADDR, the first one found if empty\n"+
			" -f, --fes       | none   | Issues read, write and run in FES mode instead of asking the device\n"+
			" -t, --tags      | string | Tags for read and write, comma separated (dram,mbr,uboot,boot0,flash,finish,...)\n"+
			" --format        | none   | Erases the storage and writes the user data partition when flashing\n"+
			" --no-verify     | none   | Skips the checksum verification of written partitions\n"+
			" -u, --uart      | string | Serial port to tail while flashing, 'auto' picks a known adapter\n"+
			" -b, --baud      | number | Baud rate of the serial port                                      | %d\n"+
			" -v, --verbosity | number | Log verbosity                                                     | %d\n",
		prog, prog,
		baud, verbosity)
	fmt.Fprintf(os.Stderr, "%s\n", text)
}

func main() {
	fmt.Printf("%s %s - %s\n", app, ver, dev)

	pflag.Usage = usage
	pflag.CommandLine.SortFlags = false
	pflag.BoolVarP(&help, "help", "h", false, "")
	pflag.StringVarP(&device, "device", "d", device, "")
	pflag.BoolVarP(&forceFES, "fes", "f", false, "")
	pflag.StringVarP(&tags, "tags", "t", tags, "")
	pflag.BoolVar(&format, "format", false, "")
	pflag.BoolVar(&noVerify, "no-verify", false, "")
	pflag.StringVarP(&uart, "uart", "u", uart, "")
	pflag.IntVarP(&baud, "baud", "b", baud, "")
	pflag.IntVarP(&verbosity, "verbosity", "v", verbosity, "")
	pflag.Parse()

	if help || pflag.NArg() == 0 {
		usage()
		return
	}

	log = logger.NewLogger(app, verbosity)

	args := pflag.Args()[1:]
	var err error
	switch cmd := pflag.Arg(0); cmd {
	case "list":
		err = cmdList()
	case "ports":
		err = cmdPorts()
	case "status":
		err = cmdStatus()
	case "read":
		err = need(cmd, args, 3, cmdRead)
	case "write":
		if len(args) == 1 && isHex(args[0]) {
			err = cmdWriteHex(args[0])
		} else {
			err = need(cmd, args, 2, cmdWrite)
		}
	case "run":
		err = need(cmd, args, 1, cmdRun)
	case "info":
		err = need(cmd, args, 1, cmdInfo)
	case "flash":
		err = need(cmd, args, 1, cmdFlash)
	case "unsparse":
		err = need(cmd, args, 2, cmdUnsparse)
	default:
		usage()
		err = fmt.Errorf("unknown command '%s'", cmd)
	}
	if err != nil {
		log.Errorf("[!] %v", err)
		os.Exit(1)
	}
}

func need(cmd string, args []string, n int, fn func(args []string) error) error {
	if len(args) < n {
		return fmt.Errorf("%s needs %d arguments, got %d", cmd, n, len(args))
	}
	return fn(args)
}

func cmdList() error {
	list, err := felutils.ListDevices()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		log.Infoln("No FEL devices found")
		return nil
	}
	for _, entry := range list {
		log.Infoln(entry.String())
	}
	return nil
}

func cmdPorts() error {
	ports, err := console.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		log.Infoln("No serial ports found")
	}
	for _, port := range ports {
		log.Infoln(console.Describe(port))
	}
	return nil
}

func cmdStatus() error {
	s, err := openSession(device)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.DeviceStatus()
	if err != nil {
		return err
	}
	log.Infoln("Board:   ", felutils.BoardName(info.Board))
	log.Infof("Firmware: 0x%08X", info.Firmware)
	log.Infoln("Mode:    ", info.Mode)
	log.Debugf("Data:     flag %d, length %d, start 0x%08X", info.DataFlag, info.DataLength, info.DataStartAddress)
	if info.Mode != felutils.ModeFES {
		return nil
	}

	storage, err := s.QueryStorage()
	if err != nil {
		return err
	}
	log.Infoln("Storage: ", storage)
	if msg, err := s.GetMsg(0); err == nil {
		if text := strings.TrimRight(string(msg), "\x00"); text != "" {
			log.Infoln("Message: ", text)
		}
	}
	return nil
}

func cmdRead(args []string) error {
	address, err := parseNum(args[0])
	if err != nil {
		return err
	}
	length, err := parseNum(args[1])
	if err != nil {
		return err
	}
	t, err := parseTags(tags)
	if err != nil {
		return err
	}

	s, err := openSession(device)
	if err != nil {
		return err
	}
	defer s.Close()
	mode, err := sessionMode(s)
	if err != nil {
		return err
	}

	log.Infof("Reading %d bytes at 0x%08X (%s, %s)", length, address, mode, t)
	bar := newBar(int(length), "Reading")
	data, err := s.Read(address, int(length), t, mode, barProgress(bar))
	bar.Finish()
	if err != nil {
		return err
	}
	return saveFile(args[2], address, data)
}

func cmdWrite(args []string) error {
	if isHex(args[1]) {
		return cmdWriteHex(args[1])
	}
	address, err := parseNum(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	return writeSegments([]segment{{address, data}})
}

func cmdWriteHex(file string) error {
	segments, err := loadHex(file)
	if err != nil {
		return err
	}
	return writeSegments(segments)
}

func writeSegments(segments []segment) error {
	t, err := parseTags(tags)
	if err != nil {
		return err
	}
	s, err := openSession(device)
	if err != nil {
		return err
	}
	defer s.Close()
	mode, err := sessionMode(s)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if felutils.IsEGON(seg.data) {
			if err := felutils.CheckEGON(seg.data); err != nil {
				log.Infof("[!] eGON checksum is wrong, sealing: %v", err)
				felutils.SealEGON(seg.data)
			}
		}
		log.Infof("Writing %d bytes at 0x%08X (%s, %s)", len(seg.data), seg.address, mode, t)
		bar := newBar(len(seg.data), "Writing")
		err := s.Write(seg.address, seg.data, t, mode, false, barProgress(bar))
		bar.Finish()
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdRun(args []string) error {
	address, err := parseNum(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(device)
	if err != nil {
		return err
	}
	defer s.Close()
	mode, err := sessionMode(s)
	if err != nil {
		return err
	}
	log.Infof("Running code at 0x%08X (%s)", address, mode)
	return s.Run(address, mode, felutils.RunNone, nil)
}

func cmdInfo(args []string) error {
	img, err := livesuit.Open(args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	log.Infof("Image format 0x%X, version 0x%X, %d items", img.Format, img.ImageVersion, img.ItemCount)
	log.Infof("Hardware 0x%X, firmware 0x%X, USB %04x:%04x", img.Hardware, img.Firmware, img.VID, img.PID)
	if img.Encrypted() {
		log.Infoln("Image is encrypted")
	}
	if img.IsLegacy() {
		log.Infoln("[!] Image is for boot 1.0 devices and cannot be flashed")
	}
	for _, it := range img.Items() {
		log.Infoln(it.String())
	}

	if it, ok := img.ItemByFile("dlinfo.fex"); ok {
		raw, err := img.ReadItem(it)
		if err != nil {
			return err
		}
		plan, err := livesuit.ParseDownloadInfo(raw)
		if err != nil {
			return err
		}
		log.Infof("Flash plan (%s, crc ok: %t):", plan.Magic, plan.CRCValid())
		for _, dl := range plan.Items {
			log.Infof("- %-12s @ 0x%08x [%d MB] <= %s (verify %s)", dl.Name, dl.Address, dl.Length/2048, dl.Filename, dl.VerifyFilename)
		}
	}
	if it, ok := img.ItemByFile("sunxi_mbr.fex"); ok {
		raw, err := img.ReadItem(it)
		if err != nil {
			return err
		}
		mbr, err := livesuit.ParseMBR(raw)
		if err != nil {
			return err
		}
		log.Infof("Partition table (%s, %d copies, crc ok: %t):", mbr.Magic, mbr.Copies, mbr.CRCValid())
		for _, p := range mbr.Partitions {
			ro := ""
			if p.ReadOnly {
				ro = " ro"
			}
			log.Infof("- %-12s @ 0x%08x [%d MB]%s", p.Name, p.Address, p.Length/2048, ro)
		}
	}
	return nil
}

func cmdFlash(args []string) error {
	img, err := livesuit.Open(args[0])
	if err != nil {
		if errors.Is(err, livesuit.ErrEncrypted) {
			return fmt.Errorf("%w: decrypt the image with an unpacker first", err)
		}
		return err
	}
	defer img.Close()

	if uart != "" {
		name := uart
		if name == "auto" {
			name = ""
		}
		c, err := console.Open(name, baud)
		if err != nil {
			return err
		}
		defer c.Close()
		go tail(c)
	}

	s, err := openSession(device)
	if err != nil {
		return err
	}

	bars := new(barSet)
	f := suit.New(s, img,
		suit.WithFormat(format),
		suit.WithVerify(!noVerify),
		suit.WithLogger(log),
		suit.WithReconnect(func() (*felutils.Session, error) {
			//The device re-enumerates with a new address
			return openSession("")
		}),
		suit.WithProgress(bars.event),
	)
	defer func() {
		bars.finish()
		f.Session().Close()
	}()
	return f.Flash()
}

func cmdUnsparse(args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	img, err := sparse.Open(in, 0, sparse.WithChecksum())
	if err != nil {
		return err
	}
	log.Infof("Sparse image v%d.%d: %d chunks, %d blocks of %d bytes", img.Major, img.Minor, img.ChunkCount(), img.TotalBlocks, img.BlockSize)

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()

	n, err := img.Dump(out)
	if err != nil {
		return err
	}
	log.Infof("Wrote %d bytes to %s", n, args[1])
	return nil
}

func tail(c *console.Console) {
	for line := range c.Lines() {
		log.Infof("[%s] %s", line.Stage(), line.Text())
	}
	if err := c.Err(); err != nil {
		log.Errorln("UART:", err)
	}
}

// barSet keeps one progress bar per item being written.
type barSet struct {
	name string
	bar  *progressbar.ProgressBar
}

func (b *barSet) event(e suit.Event) {
	if e.Kind != suit.Percent {
		b.finish()
		return
	}
	if b.bar == nil || b.name != e.Message {
		b.finish()
		b.name = e.Message
		b.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(e.Message),
		)
	}
	b.bar.Set(e.Value)
}

func (b *barSet) finish() {
	if b.bar == nil {
		return
	}
	b.bar.Finish()
	fmt.Println()
	b.bar = nil
	b.name = ""
}
