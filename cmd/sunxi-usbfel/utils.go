package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
	"github.com/marcinbor85/gohex"
	"github.com/schollz/progressbar/v3"
)

type segment struct {
	address uint32
	data    []byte
}

func openSession(busAddr string) (*felutils.Session, error) {
	return felutils.Open(busAddr, felutils.WithLogger(log))
}

// sessionMode is the mode commands are issued in, asked from the device unless --fes was given.
func sessionMode(s *felutils.Session) (felutils.Mode, error) {
	if forceFES {
		return felutils.ModeFES, nil
	}
	info, err := s.DeviceStatus()
	if err != nil {
		return 0, err
	}
	switch info.Mode {
	case felutils.ModeFEL, felutils.ModeFES:
		return info.Mode, nil
	}
	return 0, fmt.Errorf("device is in %s mode", info.Mode)
}

func parseNum(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number '%s': %v", s, err)
	}
	return uint32(v), nil
}

func parseTags(s string) (felutils.Tags, error) {
	return felutils.ParseTags(s)
}

func isHex(file string) bool {
	return strings.HasSuffix(strings.ToLower(file), ".hex")
}

func loadHex(file string) ([]segment, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("error parsing '%s': %v", file, err)
	}
	var segments []segment
	for _, s := range mem.GetDataSegments() {
		segments = append(segments, segment{address: s.Address, data: s.Data})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("'%s' holds no data", file)
	}
	return segments, nil
}

// saveFile writes data read from address, as Intel HEX when the file name asks for it.
func saveFile(file string, address uint32, data []byte) error {
	if !isHex(file) {
		return os.WriteFile(file, data, 0644)
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(address, data); err != nil {
		return err
	}
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return mem.DumpIntelHex(f, 16)
}

func newBar(max int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
}

func barProgress(bar *progressbar.ProgressBar) felutils.Progress {
	return func(done int) {
		bar.Set(done)
	}
}
