package felutils

import (
	"bytes"
	"errors"
	"testing"
)

func TestUSBRequestLayout(t *testing.T) {
	p := (&USBRequest{Tag: 0, Len: 0x1234, Cmd: USBWrite}).Bytes()
	if len(p) != USBRequestLen {
		t.Fatalf("len = %d, want %d", len(p), USBRequestLen)
	}
	if string(p[:4]) != "AWUC" {
		t.Errorf("magic = %q, want AWUC", p[:4])
	}
	if p[8] != 0x34 || p[9] != 0x12 {
		t.Errorf("len = % x, want 34 12", p[8:10])
	}
	if p[15] != 0x0C {
		t.Errorf("cmd_len = 0x%02X, want 0x0C", p[15])
	}
	if p[16] != USBWrite {
		t.Errorf("cmd = 0x%02X, want 0x%02X", p[16], USBWrite)
	}
	if p[18] != 0x34 || p[19] != 0x12 {
		t.Errorf("len2 = % x, want 34 12", p[18:20])
	}
	if !bytes.Equal(p[22:], make([]byte, 10)) {
		t.Errorf("reserved tail = % x, want zeros", p[22:])
	}
}

func TestRequestLayout(t *testing.T) {
	req := Request{Cmd: FESDownload, Address: 0x40, Len: 0x10000, Flags: uint32(TagsOf(TagMBR, TagFinish))}
	want := []byte{
		0x06, 0x02, 0x00, 0x00,
		0x40, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00,
		0x01, 0x7F, 0x01, 0x00,
	}
	if got := req.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes() = % x\nwant      % x", got, want)
	}
	if got := StandardRequest(FELVerifyDevice).Bytes(); !bytes.Equal(got, append([]byte{0x01}, make([]byte, 15)...)) {
		t.Errorf("standard request = % x", got)
	}
}

func TestTransportRequestLayout(t *testing.T) {
	req := TransportRequest{Address: 0x100, Len: 512, MediaIndex: MediaPhysical, Direction: TransmiteWrite | TransmiteStart}
	p := req.Bytes()
	if p[0] != 0x01 || p[1] != 0x02 {
		t.Errorf("cmd = % x, want 01 02", p[:2])
	}
	if p[12] != MediaPhysical || p[13] != 0x50 {
		t.Errorf("media/direction = % x, want 01 50", p[12:14])
	}
	got, err := DecodeTransportRequest(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != req {
		t.Errorf("decoded %+v, want %+v", got, req)
	}
}

func TestDecodeMalformed(t *testing.T) {
	badMagic := (&USBResponse{}).Bytes()
	badMagic[0] = 'X'
	badDevice := DeviceInfo{Mode: ModeFEL}.Bytes()
	copy(badDevice, "AWUSBFEY")
	badTransport := Request{Cmd: FESRun}.Bytes()

	tests := []struct {
		name   string
		decode func() error
	}{
		{"usb request short", func() error { _, err := DecodeUSBRequest(make([]byte, 31)); return err }},
		{"usb response magic", func() error { _, err := DecodeUSBResponse(badMagic); return err }},
		{"usb response long", func() error { _, err := DecodeUSBResponse(make([]byte, 14)); return err }},
		{"request short", func() error { _, err := DecodeRequest(make([]byte, 15)); return err }},
		{"transport wrong cmd", func() error { _, err := DecodeTransportRequest(badTransport); return err }},
		{"status short", func() error { _, err := DecodeStatus(make([]byte, 7)); return err }},
		{"verify status long", func() error { _, err := DecodeVerifyStatus(make([]byte, 13)); return err }},
		{"verify device magic", func() error { _, err := DecodeDeviceInfo(badDevice); return err }},
		{"run args short", func() error { _, err := DecodeRunArgs(make([]byte, 12)); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.decode(); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDeviceInfo(t *testing.T) {
	p := DeviceInfo{Board: 0x00166700, Firmware: 1, Mode: ModeFES, DataStartAddress: 0x7e00}.Bytes()
	if string(p[:8]) != "AWUSBFEX" {
		t.Fatalf("magic = %q", p[:8])
	}
	info, err := DecodeDeviceInfo(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Mode != ModeFES || info.Board != 0x00166700 || info.DataStartAddress != 0x7e00 {
		t.Errorf("decoded %+v", info)
	}
}

func TestVerifyStatusDone(t *testing.T) {
	p := []byte{0x03, 0x76, 0x61, 0x6a, 0x78, 0x56, 0x34, 0x12, 0xff, 0xff, 0xff, 0xff}
	r, err := DecodeVerifyStatus(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Done() {
		t.Errorf("Done() = false for flags 0x%08X", r.Flags)
	}
	if r.CRC != 0x12345678 || r.Result != -1 {
		t.Errorf("crc = 0x%08X result = %d", r.CRC, r.Result)
	}
	r.Flags = 0
	if r.Done() {
		t.Error("Done() = true for flags 0")
	}
}

func TestTags(t *testing.T) {
	tests := []struct {
		tags  Tags
		str   string
		dram  bool
		data  Tag
		parse string
	}{
		{TagsOf(), "none", false, TagNone, ""},
		{TagsOf(TagDRAM), "dram", true, TagDRAM, "dram"},
		{TagsOf(TagMBR, TagFinish), "mbr|finish", true, TagMBR, "mbr,finish"},
		{TagsOf(TagFlash, TagStart), "flash|start", false, TagNone, "flash|start"},
		{TagsOf(TagBoot1), "uboot", true, TagUBoot, "boot1"},
		{TagsOf(TagErase).With(TagFinish), "erase|finish", true, TagErase, " erase , finish "},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if got := tt.tags.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
			if got := tt.tags.DRAM(); got != tt.dram {
				t.Errorf("DRAM() = %t, want %t", got, tt.dram)
			}
			if got := tt.tags.Data(); got != tt.data {
				t.Errorf("Data() = 0x%X, want 0x%X", got, tt.data)
			}
			got, err := ParseTags(tt.parse)
			if err != nil {
				t.Fatalf("ParseTags(%q): %v", tt.parse, err)
			}
			if got != tt.tags {
				t.Errorf("ParseTags(%q) = 0x%X, want 0x%X", tt.parse, got, tt.tags)
			}
		})
	}

	if _, err := ParseTags("mbr,bogus"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseTags(bogus) err = %v, want ErrInvalidArgument", err)
	}
}

func TestBoardName(t *testing.T) {
	if got := BoardName(0x00162300); got != "Allwinner A10 (sun4i)" {
		t.Errorf("BoardName(0x00162300) = %q", got)
	}
}
