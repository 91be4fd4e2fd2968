package livesuit_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/JoshuaDoes/sunxi-usbfel/internal/emulator"
	"github.com/JoshuaDoes/sunxi-usbfel/livesuit"
)

type xorDecrypter struct{}

func (xorDecrypter) Decrypt(p []byte, key livesuit.Key) ([]byte, error) {
	return emulator.XOR(p, int(key)), nil
}

type nopDecrypter struct{}

func (nopDecrypter) Decrypt(p []byte, key livesuit.Key) ([]byte, error) {
	return p, nil
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i*7)
	}
	return p
}

func sampleItems() []emulator.ImageItem {
	return []emulator.ImageItem{
		{MainType: "COMMON  ", SubType: "SYS_CONFIG100000", Path: "sys_config.fex", Data: payload(300, 1)},
		{MainType: "12345678", SubType: "1234567890BOOT_0", Path: `c:\images\boot0_sdcard.fex`, Data: payload(1000, 2)},
		{MainType: "12345678", SubType: "UBOOT_0000000000", Path: "u-boot.fex", Data: payload(2048, 3)},
		{MainType: "RFSFAT16", SubType: "1234567890FES_1", Path: "fes1.fex", Data: payload(64, 4)},
		{MainType: "RFSFAT16", SubType: "UBOOT_0000000000", Path: "dup/u-boot.fex", Data: payload(16, 5)},
	}
}

func open(t *testing.T, img emulator.Image, opts ...livesuit.Option) *livesuit.Container {
	t.Helper()
	c, err := livesuit.New(bytes.NewReader(img.Bytes()), opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestHeader(t *testing.T) {
	for _, format := range []uint32{emulator.FormatV1, emulator.FormatV3} {
		c := open(t, emulator.Image{Format: format, Items: sampleItems()})
		if c.Format != format || c.ItemCount != 5 || c.HeaderSize != livesuit.HeaderLen {
			t.Errorf("format 0x%x: header = %+v", format, c.Header)
		}
		if len(c.Items()) != 5 {
			t.Fatalf("format 0x%x: %d items", format, len(c.Items()))
		}
		it := c.Items()[1]
		if it.MainType != "12345678" || it.SubType != "1234567890BOOT_0" || it.DataLen != 1000 {
			t.Errorf("format 0x%x: item = %+v", format, it)
		}
		if it.Name() != "boot0_sdcard.fex" {
			t.Errorf("Name() = %q", it.Name())
		}
		if got, _ := c.ReadItem(it); !bytes.Equal(got, payload(1000, 2)) {
			t.Errorf("format 0x%x: payload differs", format)
		}
	}
	if c := open(t, emulator.Image{Items: sampleItems()}); c.Items()[0].MainType != "COMMON" {
		t.Errorf("MainType = %q, want trailing spaces trimmed", c.Items()[0].MainType)
	}
}

func TestLookup(t *testing.T) {
	c := open(t, emulator.Image{Items: sampleItems()})

	tests := []struct {
		name   string
		lookup func() (*livesuit.Item, bool)
		index  int
	}{
		{"file", func() (*livesuit.Item, bool) { return c.ItemByFile("fes1.fex") }, 3},
		{"file with directory", func() (*livesuit.Item, bool) { return c.ItemByFile("boot0_sdcard.fex") }, 1},
		{"first file wins", func() (*livesuit.Item, bool) { return c.ItemByFile("u-boot.fex") }, 2},
		{"signature", func() (*livesuit.Item, bool) { return c.ItemBySignature("1234567890FES_1") }, 3},
		{"padded signature", func() (*livesuit.Item, bool) { return c.ItemBySignature("1234567890FES_1\x00") }, 3},
		{"first signature wins", func() (*livesuit.Item, bool) { return c.ItemBySignature("UBOOT_0000000000") }, 2},
		{"missing file", func() (*livesuit.Item, bool) { return c.ItemByFile("sunxi_mbr.fex") }, -1},
		{"missing signature", func() (*livesuit.Item, bool) { return c.ItemBySignature("NOPE") }, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, ok := tt.lookup()
			if tt.index < 0 {
				if ok || it != nil {
					t.Errorf("found %v, want nothing", it)
				}
				return
			}
			if !ok || it.Index != tt.index {
				t.Errorf("found %v (ok %t), want item %d", it, ok, tt.index)
			}
		})
	}
}

func TestIsLegacy(t *testing.T) {
	items := sampleItems()
	tests := []struct {
		name  string
		items []emulator.ImageItem
		want  bool
	}{
		{"boot 2.0", items, false},
		{"no fes1", []emulator.ImageItem{items[0], items[2]}, true},
		{"no u-boot", []emulator.ImageItem{items[0], items[3]}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := open(t, emulator.Image{Items: tt.items}).IsLegacy(); got != tt.want {
				t.Errorf("IsLegacy = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestReadItem(t *testing.T) {
	for _, encrypt := range []bool{false, true} {
		c := open(t, emulator.Image{Items: sampleItems(), Encrypt: encrypt}, livesuit.WithDecrypter(xorDecrypter{}))
		if c.Encrypted() != encrypt {
			t.Errorf("Encrypted = %t, want %t", c.Encrypted(), encrypt)
		}
		it, _ := c.ItemByFile("boot0_sdcard.fex")
		want := payload(1000, 2)

		head, err := c.ReadItemHead(it, 20)
		if err != nil || !bytes.Equal(head, want[:20]) {
			t.Errorf("encrypt %t: head = % x, err %v", encrypt, head, err)
		}
		all, err := c.ReadItemHead(it, 1<<20)
		if err != nil || !bytes.Equal(all, want) {
			t.Errorf("encrypt %t: clamped read returned %d bytes, err %v", encrypt, len(all), err)
		}

		var sizes []int
		var got []byte
		err = c.EachItemChunk(it, 300, func(p []byte) error {
			sizes = append(sizes, len(p))
			got = append(got, p...)
			return nil
		})
		if err != nil {
			t.Fatalf("encrypt %t: %v", encrypt, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("encrypt %t: streamed payload differs", encrypt)
		}
		chunk := 300
		if encrypt {
			chunk = 304
		}
		if len(sizes) != 4 || sizes[0] != chunk || sizes[3] != 1000-3*chunk {
			t.Errorf("encrypt %t: chunk sizes = %v", encrypt, sizes)
		}

		// unaligned read across the clear tail
		p := make([]byte, 30)
		if _, err := c.ItemReader(it).ReadAt(p, 980); err == nil {
			t.Errorf("encrypt %t: reading past the end did not report EOF", encrypt)
		}
		if !bytes.Equal(p[:20], want[980:]) {
			t.Errorf("encrypt %t: tail = % x", encrypt, p[:20])
		}
	}
}

func TestEachItemChunkStops(t *testing.T) {
	c := open(t, emulator.Image{Items: sampleItems()})
	it, _ := c.ItemByFile("u-boot.fex")
	stop := errors.New("stop")
	calls := 0
	err := c.EachItemChunk(it, 512, func(p []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
	if err := c.EachItemChunk(it, 0, func([]byte) error { return nil }); err == nil {
		t.Error("chunk size 0 accepted")
	}
}

func TestOpenErrors(t *testing.T) {
	encrypted := emulator.Image{Items: sampleItems(), Encrypt: true}.Bytes()
	tooMany := emulator.Image{Items: sampleItems()}.Bytes()
	tooMany[60], tooMany[61] = 0x01, 0x20

	tests := []struct {
		name string
		p    []byte
		opts []livesuit.Option
		want error
		msg  string
	}{
		{"encrypted", encrypted, nil, livesuit.ErrEncrypted, ""},
		{"wrong key", encrypted, []livesuit.Option{livesuit.WithDecrypter(nopDecrypter{})}, livesuit.ErrCorruptImage, "Failed to decrypt image"},
		{"no items", emulator.Image{}.Bytes(), nil, livesuit.ErrNoItems, ""},
		{"too many items", tooMany, nil, livesuit.ErrCorruptImage, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := livesuit.New(bytes.NewReader(tt.p), tt.opts...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %q, want it to mention %q", err, tt.msg)
			}
		})
	}
}

func TestParseDownloadInfo(t *testing.T) {
	p := emulator.DownloadInfo(
		emulator.Download{Name: "boot", Address: 0x8000, Length: 0x10000, Filename: "BOOT_FEX00000000", VerifyFilename: "VBOOT_FEX0000000"},
		emulator.Download{Name: "UDISK", Address: 1 << 33, Length: 0},
	)
	d, err := livesuit.ParseDownloadInfo(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Magic != livesuit.MagicSoftw411 || !d.CRCValid() || len(d.Items) != 2 {
		t.Fatalf("dlinfo = %+v", d)
	}
	boot := d.Items[0]
	if boot.Name != "boot" || boot.Address != 0x8000 || boot.Length != 0x10000 {
		t.Errorf("boot = %+v", boot)
	}
	if boot.Filename != "BOOT_FEX00000000" || boot.VerifyFilename != "VBOOT_FEX0000000" || boot.Verify != 1 {
		t.Errorf("boot files = %q %q verify %d", boot.Filename, boot.VerifyFilename, boot.Verify)
	}
	if d.Items[1].Address != 1<<33 {
		t.Errorf("udisk address = 0x%x", d.Items[1].Address)
	}

	p[100] ^= 0xff
	if d, err := livesuit.ParseDownloadInfo(p); err != nil || d.CRCValid() {
		t.Errorf("corrupted record: CRCValid = %t, err %v", err == nil && d.CRCValid(), err)
	}
}

func TestParseMBR(t *testing.T) {
	p := emulator.MBR(
		emulator.Partition{Name: "boot", Address: 0x8000, Length: 0x8000},
		emulator.Partition{Name: "system", Address: 0x10000, Length: 0x200000},
	)
	m, err := livesuit.ParseMBR(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.CRCValid() || m.Copies != 4 || m.Index != 0 || len(m.Partitions) != 2 {
		t.Fatalf("mbr = %+v", m)
	}
	sys := m.Partitions[1]
	if sys.Name != "system" || sys.Class != "DISK" || sys.Address != 0x10000 || sys.Length != 0x200000 || sys.ReadOnly {
		t.Errorf("system = %+v", sys)
	}
}

func TestRecordErrors(t *testing.T) {
	bad := emulator.DownloadInfo()
	copy(bad[8:], "softw999")

	tests := []struct {
		name  string
		parse func() error
	}{
		{"dlinfo magic", func() error { _, err := livesuit.ParseDownloadInfo(bad); return err }},
		{"dlinfo short", func() error { _, err := livesuit.ParseDownloadInfo(emulator.DownloadInfo()[:4096]); return err }},
		{"mbr magic", func() error { _, err := livesuit.ParseMBR(bad); return err }},
		{"mbr tiny", func() error { _, err := livesuit.ParseMBR(make([]byte, 8)); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.parse(); !errors.Is(err, livesuit.ErrCorruptImage) {
				t.Errorf("err = %v, want ErrCorruptImage", err)
			}
		})
	}
}
