// Package livesuit reads LiveSuit/PhoenixSuit firmware images ("IMAGEWTY" containers).
package livesuit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JoshuaDoes/crunchio"
)

const (
	Magic     = "IMAGEWTY"
	HeaderLen = 1024
	ItemLen   = 1024

	// FormatV1 is the legacy header layout, anything else uses the current one.
	FormatV1 = 0x100
	FormatV3 = 0x300

	maxItems = 4096
)

var (
	ErrEncrypted    = errors.New("image is encrypted and no decrypter was given")
	ErrCorruptImage = errors.New("corrupt image")
	ErrNoItems      = errors.New("image contains no items")

	errDecryptFailed = fmt.Errorf("Failed to decrypt image: %w", ErrCorruptImage)
)

// Key selects one of the three cipher keys of an encrypted image.
type Key int

const (
	HeaderKey Key = iota
	ItemKey
	DataKey
)

// Decrypter decrypts whole 16-byte blocks with one of the image keys.
type Decrypter interface {
	Decrypt(p []byte, key Key) ([]byte, error)
}

// Header is the image header common to both layouts.
type Header struct {
	Format       uint32
	HeaderSize   uint32
	Attributes   uint32
	ImageVersion uint32
	Length       uint64
	Align        uint32
	PID, VID     uint32
	Hardware     uint32
	Firmware     uint32
	ItemSize     uint32
	ItemCount    uint32
	ItemOffset   uint32
}

// Item is an entry of the item table.
type Item struct {
	Index      int
	MainType   string
	SubType    string
	Attributes uint32
	Path       string
	DataLen    uint64
	FileLen    uint64
	Offset     uint64
	EncryptID  string
	CRC        uint32
}

// Name is the trailing component of the item path.
func (it *Item) Name() string {
	if i := strings.LastIndexAny(it.Path, `\/`); i >= 0 {
		return it.Path[i+1:]
	}
	return it.Path
}

func (it *Item) String() string {
	return fmt.Sprintf("%-40s @ 0x%08x [%d kB] => %s/%s", it.Path, it.Offset, it.DataLen>>10, it.MainType, it.SubType)
}

// Container is an opened firmware image.
type Container struct {
	Header
	r         io.ReaderAt
	closer    io.Closer
	dec       Decrypter
	encrypted bool
	items     []*Item
}

type Option func(*Container)

// WithDecrypter lets Open read encrypted images.
func WithDecrypter(d Decrypter) Option {
	return func(c *Container) { c.dec = d }
}

// Open opens the image file at path. The file stays open until Close.
func Open(path string, opts ...Option) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.closer = f
	return c, nil
}

// New parses the header and item table of the image behind r.
func New(r io.ReaderAt, opts ...Option) (*Container, error) {
	c := &Container{r: r}
	for _, opt := range opts {
		opt(c)
	}

	hdr := make([]byte, HeaderLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if string(hdr[:8]) != Magic {
		if c.dec == nil {
			return nil, ErrEncrypted
		}
		c.encrypted = true
		var err error
		if hdr, err = c.decrypt(hdr, HeaderKey); err != nil {
			return nil, fmt.Errorf("decrypting header: %w", err)
		}
		if string(hdr[:8]) != Magic {
			return nil, errDecryptFailed
		}
	}
	c.Header = parseHeader(hdr)
	if c.ItemCount == 0 {
		return nil, ErrNoItems
	}
	if c.ItemCount > maxItems {
		return nil, fmt.Errorf("%d items: %w", c.ItemCount, ErrCorruptImage)
	}

	table := make([]byte, int(c.ItemCount)*ItemLen)
	if _, err := r.ReadAt(table, HeaderLen); err != nil {
		return nil, fmt.Errorf("reading %d items: %w", c.ItemCount, err)
	}
	if c.encrypted {
		var err error
		if table, err = c.decrypt(table, ItemKey); err != nil {
			return nil, fmt.Errorf("decrypting items: %w", err)
		}
	}
	for i := 0; i < int(c.ItemCount); i++ {
		p := table[i*ItemLen : (i+1)*ItemLen]
		c.items = append(c.items, parseItem(i, c.Format, p))
	}
	return c, nil
}

func cstr(p []byte) string {
	return strings.TrimRight(string(p), "\x00")
}

func parseHeader(p []byte) Header {
	b := crunchio.NewBuffer("image header", p).Buffer()
	h := Header{Format: b.ReadU32LE(8, 1)[0]}
	v := b.ReadU32LE(12, 16)
	h.HeaderSize, h.Attributes, h.ImageVersion, h.Length = v[0], v[1], v[2], uint64(v[3])
	if h.Format == FormatV1 {
		h.Align, h.PID, h.VID, h.Hardware, h.Firmware = v[4], v[5], v[6], v[7], v[8]
		h.ItemSize, h.ItemCount, h.ItemOffset = v[10], v[11], v[12]
		return h
	}
	h.Length |= uint64(v[4]) << 32
	h.Align, h.PID, h.VID, h.Hardware, h.Firmware = v[5], v[6], v[7], v[8], v[9]
	h.ItemSize, h.ItemCount, h.ItemOffset = v[11], v[12], v[13]
	return h
}

func parseItem(index int, format uint32, p []byte) *Item {
	b := crunchio.NewBuffer("image item", p).Buffer()
	it := &Item{
		Index:      index,
		MainType:   strings.TrimRight(cstr(b.ReadBytes(8, 8)), " "),
		SubType:    cstr(b.ReadBytes(16, 16)),
		Attributes: b.ReadU32LE(32, 1)[0],
	}
	if format == FormatV1 {
		v := b.ReadU32LE(36, 3)
		it.DataLen, it.FileLen, it.Offset = uint64(v[0]), uint64(v[1]), uint64(v[2])
		it.Path = cstr(b.ReadBytes(52, 256))
		return it
	}
	it.Path = cstr(b.ReadBytes(36, 256))
	v := b.ReadU32LE(292, 6)
	it.DataLen = uint64(v[0]) | uint64(v[1])<<32
	it.FileLen = uint64(v[2]) | uint64(v[3])<<32
	it.Offset = uint64(v[4]) | uint64(v[5])<<32
	it.EncryptID = cstr(b.ReadBytes(316, 64))
	it.CRC = b.ReadU32LE(380, 1)[0]
	return it
}

// decrypt runs the whole blocks of p through the decrypter and keeps a short tail as is.
func (c *Container) decrypt(p []byte, key Key) ([]byte, error) {
	aligned := len(p) &^ 15
	out := make([]byte, 0, len(p))
	if aligned > 0 {
		d, err := c.dec.Decrypt(p[:aligned], key)
		if err != nil {
			return nil, err
		}
		if len(d) != aligned {
			return nil, fmt.Errorf("decrypter returned %d of %d bytes", len(d), aligned)
		}
		out = append(out, d...)
	}
	return append(out, p[aligned:]...), nil
}

// Close closes the file opened by Open.
func (c *Container) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// Encrypted reports whether the image needed decrypting.
func (c *Container) Encrypted() bool {
	return c.encrypted
}

// Items returns the item table in order.
func (c *Container) Items() []*Item {
	return c.items
}

// ItemByFile returns the first item whose trailing path component is name.
func (c *Container) ItemByFile(name string) (*Item, bool) {
	for _, it := range c.items {
		if it.Name() == name {
			return it, true
		}
	}
	return nil, false
}

// ItemBySignature returns the first item whose sub type is sig.
func (c *Container) ItemBySignature(sig string) (*Item, bool) {
	sig = strings.TrimRight(sig, "\x00")
	for _, it := range c.items {
		if it.SubType == sig {
			return it, true
		}
	}
	return nil, false
}

// IsLegacy reports whether the image lacks the boot 2.0 bootloader or FES stage.
func (c *Container) IsLegacy() bool {
	_, uboot := c.ItemByFile("u-boot.fex")
	_, fes := c.ItemByFile("fes1.fex")
	return !(uboot && fes)
}
