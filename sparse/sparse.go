// Package sparse decodes Android-style sparse images as shipped inside firmware containers.
package sparse

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/JoshuaDoes/crunchio"
)

const (
	Magic          = 0xed26ff3a
	MajorVersion   = 1
	HeaderLen      = 28
	ChunkHeaderLen = 12

	// minProbeLen is the shortest prefix IsValid accepts.
	minProbeLen = 32
)

// ChunkType is the kind of a sparse chunk.
type ChunkType uint16

const (
	Raw      ChunkType = 0xcac1
	Fill     ChunkType = 0xcac2
	DontCare ChunkType = 0xcac3
	CRC32    ChunkType = 0xcac4
)

func (t ChunkType) String() string {
	switch t {
	case Raw:
		return "raw"
	case Fill:
		return "fill"
	case DontCare:
		return "dont_care"
	case CRC32:
		return "crc32"
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

var (
	ErrNotSparse   = errors.New("not a sparse image")
	ErrBadChecksum = errors.New("sparse checksum mismatch")
)

// Header is the file header of a sparse image.
type Header struct {
	Major          uint16
	Minor          uint16
	FileHeaderLen  uint16
	ChunkHeaderLen uint16
	BlockSize      uint32
	TotalBlocks    uint32
	TotalChunks    uint32
	ImageChecksum  uint32
	magic          uint32
}

func parseHeader(p []byte) (Header, error) {
	if len(p) < HeaderLen {
		return Header{}, fmt.Errorf("header is %d bytes: %w", len(p), ErrNotSparse)
	}
	b := crunchio.NewBuffer("sparse header", p[:HeaderLen]).Buffer()
	h16 := b.ReadU16LE(4, 4)
	h32 := b.ReadU32LE(12, 4)
	h := Header{
		magic:          b.ReadU32LE(0, 1)[0],
		Major:          h16[0],
		Minor:          h16[1],
		FileHeaderLen:  h16[2],
		ChunkHeaderLen: h16[3],
		BlockSize:      h32[0],
		TotalBlocks:    h32[1],
		TotalChunks:    h32[2],
		ImageChecksum:  h32[3],
	}
	switch {
	case h.magic != Magic:
		return h, fmt.Errorf("bad magic 0x%08x: %w", h.magic, ErrNotSparse)
	case h.Major > MajorVersion:
		return h, fmt.Errorf("unsupported version %d.%d: %w", h.Major, h.Minor, ErrNotSparse)
	case h.FileHeaderLen != HeaderLen || h.ChunkHeaderLen != ChunkHeaderLen:
		return h, fmt.Errorf("header sizes %d/%d: %w", h.FileHeaderLen, h.ChunkHeaderLen, ErrNotSparse)
	case h.BlockSize == 0 || h.BlockSize%4 != 0:
		return h, fmt.Errorf("block size %d: %w", h.BlockSize, ErrNotSparse)
	}
	return h, nil
}

// IsValid reports whether p starts with a sparse header. It never fails loudly and refuses
// prefixes shorter than 32 bytes.
func IsValid(p []byte) bool {
	if len(p) < minProbeLen {
		return false
	}
	_, err := parseHeader(p)
	return err == nil
}

// Chunk is one decoded piece of output.
type Chunk struct {
	Type   ChunkType
	Blocks uint32
	// Len is the number of output bytes of the chunk.
	Len int64
	// Data holds the output bytes. It is nil for DontCare chunks.
	Data []byte
}

// Bytes returns the output bytes, materializing zeros for DontCare chunks.
func (c Chunk) Bytes() []byte {
	if c.Data == nil && c.Type == DontCare {
		return make([]byte, c.Len)
	}
	return c.Data
}

type entry struct {
	typ    ChunkType
	blocks uint32
	offset int64 // payload position in the stream
	size   int64 // payload size
	value  uint32
}

// Image is an indexed sparse image. Chunk payloads are read on demand.
type Image struct {
	Header
	r        io.ReadSeeker
	entries  []entry
	checksum bool
}

type Option func(*Image)

// WithChecksum validates CRC32 chunks and the image checksum while decoding.
func WithChecksum() Option {
	return func(img *Image) { img.checksum = true }
}

// Open reads the header and chunk index of the sparse image at offset within r.
func Open(r io.ReadSeeker, offset int64, opts ...Option) (*Image, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	p := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, fmt.Errorf("reading header: %v: %w", err, ErrNotSparse)
	}
	h, err := parseHeader(p)
	if err != nil {
		return nil, err
	}
	img := &Image{Header: h, r: r, entries: make([]entry, 0, h.TotalChunks)}
	for _, opt := range opts {
		opt(img)
	}

	pos := offset + HeaderLen
	var blocks uint64
	ch := make([]byte, ChunkHeaderLen)
	for i := uint32(0); i < h.TotalChunks; i++ {
		if _, err := io.ReadFull(r, ch); err != nil {
			return nil, fmt.Errorf("chunk %d header: %v: %w", i, err, ErrNotSparse)
		}
		b := crunchio.NewBuffer("chunk header", ch).Buffer()
		e := entry{typ: ChunkType(b.ReadU16LE(0, 1)[0])}
		v := b.ReadU32LE(4, 2)
		e.blocks, e.size = v[0], int64(v[1])-ChunkHeaderLen
		e.offset = pos + ChunkHeaderLen

		var want int64
		switch e.typ {
		case Raw:
			want = int64(e.blocks) * int64(h.BlockSize)
		case Fill, CRC32:
			want = 4
		case DontCare:
			want = 0
		default:
			return nil, fmt.Errorf("chunk %d: unknown type %s: %w", i, e.typ, ErrNotSparse)
		}
		if e.size != want {
			return nil, fmt.Errorf("chunk %d (%s): payload %d bytes, expected %d: %w", i, e.typ, e.size, want, ErrNotSparse)
		}
		if e.typ == Fill || e.typ == CRC32 {
			w := make([]byte, 4)
			if _, err := io.ReadFull(r, w); err != nil {
				return nil, fmt.Errorf("chunk %d value: %v: %w", i, err, ErrNotSparse)
			}
			e.value = crunchio.NewBuffer("chunk value", w).Buffer().ReadU32LE(0, 1)[0]
		} else if e.size > 0 {
			if _, err := r.Seek(e.size, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
		if e.typ != CRC32 {
			blocks += uint64(e.blocks)
		}
		pos = e.offset + e.size
		img.entries = append(img.entries, e)
	}
	if blocks != uint64(h.TotalBlocks) {
		return nil, fmt.Errorf("chunks cover %d blocks, header says %d: %w", blocks, h.TotalBlocks, ErrNotSparse)
	}
	return img, nil
}

// FinalSize is the size of the unsparsed image in bytes.
func (img *Image) FinalSize() int64 {
	return int64(img.TotalBlocks) * int64(img.BlockSize)
}

// ChunkCount is the number of chunk records, CRC32 ones included.
func (img *Image) ChunkCount() int {
	return int(img.TotalChunks)
}

// OutputChunks is the number of chunks yielded by Each.
func (img *Image) OutputChunks() int {
	n := 0
	for _, e := range img.entries {
		if e.typ != CRC32 {
			n++
		}
	}
	return n
}

// Chunk decodes the i-th chunk record. CRC32 records decode to a chunk without output.
func (img *Image) Chunk(i int) (Chunk, error) {
	if i < 0 || i >= len(img.entries) {
		return Chunk{}, fmt.Errorf("chunk %d out of range (%d chunks)", i, len(img.entries))
	}
	return img.decode(img.entries[i])
}

func (img *Image) decode(e entry) (Chunk, error) {
	c := Chunk{Type: e.typ, Blocks: e.blocks, Len: int64(e.blocks) * int64(img.BlockSize)}
	switch e.typ {
	case Raw:
		if _, err := img.r.Seek(e.offset, io.SeekStart); err != nil {
			return c, err
		}
		c.Data = make([]byte, e.size)
		if _, err := io.ReadFull(img.r, c.Data); err != nil {
			return c, fmt.Errorf("raw chunk at %d: %w", e.offset, err)
		}
	case Fill:
		c.Data = make([]byte, c.Len)
		word := []byte{byte(e.value), byte(e.value >> 8), byte(e.value >> 16), byte(e.value >> 24)}
		for off := 0; off < len(c.Data); off += 4 {
			copy(c.Data[off:], word)
		}
	case CRC32:
		c.Len = 0
	}
	return c, nil
}

// Each calls fn with every output chunk in order. It can be called again to decode from the start.
func (img *Image) Each(fn func(Chunk) error) error {
	var crc uint32
	for i, e := range img.entries {
		c, err := img.decode(e)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if e.typ == CRC32 {
			if img.checksum && crc != e.value {
				return fmt.Errorf("chunk %d: crc32 0x%08x, expected 0x%08x: %w", i, crc, e.value, ErrBadChecksum)
			}
			continue
		}
		if img.checksum {
			crc = updateCRC(crc, c)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if img.checksum && img.ImageChecksum != 0 && crc != img.ImageChecksum {
		return fmt.Errorf("image crc32 0x%08x, expected 0x%08x: %w", crc, img.ImageChecksum, ErrBadChecksum)
	}
	return nil
}

var zeroBlock = make([]byte, 64*1024)

func updateCRC(crc uint32, c Chunk) uint32 {
	if c.Data != nil {
		return crc32.Update(crc, crc32.IEEETable, c.Data)
	}
	for left := c.Len; left > 0; {
		n := min(left, int64(len(zeroBlock)))
		crc = crc32.Update(crc, crc32.IEEETable, zeroBlock[:n])
		left -= n
	}
	return crc
}

// Dump writes the unsparsed image to w and returns the number of bytes written.
func (img *Image) Dump(w io.Writer) (int64, error) {
	var written int64
	err := img.Each(func(c Chunk) error {
		if c.Data != nil {
			n, err := w.Write(c.Data)
			written += int64(n)
			return err
		}
		for left := c.Len; left > 0; {
			n, err := w.Write(zeroBlock[:min(left, int64(len(zeroBlock)))])
			written += int64(n)
			if err != nil {
				return err
			}
			left -= int64(n)
		}
		return nil
	})
	return written, err
}
