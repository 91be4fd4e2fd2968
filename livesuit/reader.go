package livesuit

import (
	"errors"
	"fmt"
	"io"
)

// itemReader is a view of one item payload, decrypted on the fly for encrypted images.
type itemReader struct {
	c       *Container
	base    int64
	size    int64
	aligned int64 // end of the encrypted part, the tail is stored in the clear
}

func (r *itemReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), r.size)
	if !r.c.encrypted {
		n, err := r.c.r.ReadAt(p[:end-off], r.base+off)
		if err == nil && end < off+int64(len(p)) {
			err = io.EOF
		}
		return n, err
	}

	n := 0
	if off < r.aligned {
		bs := off &^ 15
		be := min((end+15)&^15, r.aligned)
		buf := make([]byte, be-bs)
		if _, err := r.c.r.ReadAt(buf, r.base+bs); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		dec, err := r.c.decrypt(buf, DataKey)
		if err != nil {
			return 0, fmt.Errorf("decrypting item data at %d: %w", bs, err)
		}
		n = copy(p[:end-off], dec[off-bs:])
	}
	if end > r.aligned {
		start := max(off, r.aligned)
		m, err := r.c.r.ReadAt(p[start-off:end-off], r.base+start)
		n += m
		if err != nil && !errors.Is(err, io.EOF) {
			return n, err
		}
	}
	if end < off+int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// ItemReader returns a seekable view of the item payload, DataLen bytes long.
func (c *Container) ItemReader(it *Item) *io.SectionReader {
	size := int64(it.DataLen)
	r := &itemReader{c: c, base: int64(it.Offset), size: size, aligned: size &^ 15}
	return io.NewSectionReader(r, 0, size)
}

// ReadItem returns the whole item payload.
func (c *Container) ReadItem(it *Item) ([]byte, error) {
	return c.ReadItemHead(it, int(it.DataLen))
}

// ReadItemHead returns the first n bytes of the item payload. n is clamped to the item length.
func (c *Container) ReadItemHead(it *Item, n int) ([]byte, error) {
	n = min(n, int(it.DataLen))
	p := make([]byte, n)
	if _, err := c.ItemReader(it).ReadAt(p, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading %s (%d bytes at 0x%x): %w", it.Name(), n, it.Offset, err)
	}
	return p, nil
}

// EachItemChunk streams the item payload in pieces of at most size bytes. Encrypted images are
// read in multiples of the cipher block.
func (c *Container) EachItemChunk(it *Item, size int, fn func(p []byte) error) error {
	if size <= 0 {
		return fmt.Errorf("chunk size %d", size)
	}
	if c.encrypted && size%16 != 0 {
		size += 16 - size%16
	}
	r := c.ItemReader(it)
	total := int64(it.DataLen)
	for off := int64(0); off < total; {
		p := make([]byte, min(int64(size), total-off))
		n, err := r.ReadAt(p, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading %s at offset %d: %w", it.Name(), off, err)
		}
		if n == 0 {
			return fmt.Errorf("reading %s at offset %d: %w", it.Name(), off, io.ErrUnexpectedEOF)
		}
		if err := fn(p[:n]); err != nil {
			return err
		}
		off += int64(n)
	}
	return nil
}
