package livesuit

import (
	"fmt"
	"hash/crc32"

	"github.com/JoshuaDoes/crunchio"
)

const (
	mbrLen           = 16384
	mbrLegacyLen     = 16 + 4 + mbrPartsLegacy*mbrPartLegacyLen + 44
	mbrParts         = 120
	mbrPartsLegacy   = 15
	mbrPartLen       = 128
	mbrPartLegacyLen = 64
)

// Partition is an entry of sunxi_mbr.fex. Address and Length are in sectors.
type Partition struct {
	Class    string
	Name     string
	Address  uint64
	Length   uint64
	UserType uint32
	KeyData  uint32
	ReadOnly bool
}

// MBR is the first copy of a sunxi partition table.
type MBR struct {
	CRC        uint32
	Version    uint32
	Magic      string
	Copies     uint32
	Index      uint32
	Stamp      uint32
	Partitions []Partition

	sum uint32
}

// CRCValid reports whether the stored CRC matches the table.
func (m *MBR) CRCValid() bool {
	return m.CRC == m.sum
}

// ParseMBR decodes the first table of a sunxi_mbr.fex blob.
func ParseMBR(p []byte) (*MBR, error) {
	crc, version, magic, err := recordHeader("mbr", p)
	if err != nil {
		return nil, err
	}
	size := mbrLen
	if magic == MagicSoftw311 {
		size = mbrLegacyLen
	}
	if len(p) < size {
		return nil, fmt.Errorf("mbr: %d bytes, %s needs %d: %w", len(p), magic, size, ErrCorruptImage)
	}
	b := crunchio.NewBuffer("mbr", p[:size]).Buffer()
	m := &MBR{CRC: crc, Version: version, Magic: magic, sum: crc32.ChecksumIEEE(p[4:size])}

	if magic == MagicSoftw411 {
		v := b.ReadU32LE(16, 4)
		m.Copies, m.Index, m.Stamp = v[0], v[1], v[3]
		count := min(int(v[2]), mbrParts)
		for i := 0; i < count; i++ {
			off := int64(32 + i*mbrPartLen)
			a := b.ReadU32LE(off, 4)
			f := b.ReadU32LE(off+48, 3)
			m.Partitions = append(m.Partitions, Partition{
				Address:  uint64(a[0])<<32 | uint64(a[1]),
				Length:   uint64(a[2])<<32 | uint64(a[3]),
				Class:    cstr(b.ReadBytes(off+16, 16)),
				Name:     cstr(b.ReadBytes(off+32, 16)),
				UserType: f[0],
				KeyData:  f[1],
				ReadOnly: f[2] != 0,
			})
		}
		return m, nil
	}

	h := b.ReadBytes(16, 2)
	m.Copies, m.Index = uint32(h[0]), uint32(h[1])
	count := min(int(b.ReadU16LE(18, 1)[0]), mbrPartsLegacy)
	for i := 0; i < count; i++ {
		off := int64(20 + i*mbrPartLegacyLen)
		a := b.ReadU32LE(off, 4)
		f := b.ReadU32LE(off+40, 2)
		m.Partitions = append(m.Partitions, Partition{
			Address:  uint64(a[0])<<32 | uint64(a[1]),
			Length:   uint64(a[2])<<32 | uint64(a[3]),
			Class:    cstr(b.ReadBytes(off+16, 12)),
			Name:     cstr(b.ReadBytes(off+28, 12)),
			UserType: f[0],
			ReadOnly: f[1] != 0,
		})
	}
	return m, nil
}
