package livesuit

import (
	"fmt"
	"hash/crc32"

	"github.com/JoshuaDoes/crunchio"
)

const (
	MagicSoftw411 = "softw411"
	MagicSoftw311 = "softw311"

	dlInfoLen       = 16384
	dlInfoLegacyLen = 20 + 15*88
	dlItemLen       = 72
	dlItemLegacyLen = 88
	dlItems         = 120
	dlItemsLegacy   = 15
)

// DownloadItem is one planned partition write from dlinfo.fex.
type DownloadItem struct {
	Class   string // legacy only
	Name    string
	Address uint64
	Length  uint64
	Part    string // legacy only
	// Filename is the signature of the item holding the partition data.
	Filename string
	// VerifyFilename is the signature of the item holding its checksum.
	VerifyFilename string
	Encrypt        uint32
	Verify         uint32
}

// DownloadInfo is the flash plan of an image.
type DownloadInfo struct {
	CRC     uint32
	Version uint32
	Magic   string
	Stamp   [3]uint32
	Items   []DownloadItem

	sum uint32
}

// CRCValid reports whether the stored CRC matches the record.
func (d *DownloadInfo) CRCValid() bool {
	return d.CRC == d.sum
}

func recordHeader(name string, p []byte) (crc, version uint32, magic string, err error) {
	if len(p) < 16 {
		return 0, 0, "", fmt.Errorf("%s: %d bytes: %w", name, len(p), ErrCorruptImage)
	}
	b := crunchio.NewBuffer(name, p[:16]).Buffer()
	v := b.ReadU32LE(0, 2)
	magic = cstr(b.ReadBytes(8, 8))
	if magic != MagicSoftw411 && magic != MagicSoftw311 {
		return 0, 0, "", fmt.Errorf("%s: unknown magic %q: %w", name, magic, ErrCorruptImage)
	}
	return v[0], v[1], magic, nil
}

// ParseDownloadInfo decodes a dlinfo.fex blob.
func ParseDownloadInfo(p []byte) (*DownloadInfo, error) {
	crc, version, magic, err := recordHeader("dlinfo", p)
	if err != nil {
		return nil, err
	}
	size := dlInfoLen
	if magic == MagicSoftw311 {
		size = dlInfoLegacyLen
	}
	if len(p) < size {
		return nil, fmt.Errorf("dlinfo: %d bytes, %s needs %d: %w", len(p), magic, size, ErrCorruptImage)
	}
	b := crunchio.NewBuffer("dlinfo", p[:size]).Buffer()
	d := &DownloadInfo{CRC: crc, Version: version, Magic: magic, sum: crc32.ChecksumIEEE(p[4:size])}
	count := int(b.ReadU32LE(16, 1)[0])

	if magic == MagicSoftw411 {
		copy(d.Stamp[:], b.ReadU32LE(20, 3))
		if count > dlItems {
			return nil, fmt.Errorf("dlinfo: %d items: %w", count, ErrCorruptImage)
		}
		for i := 0; i < count; i++ {
			off := int64(32 + i*dlItemLen)
			v := b.ReadU32LE(off+16, 4)
			f := b.ReadU32LE(off+64, 2)
			d.Items = append(d.Items, DownloadItem{
				Name:           cstr(b.ReadBytes(off, 16)),
				Address:        uint64(v[0])<<32 | uint64(v[1]),
				Length:         uint64(v[2])<<32 | uint64(v[3]),
				Filename:       cstr(b.ReadBytes(off+32, 16)),
				VerifyFilename: cstr(b.ReadBytes(off+48, 16)),
				Encrypt:        f[0],
				Verify:         f[1],
			})
		}
		return d, nil
	}

	if count > dlItemsLegacy {
		return nil, fmt.Errorf("dlinfo: %d legacy items: %w", count, ErrCorruptImage)
	}
	for i := 0; i < count; i++ {
		off := int64(20 + i*dlItemLegacyLen)
		v := b.ReadU32LE(off+24, 4)
		d.Items = append(d.Items, DownloadItem{
			Class:          cstr(b.ReadBytes(off, 12)),
			Name:           cstr(b.ReadBytes(off+12, 12)),
			Address:        uint64(v[0])<<32 | uint64(v[1]),
			Length:         uint64(v[2])<<32 | uint64(v[3]),
			Part:           cstr(b.ReadBytes(off+40, 12)),
			Filename:       cstr(b.ReadBytes(off+52, 16)),
			VerifyFilename: cstr(b.ReadBytes(off+68, 16)),
			Encrypt:        b.ReadU32LE(off+84, 1)[0],
		})
	}
	return d, nil
}
