package emulator

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	imageHeaderLen = 1024
	imageItemLen   = 1024
	imageAlign     = 1024

	FormatV1 = 0x100
	FormatV3 = 0x300
)

var le = binary.LittleEndian

// ImageItem is one file packed into an Image.
type ImageItem struct {
	MainType string
	SubType  string
	Path     string
	Data     []byte
}

// Image describes a firmware container to build.
type Image struct {
	Format uint32
	Items  []ImageItem
	// Encrypt XORs the header, the item table and the whole blocks of each item with XORKey.
	Encrypt bool
}

// XORKey is the byte the test cipher uses for a key index.
func XORKey(key int) byte {
	return byte(0x5A + key*0x11)
}

// XOR is the test cipher, it is its own inverse.
func XOR(p []byte, key int) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ XORKey(key)
	}
	return out
}

// Bytes lays out the container: header, item table, then each item aligned.
func (img Image) Bytes() []byte {
	format := img.Format
	if format == 0 {
		format = FormatV3
	}
	count := len(img.Items)
	offset := align(imageHeaderLen + count*imageItemLen)
	offsets := make([]int, count)
	for i, it := range img.Items {
		offsets[i] = offset
		offset = align(offset + len(it.Data))
	}
	out := make([]byte, offset)

	h := out[:imageHeaderLen]
	copy(h, "IMAGEWTY")
	le.PutUint32(h[8:], format)
	le.PutUint32(h[12:], imageHeaderLen)
	le.PutUint32(h[24:], uint32(len(out)))
	if format == FormatV1 {
		le.PutUint32(h[32:], 0x1f3a)
		le.PutUint32(h[52:], imageItemLen)
		le.PutUint32(h[56:], uint32(count))
		le.PutUint32(h[60:], imageHeaderLen)
	} else {
		le.PutUint32(h[36:], 0x1234)
		le.PutUint32(h[40:], 0x8743)
		le.PutUint32(h[56:], imageItemLen)
		le.PutUint32(h[60:], uint32(count))
		le.PutUint32(h[64:], imageHeaderLen)
	}

	for i, it := range img.Items {
		p := out[imageHeaderLen+i*imageItemLen:][:imageItemLen]
		copy(p[8:16], it.MainType)
		copy(p[16:32], it.SubType)
		if format == FormatV1 {
			le.PutUint32(p[36:], uint32(len(it.Data)))
			le.PutUint32(p[40:], uint32(len(it.Data)))
			le.PutUint32(p[44:], uint32(offsets[i]))
			copy(p[52:308], it.Path)
		} else {
			copy(p[36:292], it.Path)
			le.PutUint32(p[292:], uint32(len(it.Data)))
			le.PutUint32(p[300:], uint32(len(it.Data)))
			le.PutUint32(p[308:], uint32(offsets[i]))
			le.PutUint32(p[380:], crc32.ChecksumIEEE(it.Data))
		}
		copy(out[offsets[i]:], it.Data)
	}

	if img.Encrypt {
		copy(out, XOR(out[:imageHeaderLen], 0))
		table := out[imageHeaderLen : imageHeaderLen+count*imageItemLen]
		copy(table, XOR(table, 1))
		for i, it := range img.Items {
			data := out[offsets[i]:][:len(it.Data)&^15]
			copy(data, XOR(data, 2))
		}
	}
	return out
}

func align(n int) int {
	return (n + imageAlign - 1) &^ (imageAlign - 1)
}

// Download is one partition of a flash plan.
type Download struct {
	Name           string
	Address        uint64
	Length         uint64
	Filename       string
	VerifyFilename string
}

// DownloadInfo builds a softw411 dlinfo.fex record with a valid CRC.
func DownloadInfo(items ...Download) []byte {
	p := make([]byte, 16384)
	copy(p[8:], "softw411")
	le.PutUint32(p[4:], 0x200)
	le.PutUint32(p[16:], uint32(len(items)))
	for i, it := range items {
		e := p[32+i*72:][:72]
		copy(e[0:16], it.Name)
		putU64(e[16:], it.Address)
		putU64(e[24:], it.Length)
		copy(e[32:48], it.Filename)
		copy(e[48:64], it.VerifyFilename)
		le.PutUint32(e[68:], 1)
	}
	le.PutUint32(p, crc32.ChecksumIEEE(p[4:]))
	return p
}

// Partition is one entry of a partition table.
type Partition struct {
	Name    string
	Address uint64
	Length  uint64
}

// MBR builds a 64 KiB softw411 partition table with four identical copies.
func MBR(parts ...Partition) []byte {
	one := make([]byte, 16384)
	copy(one[8:], "softw411")
	le.PutUint32(one[4:], 0x200)
	le.PutUint32(one[16:], 4)
	le.PutUint32(one[24:], uint32(len(parts)))
	for i, part := range parts {
		e := one[32+i*128:][:128]
		putU64(e[0:], part.Address)
		putU64(e[8:], part.Length)
		copy(e[16:32], "DISK")
		copy(e[32:48], part.Name)
	}
	out := make([]byte, 0, 4*len(one))
	for i := 0; i < 4; i++ {
		le.PutUint32(one[20:], uint32(i))
		le.PutUint32(one, crc32.ChecksumIEEE(one[4:]))
		out = append(out, one...)
	}
	return out
}

// putU64 stores v as its high then low 32-bit words.
func putU64(p []byte, v uint64) {
	le.PutUint32(p, uint32(v>>32))
	le.PutUint32(p[4:], uint32(v))
}

// SparseChunk is one chunk of a sparse image. Fill chunks repeat Value, Raw chunks carry Data.
type SparseChunk struct {
	Type   uint16
	Blocks uint32
	Data   []byte
	Value  uint32
}

const (
	SparseRaw      uint16 = 0xcac1
	SparseFill     uint16 = 0xcac2
	SparseDontCare uint16 = 0xcac3
)

// Sparse builds a sparse image and returns it with its expanded contents.
func Sparse(blockSize uint32, chunks ...SparseChunk) (image, expanded []byte) {
	var blocks uint32
	for _, c := range chunks {
		blocks += c.Blocks
	}
	h := make([]byte, 28)
	le.PutUint32(h[0:], 0xed26ff3a)
	le.PutUint16(h[4:], 1)
	le.PutUint16(h[8:], 28)
	le.PutUint16(h[10:], 12)
	le.PutUint32(h[12:], blockSize)
	le.PutUint32(h[16:], blocks)
	le.PutUint32(h[20:], uint32(len(chunks)))
	image = h

	for _, c := range chunks {
		var payload []byte
		size := int(c.Blocks * blockSize)
		switch c.Type {
		case SparseRaw:
			payload = c.Data
			expanded = append(expanded, c.Data...)
		case SparseFill:
			payload = make([]byte, 4)
			le.PutUint32(payload, c.Value)
			for i := 0; i < size; i += 4 {
				expanded = append(expanded, payload...)
			}
		default:
			expanded = append(expanded, make([]byte, size)...)
		}
		ch := make([]byte, 12)
		le.PutUint16(ch[0:], c.Type)
		le.PutUint32(ch[4:], c.Blocks)
		le.PutUint32(ch[8:], uint32(12+len(payload)))
		image = append(image, ch...)
		image = append(image, payload...)
	}
	return image, expanded
}
