package felutils

import (
	"fmt"
	"hash/crc32"

	"github.com/JoshuaDoes/crunchio"
)

// Stamp is the value the checksum field holds while an eGON checksum is computed.
const Stamp uint32 = 0x5F0A6C39

const (
	egonMagic       = "eGON.BT0"
	egonHeaderLen   = 32
	egonChecksumOff = 12
	egonLengthOff   = 16
)

// CRC32 is the IEEE checksum FES_VERIFY_VALUE reports for a range.
func CRC32(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// StampChecksum is the additive checksum of boot stage and parameter blobs: the sum of all
// little-endian words with the word at checksumOff taken as Stamp. A short tail is zero padded.
func StampChecksum(p []byte, checksumOff int) uint32 {
	words := (len(p) + 3) / 4
	padded := make([]byte, words*4)
	copy(padded, p)
	buf := crunchio.NewBuffer("stamp", padded).Buffer()
	var sum uint32
	for i, v := range buf.ReadU32LE(0, int64(words)) {
		if i*4 == checksumOff {
			v = Stamp
		}
		sum += v
	}
	return sum
}

// IsEGON reports whether p starts with an eGON.BT0 boot header.
func IsEGON(p []byte) bool {
	return len(p) >= egonHeaderLen && string(p[4:12]) == egonMagic
}

// CheckEGON validates the length and checksum in the eGON.BT0 header of a stage loader.
func CheckEGON(p []byte) error {
	if !IsEGON(p) {
		return fmt.Errorf("no eGON.BT0 header: %w", ErrMalformedFrame)
	}
	b := crunchio.NewBuffer("eGON", p).Buffer()
	hdr := b.ReadU32LE(egonChecksumOff, 2)
	want, length := hdr[0], int(hdr[1])
	if length < egonHeaderLen || length > len(p) {
		return fmt.Errorf("eGON length %d out of range (have %d bytes): %w", length, len(p), ErrMalformedFrame)
	}
	if got := StampChecksum(p[:length], egonChecksumOff); got != want {
		return fmt.Errorf("eGON checksum 0x%08X, header says 0x%08X: %w", got, want, ErrMalformedFrame)
	}
	return nil
}

// SealEGON stores the checksum of p[:length] in its header. Used to build stage loaders for tests
// and images.
func SealEGON(p []byte) {
	if !IsEGON(p) {
		return
	}
	b := crunchio.NewBuffer("eGON", p).Buffer()
	length := int(b.ReadU32LE(egonLengthOff, 1)[0])
	if length > len(p) || length < egonHeaderLen {
		length = len(p)
	}
	sum := StampChecksum(p[:length], egonChecksumOff)
	le := crunchio.NewBuffer("sum", make([]byte, 4))
	le.Buffer().WriteU32LE(0, []uint32{sum})
	copy(p[egonChecksumOff:], le.Bytes())
}
