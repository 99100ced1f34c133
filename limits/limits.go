// Package limits provides centralized size limits for CFDP PDUs and file
// segments. This ensures consistent validation across the codec, the MIB and
// the UDP binding.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxHeaderSize is the largest PDU header: four fixed octets, two 8-octet
	// entity ids and an 8-octet sequence number.
	MaxHeaderSize = 4 + 8 + 8 + 8

	// MaxFileDataOverhead is the non-payload part of a FileData PDU: the
	// header, a large-file offset and the CRC trailer.
	MaxFileDataOverhead = MaxHeaderSize + 8 + 2

	// MaxDatagram is the largest UDP payload the binding reads or writes.
	MaxDatagram = 65507

	// SealOverhead is the per-datagram cost of link sealing: a 16-octet salt,
	// an 8-octet nonce and the Poly1305 tag.
	SealOverhead = 16 + 8 + 16

	// MaxSegmentLength is the largest FileData payload that still fits one
	// sealed UDP datagram.
	MaxSegmentLength = MaxDatagram - MaxFileDataOverhead - SealOverhead

	// DefaultSegmentLength is used when a remote entity does not configure a
	// maximum segment length.
	DefaultSegmentLength = 1024
)

var (
	// ErrSegmentEmpty indicates a zero segment length.
	ErrSegmentEmpty = errors.New("empty segment length")

	// ErrSegmentTooLarge indicates a segment length beyond MaxSegmentLength.
	ErrSegmentTooLarge = errors.New("segment length too large")

	// ErrDatagramTooLarge indicates an encoded PDU that does not fit a datagram.
	ErrDatagramTooLarge = errors.New("datagram too large")
)

// ValidateSegmentLength checks a configured maximum file segment length.
func ValidateSegmentLength(n int) error {
	if n <= 0 {
		return ErrSegmentEmpty
	}
	if n > MaxSegmentLength {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrSegmentTooLarge, n, MaxSegmentLength)
	}
	return nil
}

// ValidateDatagram checks an outbound datagram against MaxDatagram.
func ValidateDatagram(data []byte) error {
	if len(data) > MaxDatagram {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrDatagramTooLarge, len(data), MaxDatagram)
	}
	return nil
}
