package checksum

import (
	"hash"
	"hash/crc32"
)

// sequential adapts an order-dependent hash to offset-addressed updates.
// Segments ahead of the contiguous prefix are held until it reaches them.
type sequential struct {
	typ     Type
	h       hash.Hash32
	next    uint64
	pending map[uint64][]byte
}

// NewCRC32 returns the IEEE 802.3 CRC-32 checksum.
func NewCRC32() Checksum {
	return &sequential{typ: CRC32, h: crc32.NewIEEE(), pending: make(map[uint64][]byte)}
}

// NewCRC32C returns the Castagnoli CRC-32 checksum.
func NewCRC32C() Checksum {
	return &sequential{
		typ:     CRC32C,
		h:       crc32.New(crc32.MakeTable(crc32.Castagnoli)),
		pending: make(map[uint64][]byte),
	}
}

func (s *sequential) Update(data []byte, offset uint64) {
	end := offset + uint64(len(data))
	switch {
	case end <= s.next:
		return
	case offset > s.next:
		if _, ok := s.pending[offset]; !ok {
			s.pending[offset] = append([]byte(nil), data...)
		}
		return
	}
	s.write(data[s.next-offset:])
	s.drain()
}

func (s *sequential) write(data []byte) {
	_, _ = s.h.Write(data)
	s.next += uint64(len(data))
}

func (s *sequential) drain() {
	for {
		progressed := false
		for off, data := range s.pending {
			end := off + uint64(len(data))
			if off > s.next {
				continue
			}
			delete(s.pending, off)
			if end > s.next {
				s.write(data[s.next-off:])
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (s *sequential) Sum() uint32 { return s.h.Sum32() }
func (s *sequential) Type() Type  { return s.typ }
