package entity

import (
	"io"
	"sort"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/pdu"
)

// reassembly buffers received file segments by offset and tracks the length
// of the gap-free prefix starting at offset zero.
type reassembly struct {
	segments map[uint64][]byte
	offsets  []uint64
	prefix   uint64
	gap      bool
	maxEnd   uint64
}

func newReassembly() *reassembly {
	return &reassembly{segments: make(map[uint64][]byte)}
}

// add stores a segment. It reports false for an empty segment or an
// exact-offset duplicate, both of which are discarded.
func (r *reassembly) add(offset uint64, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if _, dup := r.segments[offset]; dup {
		return false
	}
	r.segments[offset] = data
	i := sort.Search(len(r.offsets), func(i int) bool { return r.offsets[i] >= offset })
	r.offsets = append(r.offsets, 0)
	copy(r.offsets[i+1:], r.offsets[i:])
	r.offsets[i] = offset

	end := offset + uint64(len(data))
	if end > r.maxEnd {
		r.maxEnd = end
	}

	switch {
	case offset == r.prefix:
		r.prefix = end
		if r.gap {
			r.scan()
		}
	case offset > r.prefix:
		r.gap = true
	case end > r.prefix:
		// Overlaps the prefix without starting at it.
		r.prefix = end
		if r.gap {
			r.scan()
		}
	}
	return true
}

// scan extends the prefix over buffered segments that abut it and re-flags
// the gap at the first segment beyond it.
func (r *reassembly) scan() {
	for _, off := range r.offsets {
		end := off + uint64(len(r.segments[off]))
		if end <= r.prefix {
			continue
		}
		if off <= r.prefix {
			r.prefix = end
			r.gap = false
			continue
		}
		r.gap = true
		return
	}
	r.gap = false
}

// missing lists the ranges below size not covered by any segment.
func (r *reassembly) missing(size uint64) []pdu.SegmentRequest {
	var out []pdu.SegmentRequest
	var cursor uint64
	for _, off := range r.offsets {
		if off >= size {
			break
		}
		if off > cursor {
			out = append(out, pdu.SegmentRequest{Start: cursor, End: off})
		}
		if end := off + uint64(len(r.segments[off])); end > cursor {
			cursor = end
		}
	}
	if cursor < size {
		out = append(out, pdu.SegmentRequest{Start: cursor, End: size})
	}
	return out
}

// replay feeds every buffered segment into c.
func (r *reassembly) replay(c checksum.Checksum) {
	for _, off := range r.offsets {
		c.Update(r.segments[off], off)
	}
}

// writeTo writes the first size bytes in offset order, skipping bytes
// already written by an overlapping earlier segment. It stops at the first
// gap or at size.
func (r *reassembly) writeTo(w io.Writer, size uint64) error {
	var cursor uint64
	for _, off := range r.offsets {
		if off > cursor || cursor >= size {
			break
		}
		data := r.segments[off]
		end := off + uint64(len(data))
		if end <= cursor {
			continue
		}
		data = data[cursor-off:]
		if end > size {
			data = data[:size-cursor]
			end = size
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		cursor = end
	}
	return nil
}
