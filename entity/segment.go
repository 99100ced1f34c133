package entity

import (
	"github.com/opd-ai/cfdp/filestore"
)

// Segment is one chunk of a file to send.
type Segment struct {
	Offset uint64
	Data   []byte
}

// SegmentProvider yields the file segments of one transaction in order.
type SegmentProvider interface {
	// Next returns the next segment, or done when the file is exhausted.
	Next() (seg Segment, done bool, err error)
}

// SegmentProviderFactory builds a provider for one transfer. fileSize is zero
// for unbounded files.
type SegmentProviderFactory func(fs filestore.Filestore, name string, fileSize uint64, maxSegment int) SegmentProvider

// FixedSegments reads the file in chunks of maxSegment bytes. For an
// unbounded file it reads until a short read.
func FixedSegments(fs filestore.Filestore, name string, fileSize uint64, maxSegment int) SegmentProvider {
	return &fixedSegments{fs: fs, name: name, size: fileSize, bounded: fileSize > 0, max: maxSegment}
}

type fixedSegments struct {
	fs      filestore.Filestore
	name    string
	size    uint64
	bounded bool
	max     int
	offset  uint64
	eof     bool
}

func (f *fixedSegments) Next() (Segment, bool, error) {
	if f.eof || (f.bounded && f.offset >= f.size) {
		return Segment{}, true, nil
	}
	n := f.max
	if f.bounded && f.size-f.offset < uint64(n) {
		n = int(f.size - f.offset)
	}
	data, err := f.fs.ReadFile(f.name, f.offset, n)
	if err != nil {
		return Segment{}, false, err
	}
	if len(data) == 0 {
		f.eof = true
		return Segment{}, true, nil
	}
	if len(data) < n {
		f.eof = true
	}
	seg := Segment{Offset: f.offset, Data: data}
	f.offset += uint64(len(data))
	return seg, false, nil
}
