package entity

import (
	"bytes"
	"testing"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/stretchr/testify/assert"
)

func TestReassemblyGapThenFill(t *testing.T) {
	r := newReassembly()
	seg := bytes.Repeat([]byte{1}, 10)

	assert.True(t, r.add(0, seg))
	assert.Equal(t, uint64(10), r.prefix)
	assert.False(t, r.gap)

	assert.True(t, r.add(20, seg))
	assert.Equal(t, uint64(10), r.prefix)
	assert.True(t, r.gap)

	assert.True(t, r.add(10, seg))
	assert.Equal(t, uint64(30), r.prefix)
	assert.False(t, r.gap)
}

func TestReassemblyDuplicate(t *testing.T) {
	r := newReassembly()
	assert.True(t, r.add(0, []byte("abcd")))
	assert.False(t, r.add(0, []byte("abcd")))
	assert.Equal(t, uint64(4), r.prefix)
	assert.Len(t, r.offsets, 1)
}

func TestReassemblyMissing(t *testing.T) {
	tests := []struct {
		name     string
		segments map[uint64]int
		size     uint64
		want     []pdu.SegmentRequest
	}{
		{"empty", nil, 100, []pdu.SegmentRequest{{Start: 0, End: 100}}},
		{"complete", map[uint64]int{0: 50, 50: 50}, 100, nil},
		{"middle gap", map[uint64]int{0: 10, 30: 70}, 100, []pdu.SegmentRequest{{Start: 10, End: 30}}},
		{"tail", map[uint64]int{0: 40}, 100, []pdu.SegmentRequest{{Start: 40, End: 100}}},
		{"head and tail", map[uint64]int{20: 20}, 60, []pdu.SegmentRequest{{Start: 0, End: 20}, {Start: 40, End: 60}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReassembly()
			for off, n := range tt.segments {
				r.add(off, make([]byte, n))
			}
			assert.Equal(t, tt.want, r.missing(tt.size))
		})
	}
}

func TestReassemblyOverlapWritesOnce(t *testing.T) {
	r := newReassembly()
	r.add(0, []byte("hello "))
	r.add(4, []byte("o world"))
	assert.Equal(t, uint64(11), r.prefix)

	var buf bytes.Buffer
	assert.NoError(t, r.writeTo(&buf, 11))
	assert.Equal(t, "hello world", buf.String())
}

func TestReassemblyReplay(t *testing.T) {
	data := testData(300)
	r := newReassembly()
	r.add(200, data[200:])
	r.add(0, data[:100])
	r.add(100, data[100:200])

	got := checksum.NewCRC32()
	r.replay(got)
	want := checksum.NewCRC32()
	want.Update(data, 0)
	assert.Equal(t, want.Sum(), got.Sum())
}

func TestReassemblyWriteStopsAtSize(t *testing.T) {
	r := newReassembly()
	r.add(0, []byte("hello"))
	r.add(5, []byte(" world"))
	r.add(20, []byte("stray"))

	var buf bytes.Buffer
	assert.NoError(t, r.writeTo(&buf, 8))
	assert.Equal(t, "hello wo", buf.String())

	buf.Reset()
	assert.NoError(t, r.writeTo(&buf, 30))
	assert.Equal(t, "hello world", buf.String(), "writing stops at the first gap")
}

func TestReassemblyIgnoresEmptySegment(t *testing.T) {
	r := newReassembly()
	assert.False(t, r.add(10, nil))
	assert.False(t, r.add(0, []byte{}))
	assert.Zero(t, r.prefix)

	assert.True(t, r.add(0, make([]byte, 10)))
	assert.True(t, r.add(10, make([]byte, 20)))
	assert.Equal(t, uint64(30), r.prefix)
	assert.False(t, r.gap)
}
