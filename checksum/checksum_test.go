package checksum

import (
	"errors"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModularKnownValue(t *testing.T) {
	c := NewModular()
	c.Update([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 0)
	// 0x01020304 + 0x05000000
	assert.Equal(t, uint32(0x06020304), c.Sum())
	assert.Equal(t, Modular, c.Type())
}

func TestModularOrderIndependent(t *testing.T) {
	data := make([]byte, 1000)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)

	whole := NewModular()
	whole.Update(data, 0)

	bounds := [][2]int{{0, 100}, {100, 301}, {301, 400}, {400, 703}, {703, 800}, {800, 901}, {901, 1000}}
	rng.Shuffle(len(bounds), func(i, j int) { bounds[i], bounds[j] = bounds[j], bounds[i] })

	pieces := NewModular()
	for _, b := range bounds {
		pieces.Update(data[b[0]:b[1]], uint64(b[0]))
	}
	assert.Equal(t, whole.Sum(), pieces.Sum())
}

func TestSequentialBuffersOutOfOrder(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := crc32.ChecksumIEEE(data)

	c := NewCRC32()
	c.Update(data[20:], 20)
	c.Update(data[10:20], 10)
	c.Update(data[10:20], 10)
	c.Update(data[:10], 0)
	assert.Equal(t, want, c.Sum())

	c.Update(data[:5], 0)
	assert.Equal(t, want, c.Sum())
}

func TestCRC32C(t *testing.T) {
	data := []byte("123456789")
	c := NewCRC32C()
	c.Update(data, 0)
	assert.Equal(t, uint32(0xE3069283), c.Sum())
	assert.Equal(t, CRC32C, c.Type())
}

func TestNull(t *testing.T) {
	c := NewNull()
	c.Update([]byte{1, 2, 3}, 0)
	assert.Equal(t, uint32(0), c.Sum())
	assert.Equal(t, Null, c.Type())
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []Type{Modular, CRC32C, CRC32, Null}, r.Types())
	assert.False(t, r.Supports(Proximity1))

	_, err := r.New(Proximity1)
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	r.Register(Proximity1, NewCRC32)
	c, err := r.New(Proximity1)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"modular", Modular, false},
		{"CRC32C", CRC32C, false},
		{" null ", Null, false},
		{"", Modular, false},
		{"md5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
