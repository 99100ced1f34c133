package checksum

type modular struct {
	sum uint32
}

// NewModular returns the CFDP modular checksum. Each octet is added into the
// 32-bit word it occupies when the file is split into 4-octet words aligned
// on offset zero, so segments may be fed in any order.
func NewModular() Checksum { return &modular{} }

func (m *modular) Update(data []byte, offset uint64) {
	for i, b := range data {
		shift := 8 * (3 - (offset+uint64(i))%4)
		m.sum += uint32(b) << shift
	}
}

func (m *modular) Sum() uint32 { return m.sum }
func (m *modular) Type() Type  { return Modular }

type null struct{}

// NewNull returns the null checksum.
func NewNull() Checksum { return null{} }

func (null) Update([]byte, uint64) {}
func (null) Sum() uint32           { return 0 }
func (null) Type() Type            { return Null }
