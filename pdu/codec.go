package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/opd-ai/cfdp/checksum"
)

// Version is the protocol version written into every header (CFDP version 2).
const Version = 0x1

// Fixed header size before the variable-width entity ids and sequence number.
const fixedHeaderLen = 4

var (
	// ErrShortPDU indicates the buffer ends before a complete field.
	ErrShortPDU = errors.New("pdu: truncated")
	// ErrUnsupportedVersion indicates a header version this codec cannot read.
	ErrUnsupportedVersion = errors.New("pdu: unsupported version")
	// ErrCRCMismatch indicates the CRC trailer does not match the contents.
	ErrCRCMismatch = errors.New("pdu: crc mismatch")
	// ErrUnknownDirective indicates a directive code this codec does not decode.
	ErrUnknownDirective = errors.New("pdu: unknown directive")
	// ErrFieldTooLarge indicates a value does not fit its wire field.
	ErrFieldTooLarge = errors.New("pdu: field too large")
)

// Encode serializes p to its binary form.
func Encode(p PDU) ([]byte, error) {
	h := p.PDUHeader()

	body, err := encodeBody(p)
	if err != nil {
		return nil, err
	}

	dataLen := len(body)
	if h.CRC {
		dataLen += 2
	}
	if dataLen > math.MaxUint16 {
		return nil, fmt.Errorf("%w: data field length %d", ErrFieldTooLarge, dataLen)
	}

	eidLen := max(byteWidth(uint64(h.SourceID)), byteWidth(uint64(h.DestinationID)))
	seqLen := byteWidth(h.SequenceNumber)

	out := make([]byte, 0, fixedHeaderLen+2*eidLen+seqLen+dataLen)
	b0 := byte(Version << 5)
	if p.Kind() == KindFileData {
		b0 |= 1 << 4
	}
	b0 |= byte(h.Direction&1) << 3
	b0 |= byte(h.Mode&1) << 2
	if h.CRC {
		b0 |= 1 << 1
	}
	if h.LargeFile {
		b0 |= 1
	}
	out = append(out, b0)
	out = binary.BigEndian.AppendUint16(out, uint16(dataLen))
	b3 := byte(eidLen-1)<<4 | byte(seqLen-1)
	if h.SegmentationControl {
		b3 |= 1 << 7
	}
	out = append(out, b3)
	out = appendUint(out, uint64(h.SourceID), eidLen)
	out = appendUint(out, h.SequenceNumber, seqLen)
	out = appendUint(out, uint64(h.DestinationID), eidLen)
	out = append(out, body...)

	if h.CRC {
		out = binary.BigEndian.AppendUint16(out, CRC16(out))
	}
	return out, nil
}

// Decode parses one PDU from data.
func Decode(data []byte) (PDU, error) {
	if len(data) < fixedHeaderLen {
		return nil, ErrShortPDU
	}
	b0 := data[0]
	if b0>>5 != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b0>>5)
	}
	h := Header{
		Direction: Direction((b0 >> 3) & 1),
		Mode:      TransmissionMode((b0 >> 2) & 1),
		CRC:       b0&(1<<1) != 0,
		LargeFile: b0&1 != 0,
	}
	isFileData := b0&(1<<4) != 0
	dataLen := int(binary.BigEndian.Uint16(data[1:3]))
	b3 := data[3]
	h.SegmentationControl = b3&(1<<7) != 0
	eidLen := int((b3>>4)&0x7) + 1
	seqLen := int(b3&0x7) + 1

	headerLen := fixedHeaderLen + 2*eidLen + seqLen
	if len(data) < headerLen+dataLen {
		return nil, ErrShortPDU
	}
	r := reader{buf: data[fixedHeaderLen:headerLen]}
	h.SourceID = EntityID(r.number(eidLen))
	h.SequenceNumber = r.number(seqLen)
	h.DestinationID = EntityID(r.number(eidLen))

	body := data[headerLen : headerLen+dataLen]
	if h.CRC {
		if len(body) < 2 {
			return nil, ErrShortPDU
		}
		want := binary.BigEndian.Uint16(body[len(body)-2:])
		if got := CRC16(data[:headerLen+dataLen-2]); got != want {
			return nil, fmt.Errorf("%w: got %#04x want %#04x", ErrCRCMismatch, got, want)
		}
		body = body[:len(body)-2]
	}

	fss := 4
	if h.LargeFile {
		fss = 8
	}
	if isFileData {
		return decodeFileData(h, body, fss)
	}
	return decodeDirective(h, body, fss)
}

func encodeBody(p PDU) ([]byte, error) {
	h := p.PDUHeader()
	fss := 4
	if h.LargeFile {
		fss = 8
	}
	var out []byte
	var err error
	switch v := p.(type) {
	case *FileData:
		if out, err = appendFSS(out, v.Offset, fss); err != nil {
			return nil, err
		}
		return append(out, v.Data...), nil
	case *Metadata:
		out = append(out, byte(DirectiveMetadata))
		b := byte(v.ChecksumType & 0x0F)
		if v.ClosureRequested {
			b |= 1 << 6
		}
		out = append(out, b)
		if out, err = appendFSS(out, v.FileSize, fss); err != nil {
			return nil, err
		}
		if out, err = appendLV(out, v.SourceFilename); err != nil {
			return nil, err
		}
		if out, err = appendLV(out, v.DestinationFilename); err != nil {
			return nil, err
		}
		for _, opt := range v.Options {
			if out, err = appendOption(out, opt); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *EOF:
		out = append(out, byte(DirectiveEOF), byte(v.Condition)<<4)
		out = binary.BigEndian.AppendUint32(out, v.Checksum)
		if out, err = appendFSS(out, v.FileSize, fss); err != nil {
			return nil, err
		}
		if v.Condition != NoError && v.FaultLocation != nil {
			out = appendEntityTLV(out, *v.FaultLocation)
		}
		return out, nil
	case *Ack:
		out = append(out, byte(DirectiveAck))
		out = append(out, byte(v.Directive)<<4|v.DirectiveSubtype&0x0F)
		out = append(out, byte(v.Condition)<<4|byte(v.TransactionStatus)&0x3)
		return out, nil
	case *Finished:
		out = append(out, byte(DirectiveFinished))
		out = append(out, byte(v.Condition)<<4|byte(v.Delivery&1)<<2|byte(v.FileStatus&0x3))
		for _, resp := range v.FilestoreResponses {
			if out, err = appendOption(out, resp); err != nil {
				return nil, err
			}
		}
		if v.FaultLocation != nil {
			out = appendEntityTLV(out, *v.FaultLocation)
		}
		return out, nil
	case *Nak:
		out = append(out, byte(DirectiveNak))
		for _, n := range []uint64{v.StartOfScope, v.EndOfScope} {
			if out, err = appendFSS(out, n, fss); err != nil {
				return nil, err
			}
		}
		for _, seg := range v.Segments {
			if out, err = appendFSS(out, seg.Start, fss); err != nil {
				return nil, err
			}
			if out, err = appendFSS(out, seg.End, fss); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("pdu: cannot encode %T", p)
	}
}

func decodeFileData(h Header, body []byte, fss int) (PDU, error) {
	r := reader{buf: body}
	offset := r.number(fss)
	if r.err != nil {
		return nil, r.err
	}
	data := make([]byte, len(r.buf))
	copy(data, r.buf)
	return &FileData{Header: h, Offset: offset, Data: data}, nil
}

func decodeDirective(h Header, body []byte, fss int) (PDU, error) {
	r := reader{buf: body}
	code := DirectiveCode(r.octet())
	switch code {
	case DirectiveMetadata:
		b := r.octet()
		md := &Metadata{
			Header:           h,
			ClosureRequested: b&(1<<6) != 0,
			ChecksumType:     checksum.Type(b & 0x0F),
		}
		md.FileSize = r.number(fss)
		md.SourceFilename = r.lv()
		md.DestinationFilename = r.lv()
		for r.err == nil && len(r.buf) > 0 {
			if opt := r.option(); opt != nil {
				md.Options = append(md.Options, opt)
			}
		}
		return md, r.err
	case DirectiveEOF:
		eof := &EOF{Header: h, Condition: ConditionCode(r.octet() >> 4)}
		eof.Checksum = uint32(r.number(4))
		eof.FileSize = r.number(fss)
		if len(r.buf) > 0 {
			eof.FaultLocation = r.entityTLV()
		}
		return eof, r.err
	case DirectiveAck:
		b := r.octet()
		c := r.octet()
		return &Ack{
			Header:            h,
			Directive:         DirectiveCode(b >> 4),
			DirectiveSubtype:  b & 0x0F,
			Condition:         ConditionCode(c >> 4),
			TransactionStatus: TransactionStatus(c & 0x3),
		}, r.err
	case DirectiveFinished:
		b := r.octet()
		fin := &Finished{
			Header:     h,
			Condition:  ConditionCode(b >> 4),
			Delivery:   DeliveryCode((b >> 2) & 1),
			FileStatus: FileStatus(b & 0x3),
		}
		for r.err == nil && len(r.buf) > 0 {
			switch OptionType(r.buf[0]) {
			case OptionEntityID:
				fin.FaultLocation = r.entityTLV()
			default:
				if resp, ok := r.option().(FilestoreResponse); ok {
					fin.FilestoreResponses = append(fin.FilestoreResponses, resp)
				}
			}
		}
		return fin, r.err
	case DirectiveNak:
		nak := &Nak{Header: h}
		nak.StartOfScope = r.number(fss)
		nak.EndOfScope = r.number(fss)
		for r.err == nil && len(r.buf) >= 2*fss {
			nak.Segments = append(nak.Segments, SegmentRequest{Start: r.number(fss), End: r.number(fss)})
		}
		return nak, r.err
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownDirective, uint8(code))
	}
}

func appendOption(out []byte, opt Option) ([]byte, error) {
	var value []byte
	var err error
	switch o := opt.(type) {
	case FilestoreRequest:
		value = append(value, byte(o.Action)<<4)
		if value, err = appendLV(value, o.FirstName); err != nil {
			return nil, err
		}
		if o.Action.HasSecondName() {
			if value, err = appendLV(value, o.SecondName); err != nil {
				return nil, err
			}
		}
	case FilestoreResponse:
		value = append(value, byte(o.Action)<<4|o.Status&0x0F)
		if value, err = appendLV(value, o.FirstName); err != nil {
			return nil, err
		}
		if o.Action.HasSecondName() {
			if value, err = appendLV(value, o.SecondName); err != nil {
				return nil, err
			}
		}
		if value, err = appendLV(value, o.Message); err != nil {
			return nil, err
		}
	case MessageToUser:
		value = o.Message
	case FaultHandlerOverride:
		value = []byte{byte(o.Condition)<<4 | o.Handler&0x0F}
	case FlowLabel:
		value = o.Label
	default:
		return nil, fmt.Errorf("pdu: cannot encode option %T", opt)
	}
	if len(value) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: option %#02x length %d", ErrFieldTooLarge, uint8(opt.OptionType()), len(value))
	}
	out = append(out, byte(opt.OptionType()), byte(len(value)))
	return append(out, value...), nil
}

func appendEntityTLV(out []byte, id EntityID) []byte {
	w := byteWidth(uint64(id))
	out = append(out, byte(OptionEntityID), byte(w))
	return appendUint(out, uint64(id), w)
}

func appendLV(out []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: value %q", ErrFieldTooLarge, s)
	}
	out = append(out, byte(len(s)))
	return append(out, s...), nil
}

func appendFSS(out []byte, v uint64, fss int) ([]byte, error) {
	if fss == 4 && v > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d needs the large file flag", ErrFieldTooLarge, v)
	}
	return appendUint(out, v, fss), nil
}

func appendUint(out []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		out = append(out, byte(v>>(8*i)))
	}
	return out
}

// byteWidth returns the minimal number of octets (at least one) needed for v.
func byteWidth(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

// reader consumes big-endian fields and records the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortPDU
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) octet() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) number(width int) uint64 {
	var v uint64
	for _, b := range r.take(width) {
		v = v<<8 | uint64(b)
	}
	return v
}

func (r *reader) lv() string {
	n := int(r.octet())
	return string(r.take(n))
}

func (r *reader) entityTLV() *EntityID {
	r.octet()
	n := int(r.octet())
	if n == 0 || n > 8 {
		if r.err == nil {
			r.err = fmt.Errorf("%w: entity id length %d", ErrShortPDU, n)
		}
		return nil
	}
	id := EntityID(r.number(n))
	if r.err != nil {
		return nil
	}
	return &id
}

func (r *reader) option() Option {
	typ := OptionType(r.octet())
	n := int(r.octet())
	value := r.take(n)
	if r.err != nil {
		return nil
	}
	v := reader{buf: value}
	switch typ {
	case OptionFilestoreRequest:
		req := FilestoreRequest{Action: FilestoreAction(v.octet() >> 4)}
		req.FirstName = v.lv()
		if req.Action.HasSecondName() {
			req.SecondName = v.lv()
		}
		return req
	case OptionFilestoreResponse:
		b := v.octet()
		resp := FilestoreResponse{Action: FilestoreAction(b >> 4), Status: b & 0x0F}
		resp.FirstName = v.lv()
		if resp.Action.HasSecondName() {
			resp.SecondName = v.lv()
		}
		resp.Message = v.lv()
		return resp
	case OptionMessageToUser:
		return MessageToUser{Message: append([]byte(nil), value...)}
	case OptionFaultHandlerOverride:
		b := v.octet()
		return FaultHandlerOverride{Condition: ConditionCode(b >> 4), Handler: b & 0x0F}
	case OptionFlowLabel:
		return FlowLabel{Label: append([]byte(nil), value...)}
	default:
		return nil
	}
}
