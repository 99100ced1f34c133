package pdu

import (
	"fmt"
	"strings"

	"github.com/opd-ai/cfdp/checksum"
)

// EntityID identifies a CFDP entity.
type EntityID uint64

// TransactionID identifies a transaction by the entity that started it and the
// sequence number that entity assigned.
type TransactionID struct {
	Source   EntityID
	Sequence uint64
}

// String renders the id as "source:sequence".
func (id TransactionID) String() string {
	return fmt.Sprintf("%d:%d", id.Source, id.Sequence)
}

// Direction tells which way a PDU travels relative to the file being sent.
type Direction uint8

const (
	// TowardReceiver marks PDUs sent by the file sender.
	TowardReceiver Direction = iota
	// TowardSender marks PDUs sent by the file receiver.
	TowardSender
)

// TransmissionMode selects acknowledged (reliable) or unacknowledged delivery.
type TransmissionMode uint8

const (
	// Acknowledged enables NAK, Ack and Finished procedures.
	Acknowledged TransmissionMode = iota
	// Unacknowledged sends once and relies on the link.
	Unacknowledged
)

func (m TransmissionMode) String() string {
	switch m {
	case Acknowledged:
		return "acknowledged"
	case Unacknowledged:
		return "unacknowledged"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseTransmissionMode accepts "acknowledged"/"ack" and
// "unacknowledged"/"unack".
func ParseTransmissionMode(s string) (TransmissionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acknowledged", "ack":
		return Acknowledged, nil
	case "unacknowledged", "unack", "":
		return Unacknowledged, nil
	default:
		return 0, fmt.Errorf("unknown transmission mode %q", s)
	}
}

// ConditionCode is the standard fault category carried by EOF, Finished and
// Ack PDUs and by fault indications.
type ConditionCode uint8

const (
	NoError                 ConditionCode = 0
	PositiveAckLimitReached ConditionCode = 1
	KeepAliveLimitReached   ConditionCode = 2
	InvalidTransmissionMode ConditionCode = 3
	FilestoreRejection      ConditionCode = 4
	FileChecksumFailure     ConditionCode = 5
	FileSizeError           ConditionCode = 6
	NakLimitReached         ConditionCode = 7
	InactivityDetected      ConditionCode = 8
	InvalidFileStructure    ConditionCode = 9
	CheckLimitReached       ConditionCode = 10
	UnsupportedChecksumType ConditionCode = 11
	SuspendRequestReceived  ConditionCode = 14
	CancelRequestReceived   ConditionCode = 15
)

var conditionNames = map[ConditionCode]string{
	NoError:                 "no_error",
	PositiveAckLimitReached: "positive_ack_limit_reached",
	KeepAliveLimitReached:   "keep_alive_limit_reached",
	InvalidTransmissionMode: "invalid_transmission_mode",
	FilestoreRejection:      "filestore_rejection",
	FileChecksumFailure:     "file_checksum_failure",
	FileSizeError:           "file_size_error",
	NakLimitReached:         "nak_limit_reached",
	InactivityDetected:      "inactivity_detected",
	InvalidFileStructure:    "invalid_file_structure",
	CheckLimitReached:       "check_limit_reached",
	UnsupportedChecksumType: "unsupported_checksum_type",
	SuspendRequestReceived:  "suspend_request_received",
	CancelRequestReceived:   "cancel_request_received",
}

func (c ConditionCode) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", uint8(c))
}

// ParseConditionCode maps a snake_case condition name back to its code.
func ParseConditionCode(s string) (ConditionCode, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for code, name := range conditionNames {
		if name == want {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown condition code %q", s)
}

// DirectiveCode identifies file directive PDUs on the wire.
type DirectiveCode uint8

const (
	DirectiveEOF       DirectiveCode = 0x04
	DirectiveFinished  DirectiveCode = 0x05
	DirectiveAck       DirectiveCode = 0x06
	DirectiveMetadata  DirectiveCode = 0x07
	DirectiveNak       DirectiveCode = 0x08
	DirectivePrompt    DirectiveCode = 0x09
	DirectiveKeepAlive DirectiveCode = 0x0C
)

// Kind is the variant tag of a PDU.
type Kind uint8

const (
	KindMetadata Kind = iota + 1
	KindFileData
	KindEOF
	KindAck
	KindFinished
	KindNak
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindFileData:
		return "file_data"
	case KindEOF:
		return "eof"
	case KindAck:
		return "ack"
	case KindFinished:
		return "finished"
	case KindNak:
		return "nak"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header holds the fields every PDU carries.
type Header struct {
	Direction           Direction
	Mode                TransmissionMode
	CRC                 bool
	LargeFile           bool
	SegmentationControl bool
	SourceID            EntityID
	DestinationID       EntityID
	SequenceNumber      uint64
}

// PDUHeader returns the header itself so that every PDU variant embedding a
// Header satisfies PDU.
func (h *Header) PDUHeader() *Header { return h }

// TransactionID returns the transaction the PDU belongs to.
func (h *Header) TransactionID() TransactionID {
	return TransactionID{Source: h.SourceID, Sequence: h.SequenceNumber}
}

// PDU is one protocol data unit.
type PDU interface {
	PDUHeader() *Header
	Kind() Kind
}

// Metadata opens a transaction.
type Metadata struct {
	Header
	ClosureRequested    bool
	ChecksumType        checksum.Type
	FileSize            uint64
	SourceFilename      string
	DestinationFilename string
	Options             []Option
}

func (*Metadata) Kind() Kind { return KindMetadata }

// IsFileTransfer reports whether the Metadata names both files.
func (m *Metadata) IsFileTransfer() bool {
	return m.SourceFilename != "" && m.DestinationFilename != ""
}

// FileData carries one file segment.
type FileData struct {
	Header
	Offset uint64
	Data   []byte
}

func (*FileData) Kind() Kind { return KindFileData }

// End returns the offset one past the last byte of the segment.
func (f *FileData) End() uint64 { return f.Offset + uint64(len(f.Data)) }

// EOF ends file transmission, or cancels it when Condition is not NoError.
type EOF struct {
	Header
	Condition     ConditionCode
	Checksum      uint32
	FileSize      uint64
	FaultLocation *EntityID
}

func (*EOF) Kind() Kind { return KindEOF }

// TransactionStatus is reported in Ack PDUs.
type TransactionStatus uint8

const (
	StatusUndefined TransactionStatus = iota
	StatusActive
	StatusTerminated
	StatusUnrecognized
)

// Ack acknowledges an EOF or Finished directive.
type Ack struct {
	Header
	Directive         DirectiveCode
	DirectiveSubtype  uint8
	Condition         ConditionCode
	TransactionStatus TransactionStatus
}

func (*Ack) Kind() Kind { return KindAck }

// DeliveryCode reports whether all file data arrived.
type DeliveryCode uint8

const (
	DataComplete DeliveryCode = iota
	DataIncomplete
)

// FileStatus reports what became of the delivered file.
type FileStatus uint8

const (
	FileDiscardedDeliberately FileStatus = iota
	FileDiscardedFilestoreRejection
	FileRetained
	FileStatusUnreported
)

// Finished closes a transaction from the receiving side.
type Finished struct {
	Header
	Condition          ConditionCode
	Delivery           DeliveryCode
	FileStatus         FileStatus
	FilestoreResponses []FilestoreResponse
	FaultLocation      *EntityID
}

func (*Finished) Kind() Kind { return KindFinished }

// SegmentRequest asks for retransmission of [Start, End).
type SegmentRequest struct {
	Start uint64
	End   uint64
}

// IsMetadataRequest reports the 0-0 request used to ask for Metadata.
func (s SegmentRequest) IsMetadataRequest() bool { return s.Start == 0 && s.End == 0 }

// Nak lists missing data within a scope.
type Nak struct {
	Header
	StartOfScope uint64
	EndOfScope   uint64
	Segments     []SegmentRequest
}

func (*Nak) Kind() Kind { return KindNak }
