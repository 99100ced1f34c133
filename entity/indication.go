package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/pdu"
)

// Event is the part common to every indication.
type Event struct {
	ID          uuid.UUID
	Time        time.Time
	Transaction pdu.TransactionID
}

// Base returns the common part.
func (e Event) Base() Event { return e }

// IndicationKind tags an indication variant.
type IndicationKind uint8

const (
	KindTransactionCreated IndicationKind = iota + 1
	KindMetadataReceived
	KindFileSegmentReceived
	KindEOFReceived
	KindEOFSent
	KindFaultDeclared
	KindSuspended
	KindResumed
	KindReport
	KindAbandoned
	KindTransactionFinished
)

var indicationNames = map[IndicationKind]string{
	KindTransactionCreated:  "transaction_created",
	KindMetadataReceived:    "metadata_received",
	KindFileSegmentReceived: "file_segment_received",
	KindEOFReceived:         "eof_received",
	KindEOFSent:             "eof_sent",
	KindFaultDeclared:       "fault_declared",
	KindSuspended:           "suspended",
	KindResumed:             "resumed",
	KindReport:              "report",
	KindAbandoned:           "abandoned",
	KindTransactionFinished: "transaction_finished",
}

func (k IndicationKind) String() string {
	if name, ok := indicationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("indication(%d)", uint8(k))
}

// Indication is an event delivered to observers.
type Indication interface {
	Base() Event
	Kind() IndicationKind
}

// TransactionCreated is raised when a transaction is added to the table.
type TransactionCreated struct {
	Event
	Role   Role
	Remote pdu.EntityID
}

// MetadataReceived is raised by the destination entity on the first Metadata.
type MetadataReceived struct {
	Event
	Source              pdu.EntityID
	FileSize            uint64
	SourceFilename      string
	DestinationFilename string
	MessagesToUser      [][]byte
}

// FileSegmentReceived is raised for each new FileData when enabled.
type FileSegmentReceived struct {
	Event
	Offset uint64
	Length int
}

// EOFReceived is raised on the first no-error EOF when enabled.
type EOFReceived struct {
	Event
	FileSize uint64
}

// EOFSent is raised when the sender emits EOF, when enabled.
type EOFSent struct {
	Event
}

// FaultDeclared is raised for every declared fault.
type FaultDeclared struct {
	Event
	Fault *fault.Fault
}

// Suspended is raised when a transaction is suspended.
type Suspended struct {
	Event
	Condition pdu.ConditionCode
}

// Resumed is raised when a suspended transaction continues.
type Resumed struct {
	Event
	Progress uint64
}

// Report answers a ReportRequest.
type Report struct {
	Event
	Status Status
}

// Abandoned is raised when fault policy abandons a transaction.
type Abandoned struct {
	Event
	Condition pdu.ConditionCode
	Progress  uint64
}

// TransactionFinished is raised once when a transaction closes.
type TransactionFinished struct {
	Event
	Condition          pdu.ConditionCode
	Delivery           pdu.DeliveryCode
	FileStatus         pdu.FileStatus
	FilestoreResponses []pdu.FilestoreResponse
	Status             Status
}

func (TransactionCreated) Kind() IndicationKind  { return KindTransactionCreated }
func (MetadataReceived) Kind() IndicationKind    { return KindMetadataReceived }
func (FileSegmentReceived) Kind() IndicationKind { return KindFileSegmentReceived }
func (EOFReceived) Kind() IndicationKind         { return KindEOFReceived }
func (EOFSent) Kind() IndicationKind             { return KindEOFSent }
func (FaultDeclared) Kind() IndicationKind       { return KindFaultDeclared }
func (Suspended) Kind() IndicationKind           { return KindSuspended }
func (Resumed) Kind() IndicationKind             { return KindResumed }
func (Report) Kind() IndicationKind              { return KindReport }
func (Abandoned) Kind() IndicationKind           { return KindAbandoned }
func (TransactionFinished) Kind() IndicationKind { return KindTransactionFinished }

// Observer receives indications on the entity's notification worker. A
// returned error is logged.
type Observer interface {
	Notify(ind Indication) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ind Indication) error

// Notify calls f.
func (f ObserverFunc) Notify(ind Indication) error { return f(ind) }
