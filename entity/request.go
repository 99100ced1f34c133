package entity

import (
	"fmt"

	"github.com/opd-ai/cfdp/pdu"
)

// Request is a user command submitted to an entity. The set of requests is
// closed: PutRequest, CancelRequest, SuspendRequest, ResumeRequest and
// ReportRequest.
type Request interface {
	isRequest()
}

// PutRequest starts a Copy File transaction. Leaving both filenames empty
// sends Metadata only.
type PutRequest struct {
	Destination         pdu.EntityID
	SourceFilename      string
	DestinationFilename string

	// Mode and ClosureRequested override the remote entity defaults when set.
	Mode             *pdu.TransmissionMode
	ClosureRequested *bool

	FaultHandlerOverrides []pdu.FaultHandlerOverride
	FlowLabel             []byte
	MessagesToUser        [][]byte
	FilestoreRequests     []pdu.FilestoreRequest
	SegmentationControl   bool
}

func (r PutRequest) validate() error {
	if (r.SourceFilename == "") != (r.DestinationFilename == "") {
		return fmt.Errorf("%w: source and destination filenames must both be set or both be empty", ErrInvalidRequest)
	}
	return nil
}

// IsFileTransfer reports whether the request moves file data.
func (r PutRequest) IsFileTransfer() bool { return r.SourceFilename != "" }

// CancelRequest issues a notice of cancellation for a transaction.
type CancelRequest struct {
	Transaction pdu.TransactionID
}

// SuspendRequest pauses a transaction's transmission and timers.
type SuspendRequest struct {
	Transaction pdu.TransactionID
}

// ResumeRequest continues a suspended transaction.
type ResumeRequest struct {
	Transaction pdu.TransactionID
}

// ReportRequest asks for a Report indication carrying the transaction status.
type ReportRequest struct {
	Transaction pdu.TransactionID
}

func (PutRequest) isRequest()     {}
func (CancelRequest) isRequest()  {}
func (SuspendRequest) isRequest() {}
func (ResumeRequest) isRequest()  {}
func (ReportRequest) isRequest()  {}
