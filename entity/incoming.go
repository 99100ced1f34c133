package entity

import (
	"fmt"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/filestore"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
)

// maxNakSegments bounds the segment requests carried by one NAK; remaining
// gaps are requested on the next NAK timer expiry.
const maxNakSegments = 128

// incoming is the receiver side of a Copy File transaction.
type incoming struct {
	destination bool
	metadata    *pdu.Metadata
	buffer      *reassembly
	checksum    checksum.Checksum
	eof         *pdu.EOF
	closure     bool
	messages    [][]byte
	requests    []pdu.FilestoreRequest

	completed   bool
	cancelled   bool
	stored      bool
	storeFailed bool
	finished    *pdu.Finished
}

func (t *Transaction) activateIncoming() {
	t.armInactivity()
	if t.mode == pdu.Acknowledged && !t.remote.AcknowledgedModeSupported {
		t.declareFault(pdu.InvalidTransmissionMode, nil)
	}
}

func (t *Transaction) handleIncomingPDU(p pdu.PDU) {
	t.touch()
	switch v := p.(type) {
	case *pdu.Metadata:
		t.onMetadata(v)
	case *pdu.FileData:
		t.onFileData(v)
	case *pdu.EOF:
		t.onEOF(v)
	case *pdu.Ack:
		t.onFinishedAck(v)
	default:
		t.log.WithFields(logrus.Fields{
			"function": "handleIncomingPDU",
			"kind":     p.Kind().String(),
		}).Debug("Ignoring PDU not expected by receiver")
	}
}

func (t *Transaction) onMetadata(md *pdu.Metadata) {
	in := t.in
	if in.metadata != nil {
		t.log.WithField("function", "onMetadata").Debug("Discarding duplicate Metadata")
		return
	}
	in.metadata = md
	in.closure = md.ClosureRequested
	if in.eof == nil {
		t.fileSize = md.FileSize
	}

	var overrides []pdu.FaultHandlerOverride
	for _, opt := range md.Options {
		switch o := opt.(type) {
		case pdu.FaultHandlerOverride:
			overrides = append(overrides, o)
		case pdu.MessageToUser:
			in.messages = append(in.messages, o.Message)
		case pdu.FilestoreRequest:
			in.requests = append(in.requests, o)
		}
	}
	if skipped := t.handlers.Override(overrides); skipped > 0 {
		t.log.WithFields(logrus.Fields{
			"function": "onMetadata",
			"skipped":  skipped,
		}).Warn("Ignoring fault handler overrides with invalid handler codes")
	}

	t.log.WithFields(logrus.Fields{
		"function":    "onMetadata",
		"source":      md.SourceFilename,
		"destination": md.DestinationFilename,
		"file_size":   md.FileSize,
		"checksum":    md.ChecksumType.String(),
		"closure":     md.ClosureRequested,
	}).Info("Metadata received")

	if in.destination {
		t.e.notify(MetadataReceived{
			Event:               t.event(),
			Source:              md.SourceID,
			FileSize:            md.FileSize,
			SourceFilename:      md.SourceFilename,
			DestinationFilename: md.DestinationFilename,
			MessagesToUser:      in.messages,
		})
	}

	if md.IsFileTransfer() {
		if in.buffer == nil {
			in.buffer = newReassembly()
		}
		c, err := t.e.checksums.New(md.ChecksumType)
		if err != nil {
			in.checksum = checksum.NewNull()
			in.buffer.replay(in.checksum)
			if t.declareFault(pdu.UnsupportedChecksumType, err) != fault.Ignore {
				return
			}
		} else {
			in.checksum = c
			in.buffer.replay(in.checksum)
		}
	}
	t.tryComplete()
}

func (t *Transaction) onFileData(fd *pdu.FileData) {
	in := t.in
	if in.completed || in.cancelled {
		return
	}
	if len(fd.Data) == 0 {
		t.log.WithFields(logrus.Fields{
			"function": "onFileData",
			"offset":   fd.Offset,
		}).Debug("Discarding empty FileData")
		return
	}
	if in.buffer == nil {
		in.buffer = newReassembly()
	}
	if !in.buffer.add(fd.Offset, fd.Data) {
		t.log.WithFields(logrus.Fields{
			"function": "onFileData",
			"offset":   fd.Offset,
		}).Debug("Discarding duplicate FileData")
		return
	}
	if in.checksum != nil {
		in.checksum.Update(fd.Data, fd.Offset)
	}
	end := fd.End()
	if end > t.progress {
		t.progress = end
	}

	if in.eof != nil && end > in.eof.FileSize {
		err := fmt.Errorf("segment ends at %d beyond declared size %d", end, in.eof.FileSize)
		if t.declareFault(pdu.FileSizeError, err) != fault.Ignore {
			return
		}
	}
	if in.destination && t.e.local.Indications.FileSegmentReceived {
		t.e.notify(FileSegmentReceived{Event: t.event(), Offset: fd.Offset, Length: len(fd.Data)})
	}
	t.tryComplete()
}

func (t *Transaction) onEOF(eof *pdu.EOF) {
	in := t.in
	if eof.Condition != pdu.NoError {
		t.onCancelEOF(eof)
		return
	}
	if t.mode == pdu.Acknowledged {
		t.ackEOF(eof)
	}
	if in.eof != nil || in.cancelled {
		t.log.WithField("function", "onEOF").Debug("Discarding duplicate EOF")
		return
	}
	in.eof = eof
	t.fileSize = eof.FileSize

	if t.progress > eof.FileSize {
		err := fmt.Errorf("received %d bytes beyond declared size %d", t.progress, eof.FileSize)
		if t.declareFault(pdu.FileSizeError, err) != fault.Ignore {
			return
		}
	}
	if in.destination && t.e.local.Indications.EOFReceived {
		t.e.notify(EOFReceived{Event: t.event(), FileSize: eof.FileSize})
	}
	t.tryComplete()

	if !in.completed && !in.cancelled && t.mode == pdu.Acknowledged && t.state == StateActive {
		t.sendNak()
		t.armNak()
	}
}

func (t *Transaction) onCancelEOF(eof *pdu.EOF) {
	in := t.in
	if t.mode == pdu.Acknowledged {
		t.ackEOF(eof)
	}
	if in.cancelled || in.finished != nil {
		return
	}
	t.log.WithFields(logrus.Fields{
		"function":  "onCancelEOF",
		"condition": eof.Condition.String(),
	}).Info("Sender cancelled transaction")
	t.cancelIncoming(eof.Condition)
}

func (t *Transaction) ackEOF(eof *pdu.EOF) {
	t.send(&pdu.Ack{
		Header:            t.header(pdu.TowardSender),
		Directive:         pdu.DirectiveEOF,
		Condition:         eof.Condition,
		TransactionStatus: pdu.StatusActive,
	})
}

// tryComplete is the reconstruction gate: once Metadata and a no-error EOF
// are present and the gap-free prefix covers the declared size, verify and
// store the file, then run the closure procedure.
func (t *Transaction) tryComplete() {
	in := t.in
	if in.completed || in.cancelled || in.metadata == nil || t.state.Terminal() {
		return
	}
	if !in.metadata.IsFileTransfer() {
		in.completed = true
		t.closeIncoming()
		return
	}
	if in.eof == nil || in.buffer == nil || in.buffer.prefix != in.eof.FileSize {
		return
	}
	in.completed = true
	t.stopTimer(nakTimer)

	if in.checksum.Type() != checksum.Null && in.checksum.Sum() != in.eof.Checksum {
		err := fmt.Errorf("computed checksum %#08x, declared %#08x", in.checksum.Sum(), in.eof.Checksum)
		if t.declareFault(pdu.FileChecksumFailure, err) != fault.Ignore {
			return
		}
	}

	t.store()
	if t.state.Terminal() || in.cancelled || t.state == StateSuspended {
		return
	}
	t.closeIncoming()
}

func (t *Transaction) store() {
	in := t.in
	name := in.metadata.DestinationFilename
	w, err := t.e.fs.WriteFile(name, filestore.Overwrite)
	if err == nil {
		err = in.buffer.writeTo(w, in.eof.FileSize)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"function": "store",
			"file":     name,
			"error":    err.Error(),
		}).Error("Writing received file failed")
		in.storeFailed = true
		t.declareFault(pdu.FilestoreRejection, err)
		return
	}
	in.stored = true
	t.log.WithFields(logrus.Fields{
		"function":  "store",
		"file":      name,
		"file_size": in.eof.FileSize,
	}).Info("Stored received file")
}

// closeIncoming is the receiver closure procedure: run filestore requests and
// send Finished when the sender asked for closure or the transaction is
// acknowledged.
func (t *Transaction) closeIncoming() {
	in := t.in
	fin := &pdu.Finished{
		Header:             t.header(pdu.TowardSender),
		Condition:          t.condition,
		Delivery:           t.delivery(),
		FileStatus:         t.fileStatus(),
		FilestoreResponses: t.runFilestoreRequests(),
	}
	if fin.Condition != pdu.NoError {
		loc := t.local
		fin.FaultLocation = &loc
	}

	if !in.destination || (!in.closure && t.mode != pdu.Acknowledged) {
		t.whenFlushed(func() { t.finishReceiver(fin) })
		return
	}
	in.finished = fin
	t.send(fin)
	if t.mode == pdu.Acknowledged {
		t.stopTimer(inactivityTimer)
		t.armAckFinished()
		return
	}
	t.whenFlushed(func() { t.finishReceiver(fin) })
}

func (t *Transaction) runFilestoreRequests() []pdu.FilestoreResponse {
	in := t.in
	if len(in.requests) == 0 {
		return nil
	}
	skip := in.cancelled || in.storeFailed || (in.metadata.IsFileTransfer() && !in.stored)
	out := make([]pdu.FilestoreResponse, 0, len(in.requests))
	for _, req := range in.requests {
		if skip {
			out = append(out, filestore.NotPerformed(req))
			continue
		}
		resp := filestore.Execute(t.e.fs, req)
		if resp.Status != pdu.FilestoreSuccess {
			skip = true
		}
		out = append(out, resp)
	}
	return out
}

func (t *Transaction) delivery() pdu.DeliveryCode {
	in := t.in
	if in.metadata != nil && !in.metadata.IsFileTransfer() {
		return pdu.DataComplete
	}
	if in.eof != nil && in.buffer != nil && in.buffer.prefix == in.eof.FileSize {
		return pdu.DataComplete
	}
	return pdu.DataIncomplete
}

func (t *Transaction) fileStatus() pdu.FileStatus {
	in := t.in
	switch {
	case in.stored:
		return pdu.FileRetained
	case in.storeFailed:
		return pdu.FileDiscardedFilestoreRejection
	case in.cancelled:
		return pdu.FileDiscardedDeliberately
	default:
		return pdu.FileStatusUnreported
	}
}

func (t *Transaction) finishReceiver(fin *pdu.Finished) {
	t.finish(fin.Condition, fin, t.e.local.Indications.TransactionFinished)
}

func (t *Transaction) onFinishedAck(ack *pdu.Ack) {
	in := t.in
	if ack.Directive != pdu.DirectiveFinished || in.finished == nil {
		return
	}
	t.stopTimer(ackTimer)
	t.finishReceiver(in.finished)
}

func (t *Transaction) armAckFinished() {
	t.armTimer(ackTimer, t.remote.AckTimerInterval, func() {
		if t.expired(ackTimer, t.remote.AckTimerLimit) {
			if t.declareFault(pdu.PositiveAckLimitReached, nil) != fault.Ignore {
				return
			}
		}
		t.send(t.in.finished)
		t.armAckFinished()
	})
}

func (t *Transaction) sendNak() {
	in := t.in
	if in.eof == nil {
		return
	}
	var segs []pdu.SegmentRequest
	if in.metadata == nil {
		segs = append(segs, pdu.SegmentRequest{})
	}
	if in.buffer != nil {
		segs = append(segs, in.buffer.missing(in.eof.FileSize)...)
	} else if in.eof.FileSize > 0 {
		segs = append(segs, pdu.SegmentRequest{Start: 0, End: in.eof.FileSize})
	}
	if len(segs) == 0 {
		return
	}
	if len(segs) > maxNakSegments {
		segs = segs[:maxNakSegments]
	}
	t.log.WithFields(logrus.Fields{
		"function": "sendNak",
		"segments": len(segs),
	}).Debug("Requesting missing data")
	t.send(&pdu.Nak{
		Header:       t.header(pdu.TowardSender),
		StartOfScope: 0,
		EndOfScope:   in.eof.FileSize,
		Segments:     segs,
	})
}

func (t *Transaction) armNak() {
	t.armTimer(nakTimer, t.remote.NakTimerInterval, func() {
		if t.in.completed || t.in.cancelled {
			return
		}
		if t.expired(nakTimer, t.remote.NakTimerLimit) {
			if t.declareFault(pdu.NakLimitReached, nil) != fault.Ignore {
				return
			}
		}
		t.sendNak()
		t.armNak()
	})
}

// cancelIncoming closes the receiver without storing the file. If Finished
// was already issued the transaction is abandoned instead.
func (t *Transaction) cancelIncoming(cc pdu.ConditionCode) {
	in := t.in
	if in.finished != nil {
		t.abandon(cc)
		return
	}
	in.cancelled = true
	in.completed = true
	t.condition = cc
	t.stopTimer(nakTimer)
	if t.state == StateSuspended {
		t.state = StateActive
	}
	t.closeIncoming()
}
