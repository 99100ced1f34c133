package entity

import (
	"errors"
	"math"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
)

// outgoing is the sender side of a Copy File transaction.
type outgoing struct {
	req      PutRequest
	closure  bool
	checksum checksum.Checksum
	// negotiation records a checksum negotiation failure for the EOF.
	negotiation pdu.ConditionCode

	provider     SegmentProvider
	scheduled    bool
	maxSegment   int
	metadata     *pdu.Metadata
	eof          *pdu.EOF
	eofAcked     bool
	cancelling   bool
	awaitClosure bool
}

func (t *Transaction) activateOutgoing() {
	o := t.out
	log := t.log.WithField("function", "activateOutgoing")

	o.maxSegment = t.remote.MaxFileSegmentLength
	o.checksum = t.negotiateChecksum()
	if t.state.Terminal() || o.cancelling {
		return
	}

	if o.req.IsFileTransfer() {
		size, err := t.sourceFileSize()
		if err != nil {
			log.WithField("error", err.Error()).Error("Cannot determine source file size")
			t.declareFault(pdu.FilestoreRejection, err)
			// Nothing can be sent from a file that cannot be read.
			t.cancel(pdu.FilestoreRejection)
			return
		}
		t.fileSize = size
		t.largeFile = size > math.MaxUint32
	}

	o.metadata = t.buildMetadata()
	log.WithFields(logrus.Fields{
		"source":      o.req.SourceFilename,
		"destination": o.req.DestinationFilename,
		"file_size":   t.fileSize,
		"mode":        t.mode.String(),
		"closure":     o.closure,
		"checksum":    o.checksum.Type().String(),
	}).Info("Starting outgoing transaction")
	t.send(o.metadata)

	if !o.req.IsFileTransfer() {
		t.evaluateClosure()
		return
	}
	factory := t.e.segmentProviders[t.remote.ID]
	if factory == nil {
		factory = FixedSegments
	}
	o.provider = factory(t.e.fs, o.req.SourceFilename, t.fileSize, o.maxSegment)
	t.scheduleSegment()
}

// negotiateChecksum picks the remote entity's preferred algorithm, falling
// back to the modular checksum with a single fault when it is unavailable.
func (t *Transaction) negotiateChecksum() checksum.Checksum {
	c, err := t.e.checksums.New(t.remote.ChecksumType)
	if err == nil {
		return c
	}
	t.out.negotiation = pdu.UnsupportedChecksumType
	t.declareFault(pdu.UnsupportedChecksumType, err)
	return checksum.NewModular()
}

func (t *Transaction) sourceFileSize() (uint64, error) {
	name := t.out.req.SourceFilename
	unbounded, err := t.e.fs.IsUnboundedFile(name)
	if err != nil {
		return 0, err
	}
	if unbounded {
		return 0, nil
	}
	return t.e.fs.FileSize(name)
}

func (t *Transaction) buildMetadata() *pdu.Metadata {
	o := t.out
	md := &pdu.Metadata{
		Header:              t.header(pdu.TowardReceiver),
		ClosureRequested:    o.closure,
		ChecksumType:        o.checksum.Type(),
		FileSize:            t.fileSize,
		SourceFilename:      o.req.SourceFilename,
		DestinationFilename: o.req.DestinationFilename,
	}
	for _, fr := range o.req.FilestoreRequests {
		md.Options = append(md.Options, fr)
	}
	for _, msg := range o.req.MessagesToUser {
		md.Options = append(md.Options, pdu.MessageToUser{Message: msg})
	}
	for _, fh := range o.req.FaultHandlerOverrides {
		md.Options = append(md.Options, fh)
	}
	if len(o.req.FlowLabel) > 0 {
		md.Options = append(md.Options, pdu.FlowLabel{Label: o.req.FlowLabel})
	}
	return md
}

// scheduleSegment queues the next segmentation step on the processing
// worker unless one is already pending.
func (t *Transaction) scheduleSegment() {
	o := t.out
	if o.scheduled || o.provider == nil || o.eof != nil {
		return
	}
	o.scheduled = true
	t.e.processing.submit(t.sendFileSegment)
}

// sendFileSegment is one step of the segmentation cursor: it emits at most
// one FileData PDU, or the EOF once the provider is exhausted.
func (t *Transaction) sendFileSegment() {
	o := t.out
	o.scheduled = false
	if t.state != StateActive || o.eof != nil || len(t.queue) > 0 {
		return
	}

	seg, done, err := o.provider.Next()
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"function": "sendFileSegment",
			"offset":   t.progress,
			"error":    err.Error(),
		}).Error("Reading file segment failed")
		if t.declareFault(pdu.FilestoreRejection, err) == fault.Ignore {
			t.cancel(pdu.FilestoreRejection)
		}
		return
	}
	if done {
		t.sendEOF()
		return
	}
	if len(seg.Data) == 0 {
		t.log.WithFields(logrus.Fields{
			"function": "sendFileSegment",
			"offset":   seg.Offset,
		}).Debug("Skipping empty segment")
		t.scheduleSegment()
		return
	}

	o.checksum.Update(seg.Data, seg.Offset)
	if end := seg.Offset + uint64(len(seg.Data)); end > t.progress {
		t.progress = end
	}
	t.send(&pdu.FileData{Header: t.header(pdu.TowardReceiver), Offset: seg.Offset, Data: seg.Data})
	t.scheduleSegment()
}

func (t *Transaction) sendEOF() {
	o := t.out
	if t.fileSize == 0 {
		t.fileSize = t.progress
	}
	o.eof = &pdu.EOF{
		Header:    t.header(pdu.TowardReceiver),
		Condition: o.negotiation,
		Checksum:  o.checksum.Sum(),
		FileSize:  t.fileSize,
	}
	if o.negotiation != pdu.NoError {
		loc := t.local
		o.eof.FaultLocation = &loc
	}
	t.log.WithFields(logrus.Fields{
		"function":  "sendEOF",
		"checksum":  o.eof.Checksum,
		"file_size": o.eof.FileSize,
		"condition": o.eof.Condition.String(),
	}).Debug("Sending EOF")
	t.send(o.eof)
	if t.e.local.Indications.EOFSent {
		t.e.notify(EOFSent{Event: t.event()})
	}
	t.evaluateClosure()
}

// evaluateClosure decides how the sender waits for the transaction to end.
func (t *Transaction) evaluateClosure() {
	o := t.out
	switch {
	case t.mode == pdu.Unacknowledged && !o.closure:
		t.whenFlushed(func() { t.finish(t.closingCondition(), nil, true) })
	case t.mode == pdu.Acknowledged && o.eof != nil && !o.eofAcked:
		t.armAckEOF()
	case t.mode == pdu.Acknowledged:
		o.awaitClosure = true
		t.armInactivity()
	default:
		o.awaitClosure = true
		t.armCheck()
	}
}

func (t *Transaction) closingCondition() pdu.ConditionCode {
	if t.out != nil && t.out.negotiation != pdu.NoError {
		return t.out.negotiation
	}
	return t.condition
}

func (t *Transaction) armAckEOF() {
	t.armTimer(ackTimer, t.remote.AckTimerInterval, func() {
		o := t.out
		if t.expired(ackTimer, t.remote.AckTimerLimit) {
			if o.cancelling {
				t.abandon(pdu.PositiveAckLimitReached)
				return
			}
			if t.declareFault(pdu.PositiveAckLimitReached, nil) != fault.Ignore {
				return
			}
		}
		t.log.WithField("function", "armAckEOF").Debug("Ack timer expired; resending EOF")
		t.send(o.eof)
		t.armAckEOF()
	})
}

func (t *Transaction) armCheck() {
	t.armTimer(checkTimer, t.remote.CheckTimerInterval, func() {
		if t.expired(checkTimer, t.remote.CheckTimerLimit) {
			if t.declareFault(pdu.CheckLimitReached, nil) != fault.Ignore {
				return
			}
		}
		t.armCheck()
	})
}

func (t *Transaction) handleOutgoingPDU(p pdu.PDU) {
	t.touch()
	switch v := p.(type) {
	case *pdu.Ack:
		t.onAck(v)
	case *pdu.Finished:
		t.onFinished(v)
	case *pdu.Nak:
		t.onNak(v)
	default:
		t.log.WithFields(logrus.Fields{
			"function": "handleOutgoingPDU",
			"kind":     p.Kind().String(),
		}).Debug("Ignoring PDU not expected by sender")
	}
}

func (t *Transaction) onAck(ack *pdu.Ack) {
	o := t.out
	if ack.Directive != pdu.DirectiveEOF || o.eof == nil || o.eofAcked {
		return
	}
	o.eofAcked = true
	t.stopTimer(ackTimer)
	if o.cancelling {
		t.finish(t.condition, nil, true)
		return
	}
	o.awaitClosure = true
	t.armInactivity()
}

func (t *Transaction) onFinished(fin *pdu.Finished) {
	if t.mode == pdu.Acknowledged {
		t.send(&pdu.Ack{
			Header:            t.header(pdu.TowardReceiver),
			Directive:         pdu.DirectiveFinished,
			Condition:         fin.Condition,
			TransactionStatus: pdu.StatusTerminated,
		})
	}
	cc := fin.Condition
	if cc == pdu.NoError {
		cc = t.closingCondition()
	}
	t.log.WithFields(logrus.Fields{
		"function":    "onFinished",
		"condition":   fin.Condition.String(),
		"delivery":    fin.Delivery,
		"file_status": fin.FileStatus,
	}).Debug("Received Finished")
	t.whenFlushed(func() { t.finish(cc, fin, true) })
}

// onNak retransmits the requested ranges, re-reading them from the filestore.
func (t *Transaction) onNak(nak *pdu.Nak) {
	o := t.out
	if o.cancelling {
		return
	}
	for _, seg := range nak.Segments {
		if seg.IsMetadataRequest() {
			t.send(o.metadata)
			continue
		}
		if !o.req.IsFileTransfer() {
			continue
		}
		end := seg.End
		if end > t.fileSize {
			t.log.WithFields(logrus.Fields{
				"function":  "onNak",
				"end":       end,
				"file_size": t.fileSize,
			}).Debug("Clamping NAK range to file size")
			end = t.fileSize
		}
		for off := seg.Start; off < end; {
			n := uint64(o.maxSegment)
			if end-off < n {
				n = end - off
			}
			data, err := t.e.fs.ReadFile(o.req.SourceFilename, off, int(n))
			if err != nil || len(data) == 0 {
				if err == nil {
					err = errors.New("requested range beyond end of file")
				}
				t.log.WithFields(logrus.Fields{
					"function": "onNak",
					"offset":   off,
					"error":    err.Error(),
				}).Error("Cannot re-read requested range")
				t.declareFault(pdu.FilestoreRejection, err)
				return
			}
			t.send(&pdu.FileData{Header: t.header(pdu.TowardReceiver), Offset: off, Data: data})
			off += uint64(len(data))
		}
	}
	if o.eof != nil && !o.eofAcked {
		t.restartTimer(ackTimer)
	}
}

// cancelOutgoing sends an EOF carrying the cancellation condition. In
// acknowledged mode the sender waits for its Ack before closing.
func (t *Transaction) cancelOutgoing(cc pdu.ConditionCode) {
	o := t.out
	if o.cancelling {
		return
	}
	o.cancelling = true
	t.condition = cc
	t.stopTimers()
	if t.state == StateSuspended {
		t.state = StateActive
	}

	kept := t.queue[:0]
	for _, p := range t.queue {
		if p.Kind() != pdu.KindFileData {
			kept = append(kept, p)
		}
	}
	t.queue = kept

	var sum uint32
	if o.checksum != nil {
		sum = o.checksum.Sum()
	}
	loc := t.local
	o.eof = &pdu.EOF{
		Header:        t.header(pdu.TowardReceiver),
		Condition:     cc,
		Checksum:      sum,
		FileSize:      t.progress,
		FaultLocation: &loc,
	}
	o.eofAcked = false
	t.send(o.eof)

	if t.mode == pdu.Acknowledged {
		t.armAckEOF()
		return
	}
	t.whenFlushed(func() { t.finish(cc, nil, true) })
}
