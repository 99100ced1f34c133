package entity

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/opd-ai/cfdp/transport"
	"github.com/sirupsen/logrus"
)

// Transaction is one Copy File procedure. Exactly one of out and in is set;
// the shared fields identify the transaction and drive its lifecycle.
// A Transaction is only touched from the entity's processing worker.
type Transaction struct {
	e        *Entity
	id       pdu.TransactionID
	role     Role
	local    pdu.EntityID
	remote   mib.RemoteEntity
	mode     pdu.TransmissionMode
	state    State
	created  time.Time
	handlers fault.HandlerMap

	condition pdu.ConditionCode
	progress  uint64
	fileSize  uint64
	largeFile bool
	segCtrl   bool

	queue     []pdu.PDU
	onFlushed func()
	attempts  int
	backoff   time.Duration
	timers    [numTimers]timerSlot

	log *logrus.Entry

	out *outgoing
	in  *incoming
}

func newTransaction(e *Entity, id pdu.TransactionID, role Role, remote mib.RemoteEntity, mode pdu.TransmissionMode) *Transaction {
	return &Transaction{
		e:        e,
		id:       id,
		role:     role,
		local:    e.local.ID,
		remote:   remote,
		mode:     mode,
		state:    StateCreated,
		created:  e.clock.Now(),
		handlers: e.local.FaultHandlers.Clone(),
		log: logrus.WithFields(logrus.Fields{
			"transaction": id.String(),
			"role":        role.String(),
			"remote":      remote.ID,
		}),
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() pdu.TransactionID { return t.id }

func (t *Transaction) activate() {
	if t.state != StateCreated {
		return
	}
	t.state = StateActive
	switch {
	case t.out != nil:
		t.activateOutgoing()
	case t.in != nil:
		t.activateIncoming()
	}
}

func (t *Transaction) handlePDU(p pdu.PDU) {
	if t.state.Terminal() {
		return
	}
	t.log.WithFields(logrus.Fields{
		"function": "handlePDU",
		"kind":     p.Kind().String(),
	}).Debug("Handling PDU")
	switch {
	case t.out != nil:
		t.handleOutgoingPDU(p)
	case t.in != nil:
		t.handleIncomingPDU(p)
	}
}

func (t *Transaction) status() Status {
	s := Status{
		Time:        t.e.clock.Now(),
		Transaction: t.id,
		Role:        t.role,
		Mode:        t.mode,
		Condition:   t.condition,
		State:       t.state,
		Progress:    t.progress,
		FileSize:    t.fileSize,
	}
	if t.role == RoleSender {
		s.Source, s.Destination = t.local, t.remote.ID
	} else {
		s.Source, s.Destination = t.remote.ID, t.local
	}
	return s
}

func (t *Transaction) event() Event {
	return Event{ID: uuid.New(), Time: t.e.clock.Now(), Transaction: t.id}
}

func (t *Transaction) header(dir pdu.Direction) pdu.Header {
	h := pdu.Header{
		Direction:           dir,
		Mode:                t.mode,
		CRC:                 t.remote.CRCRequired,
		LargeFile:           t.largeFile,
		SegmentationControl: t.segCtrl,
		SequenceNumber:      t.id.Sequence,
		SourceID:            t.id.Source,
	}
	if t.role == RoleSender {
		h.DestinationID = t.remote.ID
	} else {
		h.DestinationID = t.local
	}
	return h
}

// send queues p and flushes the queue.
func (t *Transaction) send(p pdu.PDU) {
	for _, q := range t.queue {
		if q == p {
			return
		}
	}
	t.queue = append(t.queue, p)
	t.flush()
}

// flush sends queued PDUs in order until the queue is empty or the binding
// rejects one. It reports whether the queue drained.
func (t *Transaction) flush() bool {
	if len(t.queue) == 0 {
		return true
	}
	tr := t.e.TransportByDestination(t.remote.ID)
	if tr == nil {
		t.log.WithField("function", "flush").Error("No transport bound for remote entity; dropping queued PDUs")
		t.queue = nil
		return t.drained()
	}
	for len(t.queue) > 0 {
		p := t.queue[0]
		if err := tr.Request(p); err != nil {
			if errors.Is(err, transport.ErrRejected) {
				t.rejected(err)
				return false
			}
			t.log.WithFields(logrus.Fields{
				"function": "flush",
				"kind":     p.Kind().String(),
				"error":    err.Error(),
			}).Error("Transport failed; dropping PDU")
		}
		t.queue[0] = nil
		t.queue = t.queue[1:]
	}
	return t.drained()
}

func (t *Transaction) drained() bool {
	t.attempts = 0
	t.backoff = 0
	t.stopTimer(retryTimer)
	if fn := t.onFlushed; fn != nil {
		t.onFlushed = nil
		fn()
	}
	return true
}

// whenFlushed runs fn once every queued PDU has been handed to the binding.
func (t *Transaction) whenFlushed(fn func()) {
	if len(t.queue) == 0 {
		fn()
		return
	}
	t.onFlushed = fn
}

// rejected handles backpressure: retry with exponential backoff and escalate
// after MaxSendAttempts consecutive rejections.
func (t *Transaction) rejected(err error) {
	t.attempts++
	t.log.WithFields(logrus.Fields{
		"function": "rejected",
		"attempts": t.attempts,
		"queued":   len(t.queue),
		"error":    err.Error(),
	}).Debug("Transport rejected PDU")

	if t.remote.MaxSendAttempts > 0 && t.attempts > t.remote.MaxSendAttempts {
		t.attempts = 0
		if t.declareFault(pdu.InactivityDetected, err) != fault.Ignore {
			return
		}
	}

	switch {
	case t.backoff == 0:
		t.backoff = t.remote.SendRetryInitial
	case t.backoff < t.remote.SendRetryMax:
		t.backoff *= 2
		if t.backoff > t.remote.SendRetryMax {
			t.backoff = t.remote.SendRetryMax
		}
	}
	if t.timers[retryTimer].timer == nil {
		t.armTimer(retryTimer, t.backoff, t.retry)
	}
}

// retry flushes the queue and resumes segmentation.
func (t *Transaction) retry() {
	if t.state != StateActive {
		return
	}
	if t.flush() && t.out != nil {
		t.scheduleSegment()
	}
}

// declareFault routes a fault through the handler policy and returns the
// handler that was applied.
func (t *Transaction) declareFault(cc pdu.ConditionCode, err error) fault.Handler {
	h := t.handlers.Handler(cc)
	t.condition = cc
	f := &fault.Fault{
		Transaction: t.id,
		Condition:   cc,
		Handler:     h,
		Progress:    t.progress,
		Location:    t.local,
		Err:         err,
	}
	t.log.WithFields(logrus.Fields{
		"function":  "declareFault",
		"condition": cc.String(),
		"handler":   h.String(),
		"progress":  t.progress,
	}).Warn("Fault declared")
	t.e.notify(FaultDeclared{Event: t.event(), Fault: f})

	switch h {
	case fault.Cancel:
		t.cancel(cc)
	case fault.Suspend:
		t.suspend(cc)
	case fault.Abandon:
		t.abandon(cc)
	}
	return h
}

func (t *Transaction) cancel(cc pdu.ConditionCode) {
	if t.state.Terminal() {
		return
	}
	t.log.WithFields(logrus.Fields{
		"function":  "cancel",
		"condition": cc.String(),
	}).Info("Notice of cancellation")
	switch {
	case t.out != nil:
		t.cancelOutgoing(cc)
	case t.in != nil:
		t.cancelIncoming(cc)
	}
}

func (t *Transaction) suspend(cc pdu.ConditionCode) {
	if t.state != StateActive {
		return
	}
	t.state = StateSuspended
	t.condition = cc
	t.pauseTimers()
	t.log.WithFields(logrus.Fields{
		"function":  "suspend",
		"condition": cc.String(),
	}).Info("Transaction suspended")
	if t.e.local.Indications.Suspended {
		t.e.notify(Suspended{Event: t.event(), Condition: cc})
	}
}

func (t *Transaction) resume() {
	if t.state != StateSuspended {
		return
	}
	t.state = StateActive
	t.log.WithField("function", "resume").Info("Transaction resumed")
	if t.e.local.Indications.Resumed {
		t.e.notify(Resumed{Event: t.event(), Progress: t.progress})
	}
	t.resumeTimers()
	t.retry()
}

func (t *Transaction) abandon(cc pdu.ConditionCode) {
	if t.state.Terminal() {
		return
	}
	t.state = StateAbandoned
	t.condition = cc
	t.stopTimers()
	t.queue = nil
	t.log.WithFields(logrus.Fields{
		"function":  "abandon",
		"condition": cc.String(),
		"progress":  t.progress,
	}).Warn("Transaction abandoned")
	t.e.notify(Abandoned{Event: t.event(), Condition: cc, Progress: t.progress})
	t.e.remove(t)
}

// finish closes the transaction. fin carries the delivery outcome reported
// by the receiving side; it may be nil.
func (t *Transaction) finish(cc pdu.ConditionCode, fin *pdu.Finished, notify bool) {
	if t.state.Terminal() {
		return
	}
	t.state = StateClosed
	t.condition = cc
	t.stopTimers()
	t.log.WithFields(logrus.Fields{
		"function":  "finish",
		"condition": cc.String(),
		"progress":  t.progress,
	}).Info("Transaction finished")

	if notify {
		ind := TransactionFinished{Event: t.event(), Condition: cc, Status: t.status()}
		if fin != nil {
			ind.Delivery = fin.Delivery
			ind.FileStatus = fin.FileStatus
			ind.FilestoreResponses = fin.FilestoreResponses
		} else {
			ind.FileStatus = pdu.FileStatusUnreported
		}
		t.e.notify(ind)
	}
	t.e.remove(t)
}

// dispose releases the transaction without further indications.
func (t *Transaction) dispose() {
	t.stopTimers()
	t.queue = nil
	t.state = StateDisposed
}

// touch restarts the inactivity timer if it is running.
func (t *Transaction) touch() {
	t.restartTimer(inactivityTimer)
}

func (t *Transaction) armInactivity() {
	t.armTimer(inactivityTimer, t.remote.InactivityTimeout, func() {
		if t.declareFault(pdu.InactivityDetected, nil) == fault.Ignore {
			t.armInactivity()
		}
	})
}
