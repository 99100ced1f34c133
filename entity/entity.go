package entity

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/filestore"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/opd-ai/cfdp/transport"
	"github.com/sirupsen/logrus"
)

// recentLimit bounds how many finished transaction ids are remembered so late
// duplicates do not open new transactions.
const recentLimit = 1024

// Entity is a CFDP entity. It owns its bindings, the live transaction table
// and two workers: one serializing all protocol processing and one
// delivering indications to observers.
type Entity struct {
	mib       mib.MIB
	local     mib.LocalEntity
	fs        filestore.Filestore
	checksums *checksum.Registry
	clock     TimeProvider

	segmentProviders map[pdu.EntityID]SegmentProviderFactory
	sequenceStart    uint64

	processing    *worker
	notifications *worker
	disposed      atomic.Bool

	mu         sync.RWMutex
	transports map[string]transport.Transport
	observers  []Observer

	// Owned by the processing worker.
	transactions map[tableKey]*Transaction
	nextSequence uint64
	recent       map[tableKey]struct{}
	recentOrder  []tableKey
}

// tableKey includes the role so an entity can send a file to itself.
type tableKey struct {
	id   pdu.TransactionID
	role Role
}

// Option configures an Entity.
type Option func(*Entity)

// WithTimeProvider replaces the clock used for timers and timestamps.
func WithTimeProvider(tp TimeProvider) Option {
	return func(e *Entity) {
		if tp != nil {
			e.clock = tp
		}
	}
}

// WithSequenceStart sets the first transaction sequence number, so a
// restarted entity can avoid reusing ids still known to its peers.
func WithSequenceStart(n uint64) Option {
	return func(e *Entity) { e.sequenceStart = n }
}

// WithSegmentProvider installs a custom segmentation strategy for transfers
// to one remote entity.
func WithSegmentProvider(dest pdu.EntityID, f SegmentProviderFactory) Option {
	return func(e *Entity) { e.segmentProviders[dest] = f }
}

// WithChecksumRegistry replaces the default checksum registry.
func WithChecksumRegistry(r *checksum.Registry) Option {
	return func(e *Entity) {
		if r != nil {
			e.checksums = r
		}
	}
}

// New creates an entity using m for policy and fs for file access.
func New(m mib.MIB, fs filestore.Filestore, opts ...Option) *Entity {
	e := &Entity{
		mib:              m,
		local:            m.Local(),
		fs:               fs,
		checksums:        checksum.DefaultRegistry(),
		clock:            RealTimeProvider{},
		segmentProviders: make(map[pdu.EntityID]SegmentProviderFactory),
		transports:       make(map[string]transport.Transport),
		transactions:     make(map[tableKey]*Transaction),
		recent:           make(map[tableKey]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.nextSequence = e.sequenceStart
	e.processing = newWorker(fmt.Sprintf("entity-%d-processing", e.local.ID))
	e.notifications = newWorker(fmt.Sprintf("entity-%d-notifications", e.local.ID))

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"entity":         e.local.ID,
		"sequence_start": e.sequenceStart,
	}).Info("Entity created")
	return e
}

// ID returns the local entity id.
func (e *Entity) ID() pdu.EntityID { return e.local.ID }

// AddTransport binds tr under its name and subscribes the entity to it.
func (e *Entity) AddTransport(tr transport.Transport) {
	e.mu.Lock()
	e.transports[tr.Name()] = tr
	e.mu.Unlock()
	tr.Register(e)
}

// Subscribe adds an observer for indications.
func (e *Entity) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// TransportByName returns the binding registered under name, or nil.
func (e *Entity) TransportByName(name string) transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transports[name]
}

// TransportByDestination resolves the binding for a remote entity through
// its MIB entry. With a single binding registered, that binding is used for
// remotes without an entry.
func (e *Entity) TransportByDestination(id pdu.EntityID) transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if remote, ok := e.mib.Remote(id); ok {
		if tr, ok := e.transports[remote.Binding]; ok {
			return tr
		}
	}
	if len(e.transports) == 1 {
		for _, tr := range e.transports {
			return tr
		}
	}
	return nil
}

// Request submits a request for processing on the entity's worker.
func (e *Entity) Request(req Request) error {
	if e.disposed.Load() || !e.processing.submit(func() { e.dispatchRequest(req) }) {
		logrus.WithFields(logrus.Fields{
			"function": "Request",
			"entity":   e.local.ID,
			"request":  fmt.Sprintf("%T", req),
		}).Warn("Request submitted to disposed entity")
		return ErrDisposed
	}
	return nil
}

// Put starts a transaction and returns its id once the transaction exists.
func (e *Entity) Put(req PutRequest) (pdu.TransactionID, error) {
	var id pdu.TransactionID
	var err error
	if derr := e.do(func() { id, err = e.startPut(req) }); derr != nil {
		return pdu.TransactionID{}, derr
	}
	return id, err
}

// Cancel requests cancellation of a transaction.
func (e *Entity) Cancel(id pdu.TransactionID) error { return e.Request(CancelRequest{Transaction: id}) }

// Suspend requests suspension of a transaction.
func (e *Entity) Suspend(id pdu.TransactionID) error { return e.Request(SuspendRequest{Transaction: id}) }

// Resume requests resumption of a transaction.
func (e *Entity) Resume(id pdu.TransactionID) error { return e.Request(ResumeRequest{Transaction: id}) }

// Status returns a snapshot of a live transaction.
func (e *Entity) Status(id pdu.TransactionID) (Status, error) {
	var s Status
	var err error
	derr := e.do(func() {
		t := e.find(id)
		if t == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
			return
		}
		s = t.status()
	})
	if derr != nil {
		return Status{}, derr
	}
	return s, err
}

// Transactions returns snapshots of all live transactions ordered by id.
func (e *Entity) Transactions() ([]Status, error) {
	var out []Status
	err := e.do(func() {
		for _, t := range e.transactions {
			out = append(out, t.status())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Transaction, out[j].Transaction
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return out[i].Role < out[j].Role
	})
	return out, err
}

// do runs fn on the processing worker and waits for it. It must not be
// called from the processing worker.
func (e *Entity) do(fn func()) error {
	done := make(chan struct{})
	if e.disposed.Load() || !e.processing.submit(func() { defer close(done); fn() }) {
		return ErrDisposed
	}
	<-done
	return nil
}

// HandlePDU receives inbound PDUs from the bindings.
func (e *Entity) HandlePDU(p pdu.PDU) {
	if !e.processing.submit(func() { e.dispatchPDU(p) }) {
		logrus.WithFields(logrus.Fields{
			"function": "HandlePDU",
			"entity":   e.local.ID,
		}).Debug("Dropping PDU received after dispose")
	}
}

// TransmissionOpportunity retries queued PDUs when a binding opens.
func (e *Entity) TransmissionOpportunity(open bool) {
	if !open {
		return
	}
	e.processing.submit(func() {
		for _, t := range e.transactions {
			if len(t.queue) > 0 {
				t.retry()
			}
		}
	})
}

// Idle reports whether the processing worker has nothing queued or running.
func (e *Entity) Idle() bool { return e.processing.idle() && e.notifications.idle() }

// Dispose stops accepting work, releases every live transaction without
// further indications and stops both workers. It must not be called from an
// observer or any other code running on the entity's workers.
func (e *Entity) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.processing.submit(func() {
		for key, t := range e.transactions {
			t.log.WithField("function", "Dispose").Info("Releasing live transaction")
			t.dispose()
			delete(e.transactions, key)
		}
	})
	e.processing.stop()
	e.notifications.stop()
	logrus.WithFields(logrus.Fields{
		"function": "Dispose",
		"entity":   e.local.ID,
	}).Info("Entity disposed")
}

func (e *Entity) afterFunc(d time.Duration, fn func()) Timer {
	return e.clock.AfterFunc(d, func() { e.processing.submit(fn) })
}

func (e *Entity) dispatchRequest(req Request) {
	log := logrus.WithFields(logrus.Fields{
		"function": "dispatchRequest",
		"entity":   e.local.ID,
	})
	switch r := req.(type) {
	case PutRequest:
		if _, err := e.startPut(r); err != nil {
			log.WithField("error", err.Error()).Warn("Put request rejected")
		}
	case CancelRequest:
		if t := e.lookup(r.Transaction, log); t != nil {
			t.cancel(pdu.CancelRequestReceived)
		}
	case SuspendRequest:
		if t := e.lookup(r.Transaction, log); t != nil {
			t.suspend(pdu.SuspendRequestReceived)
		}
	case ResumeRequest:
		if t := e.lookup(r.Transaction, log); t != nil {
			t.resume()
		}
	case ReportRequest:
		if t := e.lookup(r.Transaction, log); t != nil {
			e.notify(Report{Event: t.event(), Status: t.status()})
		}
	default:
		log.WithField("request", fmt.Sprintf("%T", req)).Error("Unhandled request kind; this is a defect")
	}
}

func (e *Entity) lookup(id pdu.TransactionID, log *logrus.Entry) *Transaction {
	t := e.find(id)
	if t == nil {
		log.WithField("transaction", id.String()).Warn("Request for unknown transaction")
	}
	return t
}

// find returns the live transaction with id, preferring the sending side.
func (e *Entity) find(id pdu.TransactionID) *Transaction {
	if t, ok := e.transactions[tableKey{id, RoleSender}]; ok {
		return t
	}
	return e.transactions[tableKey{id, RoleReceiver}]
}

func (e *Entity) startPut(req PutRequest) (pdu.TransactionID, error) {
	if err := req.validate(); err != nil {
		return pdu.TransactionID{}, err
	}
	remote, ok := e.mib.Remote(req.Destination)
	if !ok {
		return pdu.TransactionID{}, fmt.Errorf("%w: %d", mib.ErrUnknownRemote, req.Destination)
	}
	if e.TransportByDestination(req.Destination) == nil {
		return pdu.TransactionID{}, fmt.Errorf("%w: %d", ErrNoTransport, req.Destination)
	}
	mode := remote.DefaultMode
	if req.Mode != nil {
		mode = *req.Mode
	}
	if mode == pdu.Acknowledged && !remote.AcknowledgedModeSupported {
		return pdu.TransactionID{}, fmt.Errorf("%w: %d", ErrUnsupportedMode, req.Destination)
	}
	closure := remote.ClosureRequested
	if req.ClosureRequested != nil {
		closure = *req.ClosureRequested
	}

	id := pdu.TransactionID{Source: e.local.ID, Sequence: e.nextSequence}
	e.nextSequence++

	t := newTransaction(e, id, RoleSender, remote, mode)
	t.segCtrl = req.SegmentationControl
	t.handlers.Override(req.FaultHandlerOverrides)
	t.out = &outgoing{req: req, closure: closure}
	e.add(t)
	t.activate()
	return id, nil
}

func (e *Entity) add(t *Transaction) {
	e.transactions[tableKey{t.id, t.role}] = t
	e.notify(TransactionCreated{Event: t.event(), Role: t.role, Remote: t.remote.ID})
}

func (e *Entity) remove(t *Transaction) {
	key := tableKey{t.id, t.role}
	delete(e.transactions, key)
	t.dispose()
	if _, ok := e.recent[key]; ok {
		return
	}
	e.recent[key] = struct{}{}
	e.recentOrder = append(e.recentOrder, key)
	if len(e.recentOrder) > recentLimit {
		delete(e.recent, e.recentOrder[0])
		e.recentOrder = e.recentOrder[1:]
	}
}

func (e *Entity) dispatchPDU(p pdu.PDU) {
	h := p.PDUHeader()
	id := h.TransactionID()
	log := logrus.WithFields(logrus.Fields{
		"function":    "dispatchPDU",
		"entity":      e.local.ID,
		"transaction": id.String(),
		"kind":        p.Kind().String(),
	})

	toReceiver := h.Direction == pdu.TowardReceiver
	if (toReceiver && h.DestinationID != e.local.ID) || (!toReceiver && h.SourceID != e.local.ID) {
		log.Debug("Dropping PDU addressed to another entity")
		return
	}

	key := tableKey{id, RoleReceiver}
	if !toReceiver {
		key.role = RoleSender
	}
	if t, ok := e.transactions[key]; ok {
		t.handlePDU(p)
		return
	}
	if _, done := e.recent[key]; done {
		e.answerFinished(p, log)
		return
	}
	if !toReceiver {
		e.answerFinished(p, log)
		return
	}
	switch p.Kind() {
	case pdu.KindMetadata, pdu.KindFileData, pdu.KindEOF:
	default:
		log.Debug("Dropping PDU for unknown transaction")
		return
	}

	remote, ok := e.mib.Remote(h.SourceID)
	if !ok {
		remote = mib.DefaultRemote(h.SourceID)
	}
	t := newTransaction(e, id, RoleReceiver, remote, h.Mode)
	t.largeFile = h.LargeFile
	t.segCtrl = h.SegmentationControl
	t.in = &incoming{destination: h.DestinationID == e.local.ID}
	log.Info("Opening incoming transaction")
	e.add(t)
	t.activate()
	t.handlePDU(p)
}

// answerFinished acknowledges directives for transactions that are already
// closed, so a peer whose acknowledgement was lost can close too.
func (e *Entity) answerFinished(p pdu.PDU, log *logrus.Entry) {
	h := *p.PDUHeader()
	if h.Mode != pdu.Acknowledged {
		log.Debug("Dropping PDU for finished transaction")
		return
	}
	var ack *pdu.Ack
	switch v := p.(type) {
	case *pdu.Finished:
		h.Direction = pdu.TowardReceiver
		ack = &pdu.Ack{Header: h, Directive: pdu.DirectiveFinished, Condition: v.Condition}
	case *pdu.EOF:
		h.Direction = pdu.TowardSender
		ack = &pdu.Ack{Header: h, Directive: pdu.DirectiveEOF, Condition: v.Condition}
	default:
		log.Debug("Dropping PDU for finished transaction")
		return
	}
	ack.TransactionStatus = pdu.StatusTerminated
	tr := e.TransportByDestination(transport.RemoteOf(ack))
	if tr == nil {
		return
	}
	if err := tr.Request(ack); err != nil {
		log.WithField("error", err.Error()).Debug("Could not acknowledge finished transaction")
	}
}

// notify delivers ind to every observer on the notification worker. An
// observer that fails or panics does not affect the others.
func (e *Entity) notify(ind Indication) {
	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()
	if len(observers) == 0 {
		return
	}
	e.notifications.submit(func() {
		for _, o := range observers {
			deliver(o, ind)
		}
	})
}

func deliver(o Observer, ind Indication) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "deliver",
				"indication": ind.Kind().String(),
				"panic":      r,
			}).Error("Observer panicked")
		}
	}()
	if err := o.Notify(ind); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deliver",
			"indication": ind.Kind().String(),
			"error":      err.Error(),
		}).Warn("Observer failed")
	}
}
