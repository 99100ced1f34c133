package transport

import (
	"errors"
	"sync"

	"github.com/opd-ai/cfdp/pdu"
)

var (
	// ErrRejected indicates the binding cannot accept a PDU right now. The
	// caller keeps the PDU and retries on the next transmission opportunity.
	ErrRejected = errors.New("transport: request rejected")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrUnknownPeer indicates no address is bound for a remote entity.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// Subscriber receives inbound PDUs and transmission window changes.
type Subscriber interface {
	// HandlePDU is called once per inbound PDU.
	HandlePDU(p pdu.PDU)

	// TransmissionOpportunity is called at period boundaries; open reports
	// whether Request is expected to succeed.
	TransmissionOpportunity(open bool)
}

// Transport is the UT layer binding used by an entity.
type Transport interface {
	// Name is the binding name remote entities refer to.
	Name() string

	// Register adds a subscriber for inbound PDUs.
	Register(sub Subscriber)

	// Request transmits p. Errors wrapping ErrRejected are backpressure.
	Request(p pdu.PDU) error

	// Close shuts the binding down.
	Close() error
}

// RemoteOf returns the entity on the far side of p from the point of view of
// the entity sending it.
func RemoteOf(p pdu.PDU) pdu.EntityID {
	h := p.PDUHeader()
	if h.Direction == pdu.TowardReceiver {
		return h.DestinationID
	}
	return h.SourceID
}

// subscribers is the fan-out list shared by the bindings.
type subscribers struct {
	mu   sync.RWMutex
	list []Subscriber
}

func (s *subscribers) add(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, sub)
}

func (s *subscribers) snapshot() []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Subscriber(nil), s.list...)
}

func (s *subscribers) deliver(p pdu.PDU) {
	for _, sub := range s.snapshot() {
		sub.HandlePDU(p)
	}
}

func (s *subscribers) opportunity(open bool) {
	for _, sub := range s.snapshot() {
		sub.TransmissionOpportunity(open)
	}
}

// roundTrip passes p through the binary codec so receivers never share memory
// with senders.
func roundTrip(p pdu.PDU) (pdu.PDU, error) {
	data, err := pdu.Encode(p)
	if err != nil {
		return nil, err
	}
	return pdu.Decode(data)
}
