package transport

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
)

// LinkConfig controls the impairments of an in-memory Link.
type LinkConfig struct {
	// LossRate is the probability a PDU is silently dropped.
	LossRate float64
	// DuplicateRate is the probability a PDU is delivered twice.
	DuplicateRate float64
	// ReorderRate is the probability a PDU is held back and delivered after
	// the next one.
	ReorderRate float64
	// Capacity is the number of PDUs accepted per transmission window; zero
	// is unlimited. Requests beyond it are rejected until Open is called.
	Capacity int
	// Seed makes impairments reproducible.
	Seed int64
}

// LinkStats counts what a Link did with the PDUs it was given.
type LinkStats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
	Reordered  int
	Rejected   int
}

// Link joins two in-memory endpoints. Delivery is synchronous: a successful
// Request has already called the peer's subscribers when it returns.
type Link struct {
	mu     sync.Mutex
	cfg    LinkConfig
	rng    *rand.Rand
	a, b   *Endpoint
	paused bool
	stats  LinkStats
}

// Endpoint is one side of a Link and implements Transport.
type Endpoint struct {
	name   string
	link   *Link
	peer   *Endpoint
	subs   subscribers
	held   pdu.PDU
	sent   int
	closed bool
}

// NewLink creates a link whose endpoints carry the given binding names.
func NewLink(nameA, nameB string, cfg LinkConfig) *Link {
	logrus.WithFields(logrus.Fields{
		"function":       "NewLink",
		"endpoint_a":     nameA,
		"endpoint_b":     nameB,
		"loss_rate":      cfg.LossRate,
		"duplicate_rate": cfg.DuplicateRate,
		"reorder_rate":   cfg.ReorderRate,
		"capacity":       cfg.Capacity,
	}).Debug("Creating in-memory link")

	l := &Link{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	l.a = &Endpoint{name: nameA, link: l}
	l.b = &Endpoint{name: nameB, link: l}
	l.a.peer, l.b.peer = l.b, l.a
	return l
}

// A returns the first endpoint.
func (l *Link) A() *Endpoint { return l.a }

// B returns the second endpoint.
func (l *Link) B() *Endpoint { return l.b }

// Stats returns a copy of the counters.
func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Pause closes the transmission window on both endpoints.
func (l *Link) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	l.a.subs.opportunity(false)
	l.b.subs.opportunity(false)
}

// Open resets the per-window capacity, reopens the link and signals a
// transmission opportunity on both endpoints.
func (l *Link) Open() {
	l.mu.Lock()
	l.paused = false
	l.a.sent, l.b.sent = 0, 0
	l.mu.Unlock()
	l.a.subs.opportunity(true)
	l.b.subs.opportunity(true)
}

// Flush delivers PDUs held back for reordering.
func (l *Link) Flush() {
	for _, ep := range []*Endpoint{l.a, l.b} {
		l.mu.Lock()
		held := ep.held
		ep.held = nil
		if held != nil {
			l.stats.Delivered++
		}
		l.mu.Unlock()
		if held != nil {
			ep.peer.subs.deliver(held)
		}
	}
}

// Name returns the binding name.
func (e *Endpoint) Name() string { return e.name }

// Register adds a subscriber for PDUs arriving at this endpoint.
func (e *Endpoint) Register(sub Subscriber) { e.subs.add(sub) }

// Request sends p to the peer endpoint, applying the link impairments.
func (e *Endpoint) Request(p pdu.PDU) error {
	copied, err := roundTrip(p)
	if err != nil {
		return fmt.Errorf("link %s: %w", e.name, err)
	}

	l := e.link
	l.mu.Lock()
	if e.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.paused || (l.cfg.Capacity > 0 && e.sent >= l.cfg.Capacity) {
		l.stats.Rejected++
		l.mu.Unlock()
		return fmt.Errorf("link %s: %w", e.name, ErrRejected)
	}
	e.sent++
	l.stats.Sent++

	var deliver []pdu.PDU
	switch {
	case l.rng.Float64() < l.cfg.LossRate:
		l.stats.Dropped++
	case e.held == nil && l.rng.Float64() < l.cfg.ReorderRate:
		e.held = copied
		l.stats.Reordered++
	default:
		deliver = append(deliver, copied)
		if l.rng.Float64() < l.cfg.DuplicateRate {
			deliver = append(deliver, copied)
			l.stats.Duplicated++
		}
		if e.held != nil {
			deliver = append(deliver, e.held)
			e.held = nil
		}
	}
	l.stats.Delivered += len(deliver)
	l.mu.Unlock()

	for _, d := range deliver {
		e.peer.subs.deliver(d)
	}
	return nil
}

// Close stops the endpoint from sending.
func (e *Endpoint) Close() error {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	e.closed = true
	return nil
}

// Loopback is a Transport that delivers every PDU back to its own
// subscribers, for an entity addressing itself.
type Loopback struct {
	name string
	subs subscribers
}

// NewLoopback creates a loopback binding.
func NewLoopback(name string) *Loopback { return &Loopback{name: name} }

// Name returns the binding name.
func (lb *Loopback) Name() string { return lb.name }

// Register adds a subscriber.
func (lb *Loopback) Register(sub Subscriber) { lb.subs.add(sub) }

// Request delivers p to the subscribers.
func (lb *Loopback) Request(p pdu.PDU) error {
	copied, err := roundTrip(p)
	if err != nil {
		return fmt.Errorf("loopback %s: %w", lb.name, err)
	}
	lb.subs.deliver(copied)
	return nil
}

// Close is a no-op.
func (lb *Loopback) Close() error { return nil }
