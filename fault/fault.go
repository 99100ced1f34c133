// Package fault maps CFDP condition codes to the action an entity takes when
// a fault is declared.
package fault

import (
	"fmt"
	"strings"

	"github.com/opd-ai/cfdp/pdu"
)

// Handler is the action taken for a declared fault. Values match the fault
// handler override option codes.
type Handler uint8

const (
	// Cancel issues a notice of cancellation.
	Cancel Handler = 1
	// Suspend pauses the transaction.
	Suspend Handler = 2
	// Ignore reports the fault and continues.
	Ignore Handler = 3
	// Abandon stops the transaction without further PDUs.
	Abandon Handler = 4
)

func (h Handler) String() string {
	switch h {
	case Cancel:
		return "cancel"
	case Suspend:
		return "suspend"
	case Ignore:
		return "ignore"
	case Abandon:
		return "abandon"
	default:
		return fmt.Sprintf("handler(%d)", uint8(h))
	}
}

// Valid reports whether h is one of the defined actions.
func (h Handler) Valid() bool { return h >= Cancel && h <= Abandon }

// ParseHandler maps an action name to its Handler.
func ParseHandler(s string) (Handler, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancel":
		return Cancel, nil
	case "suspend":
		return Suspend, nil
	case "ignore":
		return Ignore, nil
	case "abandon":
		return Abandon, nil
	default:
		return 0, fmt.Errorf("unknown fault handler %q", s)
	}
}

// HandlerMap assigns an action to each condition code. Conditions without an
// entry use Ignore.
type HandlerMap map[pdu.ConditionCode]Handler

// Handler returns the action for cc.
func (m HandlerMap) Handler(cc pdu.ConditionCode) Handler {
	if h, ok := m[cc]; ok && h.Valid() {
		return h
	}
	return Ignore
}

// Clone returns an independent copy so per-transaction overrides never leak
// into the entity defaults.
func (m HandlerMap) Clone() HandlerMap {
	out := make(HandlerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Override applies fault handler override options. Invalid handler codes are
// skipped and reported in the returned count.
func (m HandlerMap) Override(overrides []pdu.FaultHandlerOverride) (skipped int) {
	for _, o := range overrides {
		h := Handler(o.Handler)
		if !h.Valid() {
			skipped++
			continue
		}
		m[o.Condition] = h
	}
	return skipped
}

// Fault describes a declared fault. It is delivered to observers and returned
// from operations that end in a fault.
type Fault struct {
	Transaction pdu.TransactionID
	Condition   pdu.ConditionCode
	Handler     Handler
	Progress    uint64
	Location    pdu.EntityID
	Err         error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("fault %s in transaction %s at progress %d (%s)",
		f.Condition, f.Transaction, f.Progress, f.Handler)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }
