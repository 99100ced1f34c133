package entity

import (
	"fmt"
	"time"

	"github.com/opd-ai/cfdp/pdu"
)

// State is the lifecycle state of a transaction.
type State uint8

const (
	StateCreated State = iota
	StateActive
	StateSuspended
	StateClosed
	StateAbandoned
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	case StateAbandoned:
		return "abandoned"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further protocol activity can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAbandoned || s == StateDisposed
}

// Role tells whether the local entity sends or receives the file.
type Role uint8

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Status is a point-in-time snapshot of a transaction.
type Status struct {
	Time        time.Time
	Transaction pdu.TransactionID
	Source      pdu.EntityID
	Destination pdu.EntityID
	Role        Role
	Mode        pdu.TransmissionMode
	Condition   pdu.ConditionCode
	State       State
	Progress    uint64
	FileSize    uint64
}

func (s Status) String() string {
	return fmt.Sprintf("%s %s %s %d/%d %s", s.Transaction, s.Role, s.State, s.Progress, s.FileSize, s.Condition)
}
