// Package mib holds the management information base: the local entity's
// policy and the per-remote-entity defaults consulted when transactions are
// created.
package mib

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/limits"
	"github.com/opd-ai/cfdp/pdu"
)

// ErrUnknownRemote indicates no remote entity entry exists for an id.
var ErrUnknownRemote = errors.New("mib: unknown remote entity")

// Indications selects which optional indication classes are raised.
type Indications struct {
	EOFSent             bool
	EOFReceived         bool
	FileSegmentReceived bool
	TransactionFinished bool
	Suspended           bool
	Resumed             bool
}

// AllIndications enables every optional indication.
func AllIndications() Indications {
	return Indications{
		EOFSent:             true,
		EOFReceived:         true,
		FileSegmentReceived: true,
		TransactionFinished: true,
		Suspended:           true,
		Resumed:             true,
	}
}

// LocalEntity is the policy of the entity itself.
type LocalEntity struct {
	ID            pdu.EntityID
	FaultHandlers fault.HandlerMap
	Indications   Indications
}

// RemoteEntity holds the defaults used when talking to one peer.
type RemoteEntity struct {
	ID                        pdu.EntityID
	DefaultMode               pdu.TransmissionMode
	ClosureRequested          bool
	ChecksumType              checksum.Type
	MaxFileSegmentLength      int
	Binding                   string
	Address                   string
	CRCRequired               bool
	AcknowledgedModeSupported bool

	AckTimerInterval   time.Duration
	AckTimerLimit      int
	NakTimerInterval   time.Duration
	NakTimerLimit      int
	InactivityTimeout  time.Duration
	CheckTimerInterval time.Duration
	CheckTimerLimit    int

	// MaxSendAttempts bounds consecutive transport rejections; zero is
	// unlimited.
	MaxSendAttempts  int
	SendRetryInitial time.Duration
	SendRetryMax     time.Duration
}

// DefaultRemote returns the settings used for a remote entity with no
// explicit configuration.
func DefaultRemote(id pdu.EntityID) RemoteEntity {
	return RemoteEntity{
		ID:                        id,
		DefaultMode:               pdu.Unacknowledged,
		ChecksumType:              checksum.Modular,
		MaxFileSegmentLength:      limits.DefaultSegmentLength,
		Binding:                   "default",
		AcknowledgedModeSupported: true,
		AckTimerInterval:          10 * time.Second,
		AckTimerLimit:             3,
		NakTimerInterval:          10 * time.Second,
		NakTimerLimit:             3,
		InactivityTimeout:         60 * time.Second,
		CheckTimerInterval:        10 * time.Second,
		CheckTimerLimit:           3,
		SendRetryInitial:          50 * time.Millisecond,
		SendRetryMax:              2 * time.Second,
	}
}

// Validate checks the remote entry for values the engine cannot use.
func (r RemoteEntity) Validate() error {
	if err := limits.ValidateSegmentLength(r.MaxFileSegmentLength); err != nil {
		return fmt.Errorf("remote %d: %w", r.ID, err)
	}
	if r.Binding == "" {
		return fmt.Errorf("remote %d: empty binding name", r.ID)
	}
	if r.DefaultMode == pdu.Acknowledged && !r.AcknowledgedModeSupported {
		return fmt.Errorf("remote %d: acknowledged default mode but acknowledged mode unsupported", r.ID)
	}
	if r.SendRetryInitial <= 0 {
		return fmt.Errorf("remote %d: send retry initial interval must be positive", r.ID)
	}
	if r.SendRetryMax < r.SendRetryInitial {
		return fmt.Errorf("remote %d: send retry max %s below initial %s", r.ID, r.SendRetryMax, r.SendRetryInitial)
	}
	for name, v := range map[string]int{
		"ack timer limit":   r.AckTimerLimit,
		"nak timer limit":   r.NakTimerLimit,
		"check timer limit": r.CheckTimerLimit,
		"max send attempts": r.MaxSendAttempts,
	} {
		if v < 0 {
			return fmt.Errorf("remote %d: negative %s", r.ID, name)
		}
	}
	return nil
}

// MIB is consulted by an entity for its own policy and for remote defaults.
type MIB interface {
	Local() LocalEntity
	Remote(id pdu.EntityID) (RemoteEntity, bool)
}

// Static is an in-memory MIB. It is safe for concurrent use.
type Static struct {
	mu      sync.RWMutex
	local   LocalEntity
	remotes map[pdu.EntityID]RemoteEntity
}

// NewStatic creates a MIB for the given local entity.
func NewStatic(local LocalEntity) *Static {
	if local.FaultHandlers == nil {
		local.FaultHandlers = fault.HandlerMap{}
	}
	return &Static{local: local, remotes: make(map[pdu.EntityID]RemoteEntity)}
}

// AddRemote validates and stores a remote entity entry.
func (s *Static) AddRemote(r RemoteEntity) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[r.ID] = r
	return nil
}

// Local returns the local entity policy. The fault handler map is a copy.
func (s *Static) Local() LocalEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.local
	l.FaultHandlers = s.local.FaultHandlers.Clone()
	return l
}

// Remote returns the entry for id.
func (s *Static) Remote(id pdu.EntityID) (RemoteEntity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.remotes[id]
	return r, ok
}

// Remotes returns every remote entry.
func (s *Static) Remotes() []RemoteEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteEntity, 0, len(s.remotes))
	for _, r := range s.remotes {
		out = append(out, r)
	}
	return out
}
