package mib

import (
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/limits"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRemote(t *testing.T) {
	m := NewStatic(LocalEntity{ID: 1})
	require.NoError(t, m.AddRemote(DefaultRemote(2)))

	r, ok := m.Remote(2)
	require.True(t, ok)
	assert.Equal(t, pdu.EntityID(2), r.ID)
	assert.Equal(t, limits.DefaultSegmentLength, r.MaxFileSegmentLength)

	_, ok = m.Remote(3)
	assert.False(t, ok)
	assert.Len(t, m.Remotes(), 1)
}

func TestLocalReturnsCopy(t *testing.T) {
	m := NewStatic(LocalEntity{ID: 1, FaultHandlers: fault.HandlerMap{pdu.FileSizeError: fault.Cancel}})
	l := m.Local()
	l.FaultHandlers[pdu.FileSizeError] = fault.Abandon

	assert.Equal(t, fault.Cancel, m.Local().FaultHandlers.Handler(pdu.FileSizeError))
}

func TestRemoteValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RemoteEntity)
		is     error
	}{
		{"default is valid", func(*RemoteEntity) {}, nil},
		{"zero segment", func(r *RemoteEntity) { r.MaxFileSegmentLength = 0 }, limits.ErrSegmentEmpty},
		{"huge segment", func(r *RemoteEntity) { r.MaxFileSegmentLength = 1 << 20 }, limits.ErrSegmentTooLarge},
		{"no binding", func(r *RemoteEntity) { r.Binding = "" }, errAny},
		{"ack unsupported", func(r *RemoteEntity) {
			r.DefaultMode = pdu.Acknowledged
			r.AcknowledgedModeSupported = false
		}, errAny},
		{"negative limit", func(r *RemoteEntity) { r.NakTimerLimit = -1 }, errAny},
		{"zero send retry", func(r *RemoteEntity) { r.SendRetryInitial = 0 }, errAny},
		{"negative send retry", func(r *RemoteEntity) { r.SendRetryInitial = -time.Second }, errAny},
		{"send retry max below initial", func(r *RemoteEntity) {
			r.SendRetryInitial = time.Second
			r.SendRetryMax = time.Millisecond
		}, errAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := DefaultRemote(5)
			tt.modify(&r)
			err := r.Validate()
			switch tt.is {
			case nil:
				assert.NoError(t, err)
			case errAny:
				assert.Error(t, err)
			default:
				assert.True(t, errors.Is(err, tt.is), "got %v", err)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestAddRemoteRejectsInvalid(t *testing.T) {
	m := NewStatic(LocalEntity{ID: 1})
	r := DefaultRemote(2)
	r.Binding = ""
	assert.Error(t, m.AddRemote(r))
	_, ok := m.Remote(2)
	assert.False(t, ok)
}
