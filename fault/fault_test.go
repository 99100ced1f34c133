package fault

import (
	"errors"
	"testing"

	"github.com/opd-ai/cfdp/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerDefaultsToIgnore(t *testing.T) {
	var m HandlerMap
	assert.Equal(t, Ignore, m.Handler(pdu.FileChecksumFailure))

	m = HandlerMap{pdu.FileChecksumFailure: Cancel, pdu.NakLimitReached: Handler(9)}
	assert.Equal(t, Cancel, m.Handler(pdu.FileChecksumFailure))
	assert.Equal(t, Ignore, m.Handler(pdu.NakLimitReached))
}

func TestOverrideDoesNotTouchOriginal(t *testing.T) {
	base := HandlerMap{pdu.FileSizeError: Abandon}
	m := base.Clone()
	skipped := m.Override([]pdu.FaultHandlerOverride{
		{Condition: pdu.FileSizeError, Handler: uint8(Suspend)},
		{Condition: pdu.InactivityDetected, Handler: 0},
	})

	assert.Equal(t, 1, skipped)
	assert.Equal(t, Suspend, m.Handler(pdu.FileSizeError))
	assert.Equal(t, Abandon, base.Handler(pdu.FileSizeError))
	assert.Equal(t, Ignore, m.Handler(pdu.InactivityDetected))
}

func TestParseHandler(t *testing.T) {
	for _, h := range []Handler{Cancel, Suspend, Ignore, Abandon} {
		got, err := ParseHandler(h.String())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
	_, err := ParseHandler("retry")
	assert.Error(t, err)
}

func TestFaultError(t *testing.T) {
	cause := errors.New("disk full")
	f := &Fault{
		Transaction: pdu.TransactionID{Source: 1, Sequence: 2},
		Condition:   pdu.FilestoreRejection,
		Handler:     Ignore,
		Progress:    300,
		Err:         cause,
	}
	assert.True(t, errors.Is(f, cause))
	assert.Contains(t, f.Error(), "filestore_rejection")
	assert.Contains(t, f.Error(), "1:2")

	var target *Fault
	assert.True(t, errors.As(error(f), &target))
}
