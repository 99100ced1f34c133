package entity

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(e *testEntity, pdus ...pdu.PDU) {
	for _, p := range pdus {
		e.HandlePDU(p)
	}
}

func TestReceiverReassemblesAnyOrder(t *testing.T) {
	receiver, _ := newReceiver(t, mib.LocalEntity{})
	rng := rand.New(rand.NewSource(1))
	data := testData(4096)
	const trials = 20

	for i := 0; i < trials; i++ {
		tr := buildTransfer(uint64(i), pdu.Unacknowledged, data, 100+rng.Intn(400), fmt.Sprintf("in-%d.bin", i))
		pdus := tr.all()
		for j := 0; j < 5; j++ {
			pdus = append(pdus, pdus[rng.Intn(len(pdus))])
		}
		rng.Shuffle(len(pdus), func(a, b int) { pdus[a], pdus[b] = pdus[b], pdus[a] })
		feed(receiver, pdus...)
	}

	receiver.obs.waitFinished(t, trials)
	for i := 0; i < trials; i++ {
		assert.Equal(t, data, receiver.readFile(t, fmt.Sprintf("in-%d.bin", i)), "trial %d", i)
	}
	assert.Empty(t, receiver.obs.faults())
	for _, ind := range receiver.obs.of(KindTransactionFinished) {
		fin := ind.(TransactionFinished)
		assert.Equal(t, pdu.NoError, fin.Condition)
		assert.Equal(t, pdu.FileRetained, fin.FileStatus)
	}
}

func TestDuplicateMetadataIsIgnored(t *testing.T) {
	receiver, _ := newReceiver(t, mib.LocalEntity{})
	data := testData(500)
	tr := buildTransfer(1, pdu.Unacknowledged, data, 100, "first.bin")
	second := *tr.md
	second.DestinationFilename = "second.bin"
	second.FileSize = 9999

	feed(receiver, tr.md, &second)
	for _, fd := range tr.fds {
		feed(receiver, fd)
	}
	feed(receiver, tr.eof)

	receiver.obs.waitFinished(t, 1)
	assert.Equal(t, data, receiver.readFile(t, "first.bin"))
	assert.False(t, receiver.exists("second.bin"))
	require.Len(t, receiver.obs.of(KindMetadataReceived), 1)
	md := receiver.obs.of(KindMetadataReceived)[0].(MetadataReceived)
	assert.Equal(t, "first.bin", md.DestinationFilename)
	assert.Equal(t, uint64(500), md.FileSize)
}

func TestDuplicateFileDataDoesNotAffectChecksum(t *testing.T) {
	receiver, _ := newReceiver(t, mib.LocalEntity{})
	data := testData(500)
	tr := buildTransfer(1, pdu.Unacknowledged, data, 100, "in.bin")

	feed(receiver, tr.md, tr.fds[0], tr.fds[0], tr.fds[2], tr.fds[1], tr.fds[2])
	id := tr.md.TransactionID()
	require.Eventually(t, func() bool {
		st, err := receiver.Status(id)
		return err == nil && st.Progress == 300
	}, waitFor, tick)

	feed(receiver, tr.fds[3], tr.fds[4], tr.fds[3], tr.eof)
	fin := receiver.obs.waitFinished(t, 1)
	assert.Equal(t, pdu.NoError, fin.Condition)
	assert.Empty(t, receiver.obs.faults())
	assert.Equal(t, data, receiver.readFile(t, "in.bin"))
	assert.Len(t, receiver.obs.of(KindFileSegmentReceived), 5)
}

func TestUnsupportedChecksumTypeDeclaresOneFault(t *testing.T) {
	receiver, _ := newReceiver(t, mib.LocalEntity{})
	data := testData(700)
	tr := buildTransfer(1, pdu.Unacknowledged, data, 128, "in.bin")
	tr.md.ChecksumType = checksum.Proximity1
	tr.eof.Checksum = 0xDEADBEEF

	feed(receiver, tr.all()...)
	fin := receiver.obs.waitFinished(t, 1)

	faults := receiver.obs.faults()
	require.Len(t, faults, 1)
	assert.Equal(t, pdu.UnsupportedChecksumType, faults[0].Fault.Condition)
	assert.Equal(t, fault.Ignore, faults[0].Fault.Handler)
	assert.Equal(t, pdu.FileRetained, fin.FileStatus)
	assert.Equal(t, pdu.DataComplete, fin.Delivery)
	assert.Equal(t, data, receiver.readFile(t, "in.bin"))
}

func TestChecksumMismatch(t *testing.T) {
	tests := []struct {
		name       string
		handlers   fault.HandlerMap
		wantStatus pdu.FileStatus
		wantStored bool
	}{
		{"ignored still writes", nil, pdu.FileRetained, true},
		{"cancel discards", fault.HandlerMap{pdu.FileChecksumFailure: fault.Cancel}, pdu.FileDiscardedDeliberately, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receiver, _ := newReceiver(t, mib.LocalEntity{FaultHandlers: tt.handlers})
			data := testData(300)
			tr := buildTransfer(1, pdu.Unacknowledged, data, 100, "in.bin")
			tr.eof.Checksum ^= 1

			feed(receiver, tr.all()...)
			fin := receiver.obs.waitFinished(t, 1)

			assert.Equal(t, pdu.FileChecksumFailure, fin.Condition)
			assert.Equal(t, tt.wantStatus, fin.FileStatus)
			assert.Equal(t, tt.wantStored, receiver.exists("in.bin"))
			faults := receiver.obs.faults()
			require.Len(t, faults, 1)
			assert.Equal(t, pdu.FileChecksumFailure, faults[0].Fault.Condition)
		})
	}
}

func TestFileDataBeyondDeclaredSize(t *testing.T) {
	t.Run("cancel discards the file", func(t *testing.T) {
		local := mib.LocalEntity{FaultHandlers: fault.HandlerMap{pdu.FileSizeError: fault.Cancel}}
		receiver, _ := newReceiver(t, local)
		tr := buildTransfer(1, pdu.Unacknowledged, testData(200), 100, "in.bin")
		tr.eof.FileSize = 150

		feed(receiver, tr.md, tr.eof, tr.fds[0], tr.fds[1])
		fin := receiver.obs.waitFinished(t, 1)

		assert.Equal(t, pdu.FileSizeError, fin.Condition)
		assert.Equal(t, pdu.FileDiscardedDeliberately, fin.FileStatus)
		assert.False(t, receiver.exists("in.bin"))
	})

	// With the default Ignore handler the fault is reported once and the
	// oversized data is never reconstructed.
	tests := []struct {
		name  string
		order func(tr transfer, extra *pdu.FileData) []pdu.PDU
	}{
		{
			name: "file data after eof",
			order: func(tr transfer, extra *pdu.FileData) []pdu.PDU {
				return []pdu.PDU{tr.md, tr.eof, extra, tr.fds[0], tr.fds[1], tr.fds[2]}
			},
		},
		{
			name: "eof after progress",
			order: func(tr transfer, extra *pdu.FileData) []pdu.PDU {
				return []pdu.PDU{tr.md, tr.fds[0], tr.fds[1], tr.fds[2], extra, tr.eof}
			},
		},
	}
	for _, tt := range tests {
		t.Run("ignore "+tt.name, func(t *testing.T) {
			receiver, _ := newReceiver(t, mib.LocalEntity{})
			tr := buildTransfer(1, pdu.Unacknowledged, testData(300), 100, "in.bin")
			extra := &pdu.FileData{Header: tr.fds[0].Header, Offset: 300, Data: make([]byte, 100)}

			feed(receiver, tt.order(tr, extra)...)
			receiver.waitIdle(t)

			faults := receiver.obs.faults()
			require.Len(t, faults, 1)
			assert.Equal(t, pdu.FileSizeError, faults[0].Fault.Condition)
			assert.Equal(t, fault.Ignore, faults[0].Fault.Handler)
			assert.False(t, receiver.exists("in.bin"))
			assert.Empty(t, receiver.obs.of(KindTransactionFinished))
		})
	}
}

func TestEmptyFileDataDoesNotClaimOffset(t *testing.T) {
	receiver, _ := newReceiver(t, mib.LocalEntity{})
	data := testData(300)
	tr := buildTransfer(1, pdu.Unacknowledged, data, 100, "in.bin")
	empty := &pdu.FileData{Header: tr.fds[0].Header, Offset: 100}

	feed(receiver, tr.md, empty)
	feed(receiver, tr.all()...)
	fin := receiver.obs.waitFinished(t, 1)

	assert.Equal(t, pdu.NoError, fin.Condition)
	assert.Equal(t, data, receiver.readFile(t, "in.bin"))
	assert.Len(t, receiver.obs.of(KindFileSegmentReceived), 3)
}

func TestCancellationEOFDiscardsFile(t *testing.T) {
	receiver, ct := newReceiver(t, mib.LocalEntity{})
	tr := buildTransfer(1, pdu.Unacknowledged, testData(300), 100, "in.bin")
	tr.md.ClosureRequested = true
	cancel := &pdu.EOF{Header: tr.eof.Header, Condition: pdu.CancelRequestReceived, FileSize: 100}

	feed(receiver, tr.md, tr.fds[0], cancel)
	fin := receiver.obs.waitFinished(t, 1)

	assert.Equal(t, pdu.CancelRequestReceived, fin.Condition)
	assert.Equal(t, pdu.FileDiscardedDeliberately, fin.FileStatus)
	assert.False(t, receiver.exists("in.bin"))
	require.Eventually(t, func() bool { return ct.count(pdu.KindFinished) == 1 }, waitFor, tick)
	finished := ct.pdus()[0].(*pdu.Finished)
	assert.Equal(t, pdu.CancelRequestReceived, finished.Condition)
	assert.Equal(t, pdu.TowardSender, finished.Direction)
}

func TestFilestoreRequestsRunAfterDelivery(t *testing.T) {
	receiver, ct := newReceiver(t, mib.LocalEntity{})
	data := testData(300)
	tr := buildTransfer(1, pdu.Unacknowledged, data, 100, "in.bin")
	tr.md.ClosureRequested = true
	tr.md.Options = []pdu.Option{
		pdu.FilestoreRequest{Action: pdu.ActionCreateDirectory, FirstName: "archive"},
		pdu.FilestoreRequest{Action: pdu.ActionRenameFile, FirstName: "in.bin", SecondName: "archive/in.bin"},
		pdu.FilestoreRequest{Action: pdu.ActionDeleteFile, FirstName: "missing.bin"},
		pdu.FilestoreRequest{Action: pdu.ActionCreateFile, FirstName: "never.bin"},
	}

	feed(receiver, tr.all()...)
	fin := receiver.obs.waitFinished(t, 1)

	require.Len(t, fin.FilestoreResponses, 4)
	want := []uint8{pdu.FilestoreSuccess, pdu.FilestoreSuccess, pdu.FilestoreFailed, pdu.FilestoreNotPerformed}
	for i, resp := range fin.FilestoreResponses {
		assert.Equal(t, want[i], resp.Status, "response %d", i)
	}
	assert.Equal(t, data, receiver.readFile(t, "archive/in.bin"))
	assert.False(t, receiver.exists("in.bin"))
	assert.False(t, receiver.exists("never.bin"))

	require.Eventually(t, func() bool { return ct.count(pdu.KindFinished) == 1 }, waitFor, tick)
	assert.Len(t, ct.pdus()[0].(*pdu.Finished).FilestoreResponses, 4)
}

func TestReceiverNaksMissingData(t *testing.T) {
	clock := newMockTimeProvider()
	receiver, ct := newReceiver(t, mib.LocalEntity{}, WithTimeProvider(clock))
	data := testData(1000)
	tr := buildTransfer(1, pdu.Acknowledged, data, 100, "in.bin")

	for i, fd := range tr.fds {
		if i != 3 && i != 5 {
			feed(receiver, fd)
		}
	}
	feed(receiver, tr.eof)
	receiver.waitIdle(t)

	require.Equal(t, 1, ct.count(pdu.KindAck))
	require.Equal(t, 1, ct.count(pdu.KindNak))
	var nak *pdu.Nak
	for _, p := range ct.pdus() {
		if n, ok := p.(*pdu.Nak); ok {
			nak = n
		}
	}
	assert.Equal(t, []pdu.SegmentRequest{{}, {Start: 300, End: 400}, {Start: 500, End: 600}}, nak.Segments)
	assert.Equal(t, uint64(1000), nak.EndOfScope)

	clock.Advance(10 * time.Second)
	receiver.waitIdle(t)
	assert.Equal(t, 2, ct.count(pdu.KindNak))

	feed(receiver, tr.md, tr.fds[3], tr.fds[5])
	require.Eventually(t, func() bool { return ct.count(pdu.KindFinished) == 1 }, waitFor, tick)
	assert.Empty(t, receiver.obs.of(KindTransactionFinished))

	var finished *pdu.Finished
	for _, p := range ct.pdus() {
		if f, ok := p.(*pdu.Finished); ok {
			finished = f
		}
	}
	assert.Equal(t, pdu.NoError, finished.Condition)
	assert.Equal(t, pdu.FileRetained, finished.FileStatus)
	assert.Equal(t, data, receiver.readFile(t, "in.bin"))

	h := tr.md.Header
	feed(receiver, &pdu.Ack{Header: h, Directive: pdu.DirectiveFinished, TransactionStatus: pdu.StatusTerminated})
	fin := receiver.obs.waitFinished(t, 1)
	assert.Equal(t, pdu.NoError, fin.Condition)
}

func TestReceiverInactivity(t *testing.T) {
	clock := newMockTimeProvider()
	local := mib.LocalEntity{FaultHandlers: fault.HandlerMap{pdu.InactivityDetected: fault.Abandon}}
	receiver, _ := newReceiver(t, local, WithTimeProvider(clock))
	tr := buildTransfer(1, pdu.Unacknowledged, testData(300), 100, "in.bin")

	feed(receiver, tr.md, tr.fds[0])
	receiver.waitIdle(t)
	clock.Advance(time.Minute)

	ab := receiver.obs.waitKind(t, KindAbandoned).(Abandoned)
	assert.Equal(t, pdu.InactivityDetected, ab.Condition)
	assert.Equal(t, uint64(100), ab.Progress)
}

func TestFinishedTransactionIsNotReopened(t *testing.T) {
	receiver, ct := newReceiver(t, mib.LocalEntity{})
	tr := buildTransfer(1, pdu.Acknowledged, testData(100), 100, "in.bin")

	feed(receiver, tr.all()...)
	require.Eventually(t, func() bool { return ct.count(pdu.KindFinished) == 1 }, waitFor, tick)
	feed(receiver, &pdu.Ack{Header: tr.md.Header, Directive: pdu.DirectiveFinished, TransactionStatus: pdu.StatusTerminated})
	receiver.obs.waitFinished(t, 1)

	feed(receiver, tr.fds[0], tr.eof)
	receiver.waitIdle(t)

	assert.Len(t, receiver.obs.of(KindTransactionCreated), 1)
	list, err := receiver.Transactions()
	require.NoError(t, err)
	assert.Empty(t, list)

	// The late EOF is acknowledged so the sender can close.
	sent := ct.pdus()
	ack := sent[len(sent)-1].(*pdu.Ack)
	assert.Equal(t, pdu.DirectiveEOF, ack.Directive)
	assert.Equal(t, pdu.StatusTerminated, ack.TransactionStatus)
}

func TestPDUsForOtherEntitiesAreDropped(t *testing.T) {
	receiver, _ := newReceiver(t, mib.LocalEntity{})
	tr := buildTransfer(1, pdu.Unacknowledged, testData(100), 100, "in.bin")
	tr.md.DestinationID = 9

	feed(receiver, tr.md)
	receiver.waitIdle(t)

	list, err := receiver.Transactions()
	require.NoError(t, err)
	assert.Empty(t, list)
}
