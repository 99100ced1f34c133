package entity

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/filestore"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/opd-ai/cfdp/transport"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	senderID   pdu.EntityID = 1
	receiverID pdu.EntityID = 2
	waitFor                 = 5 * time.Second
	tick                    = 2 * time.Millisecond
)

// MockTimeProvider is a deterministic clock. Timers fire only when Advance
// moves past their deadline.
type MockTimeProvider struct {
	mu      sync.Mutex
	now     time.Time
	pending []*mockTimer
}

type mockTimer struct {
	clock   *MockTimeProvider
	at      time.Time
	f       func()
	stopped bool
}

func newMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{now: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockTimeProvider) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, at: m.now.Add(d), f: f}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves the clock forward and runs every timer that became due.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due, rest []*mockTimer
	for _, t := range m.pending {
		switch {
		case t.stopped:
		case !t.at.After(m.now):
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// captureTransport records every PDU it accepts. reject, when set, is asked
// before each send and turns the send into backpressure.
type captureTransport struct {
	name string

	mu     sync.Mutex
	sent   []pdu.PDU
	calls  int
	reject func(call int, p pdu.PDU) bool
	subs   []transport.Subscriber
}

func newCaptureTransport(name string) *captureTransport {
	return &captureTransport{name: name}
}

func (c *captureTransport) Name() string { return c.name }

func (c *captureTransport) Register(sub transport.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

func (c *captureTransport) Request(p pdu.PDU) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.reject != nil && c.reject(c.calls, p) {
		return fmt.Errorf("capture %s: %w", c.name, transport.ErrRejected)
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) setReject(fn func(call int, p pdu.PDU) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reject = fn
}

func (c *captureTransport) pdus() []pdu.PDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pdu.PDU(nil), c.sent...)
}

func (c *captureTransport) count(kind pdu.Kind) int {
	n := 0
	for _, p := range c.pdus() {
		if p.Kind() == kind {
			n++
		}
	}
	return n
}

// observerRecorder collects indications.
type observerRecorder struct {
	mu   sync.Mutex
	inds []Indication
}

func (r *observerRecorder) Notify(ind Indication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inds = append(r.inds, ind)
	return nil
}

func (r *observerRecorder) all() []Indication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Indication(nil), r.inds...)
}

func (r *observerRecorder) of(kind IndicationKind) []Indication {
	var out []Indication
	for _, ind := range r.all() {
		if ind.Kind() == kind {
			out = append(out, ind)
		}
	}
	return out
}

func (r *observerRecorder) faults() []*FaultDeclared {
	var out []*FaultDeclared
	for _, ind := range r.of(KindFaultDeclared) {
		fd := ind.(FaultDeclared)
		out = append(out, &fd)
	}
	return out
}

// waitFinished blocks until n TransactionFinished indications arrived and
// returns the first.
func (r *observerRecorder) waitFinished(t *testing.T, n int) TransactionFinished {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(KindTransactionFinished)) >= n },
		waitFor, tick, "timed out waiting for TransactionFinished")
	return r.of(KindTransactionFinished)[0].(TransactionFinished)
}

func (r *observerRecorder) waitKind(t *testing.T, kind IndicationKind) Indication {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(kind)) > 0 },
		waitFor, tick, "timed out waiting for %s", kind)
	return r.of(kind)[0]
}

// testRemote returns a remote entry bound to binding with test-friendly
// retry settings.
func testRemote(id pdu.EntityID, binding string) mib.RemoteEntity {
	r := mib.DefaultRemote(id)
	r.Binding = binding
	r.SendRetryInitial = time.Millisecond
	r.SendRetryMax = 4 * time.Millisecond
	return r
}

type testEntity struct {
	*Entity
	fs  *filestore.Afero
	obs *observerRecorder
}

func newTestEntity(t *testing.T, local mib.LocalEntity, remotes []mib.RemoteEntity, opts ...Option) *testEntity {
	t.Helper()
	if local.Indications == (mib.Indications{}) {
		local.Indications = mib.AllIndications()
	}
	m := mib.NewStatic(local)
	for _, r := range remotes {
		require.NoError(t, m.AddRemote(r))
	}
	fs := filestore.NewMemory()
	e := New(m, fs, opts...)
	obs := &observerRecorder{}
	e.Subscribe(obs)
	t.Cleanup(e.Dispose)
	return &testEntity{Entity: e, fs: fs, obs: obs}
}

func (te *testEntity) writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(te.fs.Fs(), name, data, 0o644))
}

func (te *testEntity) readFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := afero.ReadFile(te.fs.Fs(), name)
	require.NoError(t, err)
	return data
}

func (te *testEntity) exists(name string) bool {
	ok, _ := afero.Exists(te.fs.Fs(), name)
	return ok
}

func (te *testEntity) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, te.Idle, waitFor, tick)
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}
	return data
}

// transfer builds the PDUs a sender would emit for data, split into segments
// of segLen bytes.
type transfer struct {
	md  *pdu.Metadata
	fds []*pdu.FileData
	eof *pdu.EOF
}

func buildTransfer(seq uint64, mode pdu.TransmissionMode, data []byte, segLen int, dest string) transfer {
	h := pdu.Header{
		Direction:      pdu.TowardReceiver,
		Mode:           mode,
		SourceID:       senderID,
		DestinationID:  receiverID,
		SequenceNumber: seq,
	}
	c := checksum.NewModular()
	tr := transfer{
		md: &pdu.Metadata{
			Header:              h,
			ChecksumType:        checksum.Modular,
			FileSize:            uint64(len(data)),
			SourceFilename:      "src.bin",
			DestinationFilename: dest,
		},
	}
	for off := 0; off < len(data); off += segLen {
		end := off + segLen
		if end > len(data) {
			end = len(data)
		}
		chunk := bytes.Clone(data[off:end])
		c.Update(chunk, uint64(off))
		tr.fds = append(tr.fds, &pdu.FileData{Header: h, Offset: uint64(off), Data: chunk})
	}
	tr.eof = &pdu.EOF{Header: h, Checksum: c.Sum(), FileSize: uint64(len(data))}
	return tr
}

func (tr transfer) all() []pdu.PDU {
	out := []pdu.PDU{tr.md}
	for _, fd := range tr.fds {
		out = append(out, fd)
	}
	return append(out, tr.eof)
}

// newReceiver returns an entity with id receiverID that answers the sender
// through a capture transport.
func newReceiver(t *testing.T, local mib.LocalEntity, opts ...Option) (*testEntity, *captureTransport) {
	t.Helper()
	local.ID = receiverID
	te := newTestEntity(t, local, []mib.RemoteEntity{testRemote(senderID, "capture")}, opts...)
	ct := newCaptureTransport("capture")
	te.AddTransport(ct)
	return te, ct
}

// newSender returns an entity with id senderID that sends to receiverID
// through a capture transport.
func newSender(t *testing.T, local mib.LocalEntity, remote func(*mib.RemoteEntity), opts ...Option) (*testEntity, *captureTransport) {
	t.Helper()
	local.ID = senderID
	r := testRemote(receiverID, "capture")
	if remote != nil {
		remote(&r)
	}
	te := newTestEntity(t, local, []mib.RemoteEntity{r}, opts...)
	ct := newCaptureTransport("capture")
	te.AddTransport(ct)
	return te, ct
}
