package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/cfdp/entity"
	"github.com/opd-ai/cfdp/pdu"
)

// printer writes one line per indication.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

func (p *printer) Notify(ind entity.Indication) error {
	ev := ind.Base()
	line := fmt.Sprintf("%s %-22s %s", ev.Time.Format("15:04:05.000"), ind.Kind(), ev.Transaction)

	switch v := ind.(type) {
	case entity.TransactionCreated:
		line += fmt.Sprintf(" role=%s remote=%d", v.Role, v.Remote)
	case entity.MetadataReceived:
		line += fmt.Sprintf(" %q -> %q size=%d", v.SourceFilename, v.DestinationFilename, v.FileSize)
	case entity.FileSegmentReceived:
		line += fmt.Sprintf(" offset=%d length=%d", v.Offset, v.Length)
	case entity.EOFReceived:
		line += fmt.Sprintf(" size=%d", v.FileSize)
	case entity.FaultDeclared:
		line += fmt.Sprintf(" condition=%s handler=%s progress=%d", v.Fault.Condition, v.Fault.Handler, v.Fault.Progress)
	case entity.Suspended:
		line += fmt.Sprintf(" condition=%s", v.Condition)
	case entity.Resumed:
		line += fmt.Sprintf(" progress=%d", v.Progress)
	case entity.Report:
		line += " " + v.Status.String()
	case entity.Abandoned:
		line += fmt.Sprintf(" condition=%s progress=%d", v.Condition, v.Progress)
	case entity.TransactionFinished:
		line += fmt.Sprintf(" condition=%s file_status=%d", v.Condition, v.FileStatus)
		for _, r := range v.FilestoreResponses {
			line += fmt.Sprintf(" %s:%s=%d", r.Action, r.FirstName, r.Status)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.out, line)
	return err
}

// outcome is how a transaction ended.
type outcome struct {
	Condition pdu.ConditionCode
	Abandoned bool
}

// Failed reports whether the transaction did not deliver the file.
func (o outcome) Failed() bool { return o.Abandoned || o.Condition != pdu.NoError }

// tracker records terminal indications so callers can wait for them. Ids may
// finish before the caller starts waiting.
type tracker struct {
	mu      sync.Mutex
	done    map[pdu.TransactionID]outcome
	changed chan struct{}
}

func newTracker() *tracker {
	return &tracker{done: make(map[pdu.TransactionID]outcome), changed: make(chan struct{})}
}

func (t *tracker) Notify(ind entity.Indication) error {
	var o outcome
	switch v := ind.(type) {
	case entity.TransactionFinished:
		o = outcome{Condition: v.Condition}
	case entity.Abandoned:
		o = outcome{Condition: v.Condition, Abandoned: true}
	default:
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	id := ind.Base().Transaction
	if _, seen := t.done[id]; seen {
		return nil
	}
	t.done[id] = o
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

// wait blocks until every id has finished or ctx ends.
func (t *tracker) wait(ctx context.Context, ids []pdu.TransactionID) (map[pdu.TransactionID]outcome, error) {
	for {
		t.mu.Lock()
		result := make(map[pdu.TransactionID]outcome, len(ids))
		for _, id := range ids {
			if o, ok := t.done[id]; ok {
				result[id] = o
			}
		}
		changed := t.changed
		t.mu.Unlock()

		if len(result) == len(ids) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("waiting for %d of %d transactions: %w", len(ids)-len(result), len(ids), ctx.Err())
		case <-changed:
		}
	}
}
