package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cwedge/cwedge/internal/core"
)

type fakeInserter struct {
	mu     sync.Mutex
	events []core.AuditEvent
	err    error
}

func (f *fakeInserter) InsertAuditEvent(_ context.Context, event core.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func TestSinkDeliversAsync(t *testing.T) {
	store := &fakeInserter{}
	sink := NewSink(store, true)

	sink.Record(core.AuditEvent{Action: "widget.nonce_reused", OrgID: "org-1"})
	sink.Record(core.AuditEvent{Action: "widget.origin_rejected", OrgID: "org-1"})
	sink.Flush()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.events, 2)
}

func TestSinkSwallowsDeliveryFailure(t *testing.T) {
	store := &fakeInserter{err: errors.New("store down")}
	sink := NewSink(store, true)

	// Must not panic or block the caller.
	sink.Record(core.AuditEvent{Action: "widget.nonce_reused"})
	sink.Flush()
}

func TestSinkDisabledDropsEvents(t *testing.T) {
	store := &fakeInserter{}
	sink := NewSink(store, false)

	sink.Record(core.AuditEvent{Action: "widget.nonce_reused"})
	sink.Flush()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Empty(t, store.events)
}

func TestNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	sink.Record(core.AuditEvent{Action: "noop"})
	sink.Flush()
}
