// Package audit delivers fire-and-forget audit trail events. Delivery
// failures are logged and never propagated to the request path.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwedge/cwedge/internal/core"
	"github.com/cwedge/cwedge/internal/observability"
)

const deliveryTimeout = 5 * time.Second

// Inserter is the slice of the record store the sink needs.
type Inserter interface {
	InsertAuditEvent(ctx context.Context, event core.AuditEvent) error
}

// Sink writes audit events asynchronously.
type Sink struct {
	store   Inserter
	enabled bool
	wg      sync.WaitGroup
}

// NewSink builds a sink. A disabled sink drops events silently.
func NewSink(store Inserter, enabled bool) *Sink {
	return &Sink{store: store, enabled: enabled && store != nil}
}

// Record queues one event for delivery and returns immediately.
func (s *Sink) Record(event core.AuditEvent) {
	if s == nil || !s.enabled {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if err := s.store.InsertAuditEvent(ctx, event); err != nil {
			if observability.ServerLogger != nil {
				observability.ServerLogger.Warn("audit event delivery failed",
					zap.String("action", event.Action),
					zap.String("org_id", event.OrgID),
					zap.Error(err))
			}
		}
	}()
}

// Flush waits for in-flight deliveries. Called during shutdown.
func (s *Sink) Flush() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
