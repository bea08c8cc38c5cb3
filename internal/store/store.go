// Package store persists agents, sessions, messages, and usage events.
// Two backends implement RecordStore: a PostgREST-style HTTP client for
// the hosted record API and a local libsql database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cwedge/cwedge/internal/core"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: record not found")

// RecordStore is the persistence surface the edge depends on.
type RecordStore interface {
	// AgentByPublicID resolves a widget's agent by its public identifier.
	// Returns ErrNotFound when no agent carries the id.
	AgentByPublicID(ctx context.Context, publicID string) (*core.Agent, error)

	// LatestTheme returns the newest theme for an agent, or nil when the
	// agent has no theme rows.
	LatestTheme(ctx context.Context, agentID string) (*core.Theme, error)

	// LatestSession returns the most recently started session for the
	// agent+ip pair, or nil when none exists.
	LatestSession(ctx context.Context, agentID, ip string) (*core.Session, error)

	// InsertSession persists a new session and returns it with its
	// store-assigned id.
	InsertSession(ctx context.Context, session core.Session) (*core.Session, error)

	// TouchSession updates last-seen bookkeeping. A negative messageCount
	// leaves the stored count untouched.
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, messageCount int) error

	// InsertMessages persists a batch of chat messages.
	InsertMessages(ctx context.Context, messages []core.ChatMessage) error

	// InsertUsageEvents persists a batch of widget usage events.
	InsertUsageEvents(ctx context.Context, events []core.UsageEvent) error

	// InsertAuditEvent records one audit trail entry.
	InsertAuditEvent(ctx context.Context, event core.AuditEvent) error

	// UpstreamEndpoint resolves the relay target for an agent. Returns
	// ErrNotFound when the agent has no webhook configured.
	UpstreamEndpoint(ctx context.Context, agentID string) (*core.UpstreamEndpoint, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
