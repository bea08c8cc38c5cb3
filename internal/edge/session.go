package edge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwedge/cwedge/internal/core"
)

// DefaultIdleReuseWindow is the maximum gap since last activity under which a
// new visit is still considered the same session.
const DefaultIdleReuseWindow = 6 * time.Hour

// SessionStore is the narrow slice of the record store the stitcher needs.
type SessionStore interface {
	// LatestSession returns the most recently started session for agent+ip,
	// or nil when none exists.
	LatestSession(ctx context.Context, agentID, ip string) (*core.Session, error)
	// InsertSession persists a new session row and returns it with its id set.
	InsertSession(ctx context.Context, session core.Session) (*core.Session, error)
	// TouchSession refreshes lastSeenAt and, when messageCount >= 0, the
	// message counter.
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, messageCount int) error
}

// Resolution is the outcome of stitching a visit onto a session.
type Resolution struct {
	SessionID     string
	PreviousCount int
	Created       bool
}

// Stitcher resolves anonymous browser visits to stable session records.
// ip+agent is the lookup key; the device fingerprint rides along on created
// rows as an auxiliary signal only. Concurrent ingest calls for the same
// ip+agent may race to create two sessions; that is an accepted, bounded
// inconsistency because session identity is advisory for analytics.
type Stitcher struct {
	store      SessionStore
	idleWindow time.Duration
}

// NewStitcher builds a stitcher over the given session store.
func NewStitcher(store SessionStore, idleWindow time.Duration) *Stitcher {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleReuseWindow
	}
	return &Stitcher{store: store, idleWindow: idleWindow}
}

// Resolve finds or creates the session for this visit. When forceNew is false
// and the latest agent+ip session was seen within the idle window, it is
// reused; otherwise a fresh row is inserted with a zero message count.
// forceNew is driven by the client's page-load signal: a fresh page load is a
// new browsing visit even inside the window.
func (s *Stitcher) Resolve(ctx context.Context, agent *core.Agent, ip, deviceRand, fingerprint string, forceNew bool, now time.Time) (*Resolution, error) {
	if agent == nil {
		return nil, errors.New("agent is required")
	}

	if !forceNew {
		existing, err := s.store.LatestSession(ctx, agent.ID, ip)
		if err != nil {
			return nil, fmt.Errorf("lookup session: %w", err)
		}
		if existing != nil && now.Sub(existing.LastSeenAt) <= s.idleWindow {
			return &Resolution{
				SessionID:     existing.ID,
				PreviousCount: existing.MessageCount,
			}, nil
		}
	}

	inserted, err := s.store.InsertSession(ctx, core.Session{
		OrgID:       agent.OrgID,
		AgentID:     agent.ID,
		IP:          ip,
		DeviceRand:  deviceRand,
		Fingerprint: fingerprint,
		StartedAt:   now,
		LastSeenAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if inserted == nil || inserted.ID == "" {
		return nil, errors.New("session insert returned no id")
	}
	return &Resolution{SessionID: inserted.ID, Created: true}, nil
}

// Touch updates the session's bookkeeping fields after an ingest batch: it
// refreshes lastSeenAt and advances the message counter by the number of
// user-authored messages. The returned error is for logging only; messages
// already accepted must never be rolled back for a bookkeeping update.
func (s *Stitcher) Touch(ctx context.Context, res *Resolution, userMessages int, now time.Time) error {
	if res == nil || res.SessionID == "" {
		return errors.New("no session to touch")
	}
	count := -1
	if userMessages > 0 {
		count = res.PreviousCount + userMessages
	}
	return s.store.TouchSession(ctx, res.SessionID, now, count)
}
