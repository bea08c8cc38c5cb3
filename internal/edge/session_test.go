package edge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwedge/cwedge/internal/core"
)

type fakeSessionStore struct {
	sessions  map[string]*core.Session
	nextID    int
	lookupErr error
	insertErr error
	touchErr  error
	touched   []string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*core.Session)}
}

func (f *fakeSessionStore) LatestSession(_ context.Context, agentID, ip string) (*core.Session, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	var latest *core.Session
	for _, s := range f.sessions {
		if s.AgentID != agentID || s.IP != ip {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeSessionStore) InsertSession(_ context.Context, session core.Session) (*core.Session, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.nextID++
	session.ID = fmt.Sprintf("sess-%d", f.nextID)
	f.sessions[session.ID] = &session
	return &session, nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, sessionID string, lastSeen time.Time, messageCount int) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched = append(f.touched, sessionID)
	s, ok := f.sessions[sessionID]
	if !ok {
		return errors.New("unknown session")
	}
	s.LastSeenAt = lastSeen
	if messageCount >= 0 {
		s.MessageCount = messageCount
	}
	return nil
}

var testAgent = &core.Agent{ID: "agent-1", OrgID: "org-1", PublicID: "pub-1", Status: core.AgentStatusLive}

func TestStitcherReusesRecentSession(t *testing.T) {
	store := newFakeSessionStore()
	stitcher := NewStitcher(store, 6*time.Hour)
	now := time.Now()

	first, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now)
	require.NoError(t, err)
	require.True(t, first.Created)

	// Same ip+agent within the idle window resolves to the same session.
	second, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.SessionID, second.SessionID)
}

func TestStitcherExpiresIdleSession(t *testing.T) {
	store := newFakeSessionStore()
	stitcher := NewStitcher(store, 6*time.Hour)
	now := time.Now()

	first, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now)
	require.NoError(t, err)

	later := now.Add(6*time.Hour + time.Minute)
	second, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, later)
	require.NoError(t, err)
	require.True(t, second.Created)
	require.NotEqual(t, first.SessionID, second.SessionID)
}

func TestStitcherForceNewBypassesReuse(t *testing.T) {
	store := newFakeSessionStore()
	stitcher := NewStitcher(store, 6*time.Hour)
	now := time.Now()

	first, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now)
	require.NoError(t, err)

	second, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", true, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, second.Created)
	require.NotEqual(t, first.SessionID, second.SessionID)
}

func TestStitcherDistinctKeysGetDistinctSessions(t *testing.T) {
	store := newFakeSessionStore()
	stitcher := NewStitcher(store, 6*time.Hour)
	now := time.Now()

	a, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now)
	require.NoError(t, err)
	b, err := stitcher.Resolve(context.Background(), testAgent, "5.6.7.8", "rand", "fp", false, now)
	require.NoError(t, err)
	require.NotEqual(t, a.SessionID, b.SessionID)
}

func TestStitcherTouchAccumulatesCounts(t *testing.T) {
	store := newFakeSessionStore()
	stitcher := NewStitcher(store, 6*time.Hour)
	now := time.Now()

	res, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now)
	require.NoError(t, err)

	require.NoError(t, stitcher.Touch(context.Background(), res, 3, now))
	require.Equal(t, 3, store.sessions[res.SessionID].MessageCount)

	// The next batch sees the updated count via lookup and accumulates.
	res2, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 3, res2.PreviousCount)
	require.NoError(t, stitcher.Touch(context.Background(), res2, 2, now.Add(time.Minute)))
	require.Equal(t, 5, store.sessions[res2.SessionID].MessageCount)
}

func TestStitcherTouchWithoutUserMessagesKeepsCount(t *testing.T) {
	store := newFakeSessionStore()
	stitcher := NewStitcher(store, 6*time.Hour)
	now := time.Now()

	res, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now)
	require.NoError(t, err)
	require.NoError(t, stitcher.Touch(context.Background(), res, 3, now))

	res2, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, stitcher.Touch(context.Background(), res2, 0, now.Add(time.Minute)))
	require.Equal(t, 3, store.sessions[res2.SessionID].MessageCount)
}

func TestStitcherLookupFailureSurfaces(t *testing.T) {
	store := newFakeSessionStore()
	store.lookupErr = errors.New("store down")
	stitcher := NewStitcher(store, 6*time.Hour)

	_, err := stitcher.Resolve(context.Background(), testAgent, "1.2.3.4", "rand", "fp", false, time.Now())
	require.Error(t, err)
}
