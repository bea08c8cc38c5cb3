package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwedge/cwedge/internal/core"
)

func TestRESTAgentByPublicID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agents", r.URL.Path)
		require.Equal(t, "eq.pub-1", r.URL.Query().Get("public_id"))
		require.Equal(t, "is.null", r.URL.Query().Get("deleted_at"))
		require.Equal(t, "key-123", r.Header.Get("apikey"))
		require.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode([]core.Agent{{
			ID: "agent-1", OrgID: "org-1", PublicID: "pub-1", Status: core.AgentStatusLive,
		}})
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "key-123", time.Second)
	require.NoError(t, err)

	agent, err := s.AgentByPublicID(context.Background(), "pub-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", agent.ID)
}

func TestRESTAgentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = s.AgentByPublicID(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRESTLatestSessionOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent_sessions", r.URL.Path)
		require.Equal(t, "eq.agent-1", r.URL.Query().Get("agent_id"))
		require.Equal(t, "eq.1.2.3.4", r.URL.Query().Get("ip"))
		require.Equal(t, "started_at.desc", r.URL.Query().Get("order"))
		require.Equal(t, "1", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode([]core.Session{{ID: "sess-9"}})
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	sess, err := s.LatestSession(context.Background(), "agent-1", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, "sess-9", sess.ID)
}

func TestRESTInsertSessionReturnsRepresentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var rows []core.Session
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		require.Len(t, rows, 1)

		rows[0].ID = "sess-new"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	sess, err := s.InsertSession(context.Background(), core.Session{AgentID: "agent-1", IP: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, "sess-new", sess.ID)
}

func TestRESTTouchSessionPatch(t *testing.T) {
	var patched map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "eq.sess-1", r.URL.Query().Get("id"))

		body, _ := io.ReadAll(r.Body)
		patched = nil
		require.NoError(t, json.Unmarshal(body, &patched))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.TouchSession(context.Background(), "sess-1", now, 5))
	require.Equal(t, float64(5), patched["message_count"])
	require.NotEmpty(t, patched["last_seen_at"])

	// Negative count omits the counter field entirely.
	require.NoError(t, s.TouchSession(context.Background(), "sess-1", now, -1))
	_, hasCount := patched["message_count"]
	require.False(t, hasCount)
}

func TestRESTInsertBatchesUseMinimalReturn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat_messages", r.URL.Path)
		require.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	err = s.InsertMessages(context.Background(), []core.ChatMessage{
		{AgentID: "agent-1", Direction: core.DirectionUser, Text: "hi"},
	})
	require.NoError(t, err)

	// Empty batches never hit the wire.
	require.NoError(t, s.InsertMessages(context.Background(), nil))
}

func TestRESTErrorsCarryStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"duplicate key"}`))
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	err = s.InsertUsageEvents(context.Background(), []core.UsageEvent{{EventType: core.EventError}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
	require.Contains(t, err.Error(), "duplicate key")
}

func TestRESTUpstreamEndpointRequiresWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]core.UpstreamEndpoint{{AgentID: "agent-1", WebhookURL: "  "}})
	}))
	defer srv.Close()

	s, err := NewRESTStore(srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = s.UpstreamEndpoint(context.Background(), "agent-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewRESTStoreValidation(t *testing.T) {
	_, err := NewRESTStore("   ", "", time.Second)
	require.Error(t, err)

	s, err := NewRESTStore("http://records.local/", "", 0)
	require.NoError(t, err)
	require.Equal(t, "http://records.local", s.baseURL)
	require.Equal(t, defaultRESTTimeout, s.client.Timeout)
}
