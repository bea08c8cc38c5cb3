package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cwedge/cwedge/internal/core"
)

const defaultRESTTimeout = 10 * time.Second

// RESTStore talks to a PostgREST-style record API. Filters go in the query
// string (`col=eq.value`), inserts return their rows via the Prefer header,
// and updates are PATCHes scoped by the same filters.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTStore builds a client for the record API at baseURL.
func NewRESTStore(baseURL, apiKey string, timeout time.Duration) (*RESTStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("record api base url is required")
	}
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}
	return &RESTStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *RESTStore) AgentByPublicID(ctx context.Context, publicID string) (*core.Agent, error) {
	var agents []core.Agent
	params := url.Values{}
	params.Set("public_id", "eq."+publicID)
	params.Set("deleted_at", "is.null")
	params.Set("limit", "1")
	if err := s.get(ctx, "agents", params, &agents); err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, ErrNotFound
	}
	return &agents[0], nil
}

// Agents lists all non-deleted agents. Used by the operator CLI.
func (s *RESTStore) Agents(ctx context.Context) ([]core.Agent, error) {
	var agents []core.Agent
	params := url.Values{}
	params.Set("deleted_at", "is.null")
	params.Set("order", "public_id.asc")
	if err := s.get(ctx, "agents", params, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *RESTStore) LatestTheme(ctx context.Context, agentID string) (*core.Theme, error) {
	var themes []core.Theme
	params := url.Values{}
	params.Set("agent_id", "eq."+agentID)
	params.Set("order", "version.desc")
	params.Set("limit", "1")
	if err := s.get(ctx, "agent_themes", params, &themes); err != nil {
		return nil, err
	}
	if len(themes) == 0 {
		return nil, nil
	}
	return &themes[0], nil
}

func (s *RESTStore) LatestSession(ctx context.Context, agentID, ip string) (*core.Session, error) {
	var sessions []core.Session
	params := url.Values{}
	params.Set("agent_id", "eq."+agentID)
	params.Set("ip", "eq."+ip)
	params.Set("order", "started_at.desc")
	params.Set("limit", "1")
	if err := s.get(ctx, "agent_sessions", params, &sessions); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (s *RESTStore) InsertSession(ctx context.Context, session core.Session) (*core.Session, error) {
	var inserted []core.Session
	if err := s.insert(ctx, "agent_sessions", []core.Session{session}, &inserted); err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("record api returned no session row")
	}
	return &inserted[0], nil
}

func (s *RESTStore) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, messageCount int) error {
	patch := map[string]any{
		"last_seen_at": lastSeen.UTC().Format(time.RFC3339Nano),
	}
	if messageCount >= 0 {
		patch["message_count"] = messageCount
	}

	params := url.Values{}
	params.Set("id", "eq."+sessionID)
	return s.patch(ctx, "agent_sessions", params, patch)
}

func (s *RESTStore) InsertMessages(ctx context.Context, messages []core.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	return s.insert(ctx, "chat_messages", messages, nil)
}

func (s *RESTStore) InsertUsageEvents(ctx context.Context, events []core.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.insert(ctx, "usage_events", events, nil)
}

func (s *RESTStore) InsertAuditEvent(ctx context.Context, event core.AuditEvent) error {
	return s.insert(ctx, "audit_events", []core.AuditEvent{event}, nil)
}

func (s *RESTStore) UpstreamEndpoint(ctx context.Context, agentID string) (*core.UpstreamEndpoint, error) {
	var endpoints []core.UpstreamEndpoint
	params := url.Values{}
	params.Set("agent_id", "eq."+agentID)
	params.Set("limit", "1")
	if err := s.get(ctx, "agent_endpoints", params, &endpoints); err != nil {
		return nil, err
	}
	if len(endpoints) == 0 || strings.TrimSpace(endpoints[0].WebhookURL) == "" {
		return nil, ErrNotFound
	}
	return &endpoints[0], nil
}

// Ping probes the API root. PostgREST answers with its OpenAPI document.
func (s *RESTStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return err
	}
	s.setAuth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("record api unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("record api unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RESTStore) get(ctx context.Context, table string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tableURL(table, params), nil)
	if err != nil {
		return err
	}
	s.setAuth(req)
	return s.do(req, table, out)
}

func (s *RESTStore) insert(ctx context.Context, table string, rows any, out any) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode %s rows: %w", table, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tableURL(table, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	s.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	if out != nil {
		req.Header.Set("Prefer", "return=representation")
	} else {
		req.Header.Set("Prefer", "return=minimal")
	}
	return s.do(req, table, out)
}

func (s *RESTStore) patch(ctx context.Context, table string, params url.Values, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s patch: %w", table, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.tableURL(table, params), bytes.NewReader(body))
	if err != nil {
		return err
	}
	s.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	return s.do(req, table, nil)
}

func (s *RESTStore) do(req *http.Request, table string, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("record api request for %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("record api %s returned status %d: %s", table, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", table, err)
	}
	return nil
}

func (s *RESTStore) tableURL(table string, params url.Values) string {
	u := s.baseURL + "/" + table
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (s *RESTStore) setAuth(req *http.Request) {
	if s.apiKey == "" {
		return
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
}
