package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/cwedge/cwedge/internal/config"
	"github.com/cwedge/cwedge/internal/core"
)

const driverLibsql = "libsql"

// LocalStore persists records in a libsql database. Used for single-node
// deployments and local development; the hosted record API is RESTStore.
type LocalStore struct {
	DB *sql.DB
}

// OpenLocal initializes a libsql-backed store from configuration.
func OpenLocal(ctx context.Context, cfg config.LocalStoreConfig) (*LocalStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildLibsqlDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql store: %w", err)
	}

	return &LocalStore{DB: db}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		public_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		domains TEXT NOT NULL DEFAULT '[]',
		leads_doc_url TEXT,
		deleted_at INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_agents_public ON agents(public_id);`,
	`CREATE TABLE IF NOT EXISTS agent_themes (
		agent_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		config TEXT NOT NULL,
		updated_at INTEGER,
		PRIMARY KEY(agent_id, version)
	);`,
	`CREATE TABLE IF NOT EXISTS agent_endpoints (
		agent_id TEXT PRIMARY KEY,
		webhook_url TEXT NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS agent_sessions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		ip TEXT NOT NULL,
		user_cookie TEXT,
		device_fingerprint TEXT,
		started_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_lookup ON agent_sessions(agent_id, ip, started_at);`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_session_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		text TEXT,
		raw TEXT,
		ts INTEGER NOT NULL,
		url TEXT,
		ua TEXT,
		country TEXT,
		tokens_in INTEGER,
		tokens_out INTEGER,
		latency_ms INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(agent_session_id, ts);`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_session_id TEXT,
		event_type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		url TEXT,
		ua TEXT,
		country TEXT,
		payload TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		org_id TEXT NOT NULL,
		user_id TEXT,
		target TEXT,
		details TEXT,
		created_at INTEGER NOT NULL
	);`,
}

// Migrate ensures the required database tables exist.
func (s *LocalStore) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}
	return nil
}

func (s *LocalStore) AgentByPublicID(ctx context.Context, publicID string) (*core.Agent, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, org_id, public_id, name, status, domains, leads_doc_url, deleted_at
		FROM agents
		WHERE public_id = ? AND deleted_at IS NULL
	`, publicID)

	var (
		agent    core.Agent
		domains  string
		leadsURL sql.NullString
		deleted  sql.NullInt64
	)
	if err := row.Scan(&agent.ID, &agent.OrgID, &agent.PublicID, &agent.Name, &agent.Status, &domains, &leadsURL, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch agent: %w", err)
	}

	if err := json.Unmarshal([]byte(domains), &agent.Domains); err != nil {
		return nil, fmt.Errorf("decode agent domains: %w", err)
	}
	if leadsURL.Valid {
		agent.LeadsDocURL = leadsURL.String
	}
	if deleted.Valid {
		t := time.UnixMilli(deleted.Int64).UTC()
		agent.DeletedAt = &t
	}
	return &agent, nil
}

// Agents lists all non-deleted agents, newest public id last. Used by the
// operator CLI, not the request path.
func (s *LocalStore) Agents(ctx context.Context) ([]core.Agent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, org_id, public_id, name, status, domains
		FROM agents
		WHERE deleted_at IS NULL
		ORDER BY public_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []core.Agent
	for rows.Next() {
		var (
			agent   core.Agent
			domains string
		)
		if err := rows.Scan(&agent.ID, &agent.OrgID, &agent.PublicID, &agent.Name, &agent.Status, &domains); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(domains), &agent.Domains); err != nil {
			return nil, fmt.Errorf("decode agent domains: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *LocalStore) LatestTheme(ctx context.Context, agentID string) (*core.Theme, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT agent_id, version, config, updated_at
		FROM agent_themes
		WHERE agent_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, agentID)

	var (
		theme     core.Theme
		configStr string
		updatedAt sql.NullInt64
	)
	if err := row.Scan(&theme.AgentID, &theme.Version, &configStr, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch theme: %w", err)
	}

	theme.Config = json.RawMessage(configStr)
	if updatedAt.Valid {
		t := time.UnixMilli(updatedAt.Int64).UTC()
		theme.UpdatedAt = &t
	}
	return &theme, nil
}

func (s *LocalStore) LatestSession(ctx context.Context, agentID, ip string) (*core.Session, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, org_id, agent_id, ip, user_cookie, device_fingerprint,
		       started_at, last_seen_at, message_count
		FROM agent_sessions
		WHERE agent_id = ? AND ip = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, agentID, ip)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	return session, nil
}

func (s *LocalStore) InsertSession(ctx context.Context, session core.Session) (*core.Session, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO agent_sessions
			(id, org_id, agent_id, ip, user_cookie, device_fingerprint, started_at, last_seen_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.OrgID, session.AgentID, session.IP,
		session.DeviceRand, session.Fingerprint,
		session.StartedAt.UnixMilli(), session.LastSeenAt.UnixMilli(), session.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &session, nil
}

func (s *LocalStore) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time, messageCount int) error {
	var err error
	if messageCount >= 0 {
		_, err = s.DB.ExecContext(ctx, `
			UPDATE agent_sessions SET last_seen_at = ?, message_count = ? WHERE id = ?
		`, lastSeen.UnixMilli(), messageCount, sessionID)
	} else {
		_, err = s.DB.ExecContext(ctx, `
			UPDATE agent_sessions SET last_seen_at = ? WHERE id = ?
		`, lastSeen.UnixMilli(), sessionID)
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *LocalStore) InsertMessages(ctx context.Context, messages []core.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages
			(org_id, agent_id, agent_session_id, direction, text, raw, ts, url, ua, country, tokens_in, tokens_out, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		var raw any
		if len(m.Raw) > 0 {
			raw = string(m.Raw)
		}
		_, err := stmt.ExecContext(ctx, m.OrgID, m.AgentID, m.SessionID, string(m.Direction),
			m.Text, raw, m.Timestamp.UnixMilli(), m.URL, m.UserAgent, m.Country,
			m.TokensIn, m.TokensOut, m.LatencyMs)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (s *LocalStore) InsertUsageEvents(ctx context.Context, events []core.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events
			(org_id, agent_id, agent_session_id, event_type, ts, url, ua, country, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		_, err := stmt.ExecContext(ctx, e.OrgID, e.AgentID, e.SessionID, string(e.EventType),
			e.Timestamp.UnixMilli(), e.URL, e.UserAgent, e.Country, payload)
		if err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage events: %w", err)
	}
	return nil
}

func (s *LocalStore) InsertAuditEvent(ctx context.Context, event core.AuditEvent) error {
	var details any
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = string(encoded)
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_events (action, org_id, user_id, target, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.Action, event.OrgID, event.UserID, event.Target, details, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *LocalStore) UpstreamEndpoint(ctx context.Context, agentID string) (*core.UpstreamEndpoint, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT agent_id, webhook_url, headers FROM agent_endpoints WHERE agent_id = ?
	`, agentID)

	var (
		endpoint core.UpstreamEndpoint
		headers  string
	)
	if err := row.Scan(&endpoint.AgentID, &endpoint.WebhookURL, &headers); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch endpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(headers), &endpoint.Headers); err != nil {
		return nil, fmt.Errorf("decode endpoint headers: %w", err)
	}
	if strings.TrimSpace(endpoint.WebhookURL) == "" {
		return nil, ErrNotFound
	}
	return &endpoint, nil
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	return s.DB.PingContext(ctx)
}

// Close releases database resources.
func (s *LocalStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func scanSession(row *sql.Row) (*core.Session, error) {
	var (
		session     core.Session
		cookie      sql.NullString
		fingerprint sql.NullString
		startedAt   int64
		lastSeenAt  int64
	)
	if err := row.Scan(&session.ID, &session.OrgID, &session.AgentID, &session.IP,
		&cookie, &fingerprint, &startedAt, &lastSeenAt, &session.MessageCount); err != nil {
		return nil, err
	}

	session.DeviceRand = cookie.String
	session.Fingerprint = fingerprint.String
	session.StartedAt = time.UnixMilli(startedAt).UTC()
	session.LastSeenAt = time.UnixMilli(lastSeenAt).UTC()
	return &session, nil
}

func buildLibsqlDSN(cfg config.LocalStoreConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.URL); dsn != "" {
		return addAuthToken(dsn, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("store path or url is required")
	}

	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}

	if strings.HasPrefix(path, "libsql:") {
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
