package core

import (
	"encoding/json"
	"strings"
	"time"
)

// AgentStatus describes the lifecycle state of a widget agent.
type AgentStatus string

const (
	AgentStatusDraft  AgentStatus = "draft"
	AgentStatusPaused AgentStatus = "paused"
	AgentStatusLive   AgentStatus = "live"
)

// Agent is a tenant-facing widget configuration record. Agents are owned by
// the external record store; the edge only reads them.
type Agent struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	PublicID    string      `json:"public_id"`
	Name        string      `json:"name"`
	Status      AgentStatus `json:"status"`
	Domains     []string    `json:"domains"`
	LeadsDocURL string      `json:"leads_doc_url,omitempty"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

// Live reports whether the agent may serve widget traffic.
func (a *Agent) Live() bool {
	return a != nil && a.DeletedAt == nil && a.Status == AgentStatusLive
}

// Theme is the versioned widget appearance config for an agent.
type Theme struct {
	AgentID   string          `json:"agent_id"`
	Version   int             `json:"version"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// Session stitches anonymous browser visits into one conversational thread.
// Lifecycle is owned by the record store; the edge creates and touches rows
// but never deletes them.
type Session struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	AgentID      string    `json:"agent_id"`
	IP           string    `json:"ip"`
	DeviceRand   string    `json:"user_cookie"`
	Fingerprint  string    `json:"device_fingerprint,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	MessageCount int       `json:"message_count"`
}

// MessageDirection classifies who authored a chat message.
type MessageDirection string

const (
	DirectionUser   MessageDirection = "user"
	DirectionAI     MessageDirection = "ai"
	DirectionSystem MessageDirection = "system"
)

// ParseDirection maps wire message types onto a direction. The widget SDK
// emits langchain-style roles; anything unrecognized is attributed to the AI.
func ParseDirection(wireType string) MessageDirection {
	switch strings.ToLower(strings.TrimSpace(wireType)) {
	case "human":
		return DirectionUser
	case "system":
		return DirectionSystem
	default:
		return DirectionAI
	}
}

// ChatMessage is one persisted conversation message.
type ChatMessage struct {
	OrgID     string           `json:"org_id"`
	AgentID   string           `json:"agent_id"`
	SessionID string           `json:"agent_session_id"`
	Direction MessageDirection `json:"direction"`
	Text      string           `json:"text,omitempty"`
	Raw       json.RawMessage  `json:"raw,omitempty"`
	Timestamp time.Time        `json:"ts"`
	URL       string           `json:"url,omitempty"`
	UserAgent string           `json:"ua,omitempty"`
	Country   string           `json:"country,omitempty"`
	TokensIn  *int             `json:"tokens_in,omitempty"`
	TokensOut *int             `json:"tokens_out,omitempty"`
	LatencyMs *int             `json:"latency_ms,omitempty"`
}

// UsageEventType enumerates the widget telemetry events the edge accepts.
type UsageEventType string

const (
	EventWidgetOpened    UsageEventType = "widget_opened"
	EventRatingSubmitted UsageEventType = "rating_submitted"
	EventError           UsageEventType = "error"
)

// ValidUsageEventType reports whether the wire value is an accepted event type.
func ValidUsageEventType(v string) bool {
	switch UsageEventType(v) {
	case EventWidgetOpened, EventRatingSubmitted, EventError:
		return true
	}
	return false
}

// UsageEvent is one widget telemetry event.
type UsageEvent struct {
	OrgID     string          `json:"org_id"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"agent_session_id,omitempty"`
	EventType UsageEventType  `json:"event_type"`
	Timestamp time.Time       `json:"ts"`
	URL       string          `json:"url,omitempty"`
	UserAgent string          `json:"ua,omitempty"`
	Country   string          `json:"country,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuditEvent is a fire-and-forget structured event for the audit sink.
type AuditEvent struct {
	Action  string         `json:"action"`
	OrgID   string         `json:"org_id"`
	UserID  string         `json:"user_id,omitempty"`
	Target  string         `json:"target,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// UpstreamEndpoint is the per-agent relay target resolved from the record
// store's secrets table. Headers are forwarded verbatim to the upstream.
type UpstreamEndpoint struct {
	AgentID    string            `json:"agent_id"`
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers,omitempty"`
}
