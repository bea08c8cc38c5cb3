package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cwedge/cwedge/internal/audit"
	"github.com/cwedge/cwedge/internal/core"
	"github.com/cwedge/cwedge/internal/edge"
	apperrors "github.com/cwedge/cwedge/internal/errors"
	"github.com/cwedge/cwedge/internal/metrics"
	"github.com/cwedge/cwedge/internal/observability"
	"github.com/cwedge/cwedge/internal/store"
)

// Batch ceilings from the widget SDK contract.
const (
	maxIngestBatch = 100
	maxEventBatch  = 50
)

// Widget serves the public widget surface: config, ingest, events, stream.
type Widget struct {
	Store    store.RecordStore
	Guard    *edge.Guard
	Stitcher *edge.Stitcher
	Relay    *edge.Relay
	Audit    *audit.Sink

	// Limiters are per-route sliding-window limiters keyed by route name.
	Limiters map[string]*edge.Limiter
}

// publicIDFromQuery accepts both parameter spellings the SDK has shipped.
func publicIDFromQuery(r *http.Request) string {
	if v := r.URL.Query().Get("publicId"); v != "" {
		return v
	}
	return r.URL.Query().Get("agentPublicId")
}

// lookupLiveAgent resolves the agent or writes the error response itself.
// Unknown, deleted, and non-live agents are indistinguishable to callers.
func (h *Widget) lookupLiveAgent(w http.ResponseWriter, r *http.Request) *core.Agent {
	publicID := publicIDFromQuery(r)
	if publicID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("publicId query parameter is required"))
		return nil
	}

	agent, err := h.Store.AgentByPublicID(r.Context(), publicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, r, apperrors.NewNotFoundError("agent not found"))
			return nil
		}
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "agent lookup failed"))
		return nil
	}
	if !agent.Live() {
		respondWithError(w, r, apperrors.NewNotFoundError("agent not found"))
		return nil
	}
	return agent
}

// checkOrigin enforces the agent's domain allowlist and writes the error
// response on rejection. Returns false when the request was rejected.
func (h *Widget) checkOrigin(w http.ResponseWriter, r *http.Request, agent *core.Agent, strict bool) bool {
	check, err := edge.CheckOrigin(r.Header.Get("Origin"), r.Header.Get("Referer"), agent.Domains, strict)
	if err == nil {
		return true
	}

	switch {
	case errors.Is(err, edge.ErrOriginRequired):
		metrics.RecordOriginRejection("missing")
		respondWithError(w, r, apperrors.NewInvalidInputError("origin header is required"))
	default:
		metrics.RecordOriginRejection("disallowed")
		h.Audit.Record(core.AuditEvent{
			Action: "widget.origin_rejected",
			OrgID:  agent.OrgID,
			Target: agent.ID,
			Details: map[string]any{
				"host": check.Host,
				"ip":   edge.ClientIP(r),
			},
		})
		respondWithError(w, r, apperrors.NewForbiddenError("origin is not allowed for this agent"))
	}
	return false
}

// verifySignature runs the integrity guard and writes the error response on
// rejection. Returns false when the request was rejected.
func (h *Widget) verifySignature(w http.ResponseWriter, r *http.Request, agent *core.Agent) bool {
	err := h.Guard.Verify(edge.SignedRequestFromHeaders(r, agent.PublicID), time.Now())
	if err == nil {
		return true
	}

	ve, ok := edge.AsVerifyError(err)
	if !ok {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "signature verification failed"))
		return false
	}

	metrics.RecordSignatureFailure(string(ve.Kind))
	switch ve.Kind {
	case edge.KindMissingHeaders:
		respondWithError(w, r, apperrors.NewInvalidInputError("signature headers are required"))
	case edge.KindInvalidTimestamp:
		respondWithError(w, r, apperrors.NewInvalidInputError("signature timestamp is not numeric"))
	case edge.KindSignatureMalformed:
		respondWithError(w, r, apperrors.NewInvalidInputError("signature is not valid hex"))
	case edge.KindSignatureExpired:
		respondWithError(w, r, apperrors.NewUnauthorizedError("signature timestamp is outside the accepted window"))
	case edge.KindNonceReused:
		metrics.RecordNonceRejection()
		h.Audit.Record(core.AuditEvent{
			Action: "widget.nonce_reused",
			OrgID:  agent.OrgID,
			Target: agent.ID,
			Details: map[string]any{
				"ip": edge.ClientIP(r),
			},
		})
		respondWithError(w, r, apperrors.NewUnauthorizedError("nonce has already been used"))
	default:
		respondWithError(w, r, apperrors.NewUnauthorizedError("signature mismatch"))
	}
	return false
}

// allowRate applies the route's limiter and writes the 429 on rejection.
// Returns false when the request was rejected.
func (h *Widget) allowRate(w http.ResponseWriter, r *http.Request, route string, agent *core.Agent) bool {
	limiter, ok := h.Limiters[route]
	if !ok || limiter == nil {
		return true
	}

	key := agent.PublicID + ":" + edge.ClientIP(r)
	out := limiter.Hit(key, time.Now())
	if out.Allowed {
		return true
	}

	metrics.RecordRateLimitBlock(route)
	w.Header().Set("Retry-After", strconv.FormatInt(int64(out.RetryAfter/time.Second)+1, 10))
	respondWithError(w, r, apperrors.NewRateLimitedError("rate limit exceeded", out.RetryAfter))
	return false
}

// widgetConfigPayload is the public config document the embed script loads.
type widgetConfigPayload struct {
	Agent          widgetAgentInfo  `json:"agent"`
	Theme          widgetThemeInfo  `json:"theme"`
	Assets         json.RawMessage  `json:"assets"`
	Integrations   widgetIntegInfo  `json:"integrations"`
	AllowedDomains []string         `json:"allowedDomains"`
}

type widgetAgentInfo struct {
	ID       string `json:"id"`
	PublicID string `json:"publicId"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

type widgetThemeInfo struct {
	Version   int             `json:"version"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt *time.Time      `json:"updatedAt"`
}

type widgetIntegInfo struct {
	LeadsDocURL string `json:"leadsDocUrl,omitempty"`
}

// ConfigHandler serves GET /v1/widget/config. The config is fetched before
// the widget knows its embedding context, so the origin check is non-strict.
func (h *Widget) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	agent := h.lookupLiveAgent(w, r)
	if agent == nil {
		return
	}
	if !h.checkOrigin(w, r, agent, false) {
		return
	}
	if !h.allowRate(w, r, "config", agent) {
		return
	}

	theme, err := h.Store.LatestTheme(r.Context(), agent.ID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "theme lookup failed"))
		return
	}

	etag := themeETag(theme)
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload := widgetConfigPayload{
		Agent: widgetAgentInfo{
			ID:       agent.ID,
			PublicID: agent.PublicID,
			Name:     agent.Name,
			Status:   string(agent.Status),
		},
		Theme:          widgetThemeInfo{Config: json.RawMessage(`{}`)},
		Assets:         json.RawMessage(`{}`),
		Integrations:   widgetIntegInfo{LeadsDocURL: agent.LeadsDocURL},
		AllowedDomains: agent.Domains,
	}
	if payload.AllowedDomains == nil {
		payload.AllowedDomains = []string{}
	}
	if theme != nil {
		payload.Theme.Version = theme.Version
		payload.Theme.UpdatedAt = theme.UpdatedAt
		if len(theme.Config) > 0 {
			payload.Theme.Config = theme.Config
			payload.Assets = themeAssets(theme.Config)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}

// themeETag derives a weak ETag from the theme version and update time so
// unchanged configs answer 304 without re-serializing the payload.
func themeETag(theme *core.Theme) string {
	source := struct {
		V       int        `json:"v"`
		Updated *time.Time `json:"updated"`
	}{}
	if theme != nil {
		source.V = theme.Version
		source.Updated = theme.UpdatedAt
	}
	encoded, _ := json.Marshal(source)
	return `W/"` + base64.StdEncoding.EncodeToString(encoded) + `"`
}

// themeAssets pulls the assets object out of the theme config, if any.
func themeAssets(config json.RawMessage) json.RawMessage {
	var probe struct {
		Assets json.RawMessage `json:"assets"`
	}
	if err := json.Unmarshal(config, &probe); err != nil || len(probe.Assets) == 0 {
		return json.RawMessage(`{}`)
	}
	return probe.Assets
}

// ingestItem is one wire message from the widget SDK. Message arrives as
// either a JSON object or a string that may itself contain JSON.
type ingestItem struct {
	Message   json.RawMessage `json:"message"`
	TokensIn  *int            `json:"tokens_in"`
	TokensOut *int            `json:"tokens_out"`
	LatencyMs *int            `json:"latency_ms"`
}

type ingestResponse struct {
	Accepted  int    `json:"accepted"`
	SessionID string `json:"sessionId"`
}

// IngestMessagesHandler serves POST /v1/ingest/messages: origin (strict) →
// integrity → rate limit → session stitch → message insert → best-effort
// counter patch.
func (h *Widget) IngestMessagesHandler(w http.ResponseWriter, r *http.Request) {
	agent := h.lookupLiveAgent(w, r)
	if agent == nil {
		return
	}
	if !h.checkOrigin(w, r, agent, true) {
		return
	}
	if !h.verifySignature(w, r, agent) {
		return
	}
	if !h.allowRate(w, r, "messages", agent) {
		return
	}

	items, err := decodeBatch[ingestItem](r.Body)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidInputError("request body must be a message or an array of messages"))
		return
	}
	if len(items) == 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError("at least one message is required"))
		return
	}
	if len(items) > maxIngestBatch {
		respondWithError(w, r, apperrors.NewInvalidInputError(
			fmt.Sprintf("batch exceeds the %d message limit", maxIngestBatch)))
		return
	}

	rand := edge.DeviceRand(r)
	if rand == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("x-device-rand header is required"))
		return
	}

	ip := edge.ClientIP(r)
	ua := r.UserAgent()
	fingerprint := h.Guard.Fingerprint(ip, ua, rand)

	res, err := h.Stitcher.Resolve(r.Context(), agent, ip, rand, fingerprint, edge.PageLoad(r), time.Now())
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "session resolution failed"))
		return
	}
	metrics.RecordSessionStitched(res.Created)

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	country := r.URL.Query().Get("country")

	now := time.Now().UTC()
	userCount := 0
	rows := make([]core.ChatMessage, 0, len(items))
	for _, item := range items {
		direction, text, raw := parseWireMessage(item.Message)
		if direction == core.DirectionUser {
			userCount++
		}
		rows = append(rows, core.ChatMessage{
			OrgID:     agent.OrgID,
			AgentID:   agent.ID,
			SessionID: res.SessionID,
			Direction: direction,
			Text:      text,
			Raw:       raw,
			Timestamp: now,
			URL:       pageURL,
			UserAgent: ua,
			Country:   country,
			TokensIn:  item.TokensIn,
			TokensOut: item.TokensOut,
			LatencyMs: item.LatencyMs,
		})
		metrics.RecordMessagesIngested(string(direction), 1)
	}

	// The message insert is the primary write; it must not be dropped.
	if err := h.Store.InsertMessages(r.Context(), rows); err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "message insert failed"))
		return
	}

	// Counter bookkeeping is best-effort; accepted messages stay accepted.
	if err := h.Stitcher.Touch(r.Context(), res, userCount, time.Now()); err != nil {
		if observability.ServerLogger != nil {
			observability.ServerLogger.Warn("session counter update failed",
				zap.String("session_id", res.SessionID),
				zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ingestResponse{Accepted: len(rows), SessionID: res.SessionID})
}

// parseWireMessage unwraps the SDK message payload. Strings are parsed as
// embedded JSON when possible, otherwise treated as plain content.
func parseWireMessage(raw json.RawMessage) (core.MessageDirection, string, json.RawMessage) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return core.DirectionAI, "", nil
	}

	var payload map[string]json.RawMessage
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return core.DirectionAI, "", nil
		}
		if err := json.Unmarshal([]byte(inner), &payload); err != nil || payload == nil {
			encoded, _ := json.Marshal(map[string]string{"content": inner})
			return core.DirectionAI, inner, encoded
		}
		trimmed = []byte(inner)
	} else if err := json.Unmarshal(trimmed, &payload); err != nil {
		return core.DirectionAI, "", nil
	}

	var wireType, content string
	if rawType, ok := payload["type"]; ok {
		_ = json.Unmarshal(rawType, &wireType)
	}
	if rawContent, ok := payload["content"]; ok {
		_ = json.Unmarshal(rawContent, &content)
	}

	return core.ParseDirection(wireType), content, json.RawMessage(trimmed)
}

// usageEventItem is one wire usage event.
type usageEventItem struct {
	EventType string          `json:"event_type"`
	Timestamp *time.Time      `json:"ts"`
	URL       string          `json:"url"`
	UserAgent string          `json:"ua"`
	Country   string          `json:"country"`
	Payload   json.RawMessage `json:"payload"`
}

type eventsResponse struct {
	Accepted int `json:"accepted"`
}

// EventsHandler serves POST /v1/widget/events with the same gate chain as
// ingest. Events are anonymous; no session stitching happens here.
func (h *Widget) EventsHandler(w http.ResponseWriter, r *http.Request) {
	agent := h.lookupLiveAgent(w, r)
	if agent == nil {
		return
	}
	if !h.checkOrigin(w, r, agent, true) {
		return
	}
	if !h.verifySignature(w, r, agent) {
		return
	}
	if !h.allowRate(w, r, "events", agent) {
		return
	}

	items, err := decodeBatch[usageEventItem](r.Body)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidInputError("request body must be an event or an array of events"))
		return
	}
	if len(items) == 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError("at least one event is required"))
		return
	}
	if len(items) > maxEventBatch {
		respondWithError(w, r, apperrors.NewInvalidInputError(
			fmt.Sprintf("batch exceeds the %d event limit", maxEventBatch)))
		return
	}

	now := time.Now().UTC()
	referer := r.Header.Get("Referer")
	ua := r.UserAgent()

	rows := make([]core.UsageEvent, 0, len(items))
	for _, item := range items {
		if !core.ValidUsageEventType(item.EventType) {
			respondWithError(w, r, apperrors.NewInvalidInputError(
				fmt.Sprintf("unknown event_type %q", item.EventType)))
			return
		}

		ts := now
		if item.Timestamp != nil {
			ts = item.Timestamp.UTC()
		}
		pageURL := item.URL
		if pageURL == "" {
			pageURL = referer
		}
		eventUA := item.UserAgent
		if eventUA == "" {
			eventUA = ua
		}

		rows = append(rows, core.UsageEvent{
			OrgID:     agent.OrgID,
			AgentID:   agent.ID,
			EventType: core.UsageEventType(item.EventType),
			Timestamp: ts,
			URL:       pageURL,
			UserAgent: eventUA,
			Country:   item.Country,
			Payload:   item.Payload,
		})
	}

	if err := h.Store.InsertUsageEvents(r.Context(), rows); err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "event insert failed"))
		return
	}
	metrics.RecordUsageEvents(len(rows))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(eventsResponse{Accepted: len(rows)})
}

// activeStreams tracks currently open relay streams for the gauge.
var activeStreams atomic.Int64

// StreamHandler serves GET /chat/stream: resolves the agent's upstream
// webhook and relays its event stream to the browser.
func (h *Widget) StreamHandler(w http.ResponseWriter, r *http.Request) {
	agent := h.lookupLiveAgent(w, r)
	if agent == nil {
		return
	}
	if !h.checkOrigin(w, r, agent, false) {
		return
	}
	if !h.allowRate(w, r, "stream", agent) {
		return
	}

	endpoint, err := h.Store.UpstreamEndpoint(r.Context(), agent.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.RecordRelayConnect("unconfigured")
			respondWithError(w, r, apperrors.NewUpstreamError("no upstream is configured for this agent"))
			return
		}
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "upstream lookup failed"))
		return
	}

	// Forward every query parameter except the public id spellings; the
	// upstream receives the canonical one explicitly.
	forward := url.Values{"publicId": {agent.PublicID}}
	for key, values := range r.URL.Query() {
		if key == "publicId" || key == "agentPublicId" {
			continue
		}
		forward[key] = values
	}

	metrics.SetActiveStreams(activeStreams.Add(1))
	err = h.Relay.Proxy(w, r, *endpoint, forward)
	metrics.SetActiveStreams(activeStreams.Add(-1))

	switch {
	case err == nil:
		metrics.RecordRelayConnect("ok")
		if r.Context().Err() != nil {
			metrics.RecordRelayCancellation()
		}
	case errors.Is(err, edge.ErrUpstreamUnavailable):
		metrics.RecordRelayConnect("timeout")
		respondWithError(w, r, apperrors.NewUpstreamError("upstream did not accept the connection"))
	default:
		var statusErr *edge.UpstreamStatusError
		if errors.As(err, &statusErr) {
			metrics.RecordRelayConnect("error")
			env := apperrors.NewUpstreamError("upstream rejected the stream request")
			env, _ = env.WithContext(map[string]any{"upstream_status": statusErr.Status})
			respondWithError(w, r, env)
			return
		}
		metrics.RecordRelayConnect("error")
		respondWithError(w, r, apperrors.WrapUpstream(r.Context(), err, "stream relay failed"))
	}
}

// decodeBatch accepts either a single JSON object or an array of them.
func decodeBatch[T any](body io.Reader) ([]T, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var single T
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []T{single}, nil
}
