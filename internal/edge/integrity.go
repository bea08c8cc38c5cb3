// Package edge implements the request-integrity, abuse-limiting, session
// stitching, and stream relay components of the widget ingress. All shared
// state lives in explicitly injected, capacity-bounded components so tests
// can isolate instances.
package edge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// VerifyKind identifies why signature verification rejected a request.
type VerifyKind string

const (
	KindMissingHeaders     VerifyKind = "missing_headers"
	KindInvalidTimestamp   VerifyKind = "invalid_timestamp"
	KindSignatureExpired   VerifyKind = "signature_expired"
	KindNonceReused        VerifyKind = "nonce_reused"
	KindSignatureMismatch  VerifyKind = "signature_mismatch"
	KindSignatureMalformed VerifyKind = "signature_malformed"
)

// VerifyError is a structured integrity failure. Kind is machine-readable so
// handlers and client SDKs can branch on it.
type VerifyError struct {
	Kind VerifyKind
}

func (e *VerifyError) Error() string {
	return string(e.Kind)
}

// AsVerifyError unwraps err into a VerifyError when possible.
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// SignedRequest carries the raw integrity headers of an inbound widget
// request. Timestamp and Signature are kept as wire strings; parsing them is
// part of verification.
type SignedRequest struct {
	PublicID  string
	Timestamp string
	Nonce     string
	Signature string
}

// Guard verifies timestamp+nonce+signature on inbound widget requests. It is
// the sole source of truth for nonce freshness: two requests racing with the
// same nonce within the TTL are serialized against the nonce cache so at most
// one wins.
type Guard struct {
	secret            []byte
	fingerprintSecret []byte
	ttl               time.Duration
	nonces            *NonceCache
}

// NewGuard constructs a guard around a shared nonce cache. The signing secret
// must be non-empty; fingerprintSecret falls back to the signing secret when
// empty.
func NewGuard(secret, fingerprintSecret string, ttl time.Duration, nonces *NonceCache) (*Guard, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if nonces == nil {
		return nil, errors.New("nonce cache is required")
	}
	fp := fingerprintSecret
	if fp == "" {
		fp = secret
	}
	return &Guard{
		secret:            []byte(secret),
		fingerprintSecret: []byte(fp),
		ttl:               ttl,
		nonces:            nonces,
	}, nil
}

// TTL returns the configured signature freshness window.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Verify checks a signed request against the freshness window and replay
// cache. On success the nonce is consumed for the TTL duration. Verification
// never blocks on I/O.
func (g *Guard) Verify(req SignedRequest, now time.Time) error {
	if req.Timestamp == "" || req.Nonce == "" || req.Signature == "" {
		return &VerifyError{Kind: KindMissingHeaders}
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return &VerifyError{Kind: KindInvalidTimestamp}
	}

	nowMs := now.UnixMilli()
	if diff := nowMs - ts; diff > g.ttl.Milliseconds() || -diff > g.ttl.Milliseconds() {
		return &VerifyError{Kind: KindSignatureExpired}
	}

	nonceKey := req.PublicID + ":" + req.Nonce
	if g.nonces.Seen(nonceKey, nowMs) {
		return &VerifyError{Kind: KindNonceReused}
	}

	provided, err := hex.DecodeString(req.Signature)
	if err != nil {
		return &VerifyError{Kind: KindSignatureMalformed}
	}

	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s.%s.%s", req.PublicID, req.Timestamp, req.Nonce)
	expected := mac.Sum(nil)

	// hmac.Equal is constant-time over equal-length inputs; the length check
	// itself leaks nothing useful since the digest size is public.
	if len(provided) != len(expected) || !hmac.Equal(provided, expected) {
		return &VerifyError{Kind: KindSignatureMismatch}
	}

	// Verify-then-record: the consume is atomic, so a concurrent request that
	// slipped past the Seen check above still loses here.
	if !g.nonces.Consume(nonceKey, nowMs, nowMs+g.ttl.Milliseconds()) {
		return &VerifyError{Kind: KindNonceReused}
	}
	return nil
}

// Fingerprint derives the auxiliary device fingerprint from ip, user agent,
// and the client random token. It is an anti-abuse signal, not a session key.
func (g *Guard) Fingerprint(ip, userAgent, deviceRand string) string {
	mac := hmac.New(sha256.New, g.fingerprintSecret)
	fmt.Fprintf(mac, "%s|%s|%s", ip, userAgent, deviceRand)
	return hex.EncodeToString(mac.Sum(nil))
}

// NonceCache is a mutex-guarded, capacity-bounded map of consumed nonces.
// A key present with an unexpired entry means "already consumed"; expired
// entries are logically absent and reclaimed opportunistically.
type NonceCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]int64 // key -> expiry epoch ms
}

// DefaultNonceCapacity bounds the cache when no capacity is configured.
const DefaultNonceCapacity = 50000

// NewNonceCache creates a nonce cache with the given capacity ceiling.
func NewNonceCache(capacity int) *NonceCache {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &NonceCache{
		capacity: capacity,
		entries:  make(map[string]int64),
	}
}

// Seen reports whether key is currently consumed (present and unexpired).
func (c *NonceCache) Seen(key string, nowMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[key]
	return ok && expiry > nowMs
}

// Consume atomically claims key until expiryMs. It returns false when the key
// is already held by an unexpired entry, which makes it the tie-breaker for
// requests racing on the same nonce.
func (c *NonceCache) Consume(key string, nowMs, expiryMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok && existing > nowMs {
		return false
	}
	c.entries[key] = expiryMs
	if len(c.entries) > c.capacity {
		c.pruneLocked(nowMs)
	}
	return true
}

// Len returns the current entry count, expired entries included.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneLocked drops expired entries. Called only when over capacity; a full
// scan at the default 50k ceiling is cheap relative to the HMAC work per
// request.
func (c *NonceCache) pruneLocked(nowMs int64) {
	for key, expiry := range c.entries {
		if expiry <= nowMs {
			delete(c.entries, key)
		}
	}
}
