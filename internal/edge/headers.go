package edge

import (
	"net"
	"net/http"
	"strings"
)

// Integrity and widget signal headers carried by the browser SDK.
const (
	HeaderTimestamp  = "x-cw-timestamp"
	HeaderNonce      = "x-cw-nonce"
	HeaderSignature  = "x-cw-signature"
	HeaderDeviceRand = "x-device-rand"
	HeaderPageLoad   = "x-page-load"
)

// SignedRequestFromHeaders lifts the integrity headers off an HTTP request.
func SignedRequestFromHeaders(r *http.Request, publicID string) SignedRequest {
	return SignedRequest{
		PublicID:  publicID,
		Timestamp: r.Header.Get(HeaderTimestamp),
		Nonce:     r.Header.Get(HeaderNonce),
		Signature: r.Header.Get(HeaderSignature),
	}
}

// ClientIP resolves the caller's address from x-forwarded-for / x-real-ip,
// falling back to the socket peer. The first forwarded hop wins.
func ClientIP(r *http.Request) string {
	forwarded := r.Header.Get("x-forwarded-for")
	if forwarded == "" {
		forwarded = r.Header.Get("x-real-ip")
	}
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "0.0.0.0"
}

// DeviceRand returns the opaque client-random token, or "".
func DeviceRand(r *http.Request) string {
	return r.Header.Get(HeaderDeviceRand)
}

// PageLoad reports whether the client flagged this request as a fresh page
// load, which forces a new session lookup cycle.
func PageLoad(r *http.Request) bool {
	switch r.Header.Get(HeaderPageLoad) {
	case "1", "true":
		return true
	}
	return false
}
