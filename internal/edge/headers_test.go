package edge

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{name: "forwarded first hop", forwarded: "9.9.9.9, 10.0.0.1", remoteAddr: "127.0.0.1:1234", want: "9.9.9.9"},
		{name: "real ip fallback", realIP: "8.8.8.8", remoteAddr: "127.0.0.1:1234", want: "8.8.8.8"},
		{name: "socket peer fallback", remoteAddr: "127.0.0.1:1234", want: "127.0.0.1"},
		{name: "no address at all", want: "0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("x-forwarded-for", tt.forwarded)
			}
			if tt.realIP != "" {
				r.Header.Set("x-real-ip", tt.realIP)
			}
			if got := ClientIP(r); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPageLoadFlag(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if PageLoad(r) {
		t.Fatal("absent header must not flag a page load")
	}
	r.Header.Set(HeaderPageLoad, "1")
	if !PageLoad(r) {
		t.Fatal(`"1" should flag a page load`)
	}
	r.Header.Set(HeaderPageLoad, "true")
	if !PageLoad(r) {
		t.Fatal(`"true" should flag a page load`)
	}
	r.Header.Set(HeaderPageLoad, "yes")
	if PageLoad(r) {
		t.Fatal("unrecognized values must not flag a page load")
	}
}

func TestSignedRequestFromHeaders(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/ingest/messages", nil)
	r.Header.Set(HeaderTimestamp, "1700000000000")
	r.Header.Set(HeaderNonce, "n-1")
	r.Header.Set(HeaderSignature, "abcd")

	signed := SignedRequestFromHeaders(r, "pub-1")
	if signed.PublicID != "pub-1" || signed.Timestamp != "1700000000000" || signed.Nonce != "n-1" || signed.Signature != "abcd" {
		t.Fatalf("unexpected signed request: %+v", signed)
	}
}
