package edge

import (
	"errors"
	"net/url"
	"strings"
)

// Origin allow-list failures. Callers translate these into structured HTTP
// rejections; the check itself has no side effects.
var (
	ErrOriginRequired   = errors.New("origin_required")
	ErrOriginNotAllowed = errors.New("origin_not_allowed")
)

// OriginCheck is the outcome of an allow-list evaluation.
type OriginCheck struct {
	Allowed bool
	// Host is the normalized (lower-cased) host extracted from the Origin or
	// Referer header, empty when neither header was present or parseable.
	Host string
}

// OriginHost extracts and normalizes the embedding page's host from the
// Origin header, falling back to Referer. Unparseable values yield "".
func OriginHost(origin, referer string) string {
	raw := origin
	if raw == "" {
		raw = referer
	}
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}

// CheckOrigin validates a browser origin host against a tenant domain list.
// Domains match exactly, or via a single-level wildcard prefix: "*.example.com"
// matches "example.com" and any subdomain of it. A bare "example.com" entry
// does not match subdomains.
//
// When no origin header was present: strict mode fails with ErrOriginRequired,
// non-strict mode passes the request through unchecked (the config endpoint is
// fetched before the widget knows its embedding context).
func CheckOrigin(origin, referer string, domains []string, strict bool) (OriginCheck, error) {
	host := OriginHost(origin, referer)
	if host == "" {
		if strict {
			return OriginCheck{}, ErrOriginRequired
		}
		return OriginCheck{Allowed: true}, nil
	}

	if domainAllowed(host, domains) {
		return OriginCheck{Allowed: true, Host: host}, nil
	}
	return OriginCheck{Host: host}, ErrOriginNotAllowed
}

func domainAllowed(host string, domains []string) bool {
	if host == "" || len(domains) == 0 {
		return false
	}
	for _, raw := range domains {
		domain := strings.ToLower(strings.TrimSpace(raw))
		if domain == "" {
			continue
		}
		if domain == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(domain, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}
