package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsAllowedMethods = "GET, POST, PUT, OPTIONS"
)

// originMatcher holds exact origins plus "scheme://*.domain" wildcard suffixes.
type originMatcher struct {
	any      bool
	exact    map[string]struct{}
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	domain string
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case origin == "":
		case origin == "*":
			m.any = true
		case strings.Contains(origin, "://*."):
			scheme, domain, _ := strings.Cut(origin, "://*")
			m.suffixes = append(m.suffixes, originSuffix{scheme: scheme + "://", domain: domain})
		default:
			m.exact[origin] = struct{}{}
		}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if m.any {
		return true
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, s := range m.suffixes {
		host, ok := strings.CutPrefix(origin, s.scheme)
		// "*.coaching.example" matches subdomains only, not the apex.
		if ok && strings.HasSuffix(host, s.domain) && len(host) > len(s.domain) {
			return true
		}
	}
	return false
}

// CORS allows the booking frontend's origins. Entries may be exact origins,
// "*" for any origin, or "https://*.domain" for preview subdomains.
// Preflights from unlisted origins are rejected with 403.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	matcher := newOriginMatcher(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			allowed := matcher.allows(origin)
			if origin != "" {
				w.Header().Add("Vary", "Origin")
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
