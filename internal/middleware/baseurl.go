package middleware

import (
	"context"
	"net/http"
	"strings"
)

type baseURLKey struct{}

// PublicBaseURL stores the origin the telephony platform reaches us at in the
// request context. A configured origin always wins; when it is empty the
// origin is derived from each request.
func PublicBaseURL(configured string) func(http.Handler) http.Handler {
	configured = strings.TrimRight(strings.TrimSpace(configured), "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			base := configured
			if base == "" {
				base = RequestBaseURL(r)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), baseURLKey{}, base)))
		})
	}
}

// BaseURL returns the origin stored by PublicBaseURL, or derives it from r
// when the middleware did not run.
func BaseURL(r *http.Request) string {
	if base, ok := r.Context().Value(baseURLKey{}).(string); ok && base != "" {
		return base
	}
	return RequestBaseURL(r)
}

// RequestBaseURL builds scheme://host from the proxy headers, falling back to
// the connection itself. 隧道/反向代理会改写 Host，因此优先读取 X-Forwarded-*。
func RequestBaseURL(r *http.Request) string {
	scheme := firstHeaderValue(r.Header.Get("X-Forwarded-Proto"))
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	host := firstHeaderValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + host
}

// firstHeaderValue keeps the client-most entry of a comma separated header.
func firstHeaderValue(raw string) string {
	if i := strings.IndexByte(raw, ','); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}
