package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		headers map[string]string
		tls     bool
		want    string
	}{
		{name: "plain", host: "localhost:8080", want: "http://localhost:8080"},
		{name: "tls", host: "calls.example.com", tls: true, want: "https://calls.example.com"},
		{name: "forwarded proto", host: "abc.ngrok.app", headers: map[string]string{"X-Forwarded-Proto": "https"}, want: "https://abc.ngrok.app"},
		{
			name:    "forwarded chain",
			host:    "10.0.0.7:8080",
			headers: map[string]string{"X-Forwarded-Proto": "HTTPS, http", "X-Forwarded-Host": "calls.example.org, internal"},
			want:    "https://calls.example.org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
			req.Host = tt.host
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			} else {
				req.TLS = nil
			}
			if got := RequestBaseURL(req); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPublicBaseURL(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = BaseURL(r)
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
	req.Host = "abc.ngrok.app"
	req.Header.Set("X-Forwarded-Proto", "https")

	PublicBaseURL("")(next).ServeHTTP(httptest.NewRecorder(), req)
	if seen != "https://abc.ngrok.app" {
		t.Fatalf("expected derived origin, got %q", seen)
	}

	PublicBaseURL("https://calls.example.com/")(next).ServeHTTP(httptest.NewRecorder(), req)
	if seen != "https://calls.example.com" {
		t.Fatalf("configured origin should win, got %q", seen)
	}
}
