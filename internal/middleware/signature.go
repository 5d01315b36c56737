// Package middleware holds HTTP middleware shared by the webhook routes.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/zhouzirui/voice-agent/backend/pkg/utils"
)

// SignatureHeader carries the platform's HMAC over the request.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks a request signature.
type Validator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// NewSignatureValidator builds the platform validator for authToken.
func NewSignatureValidator(authToken string) Validator {
	rv := twilioclient.NewRequestValidator(authToken)
	return &rv
}

// Signature rejects webhook requests whose signature does not match the
// public URL and form body. The platform signs the URL it was given, so the
// public base URL is used instead of the Host header; when it is empty the
// origin derived by PublicBaseURL is used.
func Signature(v Validator, publicBaseURL string) func(http.Handler) http.Handler {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				slog.Warn("webhook form could not be parsed", "path", r.URL.Path, "error", err)
				utils.RespondText(w, http.StatusForbidden, "invalid signature")
				return
			}

			params := make(map[string]string, len(r.PostForm))
			for key, values := range r.PostForm {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			origin := base
			if origin == "" {
				origin = BaseURL(r)
			}

			signature := r.Header.Get(SignatureHeader)
			if signature == "" || !v.Validate(origin+r.URL.RequestURI(), params, signature) {
				slog.Warn("webhook signature rejected",
					"path", r.URL.Path,
					"call_sid", params["CallSid"],
					"has_signature", signature != "",
				)
				utils.RespondText(w, http.StatusForbidden, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
