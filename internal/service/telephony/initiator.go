// Package telephony places outbound calls through the Twilio REST API.
package telephony

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/config"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
)

// CallsAPI is the subset of the Twilio REST client the initiator needs.
type CallsAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	CreateCallRecording(callSid string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error)
}

// NewClient builds the REST client once per process. It returns nil when no
// credentials are configured.
func NewClient(cfg config.TelephonyConfig) CallsAPI {
	if !cfg.Enabled() {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return client.Api
}

// DialRequest describes one outbound call.
type DialRequest struct {
	AgentRef string `json:"agentRef"`
	To       string `json:"to"`
	From     string `json:"from"`
	Record   bool   `json:"record"`
	LeadRef  string `json:"leadRef"`
	// BaseURL overrides the configured public base URL; the API handler sets
	// it to the origin the request arrived on.
	BaseURL string `json:"-"`
}

// DialResult is returned once the platform accepted the call.
type DialResult struct {
	CallSID   string `json:"callSid"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// Initiator places outbound calls.
type Initiator struct {
	api         CallsAPI
	agents      agent.Store
	links       call.Links
	defaultFrom string
	newID       func() string
}

// NewInitiator creates an initiator. api may be nil when telephony is not
// configured, in which case every Dial fails with a configuration error.
func NewInitiator(api CallsAPI, agents agent.Store, links call.Links, defaultFrom string) *Initiator {
	return &Initiator{
		api:         api,
		agents:      agents,
		links:       links,
		defaultFrom: defaultFrom,
		newID:       uuid.NewString,
	}
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// NormalizeNumber strips formatting and adds a missing leading +.
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	n := b.String()
	if n != "" && !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return n
}

// ValidNumber reports whether n is an E.164 number.
func ValidNumber(n string) bool {
	return e164.MatchString(n)
}

// Dial validates the request, generates the session id and asks the platform
// to call the destination. The platform fetches the Voice webhook once the
// callee answers.
func (i *Initiator) Dial(ctx context.Context, req DialRequest) (res DialResult, err error) {
	const op = "telephony.dial"

	started := time.Now()
	defer func() {
		attrs := []any{
			"agent_id", req.AgentRef,
			"to", req.To,
			"from", req.From,
			"lead_ref", req.LeadRef,
			"record", req.Record,
			"session_id", res.SessionID,
			"elapsed_ms", time.Since(started).Milliseconds(),
		}
		if err != nil {
			slog.Warn("outbound call rejected", append(attrs, "error", err)...)
			return
		}
		slog.Info("outbound call placed", append(attrs, "call_sid", res.CallSID, "status", res.Status)...)
	}()

	if strings.TrimSpace(req.AgentRef) == "" {
		return res, apperr.Validation(op, "AGENT_REF", "agentRef is required")
	}
	if strings.TrimSpace(req.To) == "" {
		return res, apperr.Validation(op, "TO_NUMBER", "destination number is required")
	}

	to := NormalizeNumber(req.To)
	if !ValidNumber(to) {
		return res, apperr.Validation(op, "TO_NUMBER", "destination number must be E.164")
	}

	// 主叫号码不做猜测
	fromRaw := strings.TrimSpace(req.From)
	if fromRaw == "" {
		fromRaw = i.defaultFrom
	}
	from := NormalizeNumber(fromRaw)
	if !ValidNumber(from) || !strings.HasPrefix(strings.TrimSpace(fromRaw), "+") {
		return res, apperr.Configuration(op, "INVALID_FROM_NUMBER", "origin number is missing or not E.164")
	}

	a, ok := i.agents.FindByID(req.AgentRef)
	if !ok {
		return res, apperr.NotFound(op, "agent", req.AgentRef)
	}
	if i.api == nil {
		return res, apperr.Configuration(op, "TELEPHONY_DISABLED", "twilio credentials are not configured")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	links, err := i.resolveLinks(op, req.BaseURL)
	if err != nil {
		return res, err
	}

	res.SessionID = i.newID()
	params := callmodel.Params{
		SessionID:          res.SessionID,
		AgentRef:           a.ID,
		LeadRef:            strings.TrimSpace(req.LeadRef),
		RecordingRequested: req.Record,
	}

	create := &twilioApi.CreateCallParams{}
	create.SetTo(to)
	create.SetFrom(from)
	create.SetUrl(links.URL(call.TargetVoice, params))
	create.SetMethod("POST")
	create.SetStatusCallback(links.Bare(call.TargetStatus))
	create.SetStatusCallbackEvent([]string{"completed"})
	create.SetStatusCallbackMethod("POST")
	if req.Record {
		create.SetRecord(true)
		create.SetRecordingStatusCallback(links.Bare(call.TargetStatus))
		create.SetRecordingStatusCallbackEvent([]string{"completed"})
		create.SetRecordingStatusCallbackMethod("POST")
	}

	resp, err := i.api.CreateCall(create)
	if err != nil {
		return res, upstreamError(op, err)
	}
	if resp != nil {
		if resp.Sid != nil {
			res.CallSID = *resp.Sid
		}
		if resp.Status != nil {
			res.Status = string(*resp.Status)
		}
	}
	return res, nil
}

// StartRecording asks the platform to record an in-progress call, used for
// inbound calls that were not recorded from dial time. baseURL overrides the
// configured public base URL for the recording-status callback.
func (i *Initiator) StartRecording(ctx context.Context, callSID, baseURL string) error {
	const op = "telephony.start_recording"

	if strings.TrimSpace(callSID) == "" {
		return apperr.Validation(op, "CALL_SID", "call sid is required")
	}
	if i.api == nil {
		return apperr.Configuration(op, "TELEPHONY_DISABLED", "twilio credentials are not configured")
	}
	links, err := i.resolveLinks(op, baseURL)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(links.Bare(call.TargetStatus))
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingStatusCallbackMethod("POST")

	if _, err := i.api.CreateCallRecording(callSID, params); err != nil {
		return upstreamError(op, err)
	}
	slog.Info("call recording started", "call_sid", callSID)
	return nil
}

// resolveLinks picks the callback origin. The platform only accepts absolute
// callback URLs, so a missing origin is a configuration error.
func (i *Initiator) resolveLinks(op, override string) (call.Links, error) {
	links := i.links
	if base := strings.TrimSpace(override); base != "" {
		links = call.Links{BaseURL: base}
	}
	if !strings.HasPrefix(links.BaseURL, "http://") && !strings.HasPrefix(links.BaseURL, "https://") {
		return links, apperr.Configuration(op, "PUBLIC_BASE_URL_MISSING", "public base url is not configured and could not be derived")
	}
	return links, nil
}

// upstreamError keeps the platform's code, status and message verbatim.
func upstreamError(op string, err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return apperr.Upstream(op, strconv.Itoa(restErr.Code), restErr.Status, restErr.Message, err)
	}
	return apperr.Upstream(op, "", 0, err.Error(), err)
}
