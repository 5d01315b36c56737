package call

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
)

// Target names the webhook the platform should call next.
type Target int

const (
	TargetVoice Target = iota + 1
	TargetTranscribe
	TargetStatus
)

// Path is the route the target is mounted on.
func (t Target) Path() string {
	switch t {
	case TargetVoice:
		return "/webhooks/voice"
	case TargetTranscribe:
		return "/webhooks/transcribe"
	case TargetStatus:
		return "/webhooks/status"
	default:
		return ""
	}
}

func (t Target) String() string {
	switch t {
	case TargetVoice:
		return "voice"
	case TargetTranscribe:
		return "transcribe"
	case TargetStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Query parameter names carried in callback URLs.
const (
	ParamAgentRef           = "agentRef"
	ParamSessionID          = "sessionId"
	ParamLeadRef            = "leadRef"
	ParamRecordingRequested = "recordingRequested"
	ParamTurn               = "turn"
	ParamUtterance          = "utteranceText"

	// Older dialers used these names.
	legacyAgentID = "agentId"
	legacyLeadID  = "leadId"
	legacyRecord  = "record"

	platformSpeechResult = "SpeechResult"
	platformCallSID      = "CallSid"
	platformDirection    = "Direction"
)

// Links resolves targets to absolute URLs.
type Links struct {
	BaseURL string
}

// URL builds the callback URL for target carrying p's session context.
func (l Links) URL(target Target, p callmodel.Params) string {
	return strings.TrimRight(l.BaseURL, "/") + target.Path() + "?" + EncodeParams(p).Encode()
}

// Bare builds a URL with no query string, for status callbacks.
func (l Links) Bare(target Target) string {
	return strings.TrimRight(l.BaseURL, "/") + target.Path()
}

// Absolute resolves a server-relative reference such as a staged audio path.
// Absolute URLs are returned unchanged.
func (l Links) Absolute(ref string) string {
	if ref == "" || strings.Contains(ref, "://") || l.BaseURL == "" {
		return ref
	}
	return strings.TrimRight(l.BaseURL, "/") + "/" + strings.TrimLeft(ref, "/")
}

// EncodeParams returns the session context as query values. The utterance and
// platform-supplied fields are never echoed back.
func EncodeParams(p callmodel.Params) url.Values {
	values := url.Values{}
	values.Set(ParamAgentRef, p.AgentRef)
	values.Set(ParamSessionID, p.SessionID)
	values.Set(ParamRecordingRequested, strconv.FormatBool(p.RecordingRequested))
	if p.LeadRef != "" {
		values.Set(ParamLeadRef, p.LeadRef)
	}
	if p.Turn > 0 {
		values.Set(ParamTurn, strconv.Itoa(p.Turn))
	}
	return values
}

// ParseParams reconstructs the session context from merged query and form
// values, accepting the legacy aliases.
func ParseParams(values url.Values) (callmodel.Params, error) {
	const op = "call.parse_params"

	p := callmodel.Params{
		AgentRef:  firstOf(values, ParamAgentRef, legacyAgentID),
		SessionID: strings.TrimSpace(values.Get(ParamSessionID)),
		LeadRef:   firstOf(values, ParamLeadRef, legacyLeadID),
		Utterance: firstOf(values, ParamUtterance, platformSpeechResult),
		CallSID:   strings.TrimSpace(values.Get(platformCallSID)),
		Direction: strings.ToLower(strings.TrimSpace(values.Get(platformDirection))),
	}

	if raw := firstOf(values, ParamRecordingRequested, legacyRecord); raw != "" {
		rec, err := strconv.ParseBool(raw)
		if err != nil {
			return p, apperr.Validation(op, "RECORDING_REQUESTED", "recordingRequested must be true or false")
		}
		p.RecordingRequested = rec
	}

	if raw := strings.TrimSpace(values.Get(ParamTurn)); raw != "" {
		turn, err := strconv.Atoi(raw)
		if err != nil || turn < 0 {
			return p, apperr.Validation(op, "TURN", "turn must be a non-negative integer")
		}
		p.Turn = turn
	}

	// 旧版外呼不携带 sessionId，改用平台的 CallSid 关联同一通电话
	if p.SessionID == "" {
		p.SessionID = p.CallSID
	}

	if p.AgentRef == "" {
		return p, apperr.Validation(op, "AGENT_REF", "agentRef is required")
	}
	return p, nil
}

func firstOf(values url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(values.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
