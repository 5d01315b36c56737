package call

// Params is the session context reconstructed from a webhook request.
// Nothing else survives between callbacks.
type Params struct {
	SessionID          string
	AgentRef           string
	LeadRef            string
	RecordingRequested bool
	Turn               int
	Utterance          string

	// Platform-supplied call details.
	CallSID   string
	Direction string
}

// Inbound reports whether the platform routed a caller to us rather than us dialing out.
func (p Params) Inbound() bool {
	return p.Direction == "inbound"
}

// StatusEvent is the payload of a status or recording-status callback.
type StatusEvent struct {
	CallSID         string `json:"callSid"`
	CallStatus      string `json:"callStatus,omitempty"`
	RecordingSID    string `json:"recordingSid,omitempty"`
	RecordingStatus string `json:"recordingStatus,omitempty"`
	RecordingURL    string `json:"recordingUrl,omitempty"`
	Duration        string `json:"duration,omitempty"`
}
