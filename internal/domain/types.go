package domain

// SessionState models the transcription session lifecycle.
type SessionState string

const (
	SessionStateIdle           SessionState = "idle"
	SessionStateConnecting     SessionState = "connecting"
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateStreaming      SessionState = "streaming"
	SessionStateReconnecting   SessionState = "reconnecting"
	SessionStateClosing        SessionState = "closing"
	SessionStateFailed         SessionState = "failed"
)

func (s SessionState) String() string {
	return string(s)
}

// Terminal reports whether the state ends a session.
func (s SessionState) Terminal() bool {
	return s == SessionStateIdle || s == SessionStateFailed
}

// TranscriptKind identifies whether a server event carries partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent is transcribed text pushed by the service.
type TranscriptEvent struct {
	Kind TranscriptKind `json:"kind"`
	Text string         `json:"text"`
}

// HostMessageType is the discriminator of every message relayed to a host page.
const HostMessageType = "transcription:message"

// HostMessage is relayed to the page hosting the transcription widget.
// Exactly one of Text or Debug is set.
type HostMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Debug string `json:"debug,omitempty"`
}

// TranscriptMessage wraps final transcript text for the host page.
func TranscriptMessage(text string) HostMessage {
	return HostMessage{Type: HostMessageType, Text: text}
}

// DebugMessage wraps a status line for the host page.
func DebugMessage(debug string) HostMessage {
	return HostMessage{Type: HostMessageType, Debug: debug}
}

// Status summarizes the current runtime status.
type Status struct {
	SessionID string       `json:"sessionId,omitempty"`
	State     SessionState `json:"state"`
	Active    bool         `json:"active"`
	Message   string       `json:"message,omitempty"`

	// Transcript is the final text so far followed by the current partial.
	Transcript string `json:"transcript,omitempty"`
}
