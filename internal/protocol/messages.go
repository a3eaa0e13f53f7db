// Package protocol frames messages exchanged with the real-time transcription service.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"livescribe/internal/domain"
)

// Inbound message types.
const (
	MessageSessionBegins     = "SessionBegins"
	MessagePartialTranscript = "PartialTranscript"
	MessageFinalTranscript   = "FinalTranscript"
	MessageSessionTerminated = "SessionTerminated"
	MessageError             = "Error"
)

type beginMessage struct {
	SessionBegins bool   `json:"session_begins"`
	Token         string `json:"token"`
}

type audioMessage struct {
	AudioData string `json:"audio_data"`
}

// ServerMessage is one decoded inbound message.
type ServerMessage struct {
	Type      string `json:"message_type"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Transcript converts transcript messages into domain events.
func (m ServerMessage) Transcript() (domain.TranscriptEvent, bool) {
	switch m.Type {
	case MessageFinalTranscript:
		return domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: m.Text}, true
	case MessagePartialTranscript:
		return domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: m.Text}, true
	default:
		return domain.TranscriptEvent{}, false
	}
}

// EncodeBegin builds the connection-initiation message carrying the credential.
func EncodeBegin(token string) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("credential must not be empty")
	}
	return json.Marshal(beginMessage{SessionBegins: true, Token: token})
}

// EncodeAudio wraps one captured frame. Frames are never split or merged.
func EncodeAudio(frame []byte) ([]byte, error) {
	return json.Marshal(audioMessage{AudioData: base64.StdEncoding.EncodeToString(frame)})
}

// DecodeAudio unwraps a message produced by EncodeAudio.
func DecodeAudio(payload []byte) ([]byte, error) {
	var msg audioMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid audio message: %v", domain.ErrProtocol, err)
	}
	frame, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid audio payload: %v", domain.ErrProtocol, err)
	}
	return frame, nil
}

// Decode parses an inbound message. A message carrying an error field is
// reported with Type MessageError regardless of its message_type.
func Decode(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: invalid json: %v", domain.ErrProtocol, err)
	}
	msg.Error = strings.TrimSpace(msg.Error)
	if msg.Error != "" {
		msg.Type = MessageError
		return msg, nil
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("%w: message without message_type", domain.ErrProtocol)
	}
	return msg, nil
}
