package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestSessionErrorMatchesKindSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("start: %w", NewSessionError(ErrorKindConnection, "dial", cause))

	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection sentinel to match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to match")
	}
	if errors.Is(err, ErrAuthentication) {
		t.Fatalf("authentication sentinel must not match a connection error")
	}
	kind, ok := KindOf(err)
	if !ok || kind != ErrorKindConnection {
		t.Fatalf("unexpected kind %q (%v)", kind, ok)
	}
	if _, ok := KindOf(cause); ok {
		t.Fatalf("plain errors carry no kind")
	}
	if got := err.Error(); got != "start: dial: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestSessionErrorWithoutCause(t *testing.T) {
	t.Parallel()

	err := NewSessionError(ErrorKindAuthentication, "authenticate", nil)
	if got := err.Error(); got != "authenticate: authentication" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication sentinel to match")
	}
}

func TestOnlyConnectionErrorsAreRetryable(t *testing.T) {
	t.Parallel()

	kinds := map[ErrorKind]bool{
		ErrorKindConnection:       true,
		ErrorKindAuthentication:   false,
		ErrorKindPermissionDenied: false,
		ErrorKindProtocol:         false,
		ErrorKindDevice:           false,
		ErrorKindConfiguration:    false,
	}
	for kind, want := range kinds {
		if got := kind.Retryable(); got != want {
			t.Fatalf("%s: retryable=%v, want %v", kind, got, want)
		}
	}
}

func TestCloseErrorServiceRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want bool
	}{
		{CloseNormal, false},
		{1006, false},
		{3999, false},
		{4000, true},
		{CloseAuthFailed, true},
		{4999, true},
		{5000, false},
	}
	for _, tc := range cases {
		err := &CloseError{Code: tc.code}
		if got := err.IsServiceCode(); got != tc.want {
			t.Fatalf("code %d: got %v, want %v", tc.code, got, tc.want)
		}
	}

	if got := (&CloseError{Code: 4001, Reason: "not authorized"}).Error(); got != "connection closed with code 4001: not authorized" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	terminal := map[SessionState]bool{
		SessionStateIdle:           true,
		SessionStateFailed:         true,
		SessionStateConnecting:     false,
		SessionStateAuthenticating: false,
		SessionStateStreaming:      false,
		SessionStateReconnecting:   false,
		SessionStateClosing:        false,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Fatalf("%s: terminal=%v, want %v", state, got, want)
		}
	}
}

func TestHostMessageShape(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(TranscriptMessage("hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"type":"transcription:message","text":"hello"}` {
		t.Fatalf("unexpected transcript message %s", raw)
	}

	raw, err = json.Marshal(DebugMessage("connecting"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"type":"transcription:message","debug":"connecting"}` {
		t.Fatalf("unexpected debug message %s", raw)
	}
}

func TestIsFatalFollowsWrapping(t *testing.T) {
	t.Parallel()

	err := NewSessionError(ErrorKindProtocol, "receive", errors.New("unknown message type"))
	if IsFatal(err) {
		t.Fatalf("new session errors are not fatal")
	}
	err.Fatal = true
	if !IsFatal(fmt.Errorf("session: %w", err)) {
		t.Fatalf("expected wrapped fatal error to be detected")
	}
	if IsFatal(errors.New("plain")) {
		t.Fatalf("plain errors are never fatal")
	}
}
