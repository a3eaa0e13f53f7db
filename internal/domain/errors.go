package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind string

const (
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindConnection       ErrorKind = "connection"
	ErrorKindAuthentication   ErrorKind = "authentication"
	ErrorKindProtocol         ErrorKind = "protocol"
	ErrorKindDevice           ErrorKind = "device"
	ErrorKindConfiguration    ErrorKind = "configuration"
)

// Retryable reports whether a reconnect may follow an error of this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindConnection
}

var (
	ErrPermissionDenied = errors.New("audio capture permission denied")
	ErrConnection       = errors.New("connection error")
	ErrAuthentication   = errors.New("authentication error")
	ErrProtocol         = errors.New("protocol error")
	ErrDevice           = errors.New("capture device error")
	ErrConfiguration    = errors.New("configuration error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case ErrorKindPermissionDenied:
		return ErrPermissionDenied
	case ErrorKindConnection:
		return ErrConnection
	case ErrorKindAuthentication:
		return ErrAuthentication
	case ErrorKindProtocol:
		return ErrProtocol
	case ErrorKindDevice:
		return ErrDevice
	case ErrorKindConfiguration:
		return ErrConfiguration
	default:
		return nil
	}
}

// SessionError is a classified failure surfaced by the session client.
type SessionError struct {
	Kind ErrorKind
	Op   string
	Err  error

	// Fatal is set when the error ended the session.
	Fatal bool
}

// NewSessionError builds a SessionError for the given kind.
func NewSessionError(kind ErrorKind, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind as well as the wrapped chain.
func (e *SessionError) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// KindOf returns the kind of a classified error, or false for anything else.
func KindOf(err error) (ErrorKind, bool) {
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind, true
	}
	return "", false
}

// IsFatal reports whether err ended a session.
func IsFatal(err error) bool {
	var sessionErr *SessionError
	return errors.As(err, &sessionErr) && sessionErr.Fatal
}

// Close codes used by the transcription service.
const (
	CloseNormal     = 1000
	CloseAuthFailed = 4001
)

// CloseError is a close frame received from the transcription service.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// IsServiceCode reports whether the code is in the service-defined 4xxx range.
func (e *CloseError) IsServiceCode() bool {
	return e.Code >= 4000 && e.Code <= 4999
}
