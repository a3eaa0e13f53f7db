package ports

import (
	"context"
	"time"

	"livescribe/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate    int
	Channels      int
	InputFormat   string
	InputDevice   string
	SliceInterval time.Duration
}

// AudioSession is a live capture session.
type AudioSession interface {
	// Frames yields one chunk per slice interval and is closed when capture ends.
	Frames() <-chan []byte
	// Err reports why capture ended, nil after a requested Stop.
	Err() error
	// Stop stops producing frames.
	Stop() error
	// Close releases the capture device.
	Close() error
}

// AudioCapture creates microphone capture sessions.
//
// Start must return an error wrapping domain.ErrPermissionDenied when the host
// refuses access to the input device.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Conn is one message-oriented socket to the transcription service.
type Conn interface {
	// ReadMessage returns the next text payload. A close frame from the peer
	// is reported as *domain.CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

// DialConfig identifies the transcription endpoint for one connection.
// It never carries the credential.
type DialConfig struct {
	Endpoint   string
	SampleRate int
}

// Dialer opens sockets to the transcription endpoint.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Conn, error)
}

// HostBridge relays messages to the page hosting the widget.
type HostBridge interface {
	Publish(msg domain.HostMessage)
}
