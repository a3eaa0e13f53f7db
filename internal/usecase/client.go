package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"livescribe/internal/domain"
	"livescribe/internal/observe"
	"livescribe/internal/ports"
)

const (
	defaultSliceInterval = 250 * time.Millisecond
	defaultAuthTimeout   = 5 * time.Second
	defaultCloseTimeout  = 2 * time.Second
	defaultPendingFrames = 20
)

// SessionConfig describes one transcription session.
type SessionConfig struct {
	// Endpoint is the real-time service URL. Empty selects the provider default.
	Endpoint   string
	SampleRate int
	// Credential is sent in the first socket message and nowhere else.
	Credential string

	SliceInterval        time.Duration
	MaxReconnectAttempts int
	AuthTimeout          time.Duration
	CloseTimeout         time.Duration
	// PendingFrames bounds the frames held while the socket is not streaming.
	PendingFrames int
	Backoff       BackoffPolicy

	Audio ports.AudioConfig
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SliceInterval <= 0 {
		c.SliceInterval = defaultSliceInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.PendingFrames == 0 {
		c.PendingFrames = defaultPendingFrames
	}
	c.Backoff = c.Backoff.withDefaults()
	c.Audio.SampleRate = c.SampleRate
	c.Audio.SliceInterval = c.SliceInterval
	return c
}

// Validate checks the fields a session cannot start without.
func (c SessionConfig) Validate() error {
	var problems []string
	if c.SampleRate <= 0 {
		problems = append(problems, "sample rate must be positive")
	}
	if strings.TrimSpace(c.Credential) == "" {
		problems = append(problems, "credential is required")
	}
	if c.MaxReconnectAttempts < 0 {
		problems = append(problems, "max reconnect attempts must not be negative")
	}
	if c.PendingFrames < 0 {
		problems = append(problems, "pending frame bound must not be negative")
	}
	if c.Endpoint != "" {
		parsed, err := url.Parse(c.Endpoint)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("invalid endpoint: %v", err))
		case parsed.Host == "":
			problems = append(problems, "endpoint host is required")
		default:
			switch parsed.Scheme {
			case "ws", "wss", "http", "https":
			default:
				problems = append(problems, fmt.Sprintf("unsupported endpoint scheme %q", parsed.Scheme))
			}
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Option customizes a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics *observe.Metrics) Option {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// Client runs at most one transcription session at a time and fans its
// events out to registered listeners.
type Client struct {
	capture ports.AudioCapture
	dialer  ports.Dialer
	logger  *zap.Logger
	metrics *observe.Metrics

	listenersMu  sync.RWMutex
	onTranscript []func(string)
	onPartial    []func(string)
	onStatus     []func(string)
	onError      []func(error)

	startMu sync.Mutex

	mu      sync.Mutex
	pending *Session // capture is still starting
	current *Session
	last    *Session
}

func NewClient(capture ports.AudioCapture, dialer ports.Dialer, opts ...Option) *Client {
	c := &Client{
		capture: capture,
		dialer:  dialer,
		logger:  zap.NewNop(),
		metrics: observe.NopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTranscript registers a listener for final transcript text.
func (c *Client) OnTranscript(fn func(text string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onTranscript = append(c.onTranscript, fn)
}

// OnPartial registers a listener for interim transcript text.
func (c *Client) OnPartial(fn func(text string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onPartial = append(c.onPartial, fn)
}

// OnStatus registers a listener for human-readable lifecycle messages.
func (c *Client) OnStatus(fn func(message string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnError registers a listener for classified session errors.
func (c *Client) OnError(fn func(err error)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onError = append(c.onError, fn)
}

// Start captures the microphone and connects a new session. An active
// session is stopped first.
func (c *Client) Start(ctx context.Context, cfg SessionConfig) (*Session, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		sessionErr := domain.NewSessionError(domain.ErrorKindConfiguration, "start", err)
		c.logger.Warn("rejected session config", zap.Error(err))
		c.emitError(sessionErr)
		return nil, sessionErr
	}

	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.mu.Unlock()

	if previous != nil {
		c.logger.Info("stopping previous session", zap.String("session_id", previous.ID()))
		if err := previous.Stop(ctx); err != nil {
			return nil, fmt.Errorf("stop previous session: %w", err)
		}
	}

	s := newSession(c, cfg)
	s.setState(domain.SessionStateConnecting)
	c.mu.Lock()
	c.pending = s
	c.mu.Unlock()
	s.status("requesting microphone access")

	audio, err := c.capture.Start(s.ctx, cfg.Audio)

	c.mu.Lock()
	c.pending = nil
	c.last = s
	stopped := s.stopping.Load()
	if err == nil && !stopped {
		c.current = s
	}
	c.mu.Unlock()

	if stopped {
		if err != nil {
			s.logger.Debug("capture start interrupted by stop", zap.Error(err))
		}
		s.abandonCapture(audio)
		return s, nil
	}

	if err != nil {
		kind := domain.ErrorKindDevice
		message := fmt.Sprintf("audio capture failed: %v", err)
		if errors.Is(err, domain.ErrPermissionDenied) {
			kind = domain.ErrorKindPermissionDenied
			message = "microphone permission denied"
		}
		sessionErr := domain.NewSessionError(kind, "capture", err)
		sessionErr.Fatal = true
		s.setFailed(sessionErr)
		s.status(message)
		c.metrics.RecordFailure(context.Background(), string(kind))
		c.emitError(sessionErr)
		s.cancel()
		close(s.done)
		return nil, sessionErr
	}

	s.audio = audio
	s.frames = audio.Frames()
	s.status("microphone access granted")
	c.metrics.ActiveSessions.Add(context.Background(), 1)

	s.beginConnect()
	go s.run()
	return s, nil
}

// Stop ends the current session and waits for its shutdown to finish. A
// session still waiting for capture access is abandoned before it dials.
// It is a no-op when no session is running.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	if s == nil && c.pending != nil {
		s = c.pending
		s.requestStop()
		s.cancel()
	}
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}

// Current returns the running session, if any.
func (c *Client) Current() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	return c.current, nil
}

// Status reports the running session, or the last one when none is running.
func (c *Client) Status() domain.Status {
	s := c.session()
	if s == nil {
		return domain.Status{State: domain.SessionStateIdle}
	}
	state := s.State()
	return domain.Status{
		SessionID:  s.ID(),
		State:      state,
		Active:     !state.Terminal(),
		Message:    s.log.LastStatus(),
		Transcript: s.log.Live(),
	}
}

// Transcript returns the final transcript text of the running session, or of
// the last one when none is running.
func (c *Client) Transcript() string {
	s := c.session()
	if s == nil {
		return ""
	}
	return s.Transcript()
}

func (c *Client) session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.current != nil:
		return c.current
	case c.pending != nil:
		return c.pending
	default:
		return c.last
	}
}

var ErrNoActiveSession = errors.New("no active transcription session")

func (c *Client) finished(s *Session) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

func (c *Client) emitStatus(message string) {
	c.listenersMu.RLock()
	listeners := c.onStatus
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(message)
	}
}

func (c *Client) emitTranscript(text string) {
	c.listenersMu.RLock()
	listeners := c.onTranscript
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(text)
	}
}

func (c *Client) emitPartial(text string) {
	c.listenersMu.RLock()
	listeners := c.onPartial
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(text)
	}
}

func (c *Client) emitError(err error) {
	c.listenersMu.RLock()
	listeners := c.onError
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(err)
	}
}
