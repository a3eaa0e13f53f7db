package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livescribe/internal/domain"
	"livescribe/internal/ports"
	"livescribe/internal/protocol"
)

// maxConsecutiveProtocolErrors fails a session that keeps receiving
// messages it cannot interpret.
const maxConsecutiveProtocolErrors = 3

type inboundEvent struct {
	conn    ports.Conn
	payload []byte
	err     error
}

type dialResult struct {
	conn ports.Conn
	err  error
}

// Session is one capture-and-transcribe lifecycle. All of its mutable
// connection state is owned by the run goroutine.
type Session struct {
	id     string
	cfg    SessionConfig
	client *Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool
	done     chan struct{}

	stateMu sync.Mutex
	state   domain.SessionState
	err     error

	log *sessionLog

	audio  ports.AudioSession
	frames <-chan []byte

	conn        ports.Conn
	inbound     chan inboundEvent
	dialResults chan dialResult
	dialCancel  context.CancelFunc
	pending     *frameBuffer
	attempts    int
	protoErrs   int
	openedAt    time.Time
	authTimer   *time.Timer
	retryTimer  *time.Timer
}

func newSession(c *Client, cfg SessionConfig) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		cfg:         cfg,
		client:      c,
		logger:      c.logger.With(zap.String("session_id", id)),
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		state:       domain.SessionStateIdle,
		log:         newSessionLog(),
		inbound:     make(chan inboundEvent, 16),
		dialResults: make(chan dialResult),
		pending:     newFrameBuffer(cfg.PendingFrames),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() domain.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// StatusLog returns every status message emitted so far.
func (s *Session) StatusLog() []string {
	return s.log.Statuses()
}

// Transcript returns the final transcripts joined with spaces.
func (s *Session) Transcript() string {
	return s.log.Transcript()
}

// Done is closed when the session reaches idle or failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop requests a clean shutdown and waits for it. Repeated calls only wait.
func (s *Session) Stop(ctx context.Context) error {
	s.requestStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stopCh)
	})
}

// abandonCapture ends a session that was stopped before it dialed. Only the
// capture device, if it was acquired, needs releasing.
func (s *Session) abandonCapture(audio ports.AudioSession) {
	s.setState(domain.SessionStateClosing)
	s.status("closing session")
	if audio != nil {
		if err := audio.Stop(); err != nil {
			s.logger.Warn("failed to stop audio capture cleanly", zap.Error(err))
		}
		if err := audio.Close(); err != nil {
			s.logger.Warn("failed to release audio device", zap.Error(err))
		}
	}
	s.setState(domain.SessionStateIdle)
	s.status("session closed")
	s.cancel()
	close(s.done)
}

func (s *Session) setState(state domain.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != state {
		s.logger.Debug("session state changed", zap.Stringer("from", s.state), zap.Stringer("to", state))
	}
	s.state = state
}

func (s *Session) setFailed(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = domain.SessionStateFailed
	s.err = err
}

func (s *Session) status(message string) {
	s.log.AppendStatus(message)
	s.logger.Info("session status", zap.String("status", message))
	s.client.emitStatus(message)
}

func (s *Session) run() {
	defer s.finish()

	for !s.State().Terminal() {
		select {
		case <-s.stopCh:
			s.shutdown()
		case res := <-s.dialResults:
			s.handleDial(res)
		case ev := <-s.inbound:
			s.handleInbound(ev)
		case frame, ok := <-s.frames:
			s.handleFrame(frame, ok)
		case <-timerC(s.authTimer):
			s.authTimer = nil
			s.connectionLost(domain.NewSessionError(domain.ErrorKindAuthentication, "authenticate",
				fmt.Errorf("timed out after %s waiting for SessionBegins", s.cfg.AuthTimeout)), false)
		case <-timerC(s.retryTimer):
			s.retryTimer = nil
			s.beginConnect()
		}
	}
}

func (s *Session) finish() {
	s.stopTimers()
	s.cancel()
	s.client.finished(s)
	close(s.done)
}

func (s *Session) beginConnect() {
	s.setState(domain.SessionStateConnecting)
	s.status(fmt.Sprintf("connecting to transcription service (attempt %d)", s.attempts+1))

	dialCtx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	cfg := ports.DialConfig{Endpoint: s.cfg.Endpoint, SampleRate: s.cfg.SampleRate}
	dialer := s.client.dialer

	go func() {
		conn, err := dialer.Dial(dialCtx, cfg)
		select {
		case s.dialResults <- dialResult{conn: conn, err: err}:
		case <-s.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (s *Session) handleDial(res dialResult) {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if res.err != nil {
		s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "dial", res.err), true)
		return
	}

	s.conn = res.conn
	s.openedAt = time.Now()
	s.protoErrs = 0
	go s.readLoop(res.conn)

	s.setState(domain.SessionStateAuthenticating)
	s.status("connected; authenticating")

	payload, err := protocol.EncodeBegin(s.cfg.Credential)
	if err != nil {
		s.fail(domain.NewSessionError(domain.ErrorKindConfiguration, "authenticate", err))
		return
	}
	if err := s.conn.WriteMessage(payload); err != nil {
		s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "authenticate", err), true)
		return
	}
	s.authTimer = time.NewTimer(s.cfg.AuthTimeout)
}

func (s *Session) readLoop(conn ports.Conn) {
	for {
		payload, err := conn.ReadMessage()
		select {
		case s.inbound <- inboundEvent{conn: conn, payload: payload, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleInbound(ev inboundEvent) {
	if ev.conn != s.conn || s.conn == nil {
		return
	}
	if ev.err != nil {
		s.handleTransportError(ev.err)
		return
	}

	msg, err := protocol.Decode(ev.payload)
	if err != nil {
		s.protocolError(err)
		return
	}

	switch msg.Type {
	case protocol.MessageError:
		if s.State() == domain.SessionStateAuthenticating {
			s.connectionLost(domain.NewSessionError(domain.ErrorKindAuthentication, "authenticate",
				fmt.Errorf("service rejected session: %s", msg.Error)), false)
			return
		}
		s.protoErrs = 0
		s.status(fmt.Sprintf("service error: %s", msg.Error))
		s.client.emitError(domain.NewSessionError(domain.ErrorKindProtocol, "receive", errors.New(msg.Error)))
	case protocol.MessageSessionBegins:
		if s.State() != domain.SessionStateAuthenticating {
			s.protocolError(fmt.Errorf("%w: unexpected SessionBegins while %s", domain.ErrProtocol, s.State()))
			return
		}
		s.sessionBegan(msg)
	case protocol.MessagePartialTranscript, protocol.MessageFinalTranscript:
		if s.State() != domain.SessionStateStreaming {
			s.protocolError(fmt.Errorf("%w: %s received while %s", domain.ErrProtocol, msg.Type, s.State()))
			return
		}
		s.protoErrs = 0
		event, _ := msg.Transcript()
		s.deliver(event)
	case protocol.MessageSessionTerminated:
		s.protoErrs = 0
		s.status("session terminated by service")
	default:
		s.protocolError(fmt.Errorf("%w: unknown message type %q", domain.ErrProtocol, msg.Type))
	}
}

func (s *Session) sessionBegan(msg protocol.ServerMessage) {
	s.stopAuthTimer()
	s.protoErrs = 0
	s.attempts = 0
	s.client.metrics.SessionBeginsLatency.Record(context.Background(), time.Since(s.openedAt).Seconds())
	if msg.SessionID != "" {
		s.logger.Info("service session started", zap.String("service_session_id", msg.SessionID))
	}

	s.setState(domain.SessionStateStreaming)
	s.status("SessionBegins received; streaming audio")
	s.flushPending()
}

func (s *Session) deliver(event domain.TranscriptEvent) {
	s.log.Add(event)
	if event.Kind == domain.TranscriptKindFinal {
		s.client.metrics.FinalTranscripts.Add(context.Background(), 1)
		s.client.emitTranscript(event.Text)
		return
	}
	s.client.emitPartial(event.Text)
}

func (s *Session) protocolError(err error) {
	s.protoErrs++
	sessionErr := domain.NewSessionError(domain.ErrorKindProtocol, "receive", err)
	s.logger.Warn("protocol error", zap.Error(err), zap.Int("consecutive", s.protoErrs))
	if s.protoErrs >= maxConsecutiveProtocolErrors {
		s.fail(sessionErr)
		return
	}
	s.status(fmt.Sprintf("protocol error: %v", err))
	s.client.emitError(sessionErr)
}

func (s *Session) handleTransportError(err error) {
	var closeErr *domain.CloseError
	if !errors.As(err, &closeErr) {
		s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "receive", err), true)
		return
	}

	switch {
	case closeErr.Code == domain.CloseAuthFailed:
		s.connectionLost(domain.NewSessionError(domain.ErrorKindAuthentication, "receive", closeErr), false)
	case closeErr.IsServiceCode(), closeErr.Code == domain.CloseNormal:
		s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "receive", closeErr), false)
	default:
		s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "receive", closeErr), true)
	}
}

// connectionLost drops the socket and either schedules a reconnect or fails.
func (s *Session) connectionLost(err error, retryable bool) {
	s.stopAuthTimer()
	s.dropConn()

	if !retryable || s.attempts >= s.cfg.MaxReconnectAttempts {
		s.fail(err)
		return
	}

	s.status(fmt.Sprintf("connection lost: %v", err))
	s.attempts++
	s.client.metrics.Reconnects.Add(context.Background(), 1)
	delay := s.cfg.Backoff.Delay(s.attempts)
	s.setState(domain.SessionStateReconnecting)
	s.status(fmt.Sprintf("reconnecting in %s (attempt %d of %d)", delay, s.attempts, s.cfg.MaxReconnectAttempts))
	s.retryTimer = time.NewTimer(delay)
}

func (s *Session) handleFrame(frame []byte, ok bool) {
	if !ok {
		s.frames = nil
		if s.stopping.Load() {
			return
		}
		err := s.audio.Err()
		if err == nil {
			err = errors.New("audio capture ended unexpectedly")
		}
		s.fail(domain.NewSessionError(domain.ErrorKindDevice, "capture", err))
		return
	}
	if s.stopping.Load() {
		return
	}
	if s.State() == domain.SessionStateStreaming && s.conn != nil {
		if err := s.sendFrame(frame); err != nil {
			s.hold(frame)
			s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "send", err), true)
		}
		return
	}
	s.hold(frame)
}

func (s *Session) hold(frame []byte) {
	if s.pending.Push(frame) {
		s.client.metrics.FramesDropped.Add(context.Background(), 1)
	}
}

func (s *Session) sendFrame(frame []byte) error {
	payload, err := protocol.EncodeAudio(frame)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(payload); err != nil {
		return err
	}
	s.client.metrics.FramesSent.Add(context.Background(), 1)
	return nil
}

func (s *Session) flushPending() {
	frames := s.pending.Drain()
	for i, frame := range frames {
		if err := s.sendFrame(frame); err != nil {
			for j := len(frames) - 1; j >= i; j-- {
				s.pending.Unshift(frames[j])
			}
			s.connectionLost(domain.NewSessionError(domain.ErrorKindConnection, "send", err), true)
			return
		}
	}
}

// shutdown runs the clean stop order: capture first, then the socket, then
// the capture device.
func (s *Session) shutdown() {
	s.setState(domain.SessionStateClosing)
	s.status("closing session")
	s.stopTimers()

	if err := s.audio.Stop(); err != nil {
		s.logger.Warn("failed to stop audio capture cleanly", zap.Error(err))
	}

	if s.conn != nil {
		if err := s.conn.WriteClose(domain.CloseNormal, "client stop"); err != nil {
			s.logger.Warn("failed to send close frame", zap.Error(err))
		} else {
			s.awaitCloseAck()
		}
		s.dropConn()
	}

	if err := s.audio.Close(); err != nil {
		s.logger.Warn("failed to release audio device", zap.Error(err))
	}

	s.setState(domain.SessionStateIdle)
	s.status("session closed")
}

// awaitCloseAck waits for the peer to answer the close frame. Transcripts
// that arrive meanwhile are still delivered.
func (s *Session) awaitCloseAck() {
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-s.inbound:
			if ev.conn != s.conn {
				continue
			}
			if ev.err != nil {
				return
			}
			msg, err := protocol.Decode(ev.payload)
			if err != nil {
				s.logger.Warn("ignoring malformed message while closing", zap.Error(err))
				continue
			}
			if event, ok := msg.Transcript(); ok {
				s.deliver(event)
			}
		case <-timer.C:
			s.logger.Warn("timed out waiting for close acknowledgment", zap.Duration("timeout", s.cfg.CloseTimeout))
			return
		}
	}
}

func (s *Session) fail(err error) {
	var sessionErr *domain.SessionError
	if errors.As(err, &sessionErr) {
		sessionErr.Fatal = true
	}
	s.stopTimers()
	_ = s.audio.Stop()
	if s.conn != nil {
		_ = s.conn.WriteClose(domain.CloseNormal, "session failed")
		s.dropConn()
	}
	if closeErr := s.audio.Close(); closeErr != nil {
		s.logger.Warn("failed to release audio device", zap.Error(closeErr))
	}

	s.setFailed(err)
	s.status(fmt.Sprintf("session failed: %v", err))
	kind, _ := domain.KindOf(err)
	s.client.metrics.RecordFailure(context.Background(), string(kind))
	s.logger.Error("session failed", zap.Error(err), zap.String("error_kind", string(kind)))
	s.client.emitError(err)
}

func (s *Session) dropConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("socket close failed", zap.Error(err))
	}
	s.conn = nil
}

func (s *Session) stopAuthTimer() {
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}

func (s *Session) stopTimers() {
	s.stopAuthTimer()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
