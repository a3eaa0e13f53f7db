package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"livescribe/internal/domain"
	"livescribe/internal/ports"
)

const (
	defaultSliceInterval = 250 * time.Millisecond
	frameQueueSize       = 8
	startupProbe         = 250 * time.Millisecond
	stopGrace            = 1200 * time.Millisecond
)

var permissionMarkers = []string{
	"permission denied",
	"operation not permitted",
	"access denied",
	"access is denied",
}

// FFMPEGCapture streams microphone PCM audio using ffmpeg.
type FFMPEGCapture struct {
	command string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withDefaults(cfg)

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create ffmpeg stdout pipe: %v", domain.ErrDevice, err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", domain.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", domain.ErrDevice, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyEarlyExit(err, stderr.String())
	case <-time.After(startupProbe):
	}

	session := &ffmpegSession{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
		frames:  make(chan []byte, frameQueueSize),
		done:    make(chan struct{}),
	}
	go session.readFrames(FrameSize(cfg))
	return session, nil
}

// FrameSize is the byte length of one slice of s16le PCM.
func FrameSize(cfg ports.AudioConfig) int {
	cfg = withDefaults(cfg)
	size := cfg.SampleRate * cfg.Channels * 2 * int(cfg.SliceInterval/time.Millisecond) / 1000
	if size < 2 {
		size = 2
	}
	return size - size%2
}

func withDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.SliceInterval <= 0 {
		cfg.SliceInterval = defaultSliceInterval
	}
	return cfg
}

func classifyEarlyExit(err error, stderr string) error {
	detail := stringsTrimSpaceSafe(stderr)
	if isPermissionFailure(detail) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, detail)
	}
	if err != nil {
		if detail == "" {
			return fmt.Errorf("%w: ffmpeg exited before capture started: %v", domain.ErrDevice, err)
		}
		return fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", domain.ErrDevice, err, detail)
	}
	return fmt.Errorf("%w: ffmpeg exited before capture started", domain.ErrDevice)
}

func isPermissionFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range permissionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	frames chan []byte
	done   chan struct{}

	errMu   sync.Mutex
	err     error
	stopped bool

	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSession) Frames() <-chan []byte {
	return s.frames
}

func (s *ffmpegSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// readFrames slices stdout into fixed-size frames. A full queue drops its
// oldest frame so the capture process is never blocked by the consumer.
func (s *ffmpegSession) readFrames(frameSize int) {
	defer close(s.frames)
	defer close(s.done)

	for {
		buf := make([]byte, frameSize)
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			s.enqueue(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.setErr(fmt.Errorf("%w: audio capture error: %v", domain.ErrDevice, err))
			} else {
				s.setErr(fmt.Errorf("%w: audio capture ended unexpectedly", domain.ErrDevice))
			}
			return
		}
	}
}

func (s *ffmpegSession) enqueue(frame []byte) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *ffmpegSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.stopped || s.err != nil {
		return
	}
	s.err = err
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		s.errMu.Lock()
		s.stopped = true
		s.errMu.Unlock()

		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

func (s *ffmpegSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Stop()
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.closeErr = err
		}
		<-s.done
	})
	return s.closeErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
