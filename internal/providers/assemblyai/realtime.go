package assemblyai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livescribe/internal/domain"
	"livescribe/internal/ports"
)

// DefaultRealtimeURL is the realtime transcription endpoint.
const DefaultRealtimeURL = "wss://api.assemblyai.com/v2/realtime/ws"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Config controls websocket dialing.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dialer implements ports.Dialer on top of gorilla/websocket.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, cfg ports.DialConfig) (ports.Conn, error) {
	rawURL, err := BuildRealtimeURL(cfg.Endpoint, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to realtime websocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to realtime websocket: %w", err)
	}
	return &realtimeConn{conn: conn, writeTimeout: d.cfg.WriteTimeout}, nil
}

// BuildRealtimeURL derives the socket URL for a sample rate. The credential is
// sent in the first message, so a URL already carrying a token is rejected.
func BuildRealtimeURL(endpoint string, sampleRate int) (string, error) {
	base := strings.TrimSpace(endpoint)
	if base == "" {
		base = DefaultRealtimeURL
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	realtimeURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	if realtimeURL.Scheme != "ws" && realtimeURL.Scheme != "wss" {
		return "", fmt.Errorf("invalid realtime endpoint scheme %q", realtimeURL.Scheme)
	}
	if realtimeURL.Host == "" {
		return "", errors.New("invalid realtime endpoint: missing host")
	}
	if sampleRate <= 0 {
		return "", fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	query := realtimeURL.Query()
	if query.Has("token") {
		return "", errors.New("realtime endpoint must not carry a token query parameter")
	}
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	realtimeURL.RawQuery = query.Encode()
	return realtimeURL.String(), nil
}

type realtimeConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *realtimeConn) ReadMessage() ([]byte, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, translateReadErr(err)
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *realtimeConn) WriteMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *realtimeConn) WriteClose(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

func (c *realtimeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func translateReadErr(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &domain.CloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	return fmt.Errorf("failed to read realtime event: %w", err)
}
