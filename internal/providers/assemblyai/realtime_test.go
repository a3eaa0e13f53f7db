package assemblyai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livescribe/internal/domain"
	"livescribe/internal/ports"
)

func TestNewDialerDefaults(t *testing.T) {
	t.Parallel()

	d := NewDialer(Config{})
	if d.cfg.HandshakeTimeout != defaultHandshakeTimeout {
		t.Fatalf("unexpected handshake timeout: %v", d.cfg.HandshakeTimeout)
	}
	if d.cfg.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("unexpected write timeout: %v", d.cfg.WriteTimeout)
	}
}

func TestBuildRealtimeURLDefaults(t *testing.T) {
	t.Parallel()

	raw, err := BuildRealtimeURL("", 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != "wss://api.assemblyai.com/v2/realtime/ws?sample_rate=16000" {
		t.Fatalf("unexpected url: %s", raw)
	}
}

func TestBuildRealtimeURLRewritesHTTPSchemes(t *testing.T) {
	t.Parallel()

	raw, err := BuildRealtimeURL("http://localhost:8080/v2/realtime/ws", 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(raw, "ws://localhost:8080/v2/realtime/ws") {
		t.Fatalf("unexpected ws url: %s", raw)
	}
	if !strings.Contains(raw, "sample_rate=8000") {
		t.Fatalf("expected sample_rate in url: %s", raw)
	}

	raw, err = BuildRealtimeURL("https://example.com/ws", 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(raw, "wss://example.com/ws") {
		t.Fatalf("unexpected wss url: %s", raw)
	}
}

func TestBuildRealtimeURLNeverCarriesToken(t *testing.T) {
	t.Parallel()

	if _, err := BuildRealtimeURL("wss://example.com/ws?token=secret", 16000); err == nil {
		t.Fatalf("expected token query parameter to be rejected")
	}

	raw, err := BuildRealtimeURL("wss://example.com/ws", 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, _ := url.Parse(raw)
	if parsed.Query().Has("token") {
		t.Fatalf("url must not carry the credential: %s", raw)
	}
}

func TestBuildRealtimeURLInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		endpoint   string
		sampleRate int
	}{
		{":// bad", 16000},
		{"ftp://example.com/ws", 16000},
		{"wss:///ws", 16000},
		{"wss://example.com/ws", 0},
	}
	for _, tc := range cases {
		if _, err := BuildRealtimeURL(tc.endpoint, tc.sampleRate); err == nil {
			t.Fatalf("expected error for %q / %d", tc.endpoint, tc.sampleRate)
		}
	}
}

func TestTranslateReadErrKeepsCloseCode(t *testing.T) {
	t.Parallel()

	err := translateReadErr(&websocket.CloseError{Code: 4001, Text: "Not Authorized"})
	var closeErr *domain.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected domain close error, got %T", err)
	}
	if closeErr.Code != 4001 || closeErr.Reason != "Not Authorized" {
		t.Fatalf("unexpected close error: %+v", closeErr)
	}

	err = translateReadErr(errors.New("boom"))
	if errors.As(err, &closeErr) {
		t.Fatalf("expected plain error to stay unclassified")
	}
}

func TestDialerExchangesMessages(t *testing.T) {
	t.Parallel()

	firstMessage := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sample_rate") != "16000" {
			http.Error(w, "missing sample_rate", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		firstMessage <- string(payload)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"SessionBegins"}`))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "Not Authorized"), time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewDialer(Config{}).Dial(ctx, ports.DialConfig{Endpoint: server.URL, SampleRate: 16000})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage([]byte(`{"session_begins":true,"token":"tok"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := <-firstMessage; got != `{"session_begins":true,"token":"tok"}` {
		t.Fatalf("unexpected first message: %s", got)
	}

	payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(payload) != `{"message_type":"SessionBegins"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	_, err = conn.ReadMessage()
	var closeErr *domain.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != 4001 {
		t.Fatalf("expected 4001 close error, got %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestDialerReportsHandshakeFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewDialer(Config{HandshakeTimeout: time.Second}).Dial(context.Background(), ports.DialConfig{Endpoint: server.URL, SampleRate: 16000})
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("expected handshake status error, got %v", err)
	}
}
