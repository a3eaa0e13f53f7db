package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"livescribe/internal/domain"
	"livescribe/internal/observe"
)

func TestAttachRelaysTranscriptsAndStatus(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	host := &recordingHost{}
	Attach(source, host)

	source.status("connecting to transcription service (attempt 1)")
	source.transcript("hello world")
	source.transcript("   ")

	got := host.Messages()
	want := []domain.HostMessage{
		{Type: domain.HostMessageType, Debug: "connecting to transcription service (attempt 1)"},
		{Type: domain.HostMessageType, Text: "hello world"},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected messages: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestHostMessageWireShape(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(domain.TranscriptMessage("hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"type":"transcription:message","text":"hello"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	payload, _ = json.Marshal(domain.DebugMessage("closing session"))
	if string(payload) != `{"type":"transcription:message","debug":"closing session"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestFanoutPublishesToEveryHost(t *testing.T) {
	t.Parallel()

	first := &recordingHost{}
	var second []domain.HostMessage
	fan := Fanout{first, HostFunc(func(msg domain.HostMessage) { second = append(second, msg) })}
	fan.Publish(domain.TranscriptMessage("a"))

	if len(first.Messages()) != 1 || len(second) != 1 {
		t.Fatalf("expected both hosts to receive the message")
	}
}

func TestHubBroadcastsToConnectedPages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, nil)
	go hub.Run(ctx)

	server := httptest.NewServer(NewServer(ServerConfig{Hub: hub, Controller: &fakeController{}}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	waitClients(t, hub, 2)
	hub.Publish(domain.TranscriptMessage("hello world"))

	for i, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("page %d read failed: %v", i, err)
		}
		var msg domain.HostMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("page %d decode failed: %v", i, err)
		}
		if msg.Type != domain.HostMessageType || msg.Text != "hello world" {
			t.Fatalf("page %d got %+v", i, msg)
		}
	}

	_ = conns[0].Close()
	waitClients(t, hub, 1)
}

func TestHubDropsSlowPages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, nil)
	go hub.Run(ctx)

	slow := &pageClient{id: "slow", send: make(chan []byte)}
	hub.register <- slow
	waitClients(t, hub, 1)

	hub.Publish(domain.DebugMessage("status"))
	waitClients(t, hub, 0)

	if _, ok := <-slow.send; ok {
		t.Fatalf("expected slow page queue to be closed")
	}
}

func TestHubReportsDroppedMessages(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	hub := NewHub(nil, metrics)

	for i := 0; i < broadcastQueueSize; i++ {
		hub.Publish(domain.DebugMessage(fmt.Sprintf("status %d", i)))
	}
	hub.Publish(domain.DebugMessage("lost one"))
	hub.Publish(domain.DebugMessage("lost two"))

	<-hub.broadcast
	hub.Publish(domain.DebugMessage("lost three"))

	<-hub.broadcast
	<-hub.broadcast
	hub.Publish(domain.TranscriptMessage("after the gap"))

	var queued []domain.HostMessage
	for len(hub.broadcast) > 0 {
		var msg domain.HostMessage
		if err := json.Unmarshal(<-hub.broadcast, &msg); err != nil {
			t.Fatalf("decode queued message: %v", err)
		}
		queued = append(queued, msg)
	}
	tail := queued[len(queued)-3:]
	if tail[0].Debug != "host message queue overflow: 2 dropped" ||
		tail[1].Debug != "host message queue overflow: 1 dropped" ||
		tail[2].Text != "after the gap" {
		t.Fatalf("unexpected queue tail: %+v", tail)
	}
	for _, msg := range queued {
		if strings.HasPrefix(msg.Debug, "lost") {
			t.Fatalf("dropped message was queued: %+v", msg)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "livescribe.host_messages.dropped" {
				for _, dp := range sum.DataPoints {
					dropped += dp.Value
				}
			}
		}
	}
	if dropped != 3 {
		t.Fatalf("expected 3 dropped messages recorded, got %d", dropped)
	}
}

func TestHubClosesPagesOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, nil)
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	page := &pageClient{id: "page", send: make(chan []byte, 1)}
	hub.register <- page
	cancel()
	<-done

	if _, ok := <-page.send; ok {
		t.Fatalf("expected page queue to be closed on shutdown")
	}
	if n, err := hub.Clients(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected no clients after shutdown, got %d (%v)", n, err)
	}
}

func TestServerSessionRoutes(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{
		status:     domain.Status{SessionID: "abc", State: domain.SessionStateConnecting, Active: true},
		transcript: "hello world",
	}
	e := NewServer(ServerConfig{
		Hub:        NewHub(nil, nil),
		Controller: ctrl,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, "livescribe_frames_sent_total 3")
		}),
	})

	rec := serve(e, http.MethodPost, "/api/session/start")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected start status: %d", rec.Code)
	}
	var status domain.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil || status.SessionID != "abc" {
		t.Fatalf("unexpected start body: %s", rec.Body.String())
	}

	rec = serve(e, http.MethodPost, "/api/session/stop")
	if rec.Code != http.StatusOK || ctrl.stops != 1 {
		t.Fatalf("unexpected stop result: %d stops=%d", rec.Code, ctrl.stops)
	}

	rec = serve(e, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"connecting"`) {
		t.Fatalf("unexpected status body: %s", rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/session/transcript")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello world" {
		t.Fatalf("unexpected transcript download: %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentDisposition); got != `attachment; filename="transcription.txt"` {
		t.Fatalf("unexpected content disposition %q", got)
	}
	if got := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}

	rec = serve(e, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/metrics")
	if !strings.Contains(rec.Body.String(), "livescribe_frames_sent_total") {
		t.Fatalf("unexpected metrics body: %s", rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "transcription:message") {
		t.Fatalf("unexpected index page")
	}
}

func TestServerMapsStartErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
		name string
	}{
		{domain.NewSessionError(domain.ErrorKindPermissionDenied, "capture", domain.ErrPermissionDenied), http.StatusForbidden, "permission_denied"},
		{domain.NewSessionError(domain.ErrorKindConfiguration, "start", errors.New("credential is required")), http.StatusBadRequest, "configuration"},
		{domain.NewSessionError(domain.ErrorKindDevice, "capture", errors.New("no device")), http.StatusServiceUnavailable, "device"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		e := NewServer(ServerConfig{Hub: NewHub(nil, nil), Controller: &fakeController{startErr: tc.err}})
		rec := serve(e, http.MethodPost, "/api/session/start")
		if rec.Code != tc.code {
			t.Fatalf("%s: unexpected code %d", tc.name, rec.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != tc.name {
			t.Fatalf("%s: unexpected body %s", tc.name, rec.Body.String())
		}
	}
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := hub.Clients(context.Background())
		if err == nil && n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients", want)
}

type fakeSource struct {
	onTranscript func(string)
	onStatus     func(string)
}

func (s *fakeSource) OnTranscript(fn func(string)) { s.onTranscript = fn }
func (s *fakeSource) OnStatus(fn func(string))     { s.onStatus = fn }
func (s *fakeSource) transcript(text string)       { s.onTranscript(text) }
func (s *fakeSource) status(message string)        { s.onStatus(message) }

type recordingHost struct {
	mu       sync.Mutex
	messages []domain.HostMessage
}

func (h *recordingHost) Publish(msg domain.HostMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHost) Messages() []domain.HostMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HostMessage(nil), h.messages...)
}

type fakeController struct {
	status     domain.Status
	transcript string
	startErr   error
	stops      int
}

func (c *fakeController) StartSession(_ context.Context) (domain.Status, error) {
	if c.startErr != nil {
		return domain.Status{}, c.startErr
	}
	return c.status, nil
}

func (c *fakeController) StopSession(_ context.Context) error {
	c.stops++
	return nil
}

func (c *fakeController) Status() domain.Status {
	return c.status
}

func (c *fakeController) Transcript() string {
	return c.transcript
}
