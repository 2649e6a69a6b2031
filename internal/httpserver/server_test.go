package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chadiek/interpreter-relay/internal/config"
	"github.com/chadiek/interpreter-relay/internal/engine"
	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/metrics"
	"github.com/chadiek/interpreter-relay/internal/relay"
	"github.com/chadiek/interpreter-relay/internal/relayerr"
	"github.com/chadiek/interpreter-relay/internal/tts"
)

// scriptedEngine echoes every client text frame back as a text fragment.
type scriptedEngine struct {
	events    chan engine.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedEngine(link.SessionConfig) relay.Engine {
	return &scriptedEngine{events: make(chan engine.Event, 8), closed: make(chan struct{})}
}

func (e *scriptedEngine) Connect(context.Context) error { return nil }

func (e *scriptedEngine) Forward(ctx context.Context, m engine.Media) error {
	if m.Kind == engine.MediaText {
		e.events <- engine.Event{Kind: engine.TextFragment, Text: m.Data}
		e.events <- engine.Event{Kind: engine.TurnComplete}
	}
	return nil
}

func (e *scriptedEngine) SendTurnComplete(context.Context) error { return nil }

func (e *scriptedEngine) Events(ctx context.Context) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		for {
			select {
			case ev := <-e.events:
				if !yield(ev, nil) {
					return
				}
			case <-e.closed:
				yield(engine.Event{}, relayerr.ErrTransportClosed)
				return
			case <-ctx.Done():
				yield(engine.Event{}, relayerr.ErrTransportClosed)
				return
			}
		}
	}
}

func (e *scriptedEngine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

type upperTranslator struct{}

func (upperTranslator) Translate(_ context.Context, text, src, dst string) (string, error) {
	return fmt.Sprintf("[%s] %s", dst, text), nil
}

type constSynth struct{}

func (constSynth) Synthesize(context.Context, string, string, string) ([]byte, error) {
	return []byte{1, 2, 3, 4}, nil
}

// recordingSynth remembers the last request; fail and empty force the error paths.
type recordingSynth struct {
	mu          sync.Mutex
	lang, voice string
	fail, empty bool
}

func (s *recordingSynth) Synthesize(_ context.Context, text, lang, voice string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lang, s.voice = lang, voice
	switch {
	case s.fail:
		return nil, fmt.Errorf("%w: upstream 500", relayerr.ErrSynthesis)
	case s.empty:
		return nil, nil
	}
	return []byte(text), nil
}

func newTestServer(t *testing.T) (*Server, *relay.Relay) {
	t.Helper()
	return newTestServerWith(t, constSynth{})
}

func newTestServerWith(t *testing.T, synth relay.Synthesizer) (*Server, *relay.Relay) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	catalog, err := tts.LoadCatalog("", "elevenlabs")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := relay.New(relay.Deps{
		Engines:     newScriptedEngine,
		Translator:  upperTranslator{},
		Synthesizer: synth,
		Voices:      catalog,
		Metrics:     m,
	}, relay.Options{DebounceWindow: 30 * time.Millisecond, FanoutTimeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	srv := New(config.Config{LinkWriteTimeout: time.Second, FanoutTimeout: time.Second}, Deps{
		Relay:       r,
		Catalog:     catalog,
		Synthesizer: synth,
		Gatherer:    reg,
		Metrics:     m,
	})
	return srv, r
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_Voices(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/voices", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view tts.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Provider != "elevenlabs" || len(view.Languages) == 0 {
		t.Fatalf("unexpected catalog %+v", view)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "relay_active_participants") {
		t.Fatalf("metrics output missing relay gauges")
	}
}

func TestServer_WebsocketRequiresID(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/ws/%20", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_WebsocketRequiresUpgrade(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/ws/alice", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without upgrade headers, got %d", w.Code)
	}
}

func postTTS(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(body))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func TestServer_TTS(t *testing.T) {
	synth := &recordingSynth{}
	srv, _ := newTestServerWith(t, synth)
	catalog, err := tts.LoadCatalog("", "elevenlabs")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	w := postTTS(t, srv, `{"text":" namaste ","language":"hi-IN","gender":"female"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Audio      string `json:"audio"`
		Voice      string `json:"voice"`
		SampleRate int    `json:"sample_rate"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := catalog.Resolve("hi", "Female", "")
	if resp.Voice != want || synth.voice != want {
		t.Fatalf("voice: got %q (synth %q) want %q", resp.Voice, synth.voice, want)
	}
	if synth.lang != "hi" {
		t.Fatalf("expected base language hi, got %q", synth.lang)
	}
	if resp.Audio != base64.StdEncoding.EncodeToString([]byte("namaste")) || resp.SampleRate != tts.SampleRate {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestServer_TTSErrors(t *testing.T) {
	cases := []struct {
		name  string
		synth *recordingSynth
		body  string
		want  int
	}{
		{"missing_text", &recordingSynth{}, `{"language":"en"}`, http.StatusBadRequest},
		{"blank_text", &recordingSynth{}, `{"text":"  ","language":"en"}`, http.StatusBadRequest},
		{"missing_language", &recordingSynth{}, `{"text":"hi"}`, http.StatusBadRequest},
		{"bad_gender", &recordingSynth{}, `{"text":"hi","language":"en","gender":"robot"}`, http.StatusBadRequest},
		{"bad_json", &recordingSynth{}, `{"text":`, http.StatusBadRequest},
		{"synthesis_failed", &recordingSynth{fail: true}, `{"text":"hi","language":"en"}`, http.StatusBadGateway},
		{"empty_audio", &recordingSynth{empty: true}, `{"text":"hi","language":"en"}`, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServerWith(t, tc.synth)
			if w := postTTS(t, srv, tc.body); w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestServer_WebsocketRejectsConnectedID(t *testing.T) {
	srv, r := newTestServer(t)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	dialParticipant(t, base, "alice", "en")
	deadline := time.Now().Add(2 * time.Second)
	for r.Registry().Len() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("alice never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/alice", nil)
	if err == nil {
		t.Fatalf("expected second alice to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %v", resp)
	}
	if r.Registry().Len() != 1 {
		t.Fatalf("first alice must stay registered")
	}
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialParticipant(t *testing.T, base, id, lang string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/"+id, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	cfg := fmt.Sprintf(`{"type":"config","config":{"language":%q,"voice":"Puck","gender":"Female","role":"user"}}`, lang)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cfg)); err != nil {
		t.Fatalf("config %s: %v", id, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestServer_EndToEnd(t *testing.T) {
	srv, r := newTestServer(t)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	alice := dialParticipant(t, base, "alice", "en")
	bob := dialParticipant(t, base, "bob", "hi")

	deadline := time.Now().Add(2 * time.Second)
	for r.Registry().Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("participants never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"text","data":"good evening"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if f := readFrame(t, alice); f.Type != "turn_complete" || string(f.Data) != "true" {
		t.Fatalf("alice expected turn_complete, got %+v", f)
	}

	text := readFrame(t, bob)
	var payload link.TextPayload
	if err := json.Unmarshal(text.Data, &payload); err != nil || text.Type != "text" {
		t.Fatalf("bob expected text frame, got %+v (%v)", text, err)
	}
	if payload.Text != "[hi] good evening" || payload.Role != "user" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if audio := readFrame(t, bob); audio.Type != "audio" || string(audio.Data) != `"AQIDBA=="` {
		t.Fatalf("bob expected audio frame, got %+v", audio)
	}

	_ = alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline = time.Now().Add(2 * time.Second)
	for r.Registry().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("alice was never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
