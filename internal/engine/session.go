// Package engine is the client side of the remote bidi translation engine.
// A Session owns one duplex websocket: it performs the setup handshake,
// relays client media into the engine protocol and decodes the engine's
// responses into a lazy event sequence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// ErrRemote marks an error frame reported by the engine itself.
var ErrRemote = errors.New("engine reported error")

// EventKind classifies a decoded engine response.
type EventKind int

const (
	InlineAudio EventKind = iota + 1
	TextFragment
	TurnComplete
)

func (k EventKind) String() string {
	switch k {
	case InlineAudio:
		return "inline_audio"
	case TextFragment:
		return "text_fragment"
	case TurnComplete:
		return "turn_complete"
	default:
		return "unknown"
	}
}

// Event is one decoded engine response. Data carries base64 audio for
// InlineAudio, Text carries the fragment for TextFragment.
type Event struct {
	Kind     EventKind
	Data     string
	MimeType string
	Text     string
}

// MediaKind classifies client input relayed to the engine.
type MediaKind int

const (
	MediaAudio MediaKind = iota + 1
	MediaImage
	MediaText
)

// Media is one client input event. Data is base64 for audio and image and
// plain text for MediaText; it is relayed without transformation.
type Media struct {
	Kind MediaKind
	Data string
}

// Config configures one engine session.
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Language     string
	SetupTimeout time.Duration
}

// Session is one participant's duplex stream to the engine.
type Session struct {
	cfg    Config
	log    *slog.Logger
	dialer websocket.Dialer

	mu   sync.RWMutex
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates an unconnected session.
func NewSession(cfg Config, log *slog.Logger) *Session {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.SetupTimeout},
		closed: make(chan struct{}),
	}
}

// Connect dials the engine, sends the setup frame and waits for the engine to
// acknowledge it. Every failure wraps relayerr.ErrSetup.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.Language == "" {
		return fmt.Errorf("%w: configuration must be set before connecting", relayerr.ErrSetup)
	}
	s.mu.RLock()
	already := s.conn != nil
	s.mu.RUnlock()
	if already {
		return nil
	}

	endpoint, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: bad engine url: %v", relayerr.ErrSetup, err)
	}
	if s.cfg.APIKey != "" {
		q := endpoint.Query()
		q.Set("key", s.cfg.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SetupTimeout)
	defer cancel()

	header := http.Header{"Content-Type": {"application/json"}}
	conn, resp, err := s.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			s.log.Error("engine dial rejected", slog.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("%w: dial: %v", relayerr.ErrSetup, err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(newSetupMessage(s.cfg.Model, s.cfg.Voice, s.cfg.Language)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: send setup: %v", relayerr.ErrSetup, err)
	}
	_ = conn.SetReadDeadline(deadline)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: await setup: %v", relayerr.ErrSetup, err)
	}
	var ack serverMessage
	if err := json.Unmarshal(raw, &ack); err != nil || ack.SetupComplete == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: unexpected handshake frame", relayerr.ErrSetup)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: session closed during setup", relayerr.ErrSetup)
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Info("engine session connected",
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.String("voice", s.cfg.Voice),
	)
	return nil
}

// Forward relays one client event into the engine protocol.
func (s *Session) Forward(ctx context.Context, m Media) error {
	var msg any
	switch m.Kind {
	case MediaAudio:
		msg = realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []mediaChunk{{Data: m.Data, MimeType: "audio/pcm"}}}}
	case MediaImage:
		msg = realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []mediaChunk{{Data: m.Data, MimeType: "image/jpeg"}}}}
	case MediaText:
		msg = clientContentMessage{ClientContent: clientContent{
			Turns:        []turn{{Role: "user", Parts: []textPart{{Text: m.Data}}}},
			TurnComplete: true,
		}}
	default:
		return fmt.Errorf("%w: unsupported media kind %d", relayerr.ErrProtocol, m.Kind)
	}
	return s.write(ctx, msg)
}

// SendTurnComplete tells the engine the client finished its turn.
func (s *Session) SendTurnComplete(ctx context.Context) error {
	return s.write(ctx, clientContentMessage{ClientContent: clientContent{TurnComplete: true}})
}

func (s *Session) write(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", relayerr.ErrSetup)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(d)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: engine write: %v", relayerr.ErrTransportClosed, err)
	}
	return nil
}

// Events returns the engine's response stream. Each step blocks on the next
// network frame. The sequence ends after yielding a terminal error, which
// wraps relayerr.ErrTransportClosed when the stream closed and ErrRemote when
// the engine reported a failure. Only one consumer may range over it.
func (s *Session) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			yield(Event{}, fmt.Errorf("%w: not connected", relayerr.ErrSetup))
			return
		}
		stop := context.AfterFunc(ctx, func() { _ = s.Close() })
		defer stop()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				yield(Event{}, s.readErr(err))
				return
			}
			events, err := decodeEvents(raw)
			if err != nil {
				if errors.Is(err, ErrRemote) {
					yield(Event{}, err)
					return
				}
				s.log.Warn("skipping engine frame", slog.String("error", err.Error()))
				continue
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (s *Session) readErr(err error) error {
	select {
	case <-s.closed:
		return fmt.Errorf("%w: engine session closed", relayerr.ErrTransportClosed)
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: engine closed stream", relayerr.ErrTransportClosed)
	}
	return fmt.Errorf("%w: engine read: %v", relayerr.ErrTransportClosed, err)
}

// Close closes the stream. It is safe to call more than once and before Connect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = conn.Close()
		s.log.Debug("engine session closed")
	})
	return err
}
