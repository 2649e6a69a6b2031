// Package link implements the participant side of the relay: one websocket
// per connected client, the configuration handshake and the wire envelope.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

const defaultWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients are served from other origins.
		return true
	},
}

// Options tune a Link.
type Options struct {
	WriteTimeout time.Duration
	// OnSkip is called for every malformed frame that was skipped.
	OnSkip func(err error)
}

// Link is one participant's websocket connection.
type Link struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
	opts Options

	writeMu sync.Mutex

	cfgMu  sync.RWMutex
	config *SessionConfig

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept upgrades the HTTP request to a websocket and wraps it in a Link.
func Accept(w http.ResponseWriter, r *http.Request, id string, log *slog.Logger, opts Options) (*Link, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws upgrade: %w", err)
	}
	return New(conn, id, log, opts), nil
}

// New wraps an established websocket connection.
func New(conn *websocket.Conn, id string, log *slog.Logger, opts Options) *Link {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		id:     id,
		conn:   conn,
		log:    log.With("participant", id),
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// ID returns the participant identifier supplied at connect time.
func (l *Link) ID() string { return l.id }

// Config returns the applied configuration, if the handshake completed.
func (l *Link) Config() (SessionConfig, bool) {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	if l.config == nil {
		return SessionConfig{}, false
	}
	return *l.config, true
}

// AwaitConfig blocks until the first client frame arrives. It must be a valid
// config frame; anything else fails with relayerr.ErrProtocol.
func (l *Link) AwaitConfig(ctx context.Context) (SessionConfig, error) {
	if _, ok := l.Config(); ok {
		return SessionConfig{}, fmt.Errorf("%w: configuration already applied", relayerr.ErrProtocol)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(deadline)
		defer func() { _ = l.conn.SetReadDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	mt, data, err := l.conn.ReadMessage()
	if err != nil {
		return SessionConfig{}, l.readErr(err)
	}
	if mt != websocket.TextMessage {
		return SessionConfig{}, fmt.Errorf("%w: first message must be a text config frame", relayerr.ErrProtocol)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return SessionConfig{}, err
	}
	if frame.Type != TypeConfig {
		return SessionConfig{}, fmt.Errorf("%w: first message must be configuration, got %q", relayerr.ErrProtocol, frame.Type)
	}

	l.cfgMu.Lock()
	l.config = frame.Config
	l.cfgMu.Unlock()
	l.log.Info("link configured",
		slog.String("language", frame.Config.Language),
		slog.String("role", frame.Config.Role),
		slog.String("voice", frame.Config.Voice),
	)
	return *frame.Config, nil
}

// Receive returns the next well-formed client frame. Malformed frames are
// logged and skipped. It returns an error wrapping relayerr.ErrTransportClosed
// once the connection ends.
func (l *Link) Receive(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			return Frame{}, l.readErr(err)
		}
		if mt != websocket.TextMessage {
			l.skip(fmt.Errorf("%w: non-text frame", relayerr.ErrProtocol))
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			l.skip(err)
			continue
		}
		return frame, nil
	}
}

func (l *Link) skip(err error) {
	l.log.Warn("skipping client frame", slog.String("error", err.Error()))
	if l.opts.OnSkip != nil {
		l.opts.OnSkip(err)
	}
}

func (l *Link) readErr(err error) error {
	select {
	case <-l.closed:
		return fmt.Errorf("%w: link closed", relayerr.ErrTransportClosed)
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return fmt.Errorf("%w: client disconnected", relayerr.ErrTransportClosed)
	}
	return fmt.Errorf("%w: read: %v", relayerr.ErrTransportClosed, err)
}

// SendAudio pushes raw PCM to the client as a base64 audio frame.
func (l *Link) SendAudio(ctx context.Context, pcm []byte) error {
	return l.write(ctx, encodeAudio(pcm))
}

// SendAudioBase64 pushes already-encoded audio to the client.
func (l *Link) SendAudioBase64(ctx context.Context, b64 string) error {
	return l.write(ctx, outboundEnvelope{Type: TypeAudio, Data: b64})
}

// SendText pushes translated text attributed to role.
func (l *Link) SendText(ctx context.Context, text, role string) error {
	return l.write(ctx, outboundEnvelope{Type: TypeText, Data: TextPayload{Text: text, Role: role}})
}

// SendTurnComplete tells the client the engine finished its turn.
func (l *Link) SendTurnComplete(ctx context.Context) error {
	return l.write(ctx, outboundEnvelope{Type: TypeTurnComplete, Data: true})
}

func (l *Link) write(ctx context.Context, env outboundEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.closed:
		return fmt.Errorf("%w: link closed", relayerr.ErrTransportClosed)
	default:
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	// A frame is never cut short by the caller's deadline: a write that
	// times out partway leaves the websocket unusable.
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	if err := l.conn.WriteJSON(env); err != nil {
		select {
		case <-l.closed:
			return fmt.Errorf("%w: link closed", relayerr.ErrTransportClosed)
		default:
		}
		l.log.Warn("link write failed, closing", slog.String("type", string(env.Type)), slog.String("error", err.Error()))
		_ = l.Close()
		return fmt.Errorf("%w: write %s: %v", relayerr.ErrTransportClosed, env.Type, err)
	}
	return nil
}

// Done is closed once the link has been closed.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Close closes the underlying connection. It is safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		deadline := time.Now().Add(time.Second)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = l.conn.Close()
		l.log.Debug("link closed")
	})
	return err
}
