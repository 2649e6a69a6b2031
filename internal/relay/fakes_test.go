package relay

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chadiek/interpreter-relay/internal/engine"
	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

type sentFrame struct {
	Type  link.FrameType
	Text  string
	Role  string
	Audio string
}

type fakeLink struct {
	id     string
	cfg    link.SessionConfig
	cfgErr error

	in   chan link.Frame
	gone chan struct{}

	mu   sync.Mutex
	sent []sentFrame

	closeOnce  sync.Once
	closed     chan struct{}
	closeCalls atomic.Int32
	goneOnce   sync.Once
}

func newFakeLink(id, lang string) *fakeLink {
	return &fakeLink{
		id:     id,
		cfg:    link.SessionConfig{Language: lang, Role: link.RoleUser, Gender: "Male"},
		in:     make(chan link.Frame, 16),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (f *fakeLink) ID() string { return f.id }

func (f *fakeLink) AwaitConfig(ctx context.Context) (link.SessionConfig, error) {
	if f.cfgErr != nil {
		return link.SessionConfig{}, f.cfgErr
	}
	return f.cfg, nil
}

func (f *fakeLink) Receive(ctx context.Context) (link.Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.gone:
		return link.Frame{}, fmt.Errorf("%w: client disconnected", relayerr.ErrTransportClosed)
	case <-f.closed:
		return link.Frame{}, fmt.Errorf("%w: link closed", relayerr.ErrTransportClosed)
	case <-ctx.Done():
		return link.Frame{}, fmt.Errorf("%w: link closed", relayerr.ErrTransportClosed)
	}
}

func (f *fakeLink) record(ctx context.Context, fr sentFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-f.closed:
		return fmt.Errorf("%w: link closed", relayerr.ErrTransportClosed)
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) SendAudio(ctx context.Context, pcm []byte) error {
	return f.record(ctx, sentFrame{Type: link.TypeAudio, Audio: string(pcm)})
}

func (f *fakeLink) SendAudioBase64(ctx context.Context, b64 string) error {
	return f.record(ctx, sentFrame{Type: link.TypeAudio, Audio: b64})
}

func (f *fakeLink) SendText(ctx context.Context, text, role string) error {
	return f.record(ctx, sentFrame{Type: link.TypeText, Text: text, Role: role})
}

func (f *fakeLink) SendTurnComplete(ctx context.Context) error {
	return f.record(ctx, sentFrame{Type: link.TypeTurnComplete})
}

func (f *fakeLink) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// hangup simulates the client going away.
func (f *fakeLink) hangup() { f.goneOnce.Do(func() { close(f.gone) }) }

func (f *fakeLink) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeLink) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeEngine struct {
	connectErr error

	events    chan engine.Event
	failures  chan error
	forwarded chan engine.Media

	turnEnds atomic.Int32

	closeOnce  sync.Once
	closed     chan struct{}
	closeCalls atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events:    make(chan engine.Event, 16),
		failures:  make(chan error, 1),
		forwarded: make(chan engine.Media, 16),
		closed:    make(chan struct{}),
	}
}

func (e *fakeEngine) Connect(ctx context.Context) error { return e.connectErr }

func (e *fakeEngine) Forward(ctx context.Context, m engine.Media) error {
	select {
	case <-e.closed:
		return fmt.Errorf("%w: engine closed", relayerr.ErrTransportClosed)
	default:
	}
	e.forwarded <- m
	return nil
}

func (e *fakeEngine) SendTurnComplete(ctx context.Context) error {
	e.turnEnds.Add(1)
	return nil
}

func (e *fakeEngine) Events(ctx context.Context) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		for {
			select {
			case ev := <-e.events:
				if !yield(ev, nil) {
					return
				}
			case err := <-e.failures:
				yield(engine.Event{}, err)
				return
			case <-e.closed:
				yield(engine.Event{}, fmt.Errorf("%w: engine session closed", relayerr.ErrTransportClosed))
				return
			case <-ctx.Done():
				yield(engine.Event{}, fmt.Errorf("%w: engine session closed", relayerr.ErrTransportClosed))
				return
			}
		}
	}
}

func (e *fakeEngine) Close() error {
	e.closeCalls.Add(1)
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *fakeEngine) say(fragments ...string) {
	for _, fr := range fragments {
		e.events <- engine.Event{Kind: engine.TextFragment, Text: fr}
	}
}

// fakeTranslator prefixes the target language. Languages listed in fail
// return an error; gate, when set, holds every call until it is closed;
// texts listed in delay take that long to translate.
type fakeTranslator struct {
	fail  map[string]bool
	delay map[string]time.Duration
	gate  chan struct{}
	calls atomic.Int32
}

func (t *fakeTranslator) Translate(ctx context.Context, text, src, dst string) (string, error) {
	t.calls.Add(1)
	if d := t.delay[text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.fail[dst] {
		return "", fmt.Errorf("%w: unsupported pair %s-%s", relayerr.ErrTranslation, src, dst)
	}
	return dst + ":" + text, nil
}

type fakeSynth struct {
	empty map[string]bool
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, lang, voice string) ([]byte, error) {
	if s.empty[lang] {
		return nil, nil
	}
	return []byte("pcm(" + voice + "|" + text + ")"), nil
}

type fakeVoices struct{}

func (fakeVoices) Resolve(lang, gender, requested string) string {
	return strings.ToLower(lang + "-" + gender)
}
