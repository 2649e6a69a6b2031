package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// DeepgramClient synthesizes over the Deepgram speak websocket. The voice is
// a Deepgram model name such as aura-2-thalia-en.
type DeepgramClient struct {
	apiKey     string
	encoding   string
	sampleRate int
	idleWindow time.Duration
	maxWait    time.Duration
	log        *slog.Logger
}

func NewDeepgramClient(apiKey string, log *slog.Logger) *DeepgramClient {
	if log == nil {
		log = slog.Default()
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		encoding:   "linear16",
		sampleRate: SampleRate,
		idleWindow: 400 * time.Millisecond,
		maxWait:    12 * time.Second,
		log:        log,
	}
}

// Synthesize speaks text with the voice model and collects audio until the
// stream goes idle.
func (d *DeepgramClient) Synthesize(ctx context.Context, text, lang, voice string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("%w: deepgram api key missing", relayerr.ErrSynthesis)
	}
	if text == "" || voice == "" {
		return nil, fmt.Errorf("%w: deepgram needs text and voice", relayerr.ErrSynthesis)
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      voice,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	clip := newClipCollector()
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, clip.callback())
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram create ws client: %v", relayerr.ErrSynthesis, err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("%w: deepgram connect failed", relayerr.ErrSynthesis)
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("%w: deepgram speak text: %v", relayerr.ErrSynthesis, err)
	}
	if err := dg.Flush(); err != nil {
		d.log.Warn("deepgram flush error", slog.String("error", err.Error()))
	}

	pcm, err := clip.wait(ctx, d.idleWindow, d.maxWait)
	if err != nil {
		return nil, err
	}
	d.log.Debug("deepgram clip synthesized", slog.String("voice", voice), slog.String("language", lang), slog.Int("bytes", len(pcm)))
	return pcm, nil
}

// clipCollector gathers the binary frames of one speak request.
type clipCollector struct {
	mu        sync.Mutex
	pcm       []byte
	lastRecv  atomic.Int64
	remoteErr atomic.Value
}

func newClipCollector() *clipCollector { return &clipCollector{} }

func (c *clipCollector) callback() *speakCallback {
	return &speakCallback{
		onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			c.lastRecv.Store(time.Now().UnixNano())
			c.mu.Lock()
			c.pcm = append(c.pcm, data...)
			c.mu.Unlock()
			return nil
		},
		onError: func(er *msginterfaces.ErrorResponse) error {
			if er != nil {
				c.remoteErr.Store(fmt.Sprintf("%+v", *er))
			}
			return nil
		},
	}
}

// wait returns the clip once no audio has arrived for idle, or whatever
// arrived by maxWait. A remote error or no audio at all fails with
// relayerr.ErrSynthesis.
func (c *clipCollector) wait(ctx context.Context, idle, maxWait time.Duration) ([]byte, error) {
	tick := idle / 8
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	deadline := time.Now().Add(maxWait)
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: deepgram: %v", relayerr.ErrSynthesis, ctx.Err())
		case <-ticker.C:
		}
		if msg, ok := c.remoteErr.Load().(string); ok {
			return nil, fmt.Errorf("%w: deepgram: %s", relayerr.ErrSynthesis, msg)
		}
		last := c.lastRecv.Load()
		quiet := last != 0 && time.Since(time.Unix(0, last)) > idle
		if quiet || time.Now().After(deadline) {
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pcm) == 0 {
		return nil, fmt.Errorf("%w: deepgram returned no audio", relayerr.ErrSynthesis)
	}
	return append([]byte(nil), c.pcm...), nil
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse) error
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil {
		return s.onError(er)
	}
	return nil
}
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
