package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/interpreter-relay/internal/metrics"
	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// DefaultFanoutTimeout bounds one target's translate, synthesize and push.
const DefaultFanoutTimeout = 15 * time.Second

// Broadcaster delivers settled chunks to every other registered participant.
type Broadcaster struct {
	registry   *Registry
	translator Translator
	synth      Synthesizer
	voices     VoiceResolver
	detect     LanguageDetector
	timeout    time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger

	// mu guards closed, lanes and every wg.Add.
	mu     sync.Mutex
	closed bool
	// lanes holds, per source and target, the done channel of the most
	// recently started delivery.
	lanes map[lane]chan struct{}
	wg    sync.WaitGroup
}

type lane struct {
	source, target *Participant
}

func NewBroadcaster(reg *Registry, tr Translator, synth Synthesizer, voices VoiceResolver, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultFanoutTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		registry:   reg,
		translator: tr,
		synth:      synth,
		voices:     voices,
		timeout:    timeout,
		metrics:    m,
		log:        log,
		lanes:      make(map[lane]chan struct{}),
	}
}

// Broadcast fans chunk out to every participant registered other than
// source. Each target runs on its own goroutine; Broadcast does not wait.
// Chunks from one source reach a given target in the order they were
// broadcast. Deliveries are abandoned when source or target tears down.
func (b *Broadcaster) Broadcast(source *Participant, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || source.ctx.Err() != nil {
		return
	}
	targets := b.registry.Others(source.ID())
	chunkID := uuid.NewString()
	b.metrics.ChunkSettled()
	source.log.Info("chunk settled",
		slog.String("chunk", chunkID),
		slog.Int("targets", len(targets)),
		slog.Int("chars", len(chunk)),
	)

	for _, target := range targets {
		key := lane{source: source, target: target}
		prev := b.lanes[key]
		done := make(chan struct{})
		b.lanes[key] = done

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.release(key, done)
			b.deliver(source, target, chunkID, chunk, prev)
		}()
	}
}

// release marks a delivery finished so the next chunk on its lane may send.
func (b *Broadcaster) release(key lane, done chan struct{}) {
	close(done)
	b.mu.Lock()
	if b.lanes[key] == done {
		delete(b.lanes, key)
	}
	b.mu.Unlock()
}

// Wait stops accepting new chunks and blocks until all in-flight deliveries
// finish or ctx ends.
func (b *Broadcaster) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) deliver(source, target *Participant, chunkID, chunk string, prev <-chan struct{}) {
	ctx, cancel := context.WithTimeout(source.ctx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(target.ctx, cancel)
	defer stop()

	start := time.Now()
	n, err := b.push(ctx, source, target, chunk, prev)
	b.metrics.Delivery(relayerr.Kind(err), time.Since(start), n)

	log := source.log.With(slog.String("chunk", chunkID), slog.String("target", target.ID()))
	switch {
	case err == nil:
		log.Debug("delivered", slog.Int("audio_bytes", n), slog.Duration("took", time.Since(start)))
	case errors.Is(err, relayerr.ErrTransportClosed), errors.Is(err, context.Canceled):
		log.Debug("delivery abandoned", slog.String("error", err.Error()))
	default:
		log.Warn("delivery suppressed", slog.String("reason", relayerr.Kind(err)), slog.String("error", err.Error()))
	}
}

// push translates and synthesizes chunk for target, waits for the previous
// delivery on the same lane, then sends the text and the audio in that order.
// Nothing is sent unless both steps succeed.
func (b *Broadcaster) push(ctx context.Context, source, target *Participant, chunk string, prev <-chan struct{}) (int, error) {
	src, dst := source.Config(), target.Config()
	from, to := src.BaseLanguage(), dst.BaseLanguage()

	text := strings.TrimSpace(chunk)
	if b.detect != nil {
		if code, ok := b.detect(text); ok && code != from {
			source.log.Debug("chunk language differs from configuration",
				slog.String("detected", code), slog.String("configured", from))
			from = code
		}
	}
	if from != to {
		translated, err := b.translator.Translate(ctx, text, from, to)
		if err != nil {
			return 0, wrapKind(relayerr.ErrTranslation, err)
		}
		text = strings.TrimSpace(translated)
	}
	if text == "" {
		return 0, fmt.Errorf("%w: empty result", relayerr.ErrTranslation)
	}

	voice := b.voices.Resolve(to, dst.Gender, dst.Voice)
	audio, err := b.synth.Synthesize(ctx, text, to, voice)
	if err != nil {
		return 0, wrapKind(relayerr.ErrSynthesis, err)
	}
	if len(audio) == 0 {
		return 0, fmt.Errorf("%w: no audio for voice %q", relayerr.ErrSynthesis, voice)
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := target.link.SendText(ctx, text, src.Role); err != nil {
		return 0, err
	}
	if err := target.link.SendAudio(ctx, audio); err != nil {
		return 0, err
	}
	return len(audio), nil
}

// wrapKind makes sure err classifies as kind unless it is a context error.
func wrapKind(kind, err error) error {
	if errors.Is(err, kind) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}
