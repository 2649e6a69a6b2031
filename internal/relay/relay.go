// Package relay runs participant sessions: it owns the registry of
// configured participants, pumps client media into each participant's
// translation engine session and fans settled transcript chunks out to
// everyone else.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/interpreter-relay/internal/aggregate"
	"github.com/chadiek/interpreter-relay/internal/engine"
	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/metrics"
	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// ErrShuttingDown is returned by Serve once Shutdown has started.
var ErrShuttingDown = errors.New("relay shutting down")

type Options struct {
	DebounceWindow time.Duration
	FanoutTimeout  time.Duration
	// ConfigTimeout bounds the wait for the first client frame. Zero waits
	// until the client goes away.
	ConfigTimeout time.Duration
}

type Deps struct {
	Registry    *Registry
	Engines     EngineFactory
	Translator  Translator
	Synthesizer Synthesizer
	Voices      VoiceResolver
	// Detector is optional; without it chunks are assumed to be in the
	// source participant's configured language.
	Detector LanguageDetector
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

type Relay struct {
	registry    *Registry
	engines     EngineFactory
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	log         *slog.Logger
	opts        Options

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	live   sync.WaitGroup
}

func New(deps Deps, opts Options) *Relay {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroadcaster(deps.Registry, deps.Translator, deps.Synthesizer, deps.Voices, opts.FanoutTimeout, deps.Metrics, deps.Log)
	b.detect = deps.Detector
	return &Relay{
		registry:    deps.Registry,
		engines:     deps.Engines,
		broadcaster: b,
		metrics:     deps.Metrics,
		log:         deps.Log,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (r *Relay) Registry() *Registry { return r.registry }

// Serve runs one participant from handshake to removal and blocks until the
// participant is gone. The returned error is the reason the session ended.
func (r *Relay) Serve(ctx context.Context, l Link) error {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		_ = l.Close()
		return ErrShuttingDown
	}
	r.live.Add(1)
	r.mu.Unlock()
	defer r.live.Done()

	p := newParticipant(ctx, l, r.log)
	stop := context.AfterFunc(r.ctx, p.cancel)
	defer stop()

	cfg, err := r.handshake(p)
	if err != nil {
		r.metrics.ConnectionRejected(relayerr.Kind(err))
		p.log.Warn("handshake failed", slog.String("error", err.Error()))
		p.Teardown(err)
		return err
	}
	p.configure(cfg)

	if err := r.registry.Register(p); err != nil {
		r.metrics.ConnectionRejected(relayerr.Kind(err))
		p.log.Warn("registration rejected", slog.String("error", err.Error()))
		p.Teardown(err)
		return err
	}
	p.registered(r.registry, r.metrics)

	err = r.run(p)
	p.Teardown(err)
	return err
}

func (r *Relay) handshake(p *Participant) (link.SessionConfig, error) {
	ctx := p.ctx
	if r.opts.ConfigTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ConfigTimeout)
		defer cancel()
	}
	return p.link.AwaitConfig(ctx)
}

// run connects the engine and pumps both directions until either ends.
func (r *Relay) run(p *Participant) error {
	eng := r.engines(p.Config())
	p.attach(eng, nil)
	if err := eng.Connect(p.ctx); err != nil {
		r.metrics.EngineSetup("failed")
		return err
	}
	r.metrics.EngineSetup("ok")
	p.setState(StateEngineConnected)

	agg := aggregate.New(r.opts.DebounceWindow, func(chunk string) {
		r.broadcaster.Broadcast(p, chunk)
	})
	p.attach(nil, agg)
	p.setState(StateActive)
	p.log.Info("participant active")

	g, gctx := errgroup.WithContext(p.ctx)
	g.Go(func() error { return r.pumpClient(gctx, p, eng) })
	g.Go(func() error { return r.pumpEngine(gctx, p, eng, agg) })
	return g.Wait()
}

// pumpClient relays client frames into the engine session.
func (r *Relay) pumpClient(ctx context.Context, p *Participant, eng Engine) error {
	for {
		f, err := p.link.Receive(ctx)
		if err != nil {
			return err
		}
		var m engine.Media
		switch f.Type {
		case link.TypeAudio:
			m = engine.Media{Kind: engine.MediaAudio, Data: f.Payload}
		case link.TypeImage:
			m = engine.Media{Kind: engine.MediaImage, Data: f.Payload}
		case link.TypeText:
			m = engine.Media{Kind: engine.MediaText, Data: f.Payload}
		case link.TypeTurnComplete:
			if err := eng.SendTurnComplete(ctx); err != nil {
				return err
			}
			continue
		case link.TypeConfig:
			r.metrics.FrameSkipped()
			p.log.Warn("skipping client frame", slog.String("error",
				fmt.Errorf("%w: configuration already applied", relayerr.ErrProtocol).Error()))
			continue
		default:
			continue
		}
		if err := eng.Forward(ctx, m); err != nil {
			return err
		}
	}
}

// pumpEngine routes engine events: native audio echoes to the participant,
// text fragments feed the aggregator, turn completion goes back to the
// participant only.
func (r *Relay) pumpEngine(ctx context.Context, p *Participant, eng Engine, agg *aggregate.Aggregator) error {
	for ev, err := range eng.Events(ctx) {
		if err != nil {
			return err
		}
		r.metrics.EngineEvent(ev.Kind.String())
		switch ev.Kind {
		case engine.InlineAudio:
			if err := p.link.SendAudioBase64(ctx, ev.Data); err != nil {
				return err
			}
		case engine.TextFragment:
			agg.Add(ev.Text)
		case engine.TurnComplete:
			if err := p.link.SendTurnComplete(ctx); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: engine stream ended", relayerr.ErrTransportClosed)
}

// Shutdown tears down every participant and waits for their sessions and
// in-flight deliveries to finish, or for ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.live.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.broadcaster.Wait(ctx)
}
