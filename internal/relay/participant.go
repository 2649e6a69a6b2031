package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chadiek/interpreter-relay/internal/aggregate"
	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/metrics"
	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// State is a participant's lifecycle stage.
type State int32

const (
	StateConnected State = iota
	StateConfigured
	StateEngineConnected
	StateActive
	StateClosing
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConfigured:
		return "configured"
	case StateEngineConnected:
		return "engine_connected"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Participant is one connected client with its engine session and
// aggregator. Its config is immutable once registered.
type Participant struct {
	id     string
	link   Link
	log    *slog.Logger
	config link.SessionConfig

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu         sync.Mutex
	engine     Engine
	aggregator *aggregate.Aggregator
	registry   *Registry
	metrics    *metrics.Metrics

	teardownOnce sync.Once
}

func newParticipant(ctx context.Context, l Link, log *slog.Logger) *Participant {
	ctx, cancel := context.WithCancel(ctx)
	return &Participant{
		id:     l.ID(),
		link:   l,
		log:    log.With("participant", l.ID()),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Participant) ID() string                 { return p.id }
func (p *Participant) Config() link.SessionConfig { return p.config }
func (p *Participant) State() State               { return State(p.state.Load()) }

func (p *Participant) setState(s State) {
	p.state.Store(int32(s))
	p.log.Debug("participant state", slog.String("state", s.String()))
}

// configure applies the handshake result. Called once, before registration.
func (p *Participant) configure(cfg link.SessionConfig) {
	p.config = cfg
	p.log = p.log.With("language", cfg.Language, "role", cfg.Role)
	p.setState(StateConfigured)
}

func (p *Participant) attach(e Engine, a *aggregate.Aggregator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e != nil {
		p.engine = e
	}
	if a != nil {
		p.aggregator = a
	}
}

func (p *Participant) registered(r *Registry, m *metrics.Metrics) {
	p.mu.Lock()
	p.registry = r
	p.metrics = m
	p.mu.Unlock()
	m.ParticipantJoined()
}

// Teardown moves the participant through Closing to Removed: it cancels the
// participant's context, stops the debounce timer, closes the engine session
// and the link, and removes the participant from the registry. Only the
// first call has any effect.
func (p *Participant) Teardown(cause error) {
	p.teardownOnce.Do(func() {
		p.setState(StateClosing)
		p.cancel()

		p.mu.Lock()
		agg, eng, reg, m := p.aggregator, p.engine, p.registry, p.metrics
		p.mu.Unlock()

		if agg != nil {
			agg.Stop()
		}
		if eng != nil {
			if err := eng.Close(); err != nil {
				p.log.Debug("engine close", slog.String("error", err.Error()))
			}
		}
		if err := p.link.Close(); err != nil {
			p.log.Debug("link close", slog.String("error", err.Error()))
		}
		if reg != nil {
			reg.Unregister(p.id, p)
			m.ParticipantLeft(relayerr.Kind(cause))
		}
		p.setState(StateRemoved)

		attrs := []any{slog.String("reason", relayerr.Kind(cause))}
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		p.log.Info("participant removed", attrs...)
	})
}
