package relay

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/chadiek/interpreter-relay/internal/relayerr"
)

// Registry holds the configured participants of one server instance.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]*Participant)}
}

// Register inserts p. An id already held by a live participant is rejected
// with relayerr.ErrProtocol.
func (r *Registry) Register(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[p.ID()]; ok {
		return fmt.Errorf("%w: participant %q already connected", relayerr.ErrProtocol, p.ID())
	}
	r.participants[p.ID()] = p
	return nil
}

// Unregister removes id only while it still maps to p.
func (r *Registry) Unregister(id string, p *Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.participants[id]; ok && cur == p {
		delete(r.participants, id)
		return true
	}
	return false
}

func (r *Registry) Get(id string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// Snapshot copies the current participants so callers can iterate without
// holding the lock.
func (r *Registry) Snapshot() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.participants)
}

// Others returns every registered participant except id.
func (r *Registry) Others(id string) []*Participant {
	return lo.Filter(r.Snapshot(), func(p *Participant, _ int) bool { return p.ID() != id })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
