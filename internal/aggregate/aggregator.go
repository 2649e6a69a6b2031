// Package aggregate coalesces streaming text fragments into settled chunks.
//
// An Aggregator owns a single-slot quiescence timer. Every fragment restarts
// the timer; when the timer fires without being superseded, the buffered text
// is swapped out and handed to the sink as one chunk.
package aggregate

import (
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the quiescence window used when none is configured.
const DefaultWindow = 2 * time.Second

// Sink receives one settled chunk. It runs on the timer goroutine, so it
// should hand off slow work.
type Sink func(chunk string)

// Aggregator buffers fragments for one participant.
type Aggregator struct {
	window time.Duration
	sink   Sink

	mu      sync.Mutex
	pending strings.Builder
	// generation is bumped on every fragment; a timer only settles the
	// generation it was armed for.
	generation uint64
	timer      *time.Timer
	stopped    bool
}

// New creates an Aggregator that settles after window of inactivity.
func New(window time.Duration, sink Sink) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{window: window, sink: sink}
}

// Add appends a fragment in arrival order and re-arms the quiescence timer.
func (a *Aggregator) Add(fragment string) {
	if fragment == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.pending.WriteString(fragment)
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
	}
	gen := a.generation
	a.timer = time.AfterFunc(a.window, func() { a.settle(gen) })
}

// settle runs on timer expiry. A stale generation means a newer fragment
// arrived after this timer was armed, so it does nothing.
func (a *Aggregator) settle(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.generation {
		a.mu.Unlock()
		return
	}
	chunk := a.pending.String()
	a.pending.Reset()
	a.timer = nil
	a.mu.Unlock()

	if strings.TrimSpace(chunk) == "" || a.sink == nil {
		return
	}
	a.sink(chunk)
}

// Pending returns the text buffered since the last settled chunk.
func (a *Aggregator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.String()
}

// Stop cancels the armed timer and discards buffered text. Fragments added
// after Stop are ignored. Stop is idempotent.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending.Reset()
}
