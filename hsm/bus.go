// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package hsm

import "sync"

// Bus is a publish/subscribe hub keyed by signal.
type Bus struct {
	mu   sync.RWMutex
	subs map[Signal][]Poster
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Signal][]Poster)}
}

// Subscribe arranges for events with the given signal to be posted to p.
func (b *Bus) Subscribe(sig Signal, p Poster) {
	b.mu.Lock()
	b.subs[sig] = append(b.subs[sig], p)
	b.mu.Unlock()
}

// Publish posts the event to all subscribers of its signal and returns the number that
// accepted it.
func (b *Bus) Publish(e Event) int {
	b.mu.RLock()
	subs := b.subs[e.Sig]
	b.mu.RUnlock()
	n := 0
	for _, p := range subs {
		if p.Post(e) {
			n++
		}
	}
	return n
}

// Queue is a buffered channel of events that can subscribe to a bus.
type Queue chan Event

// Post enqueues the event without blocking, returning false if the queue is full.
func (q Queue) Post(e Event) bool {
	select {
	case q <- e:
		return true
	default:
		return false
	}
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(e Event) bool

func (f PosterFunc) Post(e Event) bool { return f(e) }
