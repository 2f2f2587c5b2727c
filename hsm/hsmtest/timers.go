// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package hsmtest has helpers to drive hsm machines deterministically in tests.
package hsmtest

import (
	"sync"
	"time"

	"github.com/tve/loraphy/hsm"
)

// Timer is a fake timer created by Timers.AfterFunc.
type Timer struct {
	D       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// Stop implements hsm.Timer.
func (t *Timer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Pending returns true if the timer has neither fired nor been stopped.
func (t *Timer) Pending() bool { return !t.stopped && !t.fired }

// Timers records the timers armed by a machine. Nothing fires until the test calls Fire.
type Timers struct {
	mu  sync.Mutex
	all []*Timer
}

// AfterFunc can be used as hsm.Opts.AfterFunc.
func (ts *Timers) AfterFunc(d time.Duration, f func()) hsm.Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &Timer{D: d, f: f}
	ts.all = append(ts.all, t)
	return t
}

// All returns all timers created so far, in order.
func (ts *Timers) All() []*Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*Timer(nil), ts.all...)
}

// Pending returns the timers that are still armed.
func (ts *Timers) Pending() []*Timer {
	var p []*Timer
	for _, t := range ts.All() {
		if t.Pending() {
			p = append(p, t)
		}
	}
	return p
}

// Last returns the most recently created timer, nil if there is none.
func (ts *Timers) Last() *Timer {
	all := ts.All()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// Fire runs the timer's function as if it had expired, even if it was stopped, which lets
// tests exercise late deliveries.
func (t *Timer) Fire() {
	t.fired = true
	t.f()
}
