// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package hsm is a small hierarchical state machine runtime. Each Machine owns an event queue
// and processes events one at a time, in order, on the goroutine that calls Run (or Drain in
// tests). States form a tree through their Parent field; an event not handled by the current
// state bubbles up to its ancestors. Transitions run the exit handlers up to the least common
// ancestor and then the entry handlers down to the target.
//
// Other goroutines interact with a machine only by posting events. Handlers may self-post
// with PostLIFO, which puts the event at the front of the machine's local queue so that it is
// processed before anything else, and may arm TimeEvents.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// LogPrintf is a function used to print logging info.
type LogPrintf func(format string, v ...interface{})

// Signal identifies the kind of an event.
type Signal int

// Reserved signals.
const (
	SigEmpty Signal = iota
	SigEntry
	SigExit
	sigFirstUser
)

var (
	sigMu    sync.Mutex
	sigNames = []string{"EMPTY", "ENTRY", "EXIT"}
	sigByNm  = map[string]Signal{"EMPTY": SigEmpty, "ENTRY": SigEntry, "EXIT": SigExit}
)

// RegisterSignal returns the signal with the given name, allocating it on first use.
func RegisterSignal(name string) Signal {
	sigMu.Lock()
	defer sigMu.Unlock()
	if s, ok := sigByNm[name]; ok {
		return s
	}
	s := Signal(len(sigNames))
	sigNames = append(sigNames, name)
	sigByNm[name] = s
	return s
}

func (s Signal) String() string {
	sigMu.Lock()
	defer sigMu.Unlock()
	if s >= 0 && int(s) < len(sigNames) {
		return sigNames[s]
	}
	return fmt.Sprintf("Signal(%d)", int(s))
}

// Event is a signal with an optional value.
type Event struct {
	Sig   Signal
	Value interface{}
}

var (
	entryEvent = Event{Sig: SigEntry}
	exitEvent  = Event{Sig: SigExit}
)

// Result tells the machine what a handler did with an event.
type Result int

const (
	Unhandled  Result = iota // pass the event to the parent state
	Handled                  // event consumed
	Transition               // event consumed, transition requested with Machine.Tran
)

// State is a node in the state tree. Handle may be nil for states that only group children.
type State struct {
	Name   string
	Parent *State
	Handle func(e Event) Result
}

func (s *State) String() string {
	if s == nil {
		return "top"
	}
	return s.Name
}

func (s *State) handle(e Event) Result {
	if s.Handle == nil {
		return Unhandled
	}
	return s.Handle(e)
}

// depth returns the number of ancestors of s.
func (s *State) depth() int {
	n := 0
	for p := s.Parent; p != nil; p = p.Parent {
		n++
	}
	return n
}

// IsIn returns true if s is anc or one of its descendants.
func (s *State) IsIn(anc *State) bool {
	for ; s != nil; s = s.Parent {
		if s == anc {
			return true
		}
	}
	return false
}

// Poster is something events can be posted to.
type Poster interface {
	Post(e Event) bool
}

// Timer is the subset of *time.Timer used by the machine.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run in its own goroutine after d.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Opts contains options used when creating a Machine.
type Opts struct {
	Name      string    // used in log messages
	QueueLen  int       // capacity of the event queue, default 32
	AfterFunc AfterFunc // timer facility, default time.AfterFunc
	Logger    LogPrintf // function to use for logging
}

// Machine is an active hierarchical state machine.
type Machine struct {
	name    string
	initial *State
	cur     *State
	target  *State // set by Tran while a handler runs
	started bool
	queue   chan Event
	local   []Event       // self-posted events, processed before the queue
	done    chan struct{} // closed by Stop
	stop    sync.Once
	after   AfterFunc
	log     LogPrintf
}

// New returns a machine that will enter the initial state when started.
func New(initial *State, opts Opts) *Machine {
	m := &Machine{
		name:    opts.Name,
		initial: initial,
		done:    make(chan struct{}),
		after:   opts.AfterFunc,
		log:     opts.Logger,
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 32
	}
	m.queue = make(chan Event, opts.QueueLen)
	if m.after == nil {
		m.after = stdAfterFunc
	}
	if m.log == nil {
		m.log = func(format string, v ...interface{}) {}
	}
	if m.name == "" {
		m.name = "hsm"
	}
	return m
}

// Post enqueues an event without blocking. It returns false if the queue is full.
func (m *Machine) Post(e Event) bool {
	select {
	case m.queue <- e:
		return true
	default:
		m.log("%s: queue full, dropping %s", m.name, e.Sig)
		return false
	}
}

// PostLIFO puts an event at the front of the local queue. It must only be called from a
// handler.
func (m *Machine) PostLIFO(e Event) {
	m.local = append([]Event{e}, m.local...)
}

// Tran requests a transition to target and returns the Result the handler should return.
func (m *Machine) Tran(target *State) Result {
	m.target = target
	return Transition
}

// State returns the current state. It must only be called from a handler, or when the machine
// is not running.
func (m *Machine) State() *State { return m.cur }

// Start enters the initial state, running the entry handlers of all its ancestors first. It
// does nothing if the machine has already been started.
func (m *Machine) Start() {
	if m.started {
		return
	}
	m.started = true
	m.enter(nil, m.initial)
	m.cur = m.initial
}

// ErrStopped is returned by Run once the machine has been stopped.
var ErrStopped = errors.New("hsm: machine stopped")

// Stop shuts the machine down: time events stop delivering and Run returns ErrStopped. It
// can be called more than once and from any goroutine.
func (m *Machine) Stop() {
	m.stop.Do(func() { close(m.done) })
}

// Run starts the machine if needed and processes events until the context is canceled or the
// machine is stopped. The machine is stopped when Run returns, so it can only run once.
func (m *Machine) Run(ctx context.Context) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	m.Start()
	defer m.Stop()
	for {
		for len(m.local) > 0 {
			m.dispatchNext()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrStopped
		case e := <-m.queue:
			m.dispatch(e)
		}
	}
}

// Drain starts the machine if needed and processes all queued events, returning when both
// queues are empty. It is meant for tests that drive the machine synchronously.
func (m *Machine) Drain() int {
	m.Start()
	n := 0
	for {
		if len(m.local) > 0 {
			m.dispatchNext()
			n++
			continue
		}
		select {
		case e := <-m.queue:
			m.dispatch(e)
			n++
		default:
			return n
		}
	}
}

func (m *Machine) dispatchNext() {
	e := m.local[0]
	m.local = m.local[1:]
	m.dispatch(e)
}

// dispatch hands an event to the current state and its ancestors until one handles it.
func (m *Machine) dispatch(e Event) {
	if tk, ok := e.Value.(tick); ok && !tk.te.current(tk.gen) {
		return // disarmed or re-armed since
	}
	for s := m.cur; s != nil; s = s.Parent {
		switch s.handle(e) {
		case Handled:
			return
		case Transition:
			t := m.target
			m.target = nil
			m.transition(s, t)
			return
		}
	}
	m.log("%s: %s unhandled in %s", m.name, e.Sig, m.cur)
}

// transition performs an external transition from source, which is the current state or one
// of its ancestors, to target.
func (m *Machine) transition(source, target *State) {
	lca := lca(source, target)
	for s := m.cur; s != lca; s = s.Parent {
		s.handle(exitEvent)
	}
	m.log("%s: %s -> %s", m.name, m.cur, target)
	m.enter(lca, target)
	m.cur = target
}

// enter runs the entry handlers from just below anc down to target.
func (m *Machine) enter(anc, target *State) {
	var path []*State
	for s := target; s != anc; s = s.Parent {
		path = append(path, s)
	}
	for i := len(path) - 1; i >= 0; i-- {
		path[i].handle(entryEvent)
	}
}

// lca returns the state below which a transition from source to target happens. A self
// transition or a transition to an ancestor exits and re-enters the target.
func lca(source, target *State) *State {
	if source.IsIn(target) {
		return target.Parent
	}
	if target.IsIn(source) {
		return source
	}
	a, b := source, target
	da, db := a.depth(), b.depth()
	for ; da > db; da-- {
		a = a.Parent
	}
	for ; db > da; db-- {
		b = b.Parent
	}
	for a != b {
		a, b = a.Parent, b.Parent
	}
	return a
}
