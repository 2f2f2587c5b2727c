// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package hsm

import "time"

// TimeEvent delivers its signal to the machine after a delay. At most one delivery is pending
// at any time: arming it again or disarming it cancels the pending one, and a delivery that
// was already in flight when that happened is discarded by the machine.
type TimeEvent struct {
	m     *Machine
	sig   Signal
	timer Timer
	gen   uint64 // incremented on every PostIn and Disarm
	armed bool
}

// tick is the value of the events posted by a TimeEvent.
type tick struct {
	te  *TimeEvent
	gen uint64
}

// NewTimeEvent returns a time event posting sig to m. It must be used only from m's handlers.
func (m *Machine) NewTimeEvent(sig Signal) *TimeEvent {
	return &TimeEvent{m: m, sig: sig}
}

// PostIn arms the time event to fire after d, disarming it first if needed.
func (te *TimeEvent) PostIn(d time.Duration) {
	te.Disarm()
	te.gen++
	te.armed = true
	ev := Event{Sig: te.sig, Value: tick{te, te.gen}}
	m := te.m
	te.timer = m.after(d, func() {
		// Blocks while the queue is full, until the machine catches up or is stopped.
		select {
		case m.queue <- ev:
		case <-m.done:
		}
	})
}

// Disarm cancels a pending delivery, if any.
func (te *TimeEvent) Disarm() {
	if !te.armed {
		return
	}
	te.armed = false
	te.gen++
	if te.timer != nil {
		te.timer.Stop()
		te.timer = nil
	}
}

// Armed returns true if a delivery is pending.
func (te *TimeEvent) Armed() bool { return te.armed }

// current is called by the machine to decide whether a delivery is still wanted, it also
// marks the time event as fired.
func (te *TimeEvent) current(gen uint64) bool {
	if !te.armed || gen != te.gen {
		return false
	}
	te.armed = false
	te.timer = nil
	return true
}
