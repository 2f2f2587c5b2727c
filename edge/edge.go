// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package edge watches the DIO interrupt pins of a radio and hands timestamped rising edges
// to a Sink, normally a *phy.PHY. Watchers do nothing else: they never touch the radio.
package edge

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// LogPrintf is a function used to print logging info.
type LogPrintf func(format string, v ...interface{})

// Sink receives DIO edges. It must not block.
type Sink interface {
	DIO(pin int, at time.Time) bool
}

// Pin is the part of a periph gpio.PinIn used to watch for edges.
type Pin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// DefaultPoll is how long WatchPin blocks in WaitForEdge before checking for cancellation and
// for a missed edge, unless told otherwise.
const DefaultPoll = time.Second

// WatchPin configures the pin for rising edges and reports each one to the sink as DIO dio,
// until the context is canceled. Every poll interval (DefaultPoll if zero) it checks whether
// the pin is high without an edge having been seen, in which case the edge is assumed missed
// and reported once. Use a goroutine per pin.
func WatchPin(ctx context.Context, pin Pin, dio int, sink Sink, poll time.Duration,
	log LogPrintf,
) error {
	if log == nil {
		log = func(format string, v ...interface{}) {}
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return err
	}
	// reported is set while the pin is high and the edge has been handed to the sink.
	reported := false
	report := func(at time.Time) {
		reported = true
		if !sink.DIO(dio, at) {
			log("edge: DIO%d dropped, queue full", dio)
		}
	}
	// Make sure we're not missing an initial edge due to a race condition.
	if pin.Read() == gpio.High {
		report(time.Now())
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if pin.WaitForEdge(poll) {
			report(time.Now())
			continue
		}
		switch {
		case pin.Read() == gpio.Low:
			reported = false
		case !reported:
			log("edge: DIO%d interrupt was missed", dio)
			report(time.Now())
		}
	}
}
