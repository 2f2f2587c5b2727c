// Copyright 2016 by Thorsten von Eicken, see LICENSE file

//go:build linux

package edge

import (
	"fmt"
	"time"

	"github.com/warthog618/gpiod"
	"golang.org/x/sys/unix"
)

// WatchLine requests a line of a GPIO character device (e.g. "gpiochip0") as an input with
// rising edge detection and reports each edge to the sink as DIO dio. The edge time is the
// kernel's interrupt timestamp, which is more accurate than the time at which a goroutine
// gets to run. Closing the returned line stops the watch.
func WatchLine(chip string, offset, dio int, sink Sink, log LogPrintf) (*gpiod.Line, error) {
	if log == nil {
		log = func(format string, v ...interface{}) {}
	}
	handler := func(evt gpiod.LineEvent) {
		if evt.Type != gpiod.LineEventRisingEdge {
			return
		}
		if !sink.DIO(dio, MonotonicTime(evt.Timestamp)) {
			log("edge: DIO%d dropped, queue full", dio)
		}
	}
	l, err := gpiod.RequestLine(chip, offset, gpiod.AsInput, gpiod.WithRisingEdge,
		gpiod.WithEventHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("edge: %s line %d: %w", chip, offset, err)
	}
	return l, nil
}

// MonotonicTime converts a CLOCK_MONOTONIC timestamp, as found in gpiod line events, to
// wall clock time.
func MonotonicTime(ts time.Duration) time.Time {
	var now unix.Timespec
	wall := time.Now()
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err != nil {
		return wall
	}
	return monoToTime(ts, time.Duration(now.Nano()), wall)
}
