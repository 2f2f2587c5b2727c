// Copyright 2016 by Thorsten von Eicken, see LICENSE file

//go:build linux

// Package thread gives the goroutine running a radio state machine a realtime kernel thread
// so that DIO edges are handled and start times met with little scheduling jitter.
package thread

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const FIFO = 1 // fifo scheduling policy
const RR = 2   // round-robin scheduling policy

// DefaultPriority is somewhere in the lower middle of the 1..99 range.
const DefaultPriority = 10

type schedParam struct {
	Priority int32
}

// Realtime locks the calling goroutine to its own kernel thread and elevates that
// thread's priority to realtime using the round-robin scheduling policy. A priority of 0
// selects DefaultPriority. This usually requires root or CAP_SYS_NICE; on failure the
// goroutine stays locked to its thread with normal priority.
func Realtime(priority int) error {
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 1 || priority > 99 {
		return fmt.Errorf("thread: invalid realtime priority %d", priority)
	}
	// First pin goroutine to its own kernel thread.
	runtime.LockOSThread()
	tid := unix.Gettid()
	// Give this thread realtime priority.
	_, _, errno := unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, uintptr(tid),
		uintptr(RR), uintptr(unsafe.Pointer(&schedParam{int32(priority)})))
	if errno != 0 {
		return fmt.Errorf("thread: sched_setscheduler: %w", errno)
	}
	return nil
}
