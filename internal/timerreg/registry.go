// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package timerreg tracks the set of enabled timers with monotonic deadlines,
// computes the next wake-up time, and fires expired timers, including a clamp
// that recovers cleanly if the monotonic clock is ever observed to jump backward.
package timerreg

import (
	"math"

	"trpc.group/trpc-go/mainloop/log"
)

// Clock returns the current monotonic time as (seconds, microseconds).
type Clock func() (sec int64, usec int64)

// Timer is the host-owned collaborator a registry tracks deadlines for.
type Timer interface {
	// IntervalMS returns the timer's period in milliseconds.
	IntervalMS() int64
	// Enabled reports whether the timer should currently be considered.
	Enabled() bool
	// NeedsRestart reports whether the host wants the last-fire time reset
	// to now on the next check, without waiting for the current interval
	// to expire.
	NeedsRestart() bool
	// MarkRestarted clears the needs-restart signal.
	MarkRestarted()
	// Handle invokes the timer's callback.
	Handle()
}

// record is the loop-owned wrapper around a host Timer, storing the
// monotonic last-fire timestamp the host interface deliberately doesn't
// expose (mirrors dbus-mainloop.c's TimeoutCallback).
type record struct {
	timer    Timer
	lastSec  int64
	lastUsec int64
}

// Registry holds every timer registered with the loop, in insertion order.
type Registry struct {
	clock   Clock
	records []*record
}

// New creates an empty timer registry driven by clock.
func New(clock Clock) *Registry {
	return &Registry{clock: clock}
}

// Add registers t, initializing its last-fire time to now. Returns false if
// t is already registered.
func (r *Registry) Add(t Timer) bool {
	for _, rec := range r.records {
		if rec.timer == t {
			log.Warnf("timerreg: timer %p added twice", t)
			return false
		}
	}
	sec, usec := r.clock()
	r.records = append(r.records, &record{timer: t, lastSec: sec, lastUsec: usec})
	return true
}

// Remove unregisters t, returning false (and logging) if t was never
// registered.
func (r *Registry) Remove(t Timer) bool {
	for i, rec := range r.records {
		if rec.timer == t {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return true
		}
	}
	log.Warnf("timerreg: could not find timer %p to remove", t)
	return false
}

// Len returns the number of registered timers.
func (r *Registry) Len() int {
	return len(r.records)
}

// ComputeTimeout returns the minimum remaining time in milliseconds across
// all enabled timers, or -1 if there are none. It also performs the
// needs-restart handling and clock-regression clamp as a side effect, since
// both the timeout computation and the later firing pass need a consistent
// view of "remaining".
func (r *Registry) ComputeTimeout() int64 {
	timeout := int64(-1)
	if len(r.records) == 0 {
		return timeout
	}
	sec, usec := r.clock()
	for _, rec := range r.records {
		if !rec.timer.Enabled() {
			continue
		}
		remaining := r.remainingMS(rec, sec, usec)
		if timeout < 0 || remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// FireExpired walks the timer list once, invoking the handler of every
// enabled timer whose deadline has passed. shouldAbort is called before each
// timer is considered (so once before the first and again after every
// invocation) so the caller can detect a re-entrant structural mutation; a
// true result stops the scan and skips the remaining timers in this call.
// FireExpired returns true if it invoked at least one timer.
func (r *Registry) FireExpired(shouldAbort func() bool) bool {
	fired := false
	sec, usec := r.clock()
	// Snapshot the slice: Add/Remove inside a handler reslices r.records
	// (Remove shifts its backing array in place), but we must keep scanning
	// the set of timers that existed when this pass started, exactly as a
	// linked-list walk over the original nodes would in the C implementation.
	records := append([]*record(nil), r.records...)
	for _, rec := range records {
		if shouldAbort() {
			return fired
		}
		if !rec.timer.Enabled() {
			continue
		}
		remaining := r.remainingMS(rec, sec, usec)
		if remaining <= 0 {
			rec.lastSec, rec.lastUsec = sec, usec
			rec.timer.Handle()
			fired = true
		}
	}
	return fired
}

// remainingMS implements dbus-mainloop.c's check_timeout: compute the
// milliseconds until rec's deadline, restarting and clamping as needed.
func (r *Registry) remainingMS(rec *record, sec, usec int64) int64 {
	if rec.timer.NeedsRestart() {
		rec.lastSec, rec.lastUsec = sec, usec
		rec.timer.MarkRestarted()
	}

	interval := rec.timer.IntervalMS()
	intervalSec := interval / 1000
	intervalMS := interval % 1000

	expSec := rec.lastSec + intervalSec
	expUsec := rec.lastUsec + intervalMS*1000
	if expUsec >= 1000000 {
		expUsec -= 1000000
		expSec++
	}

	secRemaining := expSec - sec
	msecRemaining := (expUsec - usec) / 1000

	var remaining int64
	if secRemaining < 0 || (secRemaining == 0 && msecRemaining < 0) {
		remaining = 0
	} else {
		if msecRemaining < 0 {
			msecRemaining += 1000
			secRemaining--
		}
		if secRemaining > math.MaxInt64/1000 {
			remaining = math.MaxInt64
		} else {
			remaining = secRemaining*1000 + msecRemaining
		}
	}

	if remaining > interval {
		// The monotonic clock went backward: reset the reference point to
		// now instead of waiting out a deadline that is further away than
		// the interval itself.
		rec.lastSec, rec.lastUsec = sec, usec
		remaining = interval
	}

	return remaining
}
