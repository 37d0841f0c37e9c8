// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package mainloop implements a single-threaded, cooperative event loop
// that multiplexes file-descriptor watches and timers with a readiness
// backend (epoll, or a portable poll(2) fallback), plus an out-of-memory
// backpressure protocol and a deferred-dispatch queue for connections with
// complete messages awaiting application delivery.
package mainloop

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"trpc.group/trpc-go/mainloop/internal/dispatchqueue"
	"trpc.group/trpc-go/mainloop/internal/housekeeping"
	"trpc.group/trpc-go/mainloop/internal/pollable"
	"trpc.group/trpc-go/mainloop/internal/safejob"
	"trpc.group/trpc-go/mainloop/internal/timerreg"
	"trpc.group/trpc-go/mainloop/internal/watchreg"
	"trpc.group/trpc-go/mainloop/log"
	"trpc.group/trpc-go/mainloop/metrics"
)

// maxStackEvents bounds how many ready events a single Poll call can
// return, matching the fixed-size on-stack buffer of the C original.
const maxStackEvents = 64

// Loop is the event-loop core: it owns a watch registry, a timer registry,
// a pollable set, and a dispatch queue, and drives them through repeated
// calls to Iterate.
//
// A Loop is not safe for concurrent use: exactly one goroutine may call
// Iterate/Run/Quit/AddWatch/... at a time, per the single-threaded
// cooperative model. Watches and timers may freely add/remove other
// watches and timers, run a nested Run, or call Quit from inside their own
// callback - the loop detects such mutation and restarts its scan safely.
type Loop struct {
	refcount atomic.Int32

	set      pollable.Set
	watches  *watchreg.Registry
	timers   *timerreg.Registry
	dispatch *dispatchqueue.Queue
	pool     *housekeeping.Pool

	serial     atomic.Int64
	depth      atomic.Int32
	oomPending bool
	oomWait    time.Duration

	teardown safejob.OnceJob
}

// NewLoop creates a Loop with refcount 1.
func NewLoop(opts ...Option) (*Loop, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	pool, err := housekeeping.New(o.housekeepingPoolSize)
	if err != nil {
		return nil, errors.Wrap(err, "mainloop: housekeeping pool")
	}
	set, err := pollable.NewSet(o.backend, o.pollableSizeHint)
	if err != nil {
		pool.Release()
		return nil, errors.Wrap(err, "mainloop: pollable set")
	}

	l := &Loop{
		set:     set,
		pool:    pool,
		oomWait: o.oomWait,
	}
	l.refcount.Store(1)
	l.watches = watchreg.New(set, pool, l.bumpSerial)
	l.timers = timerreg.New(monotonicNow)
	l.dispatch = dispatchqueue.New(l.waitForMemory)
	return l, nil
}

func (l *Loop) bumpSerial() {
	l.serial.Inc()
}

func (l *Loop) waitForMemory() {
	metrics.Add(metrics.DispatchNeedMemory, 1)
	if l.oomWait > 0 {
		time.Sleep(l.oomWait)
	}
}

// clockBase is the reference point monotonicNow measures from; time.Since
// uses its monotonic clock reading, so stepping the system clock does not
// move the result.
var clockBase = time.Now()

// monotonicNow reports the monotonic time elapsed since clockBase as
// (sec, usec). It never decreases.
func monotonicNow() (int64, int64) {
	d := time.Since(clockBase)
	return int64(d / time.Second), int64(d % time.Second / time.Microsecond)
}

// Ref increments the loop's reference count.
func (l *Loop) Ref() {
	l.refcount.Inc()
}

// Unref decrements the loop's reference count, releasing the pollable set
// and housekeeping pool and dropping any queued dispatch connections once
// it reaches zero.
func (l *Loop) Unref() error {
	if l.refcount.Dec() > 0 {
		return nil
	}
	var err error
	if !l.teardown.Begin() {
		return nil
	}
	defer l.teardown.End()
	err = multierr.Append(err, errors.Wrap(l.set.Free(), "mainloop: pollable set teardown"))
	l.dispatch.Release()
	l.pool.Release()
	return err
}

// AddWatch registers w with the loop. Returns false if the pollable set
// could not register w's fd (a transient resource failure, or a logged
// programming error such as a bad or duplicate fd), in which case loop
// state is left unchanged.
func (l *Loop) AddWatch(w Watch) bool {
	return l.watches.AddWatch(w)
}

// ToggleWatch recomputes w's fd's aggregated interest mask and pushes it to
// the pollable set, without any structural change.
func (l *Loop) ToggleWatch(w Watch) {
	l.watches.ToggleWatch(w)
}

// RemoveWatch unregisters w.
func (l *Loop) RemoveWatch(w Watch) {
	l.watches.RemoveWatch(w)
}

// AddTimer registers t with the loop. Returns false if t is already
// registered.
func (l *Loop) AddTimer(t Timer) bool {
	ok := l.timers.Add(t)
	if ok {
		l.bumpSerial()
	}
	return ok
}

// RemoveTimer unregisters t.
func (l *Loop) RemoveTimer(t Timer) {
	if l.timers.Remove(t) {
		l.bumpSerial()
	}
}

// QueueDispatch appends conn to the dispatch queue, to be drained at the
// end of the current (or next) iteration.
func (l *Loop) QueueDispatch(conn Connection) {
	l.dispatch.QueueDispatch(conn)
}

// Submit runs job on the housekeeping pool instead of on the loop's own
// goroutine; if the pool is saturated or closed, job runs synchronously on
// the caller's goroutine instead. job must not call back into the loop's Add/Remove/Iterate
// methods without its own synchronization - Submit exists precisely so
// long-running work doesn't block the loop, not so it can safely re-enter
// it from another goroutine.
func (l *Loop) Submit(job func()) {
	l.pool.Submit(job)
}

func clampTimeoutMS(ms int64) int {
	if ms < 0 {
		return -1
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// Iterate performs one pass: compute a poll timeout, poll, re-arm any
// watches withdrawn for OOM, fire expired timers, fire ready watches, and
// drain the dispatch queue. If block is false the poll never waits. It
// returns true iff it invoked at least one timer or watch handler, ran an
// OOM re-arm walk, or dispatched at least one connection - callers mostly
// use this for tests;
// Run is the normal driving entry point.
func (l *Loop) Iterate(block bool) bool {
	metrics.Add(metrics.Iterations, 1)
	progress := false
	origDepth := l.depth.Load()

	if l.watches.Len() == 0 && l.timers.Len() == 0 {
		return l.drain(progress)
	}

	timeout := l.timers.ComputeTimeout()
	if !block || l.dispatch.Len() > 0 {
		timeout = 0
	}
	if l.oomPending {
		oomMS := l.oomWait.Milliseconds()
		if timeout < 0 || oomMS < timeout {
			timeout = oomMS
		}
	}

	timeoutMS := clampTimeoutMS(timeout)
	log.Debugf("mainloop: poll timeout %d ms", timeoutMS)
	if timeoutMS == 0 {
		metrics.Add(metrics.PollCallsNonBlocking, 1)
	} else {
		metrics.Add(metrics.PollCallsBlocking, 1)
	}

	var buf [maxStackEvents]pollable.Event
	n, err := l.set.Poll(buf[:], timeoutMS)
	if err != nil {
		log.Warnf("mainloop: poll: %s", err)
	}
	metrics.Add(metrics.PollEventsReturned, uint64(n))
	log.Debugf("mainloop: poll returned %d events", n)

	if l.oomPending {
		l.oomPending = false
		l.watches.ClearOOM()
		metrics.Add(metrics.OOMRearms, 1)
		progress = true
	}

	initialSerial := l.serial.Load()
	restarted := func() bool {
		return l.serial.Load() != initialSerial || l.depth.Load() != origDepth
	}

	if l.timers.FireExpired(restarted) {
		log.Debugf("mainloop: timer fired")
		metrics.Add(metrics.TimersFired, 1)
		progress = true
	}
	if restarted() {
		metrics.Add(metrics.IterationRestarts, 1)
		return l.drain(progress)
	}

	for i := 0; i < n; i++ {
		if restarted() {
			metrics.Add(metrics.IterationRestarts, 1)
			return l.drain(progress)
		}
		ev := buf[i]
		if ev.Flags&pollable.Invalid != 0 {
			log.Warnf("mainloop: fd %d reported invalid, evicting its watches", ev.FD)
			l.watches.CullInvalid(ev.FD)
			metrics.Add(metrics.InvalidFDEvictions, 1)
			return l.drain(progress)
		}
		if ev.Flags == 0 {
			continue
		}
		ws := l.watches.Bucket(ev.FD)
		if len(ws) == 0 {
			continue
		}
		// Snapshot: a handler below may remove a sibling watch on this same
		// fd, which reslices the bucket's backing array in place. Iterating
		// a copy keeps this scan stable regardless.
		snapshot := make([]watchreg.Watch, len(ws))
		copy(snapshot, ws)

		for _, w := range snapshot {
			if !w.Enabled() {
				continue
			}
			// Strip the readiness bits this watch did not ask for; Hangup and
			// Error are always passed on.
			mask := ev.Flags &^ ((pollable.Readable | pollable.Writable) &^ w.Flags())
			if mask == 0 {
				continue
			}
			if !w.Handle(mask) {
				l.watches.MarkOOM(w)
				l.oomPending = true
				metrics.Add(metrics.OOMEpisodes, 1)
			}
			metrics.Add(metrics.WatchesFired, 1)
			progress = true
			if restarted() {
				metrics.Add(metrics.IterationRestarts, 1)
				return l.drain(progress)
			}
		}
	}

	return l.drain(progress)
}

func (l *Loop) drain(progress bool) bool {
	if l.dispatch.Dispatch() {
		metrics.Add(metrics.DispatchDrains, 1)
		progress = true
	}
	return progress
}

// Run increments the recursion depth and iterates, blocking, until Quit
// brings the depth back to the value observed on entry. A Quit issued
// while a nested Run is active only terminates that inner Run; the
// outer Run keeps iterating until its own matching Quit.
func (l *Loop) Run() {
	l.Ref()
	exitDepth := l.depth.Load()
	l.depth.Inc()
	for l.depth.Load() != exitDepth {
		l.Iterate(true)
	}
	l.Unref()
}

// Quit causes the innermost active Run to return after its current
// iteration completes.
func (l *Loop) Quit() {
	l.depth.Dec()
}
