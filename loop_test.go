// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package mainloop_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	mainloop "trpc.group/trpc-go/mainloop"
	"trpc.group/trpc-go/mainloop/internal/pollable"
)

type testWatch struct {
	fd      int
	flags   mainloop.EventMask
	enabled bool
	invalid bool
	handle  func(mask mainloop.EventMask) bool
}

func (w *testWatch) FD() int                             { return w.fd }
func (w *testWatch) Flags() mainloop.EventMask           { return w.flags }
func (w *testWatch) Enabled() bool                       { return w.enabled && !w.invalid }
func (w *testWatch) Handle(mask mainloop.EventMask) bool { return w.handle(mask) }
func (w *testWatch) Invalidate()                         { w.invalid = true }
func (w *testWatch) Ref()                                {}
func (w *testWatch) Unref()                              {}

type testTimer struct {
	intervalMS   int64
	enabled      bool
	needsRestart bool
	handle       func()
}

func (t *testTimer) IntervalMS() int64  { return t.intervalMS }
func (t *testTimer) Enabled() bool      { return t.enabled }
func (t *testTimer) NeedsRestart() bool { return t.needsRestart }
func (t *testTimer) MarkRestarted()     { t.needsRestart = false }
func (t *testTimer) Handle()            { t.handle() }

func newLoop(t *testing.T) *mainloop.Loop {
	l, err := mainloop.NewLoop(mainloop.WithBackend(pollable.BackendPoll), mainloop.WithOOMWait(0))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Unref()) })
	return l
}

// S1: add readable watch on pipe read-end, write "hi" to write-end, call
// Iterate(block=true); handler is invoked once with mask Readable, returns
// true. Iterate returns true.
func TestScenarioReadablePipe(t *testing.T) {
	l := newLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	calls := 0
	var gotMask mainloop.EventMask
	watch := &testWatch{
		fd: int(r.Fd()), flags: mainloop.Readable, enabled: true,
		handle: func(mask mainloop.EventMask) bool {
			calls++
			gotMask = mask
			return true
		},
	}
	require.True(t, l.AddWatch(watch))

	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)

	require.True(t, l.Iterate(true))
	require.Equal(t, 1, calls)
	require.Equal(t, mainloop.Readable, gotMask&mainloop.Readable)
}

// S2: add timer with interval 50ms; call Iterate(true) repeatedly for
// 200ms wall-clock; handler fires >= 3 and <= 5 times.
func TestScenarioTimerFiresRepeatedly(t *testing.T) {
	l := newLoop(t)
	fired := 0
	timer := &testTimer{intervalMS: 50, enabled: true, handle: func() { fired++ }}
	require.True(t, l.AddTimer(timer))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		l.Iterate(true)
	}
	require.GreaterOrEqual(t, fired, 3)
	require.LessOrEqual(t, fired, 5)
}

// S3: two watches on the same fd with Readable and Writable; disabling the
// writable one drops it from the aggregated mask, observed behaviorally by
// what each handler receives.
func TestScenarioAggregatedMaskOnSharedFD(t *testing.T) {
	l := newLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	fd := fds[0]

	var writableCalls, readableCalls int
	wWritable := &testWatch{
		fd: fd, flags: mainloop.Writable, enabled: true,
		handle: func(mainloop.EventMask) bool { writableCalls++; return true },
	}
	wReadable := &testWatch{
		fd: fd, flags: mainloop.Readable, enabled: true,
		handle: func(mainloop.EventMask) bool { readableCalls++; return true },
	}
	require.True(t, l.AddWatch(wWritable))
	require.True(t, l.AddWatch(wReadable))

	// A fresh socket's send buffer is empty, so only the writable watch
	// should fire; nothing has been written to fds[1] yet.
	l.Iterate(false)
	require.Equal(t, 1, writableCalls)
	require.Equal(t, 0, readableCalls)

	wWritable.enabled = false
	l.ToggleWatch(wWritable)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	l.Iterate(true)
	require.Equal(t, 1, writableCalls) // unchanged: withdrawn from the mask
	require.Equal(t, 1, readableCalls)
}

// S4: watch handler returns OOM once; with the fd still readable, a later
// Iterate call reinvokes the handler once the OOM re-arm walk has run (OOM
// wait is 0 in tests).
func TestScenarioOOMRecovery(t *testing.T) {
	l := newLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	calls := 0
	watch := &testWatch{
		fd: int(r.Fd()), flags: mainloop.Readable, enabled: true,
		handle: func(mainloop.EventMask) bool {
			calls++
			return calls > 1 // OOM on the first call only
		},
	}
	require.True(t, l.AddWatch(watch))

	l.Iterate(true) // first call: OOM, withdrawn
	require.Equal(t, 1, calls)

	l.Iterate(true) // OOM re-arm walk runs after this poll, which skipped the withdrawn fd
	require.Equal(t, 1, calls)

	l.Iterate(true) // re-armed; fd is still readable
	require.Equal(t, 2, calls)
}

// S5: inside a watch handler on fd A, remove another watch on fd B that is
// also ready in the same poll batch; B's handler must NOT be invoked this
// iteration.
func TestScenarioReentrantRemoveSkipsStaleWatch(t *testing.T) {
	l := newLoop(t)
	rA, wA, err := os.Pipe()
	require.NoError(t, err)
	defer rA.Close()
	defer wA.Close()
	rB, wB, err := os.Pipe()
	require.NoError(t, err)
	defer rB.Close()
	defer wB.Close()

	_, err = wA.Write([]byte("a"))
	require.NoError(t, err)
	_, err = wB.Write([]byte("b"))
	require.NoError(t, err)

	bFired := 0
	var watchB *testWatch
	watchB = &testWatch{
		fd: int(rB.Fd()), flags: mainloop.Readable, enabled: true,
		handle: func(mainloop.EventMask) bool { bFired++; return true },
	}
	watchA := &testWatch{
		fd: int(rA.Fd()), flags: mainloop.Readable, enabled: true,
		handle: func(mainloop.EventMask) bool {
			l.RemoveWatch(watchB)
			return true
		},
	}
	require.True(t, l.AddWatch(watchA))
	require.True(t, l.AddWatch(watchB))

	l.Iterate(true)
	require.Equal(t, 0, bFired)

	// The loop restarted from drain; a later iteration has no B left to fire.
	l.Iterate(false)
	require.Equal(t, 0, bFired)
}

// S6: call Run(), and from a timer handler call Quit(); Run() returns
// after the current iteration completes.
func TestScenarioQuitFromTimerEndsRun(t *testing.T) {
	l := newLoop(t)
	timer := &testTimer{intervalMS: 1, enabled: true}
	timer.handle = func() { l.Quit() }
	require.True(t, l.AddTimer(timer))

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
}

// TestIterateReturnsFalseWithNothingRegistered covers the short-circuit
// path: an empty loop with no watches or timers and nothing queued makes
// no progress.
func TestIterateReturnsFalseWithNothingRegistered(t *testing.T) {
	l := newLoop(t)
	require.False(t, l.Iterate(false))
}
