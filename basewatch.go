// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package mainloop

import "go.uber.org/atomic"

// BaseWatch is an embeddable, concurrency-safe implementation of the
// enabled/invalidated bookkeeping every Watch needs, for hosts that don't
// want to hand-roll it. It also supplies FD and Flags; embed it in a type
// that implements Handle.
type BaseWatch struct {
	fd      int
	flags   EventMask
	enabled atomic.Bool
	invalid atomic.Bool
	refs    atomic.Int32
}

// NewBaseWatch creates a BaseWatch for fd, interested in flags, initially
// enabled.
func NewBaseWatch(fd int, flags EventMask) *BaseWatch {
	w := &BaseWatch{fd: fd, flags: flags}
	w.enabled.Store(true)
	return w
}

// FD implements Watch.
func (w *BaseWatch) FD() int { return w.fd }

// Flags implements Watch.
func (w *BaseWatch) Flags() EventMask { return w.flags }

// Enabled implements Watch.
func (w *BaseWatch) Enabled() bool { return w.enabled.Load() && !w.invalid.Load() }

// SetEnabled toggles whether the watch is considered for delivery. The
// host must call Loop.ToggleWatch afterward for the change to take effect.
func (w *BaseWatch) SetEnabled(enabled bool) { w.enabled.Store(enabled) }

// Invalidate implements Watch.
func (w *BaseWatch) Invalidate() { w.invalid.Store(true) }

// Invalidated reports whether the loop has marked this watch's fd invalid.
func (w *BaseWatch) Invalidated() bool { return w.invalid.Load() }

// Ref implements Watch.
func (w *BaseWatch) Ref() { w.refs.Inc() }

// Unref implements Watch.
func (w *BaseWatch) Unref() { w.refs.Dec() }

// RefCount returns the current reference count, for diagnostics and tests.
func (w *BaseWatch) RefCount() int32 { return w.refs.Load() }

// BaseTimer is an embeddable, concurrency-safe implementation of the
// enabled/needs-restart bookkeeping every Timer needs.
type BaseTimer struct {
	intervalMS   int64
	enabled      atomic.Bool
	needsRestart atomic.Bool
}

// NewBaseTimer creates a BaseTimer that fires every intervalMS, initially
// enabled.
func NewBaseTimer(intervalMS int64) *BaseTimer {
	t := &BaseTimer{intervalMS: intervalMS}
	t.enabled.Store(true)
	return t
}

// IntervalMS implements Timer.
func (t *BaseTimer) IntervalMS() int64 { return t.intervalMS }

// Enabled implements Timer.
func (t *BaseTimer) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles whether the timer is currently considered.
func (t *BaseTimer) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// NeedsRestart implements Timer.
func (t *BaseTimer) NeedsRestart() bool { return t.needsRestart.Load() }

// MarkRestarted implements Timer.
func (t *BaseTimer) MarkRestarted() { t.needsRestart.Store(false) }

// Restart signals that the timer's last-fire time should be reset to now
// on the next check, without waiting out the remainder of the current
// interval.
func (t *BaseTimer) Restart() { t.needsRestart.Store(true) }
