// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package mainloop

import (
	"trpc.group/trpc-go/mainloop/internal/dispatchqueue"
	"trpc.group/trpc-go/mainloop/internal/pollable"
)

// EventMask is a bitmask of readiness conditions. Values are stable across
// platforms and backends.
type EventMask = pollable.Flags

// Event mask bit values.
const (
	Readable EventMask = 1 << iota
	Writable
	Error
	Hangup
	Invalid
)

// Watch is a host-owned object expressing interest in the readability
// and/or writability of one pollable file descriptor. The loop calls
// Handle whenever the fd becomes ready for any bit in Flags, and expects
// Handle's return value to report whether the callback made progress or
// was cut short by a transient out-of-memory condition.
type Watch interface {
	// FD returns the pollable file descriptor this watch is interested in.
	// Must return the same value for the lifetime of the watch.
	FD() int
	// Flags returns the current interest mask (Readable/Writable).
	Flags() EventMask
	// Enabled reports whether the watch should currently be considered
	// for event delivery.
	Enabled() bool
	// Handle is invoked with the subset of Flags that became ready, plus
	// Hangup or Error when the fd reports them; it is not invoked when
	// none of these apply.
	// Returning false signals an out-of-memory condition: the loop
	// withdraws the watch and retries after a backoff instead of treating
	// it as a permanent failure.
	Handle(mask EventMask) bool
	// Invalidate is called when the kernel reports this watch's fd as
	// invalid; the watch must not be used again afterward.
	Invalidate()
	// Ref acquires a reference on behalf of the caller (the loop, during
	// registration).
	Ref()
	// Unref releases a reference previously acquired with Ref.
	Unref()
}

// Timer is a host-owned object expressing a periodic deadline.
type Timer interface {
	// IntervalMS returns the timer's period in milliseconds.
	IntervalMS() int64
	// Enabled reports whether the timer should currently be considered.
	Enabled() bool
	// NeedsRestart reports whether the host wants the last-fire time reset
	// to now on the next check, without waiting out the current interval.
	NeedsRestart() bool
	// MarkRestarted clears the needs-restart signal after the loop has
	// honored it.
	MarkRestarted()
	// Handle invokes the timer's callback.
	Handle()
}

// DispatchStatus is the outcome of one Connection.Dispatch call.
type DispatchStatus = dispatchqueue.Status

// DispatchStatus values.
const (
	// DispatchComplete means every pending message on the connection was
	// delivered.
	DispatchComplete = dispatchqueue.Complete
	// DispatchDataRemains means at least one more message is ready on the
	// same connection.
	DispatchDataRemains = dispatchqueue.DataRemains
	// DispatchNeedMemory means the dispatch could not proceed for lack of
	// memory; the loop waits and retries the same connection.
	DispatchNeedMemory = dispatchqueue.NeedMemory
)

// Connection is a host-owned object holding parsed messages awaiting
// delivery to the application.
type Connection interface {
	// Dispatch delivers as much as it can in one call and reports how far
	// it got.
	Dispatch() DispatchStatus
	// Ref acquires a reference on behalf of the caller.
	Ref()
	// Unref releases a reference previously acquired with Ref.
	Unref()
}
