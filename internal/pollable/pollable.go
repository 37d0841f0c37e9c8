// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package pollable provides a polymorphic façade over the OS readiness-
// notification primitive (epoll on Linux, poll(2) elsewhere), uniform
// across backends so the loop driver never needs to know which one it
// is talking to.
package pollable

import "fmt"

// Flags is a bitmask of readiness conditions, stable across platforms
// regardless of which backend is selected.
type Flags uint32

// Flag bit values. These are part of the public wire contract and must
// never change.
const (
	Readable Flags = 1 << iota
	Writable
	Error
	Hangup
	Invalid
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	add := func(bit Flags, name string) {
		if f&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(Readable, "READABLE")
	add(Writable, "WRITABLE")
	add(Error, "ERROR")
	add(Hangup, "HANGUP")
	add(Invalid, "INVALID")
	return s
}

// Event is a single readiness notification: one fd paired with the
// flags that became ready for it.
type Event struct {
	FD    int
	Flags Flags
}

// Backend selects which kernel readiness mechanism a Set is built on.
type Backend int

// Supported backends.
const (
	// BackendAuto picks the best backend available at build time.
	BackendAuto Backend = iota
	// BackendEpoll forces the Linux epoll(4) backend.
	BackendEpoll
	// BackendPoll forces the portable, level-triggered poll(2) backend.
	BackendPoll
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendPoll:
		return "poll"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// Set owns kernel readiness state for a collection of file descriptors.
// Each backend (epoll, portable poll(2)) implements this one interface so
// callers never need a type switch.
//
// None of these methods is safe to call from more than one goroutine at
// a time; Set is meant to be driven exclusively by the loop's own
// goroutine, under the single-threaded cooperative model the rest of the
// package follows.
type Set interface {
	// Add registers fd for events in flags. If enabled is false, fd is
	// still registered (reserving any backend-specific per-fd resources)
	// but configured so no events are delivered. Add returns false on any
	// failure: a transient resource-exhaustion failure (e.g. ENOMEM/ENOSPC)
	// is returned silently, while any other failure is a programming error
	// and is also logged.
	Add(fd int, flags Flags, enabled bool) bool

	// Remove unregisters fd. Safe to call only for an fd that was
	// previously Added; logs and returns otherwise.
	Remove(fd int)

	// Enable changes the level-triggered interest mask for fd to flags.
	// Must not fail for lack of resources - backends pre-reserve
	// per-fd slots at Add time.
	Enable(fd int, flags Flags)

	// Disable suppresses event delivery for fd without releasing the
	// kernel resources reserved for it at Add time.
	Disable(fd int)

	// Poll blocks up to timeoutMS (-1 = indefinite, 0 = non-blocking)
	// and writes ready events into out, returning how many it wrote.
	// len(out) bounds how many events a single call can return.
	Poll(out []Event, timeoutMS int) (int, error)

	// Free releases all kernel resources owned by the set. Idempotent,
	// including on a partially-constructed instance.
	Free() error
}

// NewSet constructs a Set using the given backend (or the build-time
// default when b is BackendAuto). sizeHint is advisory capacity for the
// backend's internal event buffer.
func NewSet(b Backend, sizeHint int) (Set, error) {
	if sizeHint <= 0 {
		sizeHint = defaultEventCapacity
	}
	switch b {
	case BackendPoll:
		return newPollSet(sizeHint)
	case BackendEpoll:
		return newEpollSet(sizeHint)
	case BackendAuto:
		return newDefaultSet(sizeHint)
	default:
		return nil, fmt.Errorf("pollable: unknown backend %v", b)
	}
}

const defaultEventCapacity = 64
