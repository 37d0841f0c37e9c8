// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build !windows
// +build !windows

package pollable

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"trpc.group/trpc-go/mainloop/log"
)

// pollSet is the portable, level-triggered poll(2) backend - a second,
// independent implementation of the Set interface so callers aren't pinned
// to epoll. Unlike epoll, poll(2) has
// no persistent kernel-side registration to pre-reserve, so Enable/Disable
// only ever mutate the in-memory fd table; the actual "edge-triggered empty
// mask" trick from epoll has no poll(2) equivalent, but disabling here is
// just as safe because poll(2) re-scans the whole fd table every call - a
// disabled fd is simply omitted from the next unix.Poll argument slice.
type pollSet struct {
	mu      sync.Mutex
	entries map[int]*pollEntry
	order   []int
}

type pollEntry struct {
	flags   Flags
	enabled bool
}

func newPollSet(sizeHint int) (Set, error) {
	return &pollSet{
		entries: make(map[int]*pollEntry, sizeHint),
	}, nil
}

// Add registers fd. See Set.Add.
func (s *pollSet) Add(fd int, flags Flags, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[fd]; dup {
		log.Warnf("pollable: poll add: fd %d added twice", fd)
		return false
	}
	s.entries[fd] = &pollEntry{flags: flags, enabled: enabled}
	s.order = append(s.order, fd)
	return true
}

// Remove unregisters fd. See Set.Remove.
func (s *pollSet) Remove(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fd]; !ok {
		log.Warnf("pollable: poll remove: unknown fd %d", fd)
		return
	}
	delete(s.entries, fd)
	for i, f := range s.order {
		if f == fd {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Enable changes fd's interest mask. See Set.Enable.
func (s *pollSet) Enable(fd int, flags Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fd]
	if !ok {
		log.Warnf("pollable: poll enable: unknown fd %d", fd)
		return
	}
	e.flags = flags
	e.enabled = true
}

// Disable suppresses delivery for fd. See Set.Disable.
func (s *pollSet) Disable(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fd]
	if !ok {
		log.Warnf("pollable: poll disable: unknown fd %d", fd)
		return
	}
	e.enabled = false
}

func flagsToPollEvents(f Flags) int16 {
	var events int16
	if f&Readable != 0 {
		events |= unix.POLLIN
	}
	if f&Writable != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func pollEventsToFlags(events int16) Flags {
	var f Flags
	if events&unix.POLLIN != 0 {
		f |= Readable
	}
	if events&unix.POLLOUT != 0 {
		f |= Writable
	}
	if events&unix.POLLHUP != 0 {
		f |= Hangup
	}
	if events&unix.POLLERR != 0 {
		f |= Error
	}
	if events&unix.POLLNVAL != 0 {
		f |= Invalid
	}
	return f
}

// Poll blocks until events are ready or the timeout elapses. See Set.Poll.
func (s *pollSet) Poll(out []Event, timeoutMS int) (int, error) {
	s.mu.Lock()
	fds := make([]unix.PollFd, 0, len(s.order))
	fdIndex := make([]int, 0, len(s.order))
	for _, fd := range s.order {
		e := s.entries[fd]
		if !e.enabled {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: flagsToPollEvents(e.flags)})
		fdIndex = append(fdIndex, fd)
	}
	s.mu.Unlock()

	if len(fds) == 0 {
		// Nothing to wait on; poll(2) with an empty set would just sleep for
		// timeoutMS and return 0, so short-circuit rather than syscall.
		return 0, nil
	}

	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("poll", err)
	}
	if n <= 0 {
		return 0, nil
	}

	written := 0
	for i := range fds {
		if fds[i].Revents == 0 {
			continue
		}
		if written >= len(out) {
			break
		}
		out[written] = Event{FD: fdIndex[i], Flags: pollEventsToFlags(fds[i].Revents)}
		written++
	}
	return written, nil
}

// Free releases the backend. poll(2) holds no persistent kernel resource
// beyond the fds the caller itself owns, so this just drops the table.
func (s *pollSet) Free() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.order = nil
	return nil
}
