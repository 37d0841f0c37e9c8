// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux
// +build linux

package pollable

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"trpc.group/trpc-go/mainloop/log"
)

func newDefaultSet(sizeHint int) (Set, error) {
	return newEpollSet(sizeHint)
}

// epollSet is the Linux epoll(4) backend.
//
// The disable trick below avoids EPOLL_CTL_DEL/EPOLL_CTL_ADD churn:
// EPOLL_CTL_DEL would free the kernel's per-fd resources, and re-adding them
// later can fail under memory pressure exactly when we'd need it to succeed
// (to re-enable a watch). An empty-mask level-triggered registration would still deliver
// EPOLLHUP/EPOLLERR and busy-loop. Edge-triggered with an empty mask fires at
// most once per state transition and is then silent, which is what we want.
type epollSet struct {
	fd     int
	events []unix.EpollEvent
}

func newEpollSet(sizeHint int) (Set, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if sizeHint <= 0 {
		sizeHint = defaultEventCapacity
	}
	return &epollSet{
		fd:     fd,
		events: make([]unix.EpollEvent, sizeHint),
	}, nil
}

func flagsToEpoll(f Flags) uint32 {
	var events uint32
	if f&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if f&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func epollToFlags(events uint32) Flags {
	var f Flags
	if events&unix.EPOLLIN != 0 {
		f |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		f |= Writable
	}
	if events&unix.EPOLLHUP != 0 {
		f |= Hangup
	}
	if events&unix.EPOLLERR != 0 {
		f |= Error
	}
	return f
}

// Add registers fd. See Set.Add.
func (s *epollSet) Add(fd int, flags Flags, enabled bool) bool {
	event := unix.EpollEvent{Fd: int32(fd)}
	if enabled {
		event.Events = flagsToEpoll(flags)
	} else {
		event.Events = unix.EPOLLET
	}
	err := unix.EpollCtl(s.fd, unix.EPOLL_CTL_ADD, fd, &event)
	if err == nil {
		return true
	}
	switch err {
	case unix.ENOMEM, unix.ENOSPC:
		// Transient: caller is expected to handle this as backpressure.
		return false
	case unix.EBADF:
		log.Warnf("pollable: epoll_ctl add: bad fd %d", fd)
	case unix.EEXIST:
		log.Warnf("pollable: epoll_ctl add: fd %d added twice", fd)
	default:
		log.Warnf("pollable: epoll_ctl add: fd %d: %s", fd, err)
	}
	return false
}

// Remove unregisters fd. See Set.Remove.
func (s *epollSet) Remove(fd int) {
	if err := unix.EpollCtl(s.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		log.Warnf("pollable: epoll_ctl del: fd %d: %s", fd, err)
	}
}

// Enable changes fd's interest mask. See Set.Enable.
func (s *epollSet) Enable(fd int, flags Flags) {
	event := unix.EpollEvent{Fd: int32(fd), Events: flagsToEpoll(flags)}
	if err := unix.EpollCtl(s.fd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		// Enabling must not fail for lack of resources; any failure here is a
		// programming error (bad/duplicate fd) that the epoll_ctl ADD at Add
		// time should already have caught.
		log.Warnf("pollable: epoll_ctl mod (enable): fd %d: %s", fd, err)
	}
}

// Disable suppresses delivery for fd. See Set.Disable.
func (s *epollSet) Disable(fd int) {
	event := unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLET}
	if err := unix.EpollCtl(s.fd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		log.Warnf("pollable: epoll_ctl mod (disable): fd %d: %s", fd, err)
	}
}

// Poll blocks until events are ready or the timeout elapses. See Set.Poll.
func (s *epollSet) Poll(out []Event, timeoutMS int) (int, error) {
	max := len(s.events)
	if len(out) < max {
		max = len(out)
	}
	n, err := unix.EpollWait(s.fd, s.events[:max], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		out[i] = Event{
			FD:    int(s.events[i].Fd),
			Flags: epollToFlags(s.events[i].Events),
		}
	}
	return n, nil
}

// Free releases the epoll fd. See Set.Free.
func (s *epollSet) Free() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return errors.Wrap(os.NewSyscallError("close", unix.Close(fd)), "pollable: epoll free")
}
