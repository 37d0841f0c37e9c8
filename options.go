// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package mainloop

import (
	"time"

	"trpc.group/trpc-go/mainloop/internal/pollable"
)

const (
	defaultOOMWait          = 500 * time.Millisecond
	defaultHousekeepingPool = 32
)

type options struct {
	pollableSizeHint     int
	oomWait              time.Duration
	backend              pollable.Backend
	housekeepingPoolSize int
}

func defaultOptions() *options {
	return &options{
		oomWait:              defaultOOMWait,
		backend:              pollable.BackendAuto,
		housekeepingPoolSize: defaultHousekeepingPool,
	}
}

// Option configures a Loop at construction time.
type Option func(*options)

// WithPollableSizeHint sets the advisory event-buffer capacity passed to
// the pollable-set backend's constructor.
func WithPollableSizeHint(n int) Option {
	return func(o *options) { o.pollableSizeHint = n }
}

// WithOOMWait overrides the backoff a loop sleeps for after a watch handler
// or dispatch reports an out-of-memory condition. Production code should
// leave this at its 500ms default; tests commonly pass 0.
func WithOOMWait(d time.Duration) Option {
	return func(o *options) { o.oomWait = d }
}

// WithBackend forces a specific pollable-set backend instead of the
// build-time default, letting tests exercise a non-default backend on a
// platform that supports more than one.
func WithBackend(b pollable.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithHousekeepingPoolSize bounds the background pool used for bucket-slab
// reclamation and Loop.Submit. 0 means unbounded.
func WithHousekeepingPoolSize(n int) Option {
	return func(o *options) { o.housekeepingPoolSize = n }
}
