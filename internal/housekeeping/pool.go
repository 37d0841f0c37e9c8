// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package housekeeping provides the bounded background goroutine pool used
// for work that must happen off the loop's own goroutine: reclaiming freed
// watch-bucket slab slots, and running host-submitted maintenance jobs. It
// never runs a watch, timer, or dispatch handler - those stay on the loop's
// own goroutine under the single-threaded cooperative model.
package housekeeping

import (
	"github.com/panjf2000/ants/v2"
	"trpc.group/trpc-go/mainloop/log"
)

// Pool wraps a bounded ants.Pool for fire-and-forget background jobs.
type Pool struct {
	p *ants.Pool
}

// New creates a Pool. size <= 0 means unbounded, matching ants.NewPool's own
// "non-positive capacity means no limit" convention.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = -1
	}
	p, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Pool{p: p}, nil
}

// Submit runs job on the pool. If the pool is saturated or closed, job runs
// synchronously on the caller's goroutine instead of being dropped - a
// housekeeping job that never runs would leak the resource it was meant to
// reclaim.
func (p *Pool) Submit(job func()) {
	if p == nil || p.p == nil {
		job()
		return
	}
	if err := p.p.Submit(job); err != nil {
		log.Debugf("housekeeping: submit fell back to sync execution: %s", err)
		job()
	}
}

// Release closes the pool, waiting for in-flight jobs to finish.
func (p *Pool) Release() {
	if p == nil || p.p == nil {
		return
	}
	p.p.Release()
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	if p == nil || p.p == nil {
		return 0
	}
	return p.p.Running()
}
