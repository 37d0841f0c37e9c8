// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package watchreg maps fds to the watches registered on them and keeps a
// pollable set's per-fd registration and aggregated interest mask in sync
// with that mapping as watches are added, toggled, removed, flagged OOM, or
// evicted for reporting an invalid fd.
package watchreg

import (
	"trpc.group/trpc-go/mainloop/internal/housekeeping"
	"trpc.group/trpc-go/mainloop/internal/pollable"
	"trpc.group/trpc-go/mainloop/log"
)

// Watch is the host-owned collaborator a registry tracks per fd.
type Watch interface {
	FD() int
	Flags() pollable.Flags
	Enabled() bool
	Handle(mask pollable.Flags) bool
	Invalidate()
	Ref()
	Unref()
}

// bucket is the per-fd list of watches sharing that fd's pollable
// registration. It doubles as a free-list node when idle in a bucketCache.
type bucket struct {
	fd      int
	watches []Watch
	oom     map[Watch]struct{}
	next    *bucket
}

func (b *bucket) reset() {
	b.fd = 0
	b.watches = b.watches[:0]
	for w := range b.oom {
		delete(b.oom, w)
	}
}

// aggregate returns the bitwise OR of Flags() across watches that are both
// enabled and not currently withdrawn for a transient failure.
func (b *bucket) aggregate() pollable.Flags {
	var mask pollable.Flags
	for _, w := range b.watches {
		if !w.Enabled() {
			continue
		}
		if _, oom := b.oom[w]; oom {
			continue
		}
		mask |= w.Flags()
	}
	return mask
}

func (b *bucket) indexOf(w Watch) int {
	for i, ww := range b.watches {
		if ww == w {
			return i
		}
	}
	return -1
}

// Registry owns the fd -> bucket mapping and keeps set's registration
// consistent with it.
type Registry struct {
	set     pollable.Set
	buckets map[int]*bucket
	cache   *bucketCache
	bump    func()
}

// New creates a registry driving set. bump is called once per structural
// mutation (add or remove of a watch) to advance the loop's shared
// callback-list serial.
func New(set pollable.Set, pool *housekeeping.Pool, bump func()) *Registry {
	return &Registry{
		set:     set,
		buckets: make(map[int]*bucket),
		cache:   newBucketCache(pool),
		bump:    bump,
	}
}

// Len returns the number of watches currently registered across all
// buckets.
func (r *Registry) Len() int {
	n := 0
	for _, b := range r.buckets {
		n += len(b.watches)
	}
	return n
}

// AddWatch registers w under its fd's bucket, creating the bucket (and the
// pollable-set registration for its fd) if this is the first watch on that
// fd. Returns false if the underlying pollable-set Add fails (a transient
// resource failure, or a logged programming error such as a bad or
// duplicate fd), in which case loop state is left unchanged and w is not
// retained.
func (r *Registry) AddWatch(w Watch) bool {
	fd := w.FD()
	b, existing := r.buckets[fd]
	if !existing {
		b = r.cache.alloc(fd)
		if !r.set.Add(fd, w.Flags(), w.Enabled()) {
			r.cache.release(b)
			return false
		}
		r.buckets[fd] = b
	}
	w.Ref()
	b.watches = append(b.watches, w)
	if existing {
		r.refresh(b)
	}
	r.bump()
	return true
}

// ToggleWatch recomputes fd's aggregated mask and pushes it to the pollable
// set. No bucket is created or destroyed and the serial is not bumped -
// enabling/disabling a watch is not a structural change.
func (r *Registry) ToggleWatch(w Watch) {
	b, ok := r.buckets[w.FD()]
	if !ok {
		log.Warnf("watchreg: toggle of watch on fd %d with no bucket", w.FD())
		return
	}
	if b.indexOf(w) < 0 {
		log.Warnf("watchreg: toggle of unregistered watch on fd %d", w.FD())
		return
	}
	r.refresh(b)
}

// RemoveWatch drops w from its bucket. If the bucket becomes empty, the fd
// is removed from the pollable set and the bucket's slab slot is released.
// Removing a watch that was never added logs and returns.
func (r *Registry) RemoveWatch(w Watch) {
	fd := w.FD()
	b, ok := r.buckets[fd]
	if !ok {
		log.Warnf("watchreg: remove of watch on fd %d with no bucket", fd)
		return
	}
	i := b.indexOf(w)
	if i < 0 {
		log.Warnf("watchreg: remove of unregistered watch on fd %d", fd)
		return
	}
	b.watches = append(b.watches[:i], b.watches[i+1:]...)
	delete(b.oom, w)
	w.Unref()
	if len(b.watches) == 0 {
		delete(r.buckets, fd)
		r.set.Remove(fd)
		r.cache.release(b)
	} else {
		r.refresh(b)
	}
	r.bump()
}

// refresh pushes fd's current aggregated mask to the pollable set: Enable
// if any watch is interested, Disable otherwise.
func (r *Registry) refresh(b *bucket) {
	mask := b.aggregate()
	if mask == 0 {
		r.set.Disable(b.fd)
		return
	}
	r.set.Enable(b.fd, mask)
}

// Bucket returns the watches registered on fd, or nil if fd has no bucket.
func (r *Registry) Bucket(fd int) []Watch {
	b, ok := r.buckets[fd]
	if !ok {
		return nil
	}
	return b.watches
}

// MarkOOM withdraws w from fd's aggregated mask after its handler returned
// an out-of-memory signal, and refreshes the fd's registration so the
// withdrawal takes effect immediately.
func (r *Registry) MarkOOM(w Watch) {
	b, ok := r.buckets[w.FD()]
	if !ok {
		return
	}
	if b.oom == nil {
		b.oom = make(map[Watch]struct{})
	}
	b.oom[w] = struct{}{}
	r.refresh(b)
}

// ClearOOM re-admits every withdrawn watch across every bucket back into
// its fd's aggregated mask, refreshing each affected fd. Called once per
// OOM re-arm walk.
func (r *Registry) ClearOOM() {
	for _, b := range r.buckets {
		if len(b.oom) == 0 {
			continue
		}
		for w := range b.oom {
			delete(b.oom, w)
		}
		r.refresh(b)
	}
}

// CullInvalid evicts fd entirely: every watch in its bucket is invalidated,
// the bucket is dropped, and the fd is removed from the pollable set. Used
// when poll reports the fd itself as invalid - retrying it would spin.
func (r *Registry) CullInvalid(fd int) {
	b, ok := r.buckets[fd]
	if !ok {
		return
	}
	delete(r.buckets, fd)
	r.set.Remove(fd)
	for _, w := range b.watches {
		w.Invalidate()
		w.Unref()
	}
	r.cache.release(b)
	r.bump()
}
