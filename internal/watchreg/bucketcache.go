// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package watchreg

import (
	"sync"

	"trpc.group/trpc-go/mainloop/internal/housekeeping"
	"trpc.group/trpc-go/mainloop/internal/locker"
)

// bucketSlabSize is the number of buckets carved out of the heap at once,
// amortizing allocation over many AddWatch calls.
const bucketSlabSize = 256

// bucketCache is a free-list-of-slabs allocator for buckets: allocating a
// bucket on every AddWatch and letting it go to the garbage collector on
// every RemoveWatch would put a heap allocation and a GC object on the hot
// path of fd churn, which tends to be bursty (a connection closing and
// reopening many fds in short order).
type bucketCache struct {
	lk    locker.Locker
	first *bucket
	slabs [][]bucket

	pool *housekeeping.Pool

	mu       sync.Mutex
	freeList []*bucket
}

func newBucketCache(pool *housekeeping.Pool) *bucketCache {
	return &bucketCache{pool: pool}
}

// alloc returns a zeroed bucket for fd, carving a new slab if the free
// list is empty.
func (c *bucketCache) alloc(fd int) *bucket {
	c.lk.Lock()
	if c.first == nil {
		slab := make([]bucket, bucketSlabSize)
		c.slabs = append(c.slabs, slab)
		for i := range slab {
			slab[i].next = c.first
			c.first = &slab[i]
		}
	}
	b := c.first
	c.first = b.next
	c.lk.Unlock()
	b.fd = fd
	return b
}

// release returns b to the free list. The reset-and-relink itself is
// deferred onto the housekeeping pool: the caller (RemoveWatch or a failed
// AddWatch) has already made its synchronous, ordered decision to drop the
// bucket by the time release is called, so recycling the slot a few
// microseconds later on another goroutine is invisible to anyone but the
// allocator.
func (c *bucketCache) release(b *bucket) {
	c.mu.Lock()
	c.freeList = append(c.freeList, b)
	first := len(c.freeList) == 1
	c.mu.Unlock()
	if first {
		c.pool.Submit(c.drain)
	}
}

// drain folds every bucket queued by release back into the free list.
func (c *bucketCache) drain() {
	c.mu.Lock()
	batch := c.freeList
	c.freeList = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	c.lk.Lock()
	for _, b := range batch {
		b.reset()
		b.next = c.first
		c.first = b
	}
	c.lk.Unlock()
}
