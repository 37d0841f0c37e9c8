// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package dispatchqueue holds the FIFO of connections with pending complete
// messages awaiting delivery to the application, decoupling "bytes arrived
// on a socket" from "a complete message was handed to a callback".
package dispatchqueue

// Status is the outcome of one Connection.Dispatch call.
type Status int

const (
	// Complete means every pending message on the connection was
	// delivered; the connection is dropped from the queue.
	Complete Status = iota
	// DataRemains means at least one more message is ready on the same
	// connection; Dispatch calls again immediately.
	DataRemains
	// NeedMemory means the dispatch could not proceed for lack of memory;
	// the queue waits using its configured backoff and retries the same
	// connection, never advancing past it.
	NeedMemory
)

// Connection is the host-owned collaborator holding messages to deliver.
type Connection interface {
	Dispatch() Status
	Ref()
	Unref()
}

// Queue is a strict FIFO of connections awaiting dispatch.
type Queue struct {
	pending []Connection
	wait    func()
}

// New creates an empty queue. wait is invoked (and may block) whenever a
// Connection.Dispatch reports NeedMemory, before retrying the same
// connection; in production this sleeps for the configured OOM backoff, in
// tests it is typically a no-op.
func New(wait func()) *Queue {
	return &Queue{wait: wait}
}

// QueueDispatch appends conn to the queue, acquiring a reference that is
// released once its dispatch completes.
func (q *Queue) QueueDispatch(conn Connection) {
	conn.Ref()
	q.pending = append(q.pending, conn)
}

// Len returns the number of connections currently queued.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Release drops every queued connection without dispatching it, releasing
// the reference QueueDispatch acquired. Used when the owning loop is torn
// down with connections still pending.
func (q *Queue) Release() {
	for _, conn := range q.pending {
		conn.Unref()
	}
	q.pending = nil
}

// Dispatch drains the queue, calling Connection.Dispatch on the connection
// at the front until it reports Complete, then moving to the next one.
// Returns true iff at least one connection was dispatched.
func (q *Queue) Dispatch() bool {
	if len(q.pending) == 0 {
		return false
	}
	dispatched := false
	for len(q.pending) > 0 {
		conn := q.pending[0]
		q.pending = q.pending[1:]
		for {
			status := conn.Dispatch()
			dispatched = true
			if status == Complete {
				conn.Unref()
				break
			}
			if status == NeedMemory {
				q.wait()
			}
			// DataRemains or NeedMemory: retry the same connection; it must
			// not advance to the next one until Complete.
		}
	}
	return dispatched
}
