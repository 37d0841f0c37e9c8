// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package dispatchqueue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/mainloop/internal/dispatchqueue"
)

type fakeConn struct {
	name     string
	statuses []dispatchqueue.Status
	i        int
	refs     int
	order    *[]string
}

func (c *fakeConn) Dispatch() dispatchqueue.Status {
	if c.order != nil {
		*c.order = append(*c.order, c.name)
	}
	s := c.statuses[c.i]
	if c.i < len(c.statuses)-1 {
		c.i++
	}
	return s
}

func (c *fakeConn) Ref()   { c.refs++ }
func (c *fakeConn) Unref() { c.refs-- }

func TestEmptyQueueReturnsFalse(t *testing.T) {
	q := dispatchqueue.New(func() {})
	require.False(t, q.Dispatch())
}

func TestDispatchOrderIsFIFO(t *testing.T) {
	var order []string
	c1 := &fakeConn{name: "a", statuses: []dispatchqueue.Status{dispatchqueue.Complete}, order: &order}
	c2 := &fakeConn{name: "b", statuses: []dispatchqueue.Status{dispatchqueue.Complete}, order: &order}

	q := dispatchqueue.New(func() {})
	q.QueueDispatch(c1)
	q.QueueDispatch(c2)
	require.Equal(t, 2, q.Len())

	// Each fakeConn appends its name to order when dispatched.
	require.True(t, q.Dispatch())
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, c1.refs)
	require.Equal(t, 0, c2.refs)
}

func TestNeedMemoryRetriesSameConnectionWithoutAdvancing(t *testing.T) {
	waits := 0
	c1 := &fakeConn{statuses: []dispatchqueue.Status{dispatchqueue.NeedMemory, dispatchqueue.NeedMemory, dispatchqueue.Complete}}
	c2 := &fakeConn{statuses: []dispatchqueue.Status{dispatchqueue.Complete}}

	q := dispatchqueue.New(func() { waits++ })
	q.QueueDispatch(c1)
	q.QueueDispatch(c2)

	require.True(t, q.Dispatch())
	require.Equal(t, 2, waits)
	require.Equal(t, 0, c1.refs)
	require.Equal(t, 0, c2.refs)
}

func TestDataRemainsLoopsWithoutWaiting(t *testing.T) {
	waits := 0
	c1 := &fakeConn{statuses: []dispatchqueue.Status{dispatchqueue.DataRemains, dispatchqueue.DataRemains, dispatchqueue.Complete}}

	q := dispatchqueue.New(func() { waits++ })
	q.QueueDispatch(c1)
	require.True(t, q.Dispatch())
	require.Equal(t, 0, waits)
}

func TestReleaseDropsQueuedConnectionsWithoutDispatching(t *testing.T) {
	c1 := &fakeConn{statuses: []dispatchqueue.Status{dispatchqueue.Complete}}
	c2 := &fakeConn{statuses: []dispatchqueue.Status{dispatchqueue.Complete}}

	q := dispatchqueue.New(func() {})
	q.QueueDispatch(c1)
	q.QueueDispatch(c2)
	q.Release()
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, c1.refs)
	require.Equal(t, 0, c2.refs)
	require.Equal(t, 0, c1.i) // never dispatched
}
