// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

// Package metrics provides runtime monitoring data for the event loop,
// such as how many iterations ran blocking vs. non-blocking, how often
// watches had to be withdrawn for OOM, and dispatch-queue throughput -
// useful for tuning poll timeouts and catching OOM thrashing.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Iterations counts calls to Loop.Iterate.
	Iterations = iota
	// PollCallsBlocking counts poll(timeout != 0) calls.
	PollCallsBlocking
	// PollCallsNonBlocking counts poll(timeout == 0) calls.
	PollCallsNonBlocking
	// PollEventsReturned counts the total number of pollable events returned by poll.
	PollEventsReturned
	// TimersFired counts iterations that invoked at least one timer handler;
	// several timers firing in the same iteration count once.
	TimersFired
	// WatchesFired counts watch handler invocations.
	WatchesFired
	// OOMEpisodes counts the number of times a watch handler reported OOM.
	OOMEpisodes
	// OOMRearms counts the number of OOM re-arm walks performed.
	OOMRearms
	// InvalidFDEvictions counts fds evicted because the kernel reported them invalid.
	InvalidFDEvictions
	// DispatchDrains counts dispatch-queue drains that dispatched at least one connection.
	DispatchDrains
	// DispatchNeedMemory counts the number of times dispatch had to wait for memory.
	DispatchNeedMemory
	// IterationRestarts counts iteration restarts caused by a re-entrant mutation.
	IterationRestarts
	// Max is the number of defined metrics, used to size the counter array.
	Max
)

var counters [Max]atomic.Uint64

// Add adds delta to the named counter.
func Add(name int, delta uint64) {
	if name < 0 || name >= Max {
		return
	}
	counters[name].Add(delta)
}

// Get returns the current value of the named counter.
func Get(name int) uint64 {
	if name < 0 || name >= Max {
		return 0
	}
	return counters[name].Load()
}

// GetAll returns a snapshot of all counters.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range counters {
		m[i] = counters[i].Load()
	}
	return m
}

// ShowMetrics prints metric info to the console.
func ShowMetrics() {
	showAll(GetAll())
}

// ShowMetricsOfPeriod blocks for d, then prints the delta of all counters over that period.
func ShowMetricsOfPeriod(d time.Duration) {
	before := GetAll()
	<-time.After(d)
	after := GetAll()
	var delta [Max]uint64
	for i := range before {
		delta[i] = after[i] - before[i]
	}
	showAll(delta)
}

func showAll(m [Max]uint64) {
	fmt.Println("######### mainloop metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	fmt.Printf("%-59s: %d\n", "# loop iterations", m[Iterations])
	fmt.Printf("%-59s: %d\n", "# blocking poll calls", m[PollCallsBlocking])
	fmt.Printf("%-59s: %d\n", "# non-blocking poll calls", m[PollCallsNonBlocking])
	fmt.Printf("%-59s: %d\n", "# pollable events returned", m[PollEventsReturned])
	fmt.Printf("%-59s: %d\n", "# timers fired", m[TimersFired])
	fmt.Printf("%-59s: %d\n", "# watches fired", m[WatchesFired])
	fmt.Printf("%-59s: %d\n", "# OOM episodes", m[OOMEpisodes])
	fmt.Printf("%-59s: %d\n", "# OOM re-arm walks", m[OOMRearms])
	fmt.Printf("%-59s: %d\n", "# invalid-fd evictions", m[InvalidFDEvictions])
	fmt.Printf("%-59s: %d\n", "# dispatch drains", m[DispatchDrains])
	fmt.Printf("%-59s: %d\n", "# dispatch NEED_MEMORY waits", m[DispatchNeedMemory])
	fmt.Printf("%-59s: %d\n", "# iteration restarts (re-entrant mutation)", m[IterationRestarts])
	fmt.Printf("\n")
}
