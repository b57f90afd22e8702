// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package metrics holds the process-wide sampling-path failure
// counters: the sampling path never returns an error, it increments
// one of these atomically and moves on.
// Safe to call from a signal handler or from code running on the
// sampling path of a goroutine profile.
package metrics

import "sync/atomic"

var (
	arenaAllocFailed   atomic.Uint64
	traceStoreOverflow atomic.Uint64
	threadPoolFull     atomic.Uint64
	unwindFaults       atomic.Uint64
	samplesDropped     atomic.Uint64
	outputErrors       atomic.Uint64
)

func IncArenaAllocFailed()   { arenaAllocFailed.Add(1) }
func IncTraceStoreOverflow() { traceStoreOverflow.Add(1) }
func IncThreadPoolFull()     { threadPoolFull.Add(1) }
func IncUnwindFault()        { unwindFaults.Add(1) }
func IncSampleDropped()      { samplesDropped.Add(1) }
func IncOutputError()        { outputErrors.Add(1) }

// Snapshot is a point-in-time read of every counter, returned by the
// `status` command token.
type Snapshot struct {
	ArenaAllocFailed   uint64
	TraceStoreOverflow uint64
	ThreadPoolFull     uint64
	UnwindFaults       uint64
	SamplesDropped     uint64
	OutputErrors       uint64
}

func Snap() Snapshot {
	return Snapshot{
		ArenaAllocFailed:   arenaAllocFailed.Load(),
		TraceStoreOverflow: traceStoreOverflow.Load(),
		ThreadPoolFull:     threadPoolFull.Load(),
		UnwindFaults:       unwindFaults.Load(),
		SamplesDropped:     samplesDropped.Load(),
		OutputErrors:       outputErrors.Load(),
	}
}

// Reset zeroes every counter. Dump does not call it, so the counters
// accumulate for the life of the process.
func Reset() {
	arenaAllocFailed.Store(0)
	traceStoreOverflow.Store(0)
	threadPoolFull.Store(0)
	unwindFaults.Store(0)
	samplesDropped.Store(0)
	outputErrors.Store(0)
}
