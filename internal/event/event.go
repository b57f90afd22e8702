// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package event defines Event: the tagged union every engine produces
// and the profiler facade appends to a per-thread ring or forwards
// straight to an output serializer. It follows async-profiler's
// src/event.h (ExecutionEvent/AllocEvent/LockEvent/...) and vmEntry.h's
// EventType enum, retargeted to the engine set this
// module actually implements (engine/cpu, engine/wall, engine/alloc,
// engine/lock, engine/nativemem, engine/instrumented,
// engine/procsnapshot).
package event

import "time"

// Kind tags which union member a Payload carries.
type Kind int

const (
	KindExecutionSample Kind = iota
	KindWallClockSample
	KindAllocation
	KindLiveObject
	KindLockWait
	KindParkWait
	KindProfilingWindow
	KindNativeMalloc
	KindNativeFree
	KindProcessSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindExecutionSample:
		return "execution-sample"
	case KindWallClockSample:
		return "wall-clock-sample"
	case KindAllocation:
		return "allocation"
	case KindLiveObject:
		return "live-object"
	case KindLockWait:
		return "lock-wait"
	case KindParkWait:
		return "park-wait"
	case KindProfilingWindow:
		return "profiling-window"
	case KindNativeMalloc:
		return "native-malloc"
	case KindNativeFree:
		return "native-free"
	case KindProcessSnapshot:
		return "process-snapshot"
	default:
		return "unknown"
	}
}

// Payload is the union of per-kind fields an Event may carry. Only the
// fields relevant to an event's Kind are populated; the rest are zero.
type Payload struct {
	// ClassID names the allocated/contended type for Allocation,
	// LiveObject, and LockWait events (a symbol id registered with
	// internal/symbols).
	ClassID uint64
	// Size is the allocation size in bytes (Allocation, LiveObject,
	// NativeMalloc) or the matching free's reported size (NativeFree,
	// where it is recovered from the live-address table).
	Size uint64
	// Address is the allocated/freed native address (NativeMalloc,
	// NativeFree).
	Address uint64
	// Duration is how long a lock/park wait lasted (LockWait, ParkWait)
	// or how long a profiling window stayed open (ProfilingWindow).
	Duration time.Duration
	// Timeout is the requested park timeout (ParkWait only; zero means
	// an untimed park).
	Timeout time.Duration
	// GCEpoch is the garbage-collection epoch at capture time
	// (LiveObject), used to filter by "how many collections has this
	// object survived."
	GCEpoch uint64

	// The remaining fields back KindProcessSnapshot only.
	CPUPercent float64
	RSSBytes   uint64
	VMSizeByte uint64
	NumThreads int
	NumFDs     int
}

// Event is one recorded sample: a start tick, a thread id, the
// interned trace id for the captured stack (0 for events with no stack,
// such as ProcessSnapshot), a per-engine weight, and the Kind-specific
// Payload.
type Event struct {
	Kind      Kind
	StartTick int64 // monotonic nanoseconds, from a calibrated tick source
	ThreadID  int
	TraceID   uint32
	// Samples counts how many occurrences this Event represents. The
	// profiler facade's RecordSample always sets it to 1; the wall-clock
	// engine's batched idle-sample count (batch mode) travels in Counter.
	Samples uint64
	// Counter accumulates the event-specific weight (bytes allocated,
	// nanoseconds waited, cycles, ...), matching CallTraceSample.counter.
	Counter uint64
	Payload Payload
}
