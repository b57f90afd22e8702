// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package context implements the per-thread tracing context: a
// (span id, root span id) pair attached to the OS thread currently running
// a goroutine, consulted by the CPU and wall-clock engines to filter
// samples down to a single traced operation. It follows async-profiler's
// src/context.{h,cpp}, which keeps a flat Context[] indexed by OS tid and
// a pair of filtering flags consulted from the signal handler.
package context

import (
	"sync"
	"sync/atomic"
)

// Context is the value associated with a thread. The zero Context means
// "untraced."
type Context struct {
	SpanID     uint64
	RootSpanID uint64
}

// IsZero reports whether c carries no tracing context.
func (c Context) IsZero() bool { return c.SpanID == 0 && c.RootSpanID == 0 }

// EventKind selects which sampling engine's filtering flag to consult,
// mirroring Contexts::filter's event_type parameter in the original.
type EventKind int

const (
	EventCPU EventKind = iota
	EventWall
)

// Store is a concurrent map from OS thread id to Context, plus the two
// engine-level filtering flags. The async-profiler original uses a flat
// array indexed directly by tid for O(1), allocation-free access from a
// signal handler; a signal handler is not how Go samples CPU (see
// engine/cpu, which uses runtime/pprof), so a sync.Map trades that for
// safe handling of the OS's full 32-bit tid space.
type Store struct {
	entries      sync.Map // int (tid) -> *Context
	wallFiltered atomic.Bool
	cpuFiltered  atomic.Bool
}

// New creates an empty Store.
func New() *Store { return &Store{} }

// Set attaches ctx to tid, replacing any previous value.
func (s *Store) Set(tid int, ctx Context) {
	c := ctx
	s.entries.Store(tid, &c)
}

// Clear removes tid's context, returning it to "untraced."
func (s *Store) Clear(tid int) {
	s.entries.Delete(tid)
}

// Get returns tid's context, or the zero Context if none is set.
func (s *Store) Get(tid int) Context {
	v, ok := s.entries.Load(tid)
	if !ok {
		return Context{}
	}
	return *v.(*Context)
}

// SetWallFiltering toggles whether the wall-clock engine restricts
// sampling to threads carrying a non-zero context.
func (s *Store) SetWallFiltering(on bool) { s.wallFiltered.Store(on) }

// SetCPUFiltering toggles the same restriction for the CPU engine.
func (s *Store) SetCPUFiltering(on bool) { s.cpuFiltered.Store(on) }

// Filter reports whether a sample for tid under the given event kind
// should be kept. When the corresponding engine's filtering flag is off,
// every sample passes. When it's on, only threads with a non-zero
// context pass.
func (s *Store) Filter(tid int, kind EventKind) bool {
	switch kind {
	case EventCPU:
		if !s.cpuFiltered.Load() {
			return true
		}
	case EventWall:
		if !s.wallFiltered.Load() {
			return true
		}
	}
	return !s.Get(tid).IsZero()
}

// FilterContext is the same check against an already-resolved Context,
// for callers that already hold one (e.g. a ProfiledThread's cached
// context key), mirroring the original's Contexts::filter(Context, int)
// overload.
func (s *Store) FilterContext(ctx Context, kind EventKind) bool {
	switch kind {
	case EventCPU:
		if !s.cpuFiltered.Load() {
			return true
		}
	case EventWall:
		if !s.wallFiltered.Load() {
			return true
		}
	}
	return !ctx.IsZero()
}
