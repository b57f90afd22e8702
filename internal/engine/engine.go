// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package engine defines the per-event-source state machine every
// sampling engine shares. Rather than a base Engine class with
// virtuals (the async-profiler shape, src/engine.h), every concrete
// engine (engine/cpu, engine/wall, engine/alloc, engine/lock,
// engine/nativemem, engine/instrumented, engine/procsnapshot)
// implements this package's Engine interface directly, and the profiler
// facade dispatches on the interface value, never a vtable it owns
// itself.
package engine

import (
	"asprofgo/internal/command"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
)

// Recorder is the single entry point from any engine into the profiler
// facade's sampling pipeline. Engines
// never touch internal/calltrace or internal/thread directly; they
// report a captured trace and let the facade intern it, tag it, and
// append the resulting Event.
type Recorder interface {
	// RecordSample interns trace, tags it with threadID/kind/payload,
	// and returns the trace id assigned (overflow sentinel included),
	// so engines that correlate two events against the same trace (the
	// live-object and nativemem engines) can retain it cheaply via
	// Store.Add instead of re-interning.
	RecordSample(kind event.Kind, threadID int, trace frame.CallTrace, counter uint64, payload event.Payload) uint32
	// Now returns the facade's calibrated monotonic tick source, so
	// every engine stamps events from the same clock rather than each
	// reading time.Now independently.
	Now() int64
}

// Type names one of the known engine kinds.
type Type int

const (
	TypeCPU Type = iota
	TypeWall
	TypeAlloc
	TypeSampledObject
	TypeLiveObject
	TypeLock
	TypeNativeMem
	TypeInstrumented
	TypeProcSnapshot
)

func (t Type) String() string {
	switch t {
	case TypeCPU:
		return "cpu"
	case TypeWall:
		return "wall"
	case TypeAlloc:
		return "alloc"
	case TypeSampledObject:
		return "sampled-object"
	case TypeLiveObject:
		return "live-object"
	case TypeLock:
		return "lock"
	case TypeNativeMem:
		return "nativemem"
	case TypeInstrumented:
		return "instrumented"
	case TypeProcSnapshot:
		return "proc"
	default:
		return "unknown"
	}
}

// Engine is the capability set every sampling engine carries: a
// feasibility probe, a start/stop pair, and identifying metadata
// (type, title, units).
type Engine interface {
	Type() Type
	Title() string
	Units() string
	// Check is a side-effect-free feasibility probe: it reports whether
	// this engine could start given args, without installing anything.
	Check(args command.Args) error
	// Start installs whatever hooks/timers/breakpoints this engine
	// needs and begins delivering samples to rec. Must be idempotent
	// against a prior Stop.
	Start(args command.Args, rec Recorder) error
	// Stop reverses Start. Safe to call on an engine that was never
	// started (no-op) or already stopped (no-op).
	Stop() error
}

// Registry holds every engine the facade knows about, keyed by Type,
// and tracks which are currently running; multiple engines may be
// started concurrently.
type Registry struct {
	engines map[Type]Engine
	running map[Type]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: map[Type]Engine{}, running: map[Type]bool{}}
}

// Register adds e under its own Type, replacing any engine previously
// registered for that type.
func (r *Registry) Register(e Engine) { r.engines[e.Type()] = e }

// Get returns the engine registered for t, if any.
func (r *Registry) Get(t Type) (Engine, bool) {
	e, ok := r.engines[t]
	return e, ok
}

// Start starts the engine registered for t, marking it running on
// success. Returns an error (propagated from Engine.Check/Start)
// without touching other engines: one engine's install failure leaves
// the rest running.
func (r *Registry) Start(t Type, args command.Args, rec Recorder) error {
	e, ok := r.engines[t]
	if !ok {
		return nil
	}
	if err := e.Check(args); err != nil {
		return err
	}
	if err := e.Start(args, rec); err != nil {
		return err
	}
	r.running[t] = true
	return nil
}

// StopAll stops every running engine, collecting (not aborting on) the
// first error per engine, so one engine's teardown failure never leaves
// another engine's traps or callbacks installed.
func (r *Registry) StopAll() []error {
	var errs []error
	for t, running := range r.running {
		if !running {
			continue
		}
		if err := r.engines[t].Stop(); err != nil {
			errs = append(errs, err)
		}
		r.running[t] = false
	}
	return errs
}

// Running reports whether the engine for t is currently started.
func (r *Registry) Running(t Type) bool { return r.running[t] }

// RunningTypes returns every currently-started engine's Type, for the
// `status`/`list` command surface.
func (r *Registry) RunningTypes() []Type {
	var out []Type
	for t, running := range r.running {
		if running {
			out = append(out, t)
		}
	}
	return out
}

// Accumulator is an interval accumulator: a counter that triggers a
// sample once the running total crosses a multiple of interval. Used by
// the nativemem engine, whose nativemem= threshold has no runtime-side
// sampling facility to map onto (alloc= and lock= become
// MemProfileRate and mutex/block sampling rates instead).
type Accumulator struct {
	interval uint64
	total    uint64
}

// NewAccumulator creates an Accumulator with the given interval (weight
// units: bytes, nanoseconds, ...). An interval of 0 always fires.
func NewAccumulator(interval uint64) *Accumulator { return &Accumulator{interval: interval} }

// Add adds weight to the running total and reports whether it just
// crossed a multiple of the interval (i.e. whether this event should be
// recorded).
func (a *Accumulator) Add(weight uint64) bool {
	if a.interval == 0 {
		return true
	}
	before := a.total / a.interval
	a.total += weight
	return a.total/a.interval > before
}

// Total returns the accumulator's running weight total.
func (a *Accumulator) Total() uint64 { return a.total }

// Reset zeroes the accumulator, used by Stop so a restarted engine
// doesn't inherit a stale partial interval.
func (a *Accumulator) Reset() { a.total = 0 }
