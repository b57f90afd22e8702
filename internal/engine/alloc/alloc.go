// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package alloc implements the allocation engines (in-new-TLAB and
// outside-TLAB in async-profiler terms): record allocation samples
// carrying the allocated type and size, weighted by an
// accumulated-bytes interval so the sampling rate stays proportional
// to allocation volume rather than object count. Go's runtime already
// implements exactly that sampling discipline internally via
// MemProfileRate and exposes the accumulated samples through
// runtime.MemProfile/runtime/pprof's "heap" profile, so this engine
// periodically harvests that table instead of instrumenting the
// allocator itself — a hook Go does not expose to user packages. Each
// runtime.MemProfileRecord's AllocObjects/AllocBytes deltas since the
// last harvest are reported as allocation Events; records whose
// InUseObjects is still nonzero are additionally reported as
// live-object Events, retargeting the separate live-object engine
// onto the same underlying table (Go's heap profile already tracks
// "still live" natively via the in-use counters, so no
// SetFinalizer-based tracking is needed).
package alloc

import (
	"runtime"
	"sync"
	"time"

	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/log"
	"asprofgo/internal/symbols"
)

// DefaultInterval matches async-profiler's default allocation sampling
// interval of 512KiB between recorded samples.
const DefaultInterval = 512 * 1024

// DefaultHarvestPeriod is how often this engine drains
// runtime.MemProfile into recorded Events, independent of the
// configured sampling interval.
const DefaultHarvestPeriod = time.Second

// Engine is the allocation engine (new-TLAB + outside-TLAB, collapsed
// onto Go's single allocation-profiling facility) together with the
// live-object engine it subsumes.
type Engine struct {
	mu      sync.Mutex
	rec     engine.Recorder
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	prevRate int
	// seen tracks the last AllocBytes/AllocObjects observed per stack
	// key, so harvest reports only the delta since the previous poll
	// instead of Go's own profiler, which always accumulates since
	// process start.
	seen map[string]sampleState

	live bool
}

type sampleState struct {
	allocObjects int64
	allocBytes   int64
}

// New creates a stopped allocation engine. live, when true, additionally
// emits KindLiveObject events for stacks with nonzero InUseObjects.
func New(live bool) *Engine {
	return &Engine{seen: map[string]sampleState{}, live: live}
}

func (e *Engine) Type() engine.Type {
	if e.live {
		return engine.TypeLiveObject
	}
	return engine.TypeAlloc
}

func (e *Engine) Title() string {
	if e.live {
		return "Live object profile"
	}
	return "Allocation profile"
}

func (*Engine) Units() string { return "bytes" }

// Check always succeeds: MemProfileRate can be set from any process
// state.
func (*Engine) Check(command.Args) error { return nil }

// Start sets runtime.MemProfileRate to args.Alloc (default
// DefaultInterval; Go samples allocations with probability
// proportional to size/rate, the same Poisson-style scheme
// async-profiler's allocation engine uses) and begins periodic
// harvesting.
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	rate := int(args.Alloc)
	if rate <= 0 {
		rate = DefaultInterval
	}
	e.prevRate = runtime.MemProfileRate
	runtime.MemProfileRate = rate

	e.rec = rec
	e.stopCh = make(chan struct{})
	e.running = true

	e.wg.Add(1)
	go e.loop(DefaultHarvestPeriod)
	return nil
}

func (e *Engine) loop(period time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			e.harvest()
			return
		case <-ticker.C:
			e.harvest()
		}
	}
}

// harvest reads the current heap profile, reports the delta since the
// last harvest for every stack, and remembers the new totals.
func (e *Engine) harvest() {
	var stats []runtime.MemProfileRecord
	n, ok := runtime.MemProfile(nil, true)
	for {
		stats = make([]runtime.MemProfileRecord, n+50)
		n, ok = runtime.MemProfile(stats, true)
		if ok {
			stats = stats[:n]
			break
		}
	}

	e.mu.Lock()
	rec := e.rec
	live := e.live
	e.mu.Unlock()
	if rec == nil {
		return
	}

	for _, s := range stats {
		key := stackKey(s.Stack())
		prev := e.seen[key]
		deltaObjects := s.AllocObjects - prev.allocObjects
		deltaBytes := s.AllocBytes - prev.allocBytes
		e.seen[key] = sampleState{allocObjects: s.AllocObjects, allocBytes: s.AllocBytes}

		if deltaObjects > 0 && deltaBytes > 0 {
			trace := traceFromStack(s.Stack())
			avgSize := uint64(deltaBytes / deltaObjects)
			rec.RecordSample(event.KindAllocation, 0, trace, uint64(deltaBytes), event.Payload{Size: avgSize})
		}

		if live && s.InUseObjects() > 0 {
			trace := traceFromStack(s.Stack())
			rec.RecordSample(event.KindLiveObject, 0, trace, uint64(s.InUseBytes()), event.Payload{
				Size: uint64(s.InUseBytes()) / uint64(maxInt64(s.InUseObjects(), 1)),
			})
		}
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func stackKey(pcs []uintptr) string {
	b := make([]byte, len(pcs)*8)
	for i, pc := range pcs {
		for j := 0; j < 8; j++ {
			b[i*8+j] = byte(pc >> (8 * j))
		}
	}
	return string(b)
}

// traceFromStack resolves a raw PC slice (as returned by
// MemProfileRecord.Stack) into a CallTrace via runtime.CallersFrames,
// the same resolution path internal/unwind.WalkVM uses for live stack
// captures.
func traceFromStack(pcs []uintptr) frame.CallTrace {
	frames := make([]frame.Frame, 0, len(pcs))
	framesIter := runtime.CallersFrames(pcs)
	for {
		f, more := framesIter.Next()
		name := f.Function
		if name == "" {
			name = "?"
		}
		frames = append(frames, frame.Frame{
			Method: symbols.Intern(name),
			BCI:    int32(f.Line),
			Kind:   frame.KindCompiled,
		})
		if !more {
			break
		}
	}
	return frame.CallTrace{Frames: frames}
}

// Stop restores the prior MemProfileRate and performs a final harvest.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stopCh := e.stopCh
	e.mu.Unlock()

	close(stopCh)
	e.wg.Wait()

	e.mu.Lock()
	runtime.MemProfileRate = e.prevRate
	e.mu.Unlock()

	log.Debug("alloc: engine stopped, MemProfileRate restored to %d", e.prevRate)
	return nil
}
