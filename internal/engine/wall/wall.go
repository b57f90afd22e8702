// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package wall implements the wall-clock engine: a single background
// worker that visits every goroutine per tick and sleeps until the next
// one, sampling the goroutines that are off CPU (and, with the sched
// toggle, the running ones too), which the CPU engine never sees. Go has no per-OS-thread signal-and-inspect primitive exposed
// to user code, but `runtime.Stack`/pprof's goroutine dump already
// captures every goroutine's stack regardless of whether it is
// currently running, parked, or blocked — exactly the wall-clock
// engine's target population, with goroutines standing in for threads.
// This engine periodically takes a full goroutine dump
// (`pprof.Lookup("goroutine").WriteTo(w, 2)`), parses it with
// github.com/DataDog/gostackparse, converts each parsed goroutine's
// frames into a CallTrace, and records one batched wall-clock-sample
// Event per goroutine whose state indicates it was not actively
// running CPU work this tick (batch mode: consecutive idle samples
// aggregate into one event with a samples count).
package wall

import (
	"bytes"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/DataDog/gostackparse"

	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/log"
	"asprofgo/internal/metrics"
	"asprofgo/internal/symbols"
)

// DefaultTick matches async-profiler's default wall-clock tick rate.
const DefaultTick = 10 * time.Millisecond

// runningStates are gostackparse's reported goroutine states that
// indicate active CPU work; every other state (chan receive, select,
// semacquire, sleep, syscall, ...) is "idle" for wall-clock batching
// purposes, mirroring the original engine's CPU-epoch check used to
// suppress double-counting a thread the CPU engine already sampled.
var runningStates = map[string]bool{
	"running": true,
}

// Engine is the wall-clock sampling engine.
type Engine struct {
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	noBatch bool
	// sched disables the CPU-advance policy filter: normally a
	// goroutine the scheduler reports as running is left to the CPU
	// engine (its idle batch flushes and no wall sample is taken); with
	// sched set, running goroutines are sampled like every other state.
	sched bool
	// batched accumulates consecutive idle samples per goroutine id
	// between emitted Events (batch mode).
	batched map[int64]*batchState
}

type batchState struct {
	trace   frame.CallTrace
	samples uint64
	first   int64
}

// New creates a stopped wall-clock engine.
func New() *Engine { return &Engine{batched: map[int64]*batchState{}} }

func (*Engine) Type() engine.Type { return engine.TypeWall }
func (*Engine) Title() string     { return "Wall clock profile" }
func (*Engine) Units() string     { return "samples" }

// Check always succeeds: the goroutine dump facility this engine relies
// on is always available in a Go process.
func (*Engine) Check(command.Args) error { return nil }

// Start begins periodic goroutine-dump sampling at args.Wall (default
// DefaultTick). args.NoBatch disables batching, so every tick emits one
// Event per idle goroutine instead of coalescing repeats. args.Sched
// additionally samples goroutines in running states instead of leaving
// them to the CPU engine.
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	tick := args.Wall
	if tick <= 0 {
		tick = DefaultTick
	}
	e.noBatch = args.NoBatch
	e.sched = args.Sched
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.loop(tick, rec)
	return nil
}

func (e *Engine) loop(tick time.Duration, rec engine.Recorder) {
	defer e.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			e.flushAll(rec)
			return
		case <-ticker.C:
			e.sampleOnce(rec)
		}
	}
}

func (e *Engine) sampleOnce(rec engine.Recorder) {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
		log.Warn("wall: failed to dump goroutines: %v", err)
		metrics.IncSampleDropped()
		return
	}

	goroutines, errs := gostackparse.Parse(&buf)
	for _, err := range errs {
		log.Debug("wall: goroutine dump parse warning: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[int64]bool{}
	for _, g := range goroutines {
		id := int64(g.ID)
		seen[id] = true
		if runningStates[g.State] && !e.sched {
			// The CPU engine already accounts for actively running
			// stacks; flush any pending idle batch for this goroutine
			// since its idle streak just broke.
			e.flushOne(id, rec)
			continue
		}

		trace := traceFromGoroutine(g)
		if e.noBatch {
			rec.RecordSample(event.KindWallClockSample, int(g.ID), trace, 1, event.Payload{})
			continue
		}

		st, ok := e.batched[id]
		if !ok {
			st = &batchState{trace: trace, first: rec.Now()}
			e.batched[id] = st
		}
		st.samples++
	}

	// Flush batches for goroutines that vanished (exited) since the
	// last tick, so their final count isn't silently dropped.
	for id := range e.batched {
		if !seen[id] {
			e.flushOne(id, rec)
		}
	}
}

// flushOne emits the accumulated batch for goroutine id, if any, as a
// single Event whose counter carries the coalesced sample count.
func (e *Engine) flushOne(id int64, rec engine.Recorder) {
	st, ok := e.batched[id]
	if !ok {
		return
	}
	delete(e.batched, id)
	rec.RecordSample(event.KindWallClockSample, int(id), st.trace, st.samples, event.Payload{})
}

func (e *Engine) flushAll(rec engine.Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.batched {
		e.flushOne(id, rec)
	}
}

// traceFromGoroutine converts a parsed goroutine's frames (leaf-first,
// matching gostackparse's top-of-stack-first convention) into a
// CallTrace, registering function names with internal/symbols exactly
// as internal/unwind.WalkVM and engine/cpu do, so every engine's output
// shares one symbol table.
func traceFromGoroutine(g *gostackparse.Goroutine) frame.CallTrace {
	frames := make([]frame.Frame, 0, len(g.Stack))
	for _, f := range g.Stack {
		frames = append(frames, frame.Frame{
			Method: symbols.Intern(f.Func),
			BCI:    int32(f.Line),
			Kind:   frame.KindCompiled,
		})
	}
	return frame.CallTrace{Frames: frames}
}

// Stop halts the sampling ticker and flushes any pending batched
// samples so they are not lost across a stop/restart.
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
	return nil
}
