// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package cpu implements the CPU engine (timer): a per-thread interval
// timer delivered as an asynchronous signal, recording one
// execution-sample with the current stack per tick. That mechanism is
// exactly runtime/pprof's own CPU
// profiler: it installs a SIGPROF-driven itimer (setitimer on every OS
// thread) and appends one stack sample per signal internally. Nothing
// in the standard library exposes that callback directly, but it does
// expose the accumulated result as a pprof-format byte stream, which
// this engine periodically rotates out and parses with
// github.com/google/pprof/profile (the profiler facade's own
// already-wired dependency, reused here rather than hand-rolling a
// second pprof decoder) to intern each sampled stack through the
// normal calltrace path. The core sampling mechanism
// (async-signal-driven, per-OS-thread timer) is unchanged; only the
// "one callback per tick" shape becomes "one callback per rotation,"
// since the Go runtime does not expose the former.
package cpu

import (
	"bytes"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"asprofgo/internal/aerr"
	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/log"
	"asprofgo/internal/metrics"
	"asprofgo/internal/symbols"
)

// DefaultInterval matches async-profiler's default CPU sampling
// interval (10ms, i.e. 100Hz).
const DefaultInterval = 10 * time.Millisecond

// DefaultRotatePeriod is how often this engine stops and restarts the
// underlying pprof.StartCPUProfile to harvest samples into the call-trace
// store, independent of the configured sampling interval.
const DefaultRotatePeriod = time.Second

// Engine is the CPU (timer) engine.
type Engine struct {
	mu      sync.Mutex
	rec     engine.Recorder
	buf     *bytes.Buffer
	hz      int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a stopped CPU engine.
func New() *Engine { return &Engine{} }

func (*Engine) Type() engine.Type { return engine.TypeCPU }
func (*Engine) Title() string     { return "CPU profile" }
func (*Engine) Units() string     { return "samples" }

// Check reports whether a CPU profile can plausibly be started: it is
// infeasible only if one is already running in this process, since
// Go's CPU profiler is a single global resource (runtime/pprof panics
// if StartCPUProfile is called twice without an intervening Stop).
func (e *Engine) Check(command.Args) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return aerr.Feasibilityf("cpu.Check", "a CPU profile is already active in this process")
	}
	return nil
}

// Start installs the CPU sampling timer at the requested interval
// (args.Interval, default DefaultInterval) and begins periodic
// rotation into rec.
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	interval := args.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	hz := int(time.Second / interval)
	if hz < 1 {
		hz = 1
	}

	// SetCPUProfileRate has no effect once a profile is already active,
	// so it must run before StartCPUProfile.
	runtime.SetCPUProfileRate(hz)
	e.hz = hz

	e.buf = &bytes.Buffer{}
	if err := pprof.StartCPUProfile(e.buf); err != nil {
		return aerr.Installf("cpu.Start", "StartCPUProfile: %v", err)
	}

	e.rec = rec
	e.stopCh = make(chan struct{})
	e.running = true

	e.wg.Add(1)
	go e.loop(DefaultRotatePeriod)
	return nil
}

func (e *Engine) loop(period time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.rotate()
		}
	}
}

// rotate stops the active pprof capture, immediately restarts a new one
// (so no samples are lost between rotations beyond the stop/start gap
// pprof itself incurs), and reports the just-closed profile's samples.
func (e *Engine) rotate() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	pprof.StopCPUProfile()
	data := e.buf.Bytes()
	e.buf = &bytes.Buffer{}
	runtime.SetCPUProfileRate(e.hz)
	restartErr := pprof.StartCPUProfile(e.buf)
	rec := e.rec
	e.mu.Unlock()

	if restartErr != nil {
		log.Warn("cpu: failed to restart CPU profile after rotation: %v", restartErr)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return
	}

	e.report(data, rec)
}

func (e *Engine) report(data []byte, rec engine.Recorder) {
	if len(data) == 0 || rec == nil {
		return
	}
	prof, err := profile.ParseData(data)
	if err != nil {
		log.Warn("cpu: failed to parse rotated profile: %v", err)
		metrics.IncSampleDropped()
		return
	}
	reportProfile(prof, rec)
}

// reportProfile interns every sample's stack and records one
// execution-sample Event per sample row, weighted by the "samples"
// value column (pprof's CPU profile always carries {samples, cpu
// nanoseconds} as its two value columns).
func reportProfile(prof *profile.Profile, rec engine.Recorder) {
	valueIdx := sampleValueIndex(prof, "samples")
	for _, s := range prof.Sample {
		if valueIdx >= len(s.Value) || s.Value[valueIdx] <= 0 {
			continue
		}
		trace := traceFromLocations(s.Location)
		rec.RecordSample(event.KindExecutionSample, 0, trace, uint64(s.Value[valueIdx]), event.Payload{})
	}
}

func sampleValueIndex(prof *profile.Profile, typ string) int {
	for i, st := range prof.SampleType {
		if st.Type == typ {
			return i
		}
	}
	return 0
}

// traceFromLocations converts a pprof sample's locations (leaf-first,
// matching frame.CallTrace's own convention) into a CallTrace, registering
// each resolved function name with internal/symbols the same way
// internal/unwind.WalkVM does.
func traceFromLocations(locs []*profile.Location) frame.CallTrace {
	frames := make([]frame.Frame, 0, len(locs))
	for _, loc := range locs {
		name := "?"
		line := int32(0)
		if len(loc.Line) > 0 && loc.Line[0].Function != nil {
			name = loc.Line[0].Function.Name
			line = int32(loc.Line[0].Line)
		}
		frames = append(frames, frame.Frame{
			Method: symbols.Intern(name),
			BCI:    line,
			Kind:   frame.KindCompiled,
		})
	}
	return frame.CallTrace{Frames: frames}
}

// Stop halts the sampling timer, performs a final rotation so the last
// partial interval's samples are not lost, and releases the CPU
// profiler (so another Engine/StartCPUProfile caller in this process
// can take it over).
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
	pprof.StopCPUProfile()
	data := e.buf.Bytes()
	rec := e.rec
	e.mu.Unlock()

	e.report(data, rec)
	return nil
}
