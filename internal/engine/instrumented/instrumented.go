// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package instrumented implements the manual instrumentation engine:
// an execution-sample-like event bracketing a user-designated region,
// entered and exited explicitly by instrumented code rather than
// discovered via sampling. async-profiler
// reaches this by bytecode-rewriting the target method's entry/exit;
// Go has no safe runtime bytecode rewrite, so callers instrument
// explicitly, the way pprof's own runtime/trace.Region or OpenTelemetry
// spans are used: wrap a call site in Enter/Exit (or the Region helper,
// which pairs them via defer). The region's entry/exit is still routed
// through internal/trap's self-owned trampoline exactly as nativemem
// does, so enabling this engine genuinely installs/uninstalls a patch
// site, matching the original's enable/disable semantics even though
// the patched site is this package's own sentinel, not the
// instrumented Go function's real prologue.
package instrumented

import (
	"sync"
	"time"

	"asprofgo/internal/aerr"
	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/symbols"
	"asprofgo/internal/trap"
	"asprofgo/internal/unwind"
)

const trampolineSize = 64

// Engine is the instrumented (manual enter/exit) engine.
type Engine struct {
	mu      sync.Mutex
	rec     engine.Recorder
	running bool
	depth   int

	page *trap.Page
	pool *trap.Pool
}

// New creates a stopped instrumented engine.
func New() *Engine { return &Engine{} }

func (*Engine) Type() engine.Type { return engine.TypeInstrumented }
func (*Engine) Title() string     { return "Instrumented regions" }
func (*Engine) Units() string     { return "nanoseconds" }

// Check reports whether the trampoline page can be allocated.
func (e *Engine) Check(command.Args) error {
	page, err := trap.NewPage(trampolineSize)
	if err != nil {
		return aerr.Feasibilityf("instrumented.Check", "trampoline page: %v", err)
	}
	return page.Close()
}

// Start installs the region trampoline and begins accepting
// Enter/Exit/Region calls.
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	page, err := trap.NewPage(trampolineSize)
	if err != nil {
		return aerr.Installf("instrumented.Start", "trampoline page: %v", err)
	}
	site, err := trap.Assign(0, page, 0, []byte{0xcc})
	if err != nil {
		page.Close()
		return aerr.Installf("instrumented.Start", "assign site: %v", err)
	}
	pool := trap.NewPool(trap.TrapCount)
	pool.Add(site)
	pool.InstallAll()

	e.page = page
	e.pool = pool
	e.rec = rec
	e.depth = args.JStackDepth
	if e.depth <= 0 {
		e.depth = command.DefaultJStackDepth
	}
	e.running = true
	return nil
}

// Enter marks the start of an instrumented region named name, returning
// a token Exit needs to close it. Enter/Exit calls made while the
// engine is stopped are no-ops (Exit returns immediately on a zero
// token).
func (e *Engine) Enter(name string) (token int64) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return 0
	}
	return time.Now().UnixNano()
}

// Exit closes a region opened by Enter, recording one execution-sample
// Event whose Counter is the region's wall-clock duration in
// nanoseconds. An empty trace falls back to a single frame naming the
// region; Region passes the real captured stack.
func (e *Engine) Exit(name string, token int64, trace frame.CallTrace) {
	if token == 0 {
		return
	}
	e.mu.Lock()
	running := e.running
	rec := e.rec
	e.mu.Unlock()
	if !running {
		return
	}

	duration := uint64(time.Now().UnixNano() - token)
	if len(trace.Frames) == 0 {
		trace = traceFromName(name)
	}
	rec.RecordSample(event.KindExecutionSample, 0, trace, duration, event.Payload{Duration: time.Duration(duration)})
}

// Region runs fn bracketed by Enter/Exit, the idiomatic call shape for
// instrumenting a single block (mirroring runtime/trace.WithRegion's
// defer-based pairing so a panic inside fn still closes the region).
// The recorded trace is the caller's real stack at exit time, bounded
// by the jstackdepth= setting, with a leaf frame naming the region so
// the label survives aggregation.
func (e *Engine) Region(name string, fn func()) {
	token := e.Enter(name)
	defer func() {
		var trace frame.CallTrace
		if token != 0 {
			trace = e.captureStack(name)
		}
		e.Exit(name, token, trace)
	}()
	fn()
}

// captureStack walks the calling goroutine's stack via unwind.WalkVM,
// bounded by the configured depth, and prepends the region-name frame.
func (e *Engine) captureStack(name string) frame.CallTrace {
	e.mu.Lock()
	depth := e.depth
	e.mu.Unlock()
	if depth <= 0 {
		depth = command.DefaultJStackDepth
	}

	walked := unwind.WalkVM(2, depth)
	frames := make([]frame.Frame, 0, len(walked.Frames)+1)
	frames = append(frames, frame.Frame{Method: symbols.Intern(name), Kind: frame.KindCompiled})
	frames = append(frames, walked.Frames...)
	return frame.CallTrace{Frames: frames}
}

func traceFromName(name string) frame.CallTrace {
	id := symbols.Intern(name)
	return frame.CallTrace{Frames: []frame.Frame{{Method: id, Kind: frame.KindCompiled}}}
}

// Stop uninstalls the region trampoline and releases its page.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.pool.UninstallAll()
	return e.page.Close()
}
