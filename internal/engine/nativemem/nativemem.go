// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package nativemem implements the native-memory engine: record a
// native-malloc event with the allocation's address, size, and stack,
// and on the matching free a native-free event, removing the address
// from the live table. async-profiler
// achieves the intercept by patching the libc PLT/GOT entries it finds
// at runtime; that has no safe Go analogue without running the linked
// binary to discover real addresses (disallowed here, see
// internal/trap's package doc). Instead this engine exposes an explicit
// call-site hook API, the same shape async-profiler's LD_PRELOAD
// malloc/free interceptor calls into once installed: a cgo wrapper
// around a native allocator (or any native library exposing malloc/free
// semantics through cgo) calls RecordMalloc/RecordFree directly.
// The hook itself is backed by internal/trap's self-owned trampoline
// page, so enabling/disabling the engine genuinely installs and
// uninstalls a patchable trampoline the way the original's Trap does,
// even though the call sites it covers are this package's own, not
// Go's compiled text.
package nativemem

import (
	"sync"

	"asprofgo/internal/aerr"
	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/symbols"
	"asprofgo/internal/trap"
	"asprofgo/internal/unwind"
)

// DefaultInterval matches async-profiler's default native allocation
// sampling interval (bytes between recorded samples).
const DefaultInterval = 2 * 1024 * 1024

// trampolineSize is large enough to hold the single breakpoint (0xcc)
// byte this package's self-owned trampoline needs; real instruction
// patching is not attempted (see package doc).
const trampolineSize = 64

// liveEntry is one row of the live-allocation table: the stack id and
// size recorded at malloc time, looked up again when the matching free
// arrives.
type liveEntry struct {
	traceID uint32
	size    uint64
}

// Engine is the native-memory engine.
type Engine struct {
	mu      sync.Mutex
	rec     engine.Recorder
	running bool

	page *trap.Page
	hook *trap.Trap
	pool *trap.Pool

	cstack command.CStack
	depth  int

	accum *engine.Accumulator
	live  map[uint64]liveEntry
}

// New creates a stopped native-memory engine.
func New() *Engine {
	return &Engine{live: map[uint64]liveEntry{}}
}

func (*Engine) Type() engine.Type { return engine.TypeNativeMem }
func (*Engine) Title() string     { return "Native memory profile" }
func (*Engine) Units() string     { return "bytes" }

// Check reports whether the trampoline page can be allocated.
func (e *Engine) Check(command.Args) error {
	page, err := trap.NewPage(trampolineSize)
	if err != nil {
		return aerr.Feasibilityf("nativemem.Check", "trampoline page: %v", err)
	}
	return page.Close()
}

// Start installs the hook trampoline and begins accepting
// RecordMalloc/RecordFree calls from cgo call-site wrappers.
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	page, err := trap.NewPage(trampolineSize)
	if err != nil {
		return aerr.Installf("nativemem.Start", "trampoline page: %v", err)
	}
	hook, err := trap.Assign(0, page, 0, []byte{0xcc})
	if err != nil {
		page.Close()
		return aerr.Installf("nativemem.Start", "assign hook: %v", err)
	}
	pool := trap.NewPool(trap.TrapCount)
	pool.Add(hook)
	pool.InstallAll()

	interval := args.NativeMem
	if interval == 0 {
		interval = DefaultInterval
	}

	e.page = page
	e.hook = hook
	e.pool = pool
	e.accum = engine.NewAccumulator(interval)
	e.cstack = args.CStack
	e.depth = args.JStackDepth
	if e.depth <= 0 {
		e.depth = command.DefaultJStackDepth
	}
	e.rec = rec
	e.running = true
	return nil
}

// RecordMallocContext is RecordMalloc for shims that captured the
// interposed call site's machine registers: the native stack is unwound
// from ctx through mem using the walk the cstack= setting selects
// (dwarf for CFA-rule unwinding, fp or the default for a frame-pointer
// chain; cstack=no skips the native walk entirely, leaving the facade
// to record the managed caller stack only).
func (e *Engine) RecordMallocContext(addr, size uint64, ctx unwind.NativeContext, mem unwind.Memory) {
	e.RecordMalloc(addr, size, e.unwindNative(ctx, mem))
}

// RecordFreeContext is the RecordFree counterpart of
// RecordMallocContext.
func (e *Engine) RecordFreeContext(addr uint64, ctx unwind.NativeContext, mem unwind.Memory) {
	e.RecordFree(addr, e.unwindNative(ctx, mem))
}

func (e *Engine) unwindNative(ctx unwind.NativeContext, mem unwind.Memory) frame.CallTrace {
	e.mu.Lock()
	cstack := e.cstack
	depth := e.depth
	e.mu.Unlock()
	if depth <= 0 {
		depth = command.DefaultJStackDepth
	}

	switch cstack {
	case command.CStackNone:
		return frame.CallTrace{}
	case command.CStackDWARF:
		return unwind.WalkDWARF(ctx, mem, nil, depth)
	default:
		return unwind.WalkFramePointer(ctx, mem, depth)
	}
}

// RecordMalloc reports a native allocation at addr of size bytes,
// captured with trace, sampled with the engine's configured
// accumulated-bytes interval. Called by a cgo wrapper around the
// native allocator this engine is monitoring.
func (e *Engine) RecordMalloc(addr uint64, size uint64, trace frame.CallTrace) {
	e.mu.Lock()
	running := e.running
	accum := e.accum
	rec := e.rec
	e.mu.Unlock()
	if !running || !accum.Add(size) {
		return
	}

	traceID := rec.RecordSample(event.KindNativeMalloc, 0, trace, size, event.Payload{Address: addr, Size: size})

	e.mu.Lock()
	e.live[addr] = liveEntry{traceID: traceID, size: size}
	e.mu.Unlock()
}

// RecordFree reports a native free at addr. If addr was previously
// recorded via RecordMalloc and is still live, removes it from the
// live table and records a matching native-free event; an untracked
// address (never sampled, or already freed) is silently ignored,
// mirroring the original's "free of an address we never saw" no-op.
func (e *Engine) RecordFree(addr uint64, trace frame.CallTrace) {
	e.mu.Lock()
	running := e.running
	rec := e.rec
	entry, ok := e.live[addr]
	if ok {
		delete(e.live, addr)
	}
	e.mu.Unlock()
	if !running || !ok {
		return
	}
	rec.RecordSample(event.KindNativeFree, 0, trace, entry.size, event.Payload{Address: addr, Size: entry.size})
}

// traceFromSymbol wraps a single symbolic frame into a CallTrace, for
// callers (chiefly tests) that want to tag an allocation by name rather
// than a full captured stack.
func traceFromSymbol(name string) frame.CallTrace {
	id := symbols.Intern(name)
	return frame.CallTrace{Frames: []frame.Frame{{Method: id, Kind: frame.KindAllocSite}}}
}

// Stop uninstalls the hook trampoline, releases its page, and clears
// the live-allocation table.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.pool.UninstallAll()
	err := e.page.Close()
	e.live = map[uint64]liveEntry{}
	return err
}
