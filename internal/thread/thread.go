// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package thread implements the per-thread sampling bookkeeping:
// a cpu/wall epoch pair used to avoid double-charging a thread that was
// already sampled this interval by another engine, and a skipped-sample
// counter surfaced back to the wall-clock engine. It follows
// async-profiler's src/thread.{h,cpp} (ProfiledThread), with one
// deliberate deviation: the original keys a pthread TLS slot populated by
// a one-time SIGUSR1 broadcast to every existing OS thread so an
// allocation-free signal handler can fetch its own record; Go gives
// goroutines no stable OS-thread identity to hang TLS off (a goroutine can
// migrate between OS threads between two samples), so this package keys
// ProfiledThread records by OS tid (golang.org/x/sys/unix.Gettid) in a
// concurrent registry instead. The accounting semantics — epochs,
// skipped-sample counting — are unchanged.
package thread

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ProfiledThread tracks one OS thread's sampling state across engines.
type ProfiledThread struct {
	tid            int
	cpuEpoch       atomic.Uint64
	wallEpoch      atomic.Uint64
	skippedSamples atomic.Uint64
	contextKey     atomic.Uint64
}

// Tid returns the OS thread id this record belongs to.
func (p *ProfiledThread) Tid() int { return p.tid }

// NoteCPUSample advances the thread's CPU epoch, returning the new value
// so the wall-clock engine can compare against its own epoch.
func (p *ProfiledThread) NoteCPUSample() uint64 { return p.cpuEpoch.Add(1) }

// CPUEpoch returns the most recently recorded CPU epoch.
func (p *ProfiledThread) CPUEpoch() uint64 { return p.cpuEpoch.Load() }

// NoteWallSample records a wall-clock tick for the thread. When all is
// true (the engine is in "sample every thread" mode, e.g. single-threaded
// target or `wall=all`), it always accepts the sample and clears the
// skipped counter. Otherwise it only accepts the sample if the thread has
// not already been credited with a CPU sample this epoch, to avoid
// double-counting a thread that's both running (seen by the CPU engine)
// and idle (seen by the wall-clock engine) in the same interval; when
// rejected it increments and returns the skipped count.
func (p *ProfiledThread) NoteWallSample(all bool) (accepted bool, skipped uint64) {
	if all {
		p.wallEpoch.Store(p.cpuEpoch.Load())
		p.skippedSamples.Store(0)
		return true, 0
	}

	cpu := p.cpuEpoch.Load()
	if p.wallEpoch.Load() == cpu {
		skipped = p.skippedSamples.Add(1)
		return false, skipped
	}
	p.wallEpoch.Store(cpu)
	skipped = p.skippedSamples.Swap(0)
	return true, skipped
}

// SetContextKey stashes the thread's last-resolved tracing context key
// (the hash the context package uses to key filtering decisions) so
// repeated lookups on the hot sampling path can skip the map access.
func (p *ProfiledThread) SetContextKey(key uint64) { p.contextKey.Store(key) }

// ContextKey returns the thread's cached tracing context key.
func (p *ProfiledThread) ContextKey() uint64 { return p.contextKey.Load() }

// Registry is the concurrent tid -> ProfiledThread pool, standing in for
// the original's pre-allocated TLS buffer (see the package doc).
type Registry struct {
	threads sync.Map // int (tid) -> *ProfiledThread
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// ForTid returns the ProfiledThread for tid, creating it on first use.
func (r *Registry) ForTid(tid int) *ProfiledThread {
	if v, ok := r.threads.Load(tid); ok {
		return v.(*ProfiledThread)
	}
	pt := &ProfiledThread{tid: tid}
	actual, _ := r.threads.LoadOrStore(tid, pt)
	return actual.(*ProfiledThread)
}

// Current returns the ProfiledThread for the calling OS thread. Callers
// on a goroutine that might migrate between OS threads (i.e. anywhere
// without runtime.LockOSThread) should treat the result as a snapshot,
// not an identity that survives a later call.
func (r *Registry) Current() *ProfiledThread { return r.ForTid(CurrentTid()) }

// Release drops tid's record from the registry.
func (r *Registry) Release(tid int) { r.threads.Delete(tid) }

// CurrentTid returns the calling OS thread's kernel thread id.
func CurrentTid() int { return unix.Gettid() }
