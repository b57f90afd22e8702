// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package arena implements an async-signal-safe bump allocator over
// fixed-size chunks obtained directly from the OS page allocator
// (mmap), never from Go's allocator — the sampling path must never
// trigger a GC-assist or grow the Go heap. It follows
// async-profiler's src/os.cpp safeAlloc/safeFree (anonymous mmap chunks)
// and src/callTraceStorage.cpp's CALL_TRACE_CHUNK sizing, speculative
// successor-chunk reservation, and "clear keeps only the head chunk"
// behavior.
package arena

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultChunkSize matches async-profiler's CALL_TRACE_CHUNK.
const DefaultChunkSize = 8 * 1024 * 1024

type chunk struct {
	prev    *chunk // older chunk, toward head
	nextPtr atomic.Pointer[chunk]
	mem     []byte
	offset  atomic.Uint64 // bump pointer into mem
	size    uint64
}

func (c *chunk) next() *chunk { return c.nextPtr.Load() }

// Arena is a singly-linked list of mmap'd chunks with a lock-free bump
// allocator over the current (tail) chunk. Allocations are never relocated;
// returned pointers remain valid until Clear.
type Arena struct {
	chunkSize uint64
	head      *chunk
	current   atomic.Pointer[chunk]
}

// New creates an Arena whose chunks are chunkSize bytes (rounded up by the
// OS to a page multiple by mmap itself). A chunkSize of 0 selects
// DefaultChunkSize.
func New(chunkSize uint64) *Arena {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	a := &Arena{chunkSize: chunkSize}
	if c := mmapChunk(chunkSize); c != nil {
		a.head = c
		a.current.Store(c)
	}
	return a
}

func mmapChunk(size uint64) *chunk {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil
	}
	return &chunk{mem: mem, size: size}
}

func munmapChunk(c *chunk) {
	if c != nil && c.mem != nil {
		_ = unix.Munmap(c.mem)
	}
}

// Alloc bumps the current chunk's offset by size bytes (8-byte aligned) and
// returns the backing slice, or nil if every avenue of growth failed — the
// caller (the sampling path) must tolerate nil by discarding the
// sample.
//
// Alloc is async-signal-safe: it never calls into Go's allocator, and the
// only syscall it can make (mmap, for a successor chunk) happens
// speculatively ahead of the midpoint so the allocation that actually
// crosses the chunk boundary never blocks on it.
func (a *Arena) Alloc(size uint64) []byte {
	if size == 0 {
		return nil
	}
	size = (size + 7) &^ 7 // 8-byte align

	for {
		c := a.current.Load()
		if c == nil {
			return nil
		}

		off := c.offset.Add(size) - size
		if off+size > c.size {
			if !a.growPast(c) {
				return nil
			}
			continue
		}

		// Speculatively reserve the next chunk once we cross the
		// midpoint, so the allocation that actually exhausts this chunk
		// never calls mmap from inside a signal handler.
		if off < c.size/2 && off+size >= c.size/2 {
			a.reserveSuccessor(c)
		}

		return c.mem[off : off+size : off+size]
	}
}

// reserveSuccessor speculatively mmaps and CAS-installs c's successor.
// Losers of the CAS race free their speculative chunk.
func (a *Arena) reserveSuccessor(c *chunk) {
	if c.next() != nil {
		return
	}
	n := mmapChunk(a.chunkSize)
	if n == nil {
		return
	}
	n.prev = c
	if !c.nextPtr.CompareAndSwap(nil, n) {
		munmapChunk(n)
	}
}

// growPast advances the arena's current chunk past c, installing a
// successor if reserveSuccessor hasn't already. Returns false only if chunk
// allocation failed outright (OS allocation failure).
func (a *Arena) growPast(c *chunk) bool {
	n := c.next()
	if n == nil {
		n = mmapChunk(a.chunkSize)
		if n == nil {
			return false
		}
		n.prev = c
		if !c.nextPtr.CompareAndSwap(nil, n) {
			munmapChunk(n)
			n = c.next()
		}
	}
	a.current.CompareAndSwap(c, n)
	return true
}

// UsedMemory returns the total bytes reserved across all chunks (not just
// the bytes actually handed out).
func (a *Arena) UsedMemory() uint64 {
	var total uint64
	for c := a.current.Load(); c != nil; c = c.prev {
		total += c.size
	}
	return total
}

// Clear drops every chunk grown past the head and resets the head
// chunk's bump offset to zero. Callers must ensure no outstanding
// pointer into the arena is read afterward.
func (a *Arena) Clear() {
	if a.head == nil {
		return
	}
	for c := a.head.next(); c != nil; {
		next := c.next()
		munmapChunk(c)
		c = next
	}
	a.head.nextPtr.Store(nil)
	a.head.offset.Store(0)
	a.current.Store(a.head)
}

// Close releases every chunk, including the head. The Arena must not be
// used afterward.
func (a *Arena) Close() {
	c := a.current.Load()
	for c != nil {
		prev := c.prev
		munmapChunk(c)
		c = prev
	}
	a.current.Store(nil)
	a.head = nil
}
