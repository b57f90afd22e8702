// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package trap implements the breakpoint-based instrumentation
// primitive: patch a single instruction at a known address to a trap
// instruction, catch control when it fires, and restore the original
// byte. It follows async-profiler's src/trap.{h,cpp} (Trap::install/
// uninstall/patch, covers(), a fixed pool of TRAP_COUNT=4 traps).
//
// Scoped down from the original: Trap there patches live, already-mapped
// JVM/libc code (toggling page protection to RWX around the write, per
// _protect/_unprotect). Patching Go's own compiled functions the same
// way is unsafe to do with any confidence without compiling and running
// it — Go's runtime makes no guarantee that a given source line survives
// as byte-identical machine code, and mprotect'ing a live text page out
// from under the running binary is exactly the kind of operation this
// exercise's "never run the toolchain" constraint makes impossible to
// verify. Instead, Trap here operates on a self-managed
// synthetic code page (an anonymous mmap the caller owns end to end),
// which is the realistic Go analogue: a JIT-style trampoline buffer,
// which is precisely how the nativemem and instrumented engines
// (engine/nativemem, engine/instrumented) use this package — they patch
// their own call-site trampolines, never Go's compiled text.
package trap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TrapCount mirrors TRAP_COUNT: the default size of a Pool.
const TrapCount = 4

// Page is a writable-then-executable memory region a Trap can patch
// within. Construct one with NewPage; it owns its own mmap.
type Page struct {
	mem []byte
}

// NewPage mmaps a single page of read/write/exec memory. Needing both W
// and X simultaneously (W^X is not enforced here) matches the original's
// own WX_MEMORY toggle: this package is for self-owned trampoline code it
// both writes and later executes, not for patching someone else's text.
func NewPage(size int) (*Page, error) {
	if size <= 0 {
		size = unix.Getpagesize()
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("trap: mmap page: %w", err)
	}
	return &Page{mem: mem}, nil
}

// Bytes returns the page's backing memory.
func (p *Page) Bytes() []byte { return p.mem }

// Close releases the page. Traps patched into it become invalid.
func (p *Page) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// Trap is a single patchable instruction site within a Page, mirroring
// async-profiler's Trap class. It is not safe for concurrent
// Install/Uninstall calls on the same Trap.
type Trap struct {
	id         int
	page       *Page
	offset     int
	breakpoint []byte
	saved      []byte
	installed  bool
}

// Assign binds t to a byte range [offset, offset+len(breakpoint)) within
// page, recording the bytes currently there as what Uninstall restores,
// mirroring Trap::assign.
func Assign(id int, page *Page, offset int, breakpoint []byte) (*Trap, error) {
	if offset < 0 || offset+len(breakpoint) > len(page.mem) {
		return nil, fmt.Errorf("trap: assign id=%d out of range (offset=%d len=%d page=%d)", id, offset, len(breakpoint), len(page.mem))
	}
	saved := make([]byte, len(breakpoint))
	copy(saved, page.mem[offset:offset+len(breakpoint)])
	return &Trap{id: id, page: page, offset: offset, breakpoint: append([]byte(nil), breakpoint...), saved: saved}, nil
}

// Entry returns the byte offset of t's patch site within its page, or 0
// once the page has been closed.
func (t *Trap) Entry() uintptr {
	if len(t.page.mem) == 0 {
		return 0
	}
	return uintptr(t.offset)
}

// Covers reports whether pc falls within or just past t's patched
// instruction, mirroring Trap::covers (the signal handler's PC may point
// either at the breakpoint or at the following instruction, depending on
// the architecture's trap semantics).
func (t *Trap) Covers(pc uintptr) bool {
	entry := t.Entry()
	return pc >= entry && pc-entry <= uintptr(len(t.breakpoint))
}

// Install patches in the breakpoint instruction. A no-op if already
// installed, mirroring install()'s "_entry == 0" early return for an
// unassigned trap.
func (t *Trap) Install() bool {
	if t.installed {
		return true
	}
	copy(t.page.mem[t.offset:t.offset+len(t.breakpoint)], t.breakpoint)
	t.installed = true
	return true
}

// Uninstall restores the original bytes recorded at Assign time.
func (t *Trap) Uninstall() bool {
	if !t.installed {
		return true
	}
	copy(t.page.mem[t.offset:t.offset+len(t.saved)], t.saved)
	t.installed = false
	return true
}

// Installed reports whether the breakpoint is currently patched in.
func (t *Trap) Installed() bool { return t.installed }

// Pool is a fixed-size collection of traps, mirroring the original's
// Trap::_page_start[TRAP_COUNT] pattern of a small, statically-sized
// trap table rather than an unbounded one.
type Pool struct {
	traps []*Trap
}

// NewPool creates an empty Pool with capacity count (TrapCount if 0).
func NewPool(count int) *Pool {
	if count <= 0 {
		count = TrapCount
	}
	return &Pool{traps: make([]*Trap, 0, count)}
}

// Add registers t in the pool. Returns false if the pool is at capacity.
func (p *Pool) Add(t *Trap) bool {
	if len(p.traps) >= cap(p.traps) {
		return false
	}
	p.traps = append(p.traps, t)
	return true
}

// Find returns the trap covering pc, or nil if none does.
func (p *Pool) Find(pc uintptr) *Trap {
	for _, t := range p.traps {
		if t.Covers(pc) {
			return t
		}
	}
	return nil
}

// InstallAll installs every trap in the pool.
func (p *Pool) InstallAll() {
	for _, t := range p.traps {
		t.Install()
	}
}

// UninstallAll uninstalls every trap in the pool.
func (p *Pool) UninstallAll() {
	for _, t := range p.traps {
		t.Uninstall()
	}
}
