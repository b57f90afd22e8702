// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package symbols is the process-global name table that lets output
// serializers (internal/pprofutils, internal/jfr) turn a frame.Frame's
// Method id back into a human-readable function/class/symbol name. It
// stands in for async-profiler's Symbols table (src/symbols.h), which
// interns jmethodID/jclass pointers against resolved names; Go has no
// equivalent opaque handle for a function, so internal/unwind hashes the
// fully-qualified name into the id directly and registers the pairing
// here at capture time, making the id fully self-describing without a
// second lookup into runtime metadata during output.
package symbols

import "sync"

var (
	mu    sync.RWMutex
	names = map[uint64]string{}
)

// HashName derives a stable 64-bit id from a fully-qualified function,
// class, or symbol name (FNV-1a). Every producer of frame.Frame.Method
// values uses this one function so that the same name always maps to
// the same id regardless of which engine captured it.
func HashName(s string) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// Intern hashes name and registers the pairing, returning the id.
func Intern(name string) uint64 {
	return Register(HashName(name), name)
}

// Register records that id names s, first-write-wins. Returns id
// unchanged so call sites can derive an id and register it in one
// expression.
func Register(id uint64, s string) uint64 {
	mu.RLock()
	_, ok := names[id]
	mu.RUnlock()
	if ok {
		return id
	}

	mu.Lock()
	if _, ok := names[id]; !ok {
		names[id] = s
	}
	mu.Unlock()
	return id
}

// Lookup returns the name registered for id, if any.
func Lookup(id uint64) (string, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := names[id]
	return s, ok
}

// Name returns the name registered for id, or a synthetic placeholder
// (e.g. "0x1a2b3c4d5e6f7890") when id was never registered — this
// happens for symbolic frame kinds whose Method field was built outside
// internal/unwind (allocation sites, lock classes, thread ids).
func Name(id uint64) string {
	if s, ok := Lookup(id); ok {
		return s
	}
	return formatHex(id)
}

func formatHex(id uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 2+16)
	buf[0], buf[1] = '0', 'x'
	for i := 0; i < 16; i++ {
		shift := uint((15 - i) * 4)
		buf[2+i] = hexDigits[(id>>shift)&0xf]
	}
	return string(buf)
}

// Clear drops every registered name. Exposed for tests; production code
// never needs to clear the table since ids are process-lifetime-stable.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	names = map[uint64]string{}
}
