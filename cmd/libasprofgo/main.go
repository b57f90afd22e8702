// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

//go:build libasprofgo
// +build libasprofgo

// go build -tags libasprofgo -buildmode=c-shared -o libasprofgo.so ./cmd/libasprofgo
//
// Package main exposes the public native API (C ABI): asprof_init,
// asprof_execute, asprof_error_str, and
// asprof_unstable_get_thread_local_data, the four entry points an
// out-of-process attach tool or a host runtime's agent-load path calls
// into once this module is built as a shared object. The //export
// wrappers marshal C strings and callbacks into asprofgo/profiler's
// pure-Go API and hold no logic of their own.
package main

/*
#include <stddef.h>
#include <stdlib.h>

typedef void (*asprof_writer_cb)(const char* buf, size_t size);

typedef struct {
    unsigned long long sample_counter;
} asprof_thread_local_data;

// call_asprof_writer_cb exists because cgo cannot invoke a C function
// pointer value directly from Go; this trampoline is the one place
// that does.
static void call_asprof_writer_cb(asprof_writer_cb cb, const char* buf, size_t size) {
    cb(buf, size);
}
*/
import "C"

import (
	"bytes"
	"io"
	"os"
	"sync"
	"unsafe"

	"asprofgo/internal/log"
	"asprofgo/internal/thread"
	"asprofgo/profiler"
)

// proc is the single process-wide Profiler instance this shared
// object exposes, initialized at first use: a loaded shared object is
// itself the one-per-process unit the C ABI operates on,
// unlike the pure-Go profiler.Profiler type, which is free to be
// instantiated more than once within a single Go process (see
// profiler/isolation_test.go).
var (
	initOnce sync.Once
	proc     *profiler.Profiler

	// errTable holds every asprof_execute failure's message, keyed by
	// the *C.char pointer returned to the caller, so
	// asprof_error_str can look it up without re-deriving it. The C
	// ABI's error_ptr is an opaque, non-owning handle into this map;
	// entries are never evicted, matching the original API's
	// "error strings are static/interned" contract.
	errMu    sync.Mutex
	errTable = map[uintptr]string{}
)

//export asprof_init
func asprof_init() {
	initOnce.Do(func() {
		proc = profiler.New()
		// ASPROF_COMMAND is an auto-applied start command for hosts
		// that pre-load the shared object without ever calling
		// asprof_execute themselves.
		if cmd := os.Getenv("ASPROF_COMMAND"); cmd != "" {
			if err := proc.Execute(cmd, io.Discard); err != nil {
				log.Warn("libasprofgo: ASPROF_COMMAND %q: %v", cmd, err)
			}
		}
	})
}

//export asprof_execute
func asprof_execute(commandText *C.char, writerCB C.asprof_writer_cb) unsafe.Pointer {
	asprof_init()

	bumpSampleCounter(thread.CurrentTid())

	var buf bytes.Buffer
	err := proc.Execute(C.GoString(commandText), &buf)
	if writerCB != nil && buf.Len() > 0 {
		cstr := C.CString(buf.String())
		C.call_asprof_writer_cb(writerCB, cstr, C.size_t(buf.Len()))
		C.free(unsafe.Pointer(cstr))
	}
	if err == nil {
		return nil
	}
	return newErrorHandle(err.Error())
}

//export asprof_error_str
func asprof_error_str(errPtr unsafe.Pointer) *C.char {
	if errPtr == nil {
		return nil
	}
	errMu.Lock()
	_, ok := errTable[uintptr(errPtr)]
	errMu.Unlock()
	if !ok {
		return nil
	}
	return (*C.char)(errPtr)
}

// newErrorHandle allocates a C string for msg, registers it in errTable
// keyed by its own address (so asprof_error_str can hand the same
// pointer straight back to C as the message), and returns it as the
// opaque error_ptr asprof_execute's caller is expected to treat as
// non-owning: the string lives for the process lifetime, the same
// "never freed, always valid" contract the original gives its static
// error strings.
func newErrorHandle(msg string) unsafe.Pointer {
	cstr := C.CString(msg)
	errMu.Lock()
	errTable[uintptr(unsafe.Pointer(cstr))] = msg
	errMu.Unlock()
	return unsafe.Pointer(cstr)
}

// tldTable's entries are allocated once per calling OS thread id and
// never freed for the life of the process, which is the
// asprof_unstable_get_thread_local_data contract: observers poll
// sample_counter to correlate application-level events against sample
// boundaries, so the pointer returned must stay valid and keep
// incrementing across repeated calls from the same thread.
var (
	tldMu    sync.Mutex
	tldTable = map[int]*C.asprof_thread_local_data{}
)

//export asprof_unstable_get_thread_local_data
func asprof_unstable_get_thread_local_data() *C.asprof_thread_local_data {
	tid := thread.CurrentTid()
	tldMu.Lock()
	defer tldMu.Unlock()
	if d, ok := tldTable[tid]; ok {
		return d
	}
	d := (*C.asprof_thread_local_data)(C.malloc(C.size_t(unsafe.Sizeof(C.asprof_thread_local_data{}))))
	d.sample_counter = 0
	tldTable[tid] = d
	return d
}

// bumpSampleCounter increments tid's exported sample_counter. It is
// called once at the start of every asprof_execute, for the calling
// thread, and is the only code that increments the field; a thread with
// no entry (one that never called asprof_unstable_get_thread_local_data)
// is skipped. The sampling engines do not touch sample_counter, and
// asprof_unstable_get_thread_local_data only creates or returns the
// entry.
func bumpSampleCounter(tid int) {
	tldMu.Lock()
	d, ok := tldTable[tid]
	tldMu.Unlock()
	if !ok {
		return
	}
	d.sample_counter++
}

func main() {}
