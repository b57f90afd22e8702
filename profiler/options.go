// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package profiler

// options configures a Profiler at construction time — sizing knobs
// that have no natural place in command.Args because they govern the
// facade's own storage rather than any single engine: a private
// `options` struct plus `type Option func(*options)` setters.
type options struct {
	storeInitialCapacity uint64
	arenaChunkSize       uint64
}

func defaultOptions() options {
	return options{}
}

// Option configures a Profiler at construction time. See New.
type Option func(*options)

// WithTraceStoreCapacity sets the call-trace store's initial hash
// table capacity (rounded up to a power of two by calltrace.New; 0
// selects its built-in default).
func WithTraceStoreCapacity(n uint64) Option {
	return func(o *options) { o.storeInitialCapacity = n }
}

// WithArenaChunkSize sets the chunk size the call-trace store's arena
// allocator grows by (0 selects arena.DefaultChunkSize).
func WithArenaChunkSize(n uint64) Option {
	return func(o *options) { o.arenaChunkSize = n }
}
