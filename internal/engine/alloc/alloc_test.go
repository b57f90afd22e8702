// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package alloc

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asprofgo/internal/command"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
)

type recordingRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingRecorder) RecordSample(kind event.Kind, threadID int, trace frame.CallTrace, counter uint64, payload event.Payload) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Event{Kind: kind, ThreadID: threadID, Counter: counter, Payload: payload})
	return uint32(len(r.events))
}

func (r *recordingRecorder) Now() int64 { return time.Now().UnixNano() }

func (r *recordingRecorder) kinds() map[event.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[event.Kind]int{}
	for _, e := range r.events {
		out[e.Kind]++
	}
	return out
}

func TestAllocEngineRestoresMemProfileRateOnStop(t *testing.T) {
	prev := runtime.MemProfileRate
	e := New(false)
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{Alloc: 1024}, rec))
	require.Equal(t, 1024, runtime.MemProfileRate)
	require.NoError(t, e.Stop())
	require.Equal(t, prev, runtime.MemProfileRate)
}

func TestAllocEngineStopIsIdempotent(t *testing.T) {
	e := New(false)
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{}, rec))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
}

func TestAllocEngineTitleReflectsLiveMode(t *testing.T) {
	require.Equal(t, "Allocation profile", New(false).Title())
	require.Equal(t, "Live object profile", New(true).Title())
}

func TestAllocEngineMetadata(t *testing.T) {
	e := New(false)
	require.NoError(t, e.Check(command.Args{}))
	require.NotEmpty(t, e.Units())
}
