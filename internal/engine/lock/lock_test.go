// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package lock

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

func TestThresholdToFractionMonotonic(t *testing.T) {
	require.Equal(t, 1, thresholdToFraction(500*time.Microsecond))
	require.Equal(t, 10, thresholdToFraction(5*time.Millisecond))
	require.Equal(t, 100, thresholdToFraction(50*time.Millisecond))
	require.Equal(t, 1000, thresholdToFraction(time.Second))
}

func TestLockEngineRestoresMutexFractionOnStop(t *testing.T) {
	prev := runtime.SetMutexProfileFraction(-1) // read current without changing it
	runtime.SetMutexProfileFraction(prev)

	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{}, rec))
	require.NoError(t, e.Stop())
	require.Equal(t, prev, runtime.SetMutexProfileFraction(-1))
	runtime.SetMutexProfileFraction(prev)
}

func TestLockEngineStopIsIdempotent(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{}, rec))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
}

func TestLockEngineMetadata(t *testing.T) {
	e := New()
	require.NoError(t, e.Check(command.Args{}))
	require.NotEmpty(t, e.Title())
	require.NotEmpty(t, e.Units())
}
