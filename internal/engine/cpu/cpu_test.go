// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package cpu

import (
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

func (r *recordingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func busyWork(stop <-chan struct{}) {
	x := 0
	for {
		select {
		case <-stop:
			return
		default:
			x++
			if x > 1<<20 {
				x = 0
			}
		}
	}
}

func TestCPUEngineChecksAgainstDoubleStart(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Check(command.Args{}))
	require.NoError(t, e.Start(command.Args{Interval: 5 * time.Millisecond}, rec))
	defer e.Stop()

	require.Error(t, e.Check(command.Args{}), "an already-running CPU engine must fail Check")
}

func TestCPUEngineStartStopIsSafeWithoutActivity(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{Interval: 5 * time.Millisecond}, rec))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop(), "Stop must be idempotent")
}

func TestCPUEngineMetadata(t *testing.T) {
	e := New()
	require.NotEmpty(t, e.Title())
	require.NotEmpty(t, e.Units())
}
