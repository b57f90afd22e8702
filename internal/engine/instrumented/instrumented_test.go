// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package instrumented

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asprofgo/internal/command"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/symbols"
)

type recordingRecorder struct {
	mu     sync.Mutex
	events []event.Event
	traces []frame.CallTrace
}

func (r *recordingRecorder) RecordSample(kind event.Kind, threadID int, trace frame.CallTrace, counter uint64, payload event.Payload) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Event{Kind: kind, ThreadID: threadID, Counter: counter, Payload: payload})
	r.traces = append(r.traces, trace)
	return uint32(len(r.events))
}

func (r *recordingRecorder) lastTrace() frame.CallTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.traces) == 0 {
		return frame.CallTrace{}
	}
	return r.traces[len(r.traces)-1]
}

func (r *recordingRecorder) Now() int64 { return time.Now().UnixNano() }

func (r *recordingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestInstrumentedEngineRegionRecordsOneSample(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{}, rec))
	defer e.Stop()

	ran := false
	e.Region("my-region", func() {
		ran = true
		time.Sleep(time.Millisecond)
	})
	require.True(t, ran)
	require.Equal(t, 1, rec.count())
}

func TestInstrumentedEngineEnterExitWhenStoppedIsNoop(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	token := e.Enter("region")
	e.Exit("region", token, frame.CallTrace{})
	require.Equal(t, 0, rec.count())
}

func TestInstrumentedEngineStopIsIdempotent(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{}, rec))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
}

func TestInstrumentedEngineCheckSucceeds(t *testing.T) {
	require.NoError(t, New().Check(command.Args{}))
}

func TestInstrumentedEngineRegionCapturesCallerStack(t *testing.T) {
	e := New()
	rec := &recordingRecorder{}
	require.NoError(t, e.Start(command.Args{JStackDepth: 64}, rec))
	defer e.Stop()

	e.Region("hot-block", func() {})

	trace := rec.lastTrace()
	require.NotEmpty(t, trace.Frames)
	require.Equal(t, "hot-block", symbols.Name(trace.Frames[0].Method))

	// Past the region-name leaf, the real call stack must be present,
	// including this test function.
	var names []string
	for _, fr := range trace.Frames[1:] {
		names = append(names, symbols.Name(fr.Method))
	}
	require.Contains(t, strings.Join(names, ";"), "TestInstrumentedEngineRegionCapturesCallerStack")
}
