// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package profiler

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"asprofgo/internal/command"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/symbols"
)

// TestMultiProfilerIsolation checks that two concurrent sessions stay
// fully disjoint. Go cannot dlopen the same shared object twice into
// one process the way async-profiler's Java agent does, so two independent
// profiler.Profiler values stand in for "the shared library loaded
// twice" — each gets its own call-trace store, event log, and engine
// registry (see New, which never touches package-level state), so
// samples recorded against one must never appear in the other's dump.
func TestMultiProfilerIsolation(t *testing.T) {
	a := New()
	b := New()

	// a and b must not contend for Go's single process-wide CPU
	// profiler resource (runtime/pprof.StartCPUProfile refuses a second
	// concurrent caller), so this exercises two engine kinds rather than
	// two CPU sessions — isolation is about event/trace disjointness,
	// not about which engine each session happens to run.
	var startedA, startedB bytes.Buffer
	require.NoError(t, a.Execute("start,event=cpu,interval=1ms", &startedA))
	// A long tick keeps the wall-clock engine's own background sampling
	// loop from firing (and adding its own events) during this test.
	require.NoError(t, b.Execute("start,event=wall,wall=1m", &startedB))

	// ClassLoad registers the human-readable name the symbols table
	// (process-global, shared by both Profiler values) resolves a
	// frame's Method id back to at dump time.
	a.ClassLoad("session.a.leaf")
	b.ClassLoad("session.b.leaf")

	a.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{
		Frames: []frame.Frame{{Method: symbols.HashName("session.a.leaf")}},
	}, 1, event.Payload{})
	a.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{
		Frames: []frame.Frame{{Method: symbols.HashName("session.a.leaf")}},
	}, 1, event.Payload{})

	b.RecordSample(event.KindExecutionSample, 2, frame.CallTrace{
		Frames: []frame.Frame{{Method: symbols.HashName("session.b.leaf")}},
	}, 1, event.Payload{})

	// "disjoint in weight": a's two samples must not have inflated b's
	// counters, and vice versa. Checked before either Dump, since Dump
	// drains the event log it reports on.
	require.Equal(t, 2, a.Status().EventCount)
	require.Equal(t, 1, b.Status().EventCount)

	outA := filepath.Join(t.TempDir(), "a.collapsed")
	outB := filepath.Join(t.TempDir(), "b.collapsed")
	require.NoError(t, a.Dump(command.Args{File: outA}))
	require.NoError(t, b.Dump(command.Args{File: outB}))

	dataA, err := os.ReadFile(outA)
	require.NoError(t, err)
	dataB, err := os.ReadFile(outB)
	require.NoError(t, err)

	require.Contains(t, string(dataA), "session.a.leaf")
	require.NotContains(t, string(dataA), "session.b.leaf")
	require.Contains(t, string(dataB), "session.b.leaf")
	require.NotContains(t, string(dataB), "session.a.leaf")

	require.NoError(t, a.Execute("stop", &bytes.Buffer{}))
	require.NoError(t, b.Execute("stop", &bytes.Buffer{}))
}
