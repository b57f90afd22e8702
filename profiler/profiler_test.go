// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package profiler

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/log"
	"asprofgo/internal/stream"
	"asprofgo/internal/symbols"
)

func TestMain(m *testing.M) {
	log.UseLogger(log.DiscardLogger{})
	os.Exit(m.Run())
}

func TestProfilerExecuteStartStopDump(t *testing.T) {
	p := New()
	out := filepath.Join(t.TempDir(), "out.collapsed")

	var started bytes.Buffer
	require.NoError(t, p.Execute("start,event=cpu,interval=10ms", &started))
	require.Contains(t, started.String(), "started")
	require.True(t, p.Running())

	p.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{
		Frames: []frame.Frame{{Method: 1}},
	}, 1, event.Payload{})

	var dumped bytes.Buffer
	require.NoError(t, p.Execute("dump,file="+out, &dumped))
	require.Contains(t, dumped.String(), "dumped to")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var stopped bytes.Buffer
	require.NoError(t, p.Execute("stop", &stopped))
	require.Contains(t, stopped.String(), "stopped")
	require.False(t, p.Running())
}

func TestProfilerExecuteStatusAndList(t *testing.T) {
	p := New()

	var status bytes.Buffer
	require.NoError(t, p.Execute("status", &status))
	require.Contains(t, status.String(), "running=false")

	var list bytes.Buffer
	require.NoError(t, p.Execute("list", &list))
	lines := 0
	scanner := bufio.NewScanner(strings.NewReader(list.String()))
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, len(allEngineTypes), lines)
}

func TestProfilerExecuteRejectsMalformedCommand(t *testing.T) {
	p := New()
	var out bytes.Buffer
	require.Error(t, p.Execute("", &out))
}

func TestProfilerDumpHarvestsEventsOnce(t *testing.T) {
	p := New()
	p.running = true

	p.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{
		Frames: []frame.Frame{{Method: 1}},
	}, 5, event.Payload{})

	first := filepath.Join(t.TempDir(), "first.collapsed")
	require.NoError(t, p.Dump(command.Args{File: first}))
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	second := filepath.Join(t.TempDir(), "second.collapsed")
	require.NoError(t, p.Dump(command.Args{File: second}))
	data2, err := os.ReadFile(second)
	require.NoError(t, err)
	require.Empty(t, data2)
}

func TestProfilerRecordSampleAssignsSameTraceIDToIdenticalTraces(t *testing.T) {
	p := New()
	trace := frame.CallTrace{Frames: []frame.Frame{{Method: 42}}}
	id1 := p.RecordSample(event.KindAllocation, 1, trace, 10, event.Payload{})
	id2 := p.RecordSample(event.KindAllocation, 1, trace, 10, event.Payload{})
	require.Equal(t, id1, id2)
}

func TestThreadStartEndRoundTrip(t *testing.T) {
	p := New()
	pt := p.ThreadStart(123)
	require.Equal(t, 123, pt.Tid())
	p.ThreadEnd(123)
}

func TestClassLoadAndCompiledMethodLoadRegisterSymbols(t *testing.T) {
	p := New()
	id := p.ClassLoad("example.Type")
	name, ok := symbols.Lookup(id)
	require.True(t, ok)
	require.Equal(t, "example.Type", name)

	id2 := p.CompiledMethodLoad("example.Func")
	name2, ok2 := symbols.Lookup(id2)
	require.True(t, ok2)
	require.Equal(t, "example.Func", name2)
}

func TestSelectedEnginesMapsEventToken(t *testing.T) {
	require.Contains(t, typesOf(selectedEngines(command.Args{Event: "wall"})), "wall")
	require.Contains(t, typesOf(selectedEngines(command.Args{Event: "alloc"})), "alloc")
	require.Contains(t, typesOf(selectedEngines(command.Args{})), "cpu")
}

func TestOutputFormatPrefersExplicitOverExtension(t *testing.T) {
	require.Equal(t, "jfr", outputFormat("out.collapsed", "jfr"))
	require.Equal(t, "jfr", outputFormat("out.jfr", ""))
	require.Equal(t, "html", outputFormat("out.html", ""))
	require.Equal(t, "collapsed", outputFormat("out", ""))
}

func TestExpandFilePatternSubstitutesPID(t *testing.T) {
	got := expandFilePattern("trace-%p.jfr", 4242)
	require.Equal(t, "trace-4242.jfr", got)
}

func TestDumpAppliesIncludeExcludeGlobs(t *testing.T) {
	p := New()
	p.running = true

	record := func(name string) {
		p.ClassLoad(name)
		p.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{
			Frames: []frame.Frame{{Method: symbols.HashName(name)}},
		}, 1, event.Payload{})
	}
	record("app.handler.serve")
	record("app.gc.background")
	record("lib.vendor.poll")

	out := filepath.Join(t.TempDir(), "out.collapsed")
	require.NoError(t, p.Dump(command.Args{
		File:    out,
		Include: []string{"app.*"},
		Exclude: []string{"*gc*"},
	}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "app.handler.serve")
	require.NotContains(t, string(data), "app.gc.background")
	require.NotContains(t, string(data), "lib.vendor.poll")
}

func TestDumpThreadsTogglePrependsTidRootFrame(t *testing.T) {
	p := New()
	p.running = true

	p.ClassLoad("worker.run")
	p.RecordSample(event.KindExecutionSample, 7, frame.CallTrace{
		Frames: []frame.Frame{{Method: symbols.HashName("worker.run")}},
	}, 1, event.Payload{})

	out := filepath.Join(t.TempDir(), "out.collapsed")
	require.NoError(t, p.Dump(command.Args{File: out, Threads: true}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	// Collapsed lines are root-first, so the tid frame leads the stack.
	require.Contains(t, string(data), "[tid=7];worker.run")
}

func TestDumpStreamFormatRoundTrips(t *testing.T) {
	p := New()
	p.running = true

	p.ClassLoad("root.fn")
	p.ClassLoad("leaf.fn")
	p.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{
		Frames: []frame.Frame{
			{Method: symbols.HashName("leaf.fn")},
			{Method: symbols.HashName("root.fn")},
		},
	}, 1, event.Payload{})

	out := filepath.Join(t.TempDir(), "out.fifo")
	require.NoError(t, p.Dump(command.Args{File: out, Format: "stream"}))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	frames, err := stream.ReadFrame(f)
	require.NoError(t, err)
	require.Equal(t, []string{"root.fn", "leaf.fn"}, frames)
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"app.*", "app.handler.serve", true},
		{"app.*", "lib.app.serve", false},
		{"*gc*", "app.gc.background", true},
		{"*serve", "app.handler.serve", true},
		{"app.handler.serve", "app.handler.serve", true},
		{"app.handler.serve", "app.handler.serv", false},
		{"*", "anything", true},
		{"", "", true},
		{"", "x", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, matchGlob(c.pattern, c.name), "pattern %q name %q", c.pattern, c.name)
	}
}

func TestStartRedirectsLogToFile(t *testing.T) {
	p := New()
	path := filepath.Join(t.TempDir(), "asprof.log")

	require.NoError(t, p.Start(command.Args{Action: command.ActionStart, Event: "wall", Wall: time.Minute, LogPath: path}))
	log.Warn("redirected message")
	p.Stop()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "redirected message")
}

func TestRecordSampleUnwindsWhenTraceEmpty(t *testing.T) {
	p := New()
	p.running = true

	id := p.RecordSample(event.KindExecutionSample, 1, frame.CallTrace{}, 1, event.Payload{})
	require.NotZero(t, id)

	got := p.store.CollectTraces()[id]
	require.NotNil(t, got)
	require.NotEmpty(t, got.Frames)
	var names []string
	for _, fr := range got.Frames {
		names = append(names, symbols.Name(fr.Method))
	}
	require.Contains(t, strings.Join(names, ";"), "TestRecordSampleUnwindsWhenTraceEmpty")
}

func TestRecordSampleAppliesCStackNoAndDepth(t *testing.T) {
	p := New()
	p.running = true
	p.unwindMode.Store(int32(command.CStackNone))
	p.unwindDepth.Store(3)

	for _, name := range []string{"native.leaf", "go.a", "go.b", "go.c", "go.d"} {
		p.ClassLoad(name)
	}
	trace := frame.CallTrace{Frames: []frame.Frame{
		{Method: symbols.HashName("native.leaf"), Kind: frame.KindNative},
		{Method: symbols.HashName("go.a"), Kind: frame.KindCompiled},
		{Method: symbols.HashName("go.b"), Kind: frame.KindCompiled},
		{Method: symbols.HashName("go.c"), Kind: frame.KindCompiled},
		{Method: symbols.HashName("go.d"), Kind: frame.KindCompiled},
	}}
	id := p.RecordSample(event.KindAllocation, 1, trace, 1, event.Payload{})

	got := p.store.CollectTraces()[id]
	require.NotNil(t, got)
	// The native frame is stripped (cstack=no), then the remaining four
	// frames are truncated to the depth bound of three with a sentinel
	// in the last slot.
	require.Len(t, got.Frames, 3)
	for _, fr := range got.Frames {
		require.NotEqual(t, frame.KindNative, fr.Kind)
	}
	require.Equal(t, "go.a", symbols.Name(got.Frames[0].Method))
	require.Equal(t, frame.KindBreakNotWalkable, got.Frames[2].Kind)
}

func TestStartAppliesUnwindConfig(t *testing.T) {
	p := New()
	require.NoError(t, p.Start(command.Args{
		Action:      command.ActionStart,
		Event:       "wall",
		Wall:        time.Minute,
		CStack:      command.CStackNone,
		JStackDepth: 17,
	}))
	defer p.Stop()

	require.Equal(t, int32(command.CStackNone), p.unwindMode.Load())
	require.Equal(t, int32(17), p.unwindDepth.Load())
}

func typesOf(types []engine.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}
