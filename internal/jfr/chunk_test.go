// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package jfr

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asprofgo/internal/event"
	"asprofgo/internal/frame"
)

func TestChunkRoundTrip(t *testing.T) {
	names := map[uint64]string{1: "main.work", 2: "main.helper"}
	jw := Writer{Resolve: func(id uint64) (string, bool) {
		n, ok := names[id]
		return n, ok
	}}

	traces := map[uint32]*frame.CallTrace{
		10: {Frames: []frame.Frame{{Method: 1, Kind: frame.KindCompiled, BCI: 5}, {Method: 2, Kind: frame.KindCompiled, BCI: 9}}},
	}
	events := []event.Event{
		{Kind: event.KindExecutionSample, StartTick: 1000, ThreadID: 42, TraceID: 10, Samples: 1, Counter: 1},
		{
			Kind: event.KindAllocation, StartTick: 1500, ThreadID: 42, TraceID: 10, Samples: 1, Counter: 1024,
			Payload: event.Payload{ClassID: 7, Size: 1024},
		},
		{
			Kind: event.KindLockWait, StartTick: 2200, ThreadID: 7, TraceID: 10, Samples: 1, Counter: uint64(3 * time.Millisecond),
			Payload: event.Payload{ClassID: 9, Duration: 3 * time.Millisecond},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, jw.WriteChunk(&buf, [16]byte{1, 2, 3}, 1000, traces, events))

	chunk, err := Reader{}.ReadChunk(&buf)
	require.NoError(t, err)

	require.Equal(t, [16]byte{1, 2, 3}, chunk.RunID)
	require.EqualValues(t, 1000, chunk.StartTick)
	require.Len(t, chunk.Stacks, 1)
	st := chunk.Stacks[10]
	require.Len(t, st.Frames, 2)
	require.Equal(t, "main.work", st.Frames[0].Name)
	require.Equal(t, "main.helper", st.Frames[1].Name)

	require.Equal(t, events, chunk.Events)
}

func TestChunkRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	jw := Writer{}
	require.NoError(t, jw.WriteChunk(&buf, [16]byte{}, 0, nil, nil))

	chunk, err := Reader{}.ReadChunk(&buf)
	require.NoError(t, err)
	require.Empty(t, chunk.Stacks)
	require.Empty(t, chunk.Events)
}

func TestReadChunkBadMagic(t *testing.T) {
	_, err := Reader{}.ReadChunk(bytes.NewReader([]byte("nope")))
	require.Error(t, err)
}

func TestEncodeChunkHelper(t *testing.T) {
	data, err := EncodeChunk(Writer{}, [16]byte{9}, 5, nil, []event.Event{{Kind: event.KindProcessSnapshot, StartTick: 5}})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	chunk, err := Reader{}.ReadChunk(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, chunk.Events, 1)
	require.Equal(t, event.KindProcessSnapshot, chunk.Events[0].Kind)
}
