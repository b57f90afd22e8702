// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package stream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []string{"main.main", "main.work", "runtime.gopark"}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []string{"main.main", "main.work", "runtime.gopark"}, got)
}

func TestReadFrameMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []string{"a", "b"}))
	require.NoError(t, WriteFrame(&buf, []string{"c"}))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, first)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, second)

	_, err = ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestBufferedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write([]string{"x", "y"}))
	require.Zero(t, buf.Len(), "buffered writer should not flush until asked")
	require.NoError(t, w.Flush())
	require.NotZero(t, buf.Len())

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, got)
}
