// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package flamegraph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"
)

func loc(id uint64, name string) *profile.Location {
	return &profile.Location{ID: id, Line: []profile.Line{{Function: &profile.Function{ID: id, Name: name}}}}
}

func TestBuildTreeMergesSharedPrefixes(t *testing.T) {
	a, b, c := loc(1, "main"), loc(2, "work"), loc(3, "helper")
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Sample: []*profile.Sample{
			{Location: []*profile.Location{b, a}, Value: []int64{5}}, // leaf-first: work <- main
			{Location: []*profile.Location{c, a}, Value: []int64{3}}, // helper <- main
		},
	}

	root := BuildTree(p, 0)
	require.EqualValues(t, 8, root.Value)
	require.Len(t, root.Children, 1)
	mainNode := root.Children["main"]
	require.EqualValues(t, 8, mainNode.Value)
	require.Len(t, mainNode.Children, 2)
	require.EqualValues(t, 5, mainNode.Children["work"].Value)
	require.EqualValues(t, 3, mainNode.Children["helper"].Value)
}

func TestWriteHTMLSelfContained(t *testing.T) {
	root := &Node{Name: "root", Value: 10, Children: map[string]*Node{
		"main": {Name: "main", Value: 10, Children: map[string]*Node{}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, root, "cpu profile", "samples"))

	html := buf.String()
	require.Contains(t, html, "cpu profile")
	require.Contains(t, html, `"n":"main"`)
	require.NotContains(t, html, "http://")
	require.NotContains(t, html, "https://")
	require.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
}
