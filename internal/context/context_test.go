// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package context

import "testing"

func TestGetUnsetIsZero(t *testing.T) {
	s := New()
	if got := s.Get(1234); !got.IsZero() {
		t.Fatalf("expected zero context for unset tid, got %+v", got)
	}
}

func TestSetGetClear(t *testing.T) {
	s := New()
	s.Set(1, Context{SpanID: 10, RootSpanID: 20})
	if got := s.Get(1); got.SpanID != 10 || got.RootSpanID != 20 {
		t.Fatalf("unexpected context: %+v", got)
	}
	s.Clear(1)
	if got := s.Get(1); !got.IsZero() {
		t.Fatalf("expected zero context after Clear, got %+v", got)
	}
}

func TestFilterPassesEverythingWhenDisabled(t *testing.T) {
	s := New()
	if !s.Filter(999, EventCPU) {
		t.Fatal("expected unfiltered CPU events to always pass")
	}
	if !s.Filter(999, EventWall) {
		t.Fatal("expected unfiltered wall events to always pass")
	}
}

func TestFilterRestrictsToContextWhenEnabled(t *testing.T) {
	s := New()
	s.SetCPUFiltering(true)
	if s.Filter(1, EventCPU) {
		t.Fatal("expected thread without context to be filtered out")
	}
	s.Set(1, Context{SpanID: 1, RootSpanID: 1})
	if !s.Filter(1, EventCPU) {
		t.Fatal("expected thread with context to pass the filter")
	}
	// Wall filtering is independent of CPU filtering.
	if !s.Filter(2, EventWall) {
		t.Fatal("expected wall events to be unaffected by CPU filtering toggle")
	}
}

func TestFilterContextMatchesFilterByTid(t *testing.T) {
	s := New()
	s.SetWallFiltering(true)
	zero := Context{}
	if s.FilterContext(zero, EventWall) {
		t.Fatal("expected zero context to be filtered out when wall filtering is enabled")
	}
	nonZero := Context{SpanID: 5}
	if !s.FilterContext(nonZero, EventWall) {
		t.Fatal("expected non-zero context to pass")
	}
}
