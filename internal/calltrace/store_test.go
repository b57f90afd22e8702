// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package calltrace

import (
	"sync"
	"testing"

	"asprofgo/internal/frame"
)

func sampleFrames(methods ...uint64) []frame.Frame {
	out := make([]frame.Frame, len(methods))
	for i, m := range methods {
		out[i] = frame.Frame{Method: m, Kind: frame.KindCompiled, BCI: int32(i)}
	}
	return out
}

func TestPutSameTraceReturnsSameID(t *testing.T) {
	s := New(64, 4096)
	defer s.Close()

	id1 := s.Put(sampleFrames(1, 2, 3), 10)
	id2 := s.Put(sampleFrames(1, 2, 3), 5)
	if id1 != id2 {
		t.Fatalf("expected identical frame arrays to intern to the same id, got %d and %d", id1, id2)
	}

	traces := s.CollectTraces()
	tr, ok := traces[id1]
	if !ok {
		t.Fatalf("expected trace id %d to be collectible", id1)
	}
	if len(tr.Frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(tr.Frames))
	}

	samples := s.CollectSamples()
	var found *Sample
	for _, sm := range samples {
		if sm.Trace() == tr {
			found = sm
		}
	}
	if found == nil {
		t.Fatal("expected to find the published sample by hash")
	}
	if got := found.Counter.Load(); got != 15 {
		t.Fatalf("expected aggregated counter 15, got %d", got)
	}
}

func TestPutDistinctTracesGetDistinctIDs(t *testing.T) {
	s := New(64, 4096)
	defer s.Close()

	id1 := s.Put(sampleFrames(1, 2), 1)
	id2 := s.Put(sampleFrames(3, 4), 1)
	if id1 == id2 {
		t.Fatalf("expected distinct frame arrays to intern to distinct ids")
	}
}

func TestAddAccumulatesOnKnownID(t *testing.T) {
	s := New(64, 4096)
	defer s.Close()

	id := s.Put(sampleFrames(9, 9, 9), 1)
	s.Add(id, 4)
	s.Add(id, 5)

	traces := s.CollectTraces()
	if _, ok := traces[id]; !ok {
		t.Fatalf("expected trace %d to be present after Add", id)
	}
	samples := s.CollectSamples()
	var total uint64
	for _, sm := range samples {
		total += sm.Counter.Load()
	}
	if total != 1+4+5 {
		t.Fatalf("expected accumulated counter 10, got %d", total)
	}
}

func TestCollectTracesResetsSampleCount(t *testing.T) {
	s := New(64, 4096)
	defer s.Close()

	id := s.Put(sampleFrames(1), 1)
	first := s.CollectTraces()
	if _, ok := first[id]; !ok {
		t.Fatal("expected trace present on first collection")
	}
	second := s.CollectTraces()
	if _, ok := second[id]; ok {
		t.Fatal("expected trace absent on second collection since no new samples occurred")
	}

	s.Add(id, 1)
	third := s.CollectTraces()
	if _, ok := third[id]; !ok {
		t.Fatal("expected trace present again after a fresh sample")
	}
}

func TestStoreGrowsPastLoadFactor(t *testing.T) {
	s := New(16, 4096) // tiny table forces growth well before 1000 distinct traces
	defer s.Close()

	ids := map[uint32]bool{}
	for i := uint64(0); i < 1000; i++ {
		id := s.Put(sampleFrames(i, i+1), 1)
		if id == overflowTraceID {
			t.Fatalf("unexpected overflow at trace %d", i)
		}
		ids[id] = true
	}
	if len(ids) != 1000 {
		t.Fatalf("expected 1000 distinct trace ids, got %d", len(ids))
	}
}

func TestConcurrentPutIsRace(t *testing.T) {
	s := New(64, 4096)
	defer s.Close()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Put(sampleFrames(uint64(g), uint64(i%20)), 1)
			}
		}(g)
	}
	wg.Wait()

	traces := s.CollectTraces()
	if len(traces) == 0 {
		t.Fatal("expected at least some traces collected after concurrent puts")
	}
}

func TestClearResetsStoreButKeepsUsable(t *testing.T) {
	s := New(16, 4096)
	defer s.Close()

	for i := uint64(0); i < 200; i++ {
		s.Put(sampleFrames(i), 1)
	}
	s.Clear()

	if traces := s.CollectTraces(); len(traces) != 0 {
		t.Fatalf("expected empty store after Clear, got %d traces", len(traces))
	}

	id := s.Put(sampleFrames(42), 1)
	traces := s.CollectTraces()
	if _, ok := traces[id]; !ok {
		t.Fatal("expected store to remain usable after Clear")
	}
}
