// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package frame

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		kind Kind
		bci  int32
	}{
		{KindCompiled, 0},
		{KindCompiled, 12345},
		{KindInlined, 42},
		{KindNative, 0},
	}
	for _, c := range cases {
		packed := Encode(c.kind, c.bci)
		gotKind, gotBCI := Decode(packed)
		if gotKind != c.kind || gotBCI != c.bci {
			t.Errorf("Encode(%v,%d) -> Decode = (%v,%d), want (%v,%d)", c.kind, c.bci, gotKind, gotBCI, c.kind, c.bci)
		}
	}
}

func TestEncodeNegativeKindIsSymbolic(t *testing.T) {
	packed := Encode(KindLock, 0)
	if packed != int32(KindLock) {
		t.Fatalf("negative-kind frame must encode as the bare kind value, got %d", packed)
	}
	gotKind, _ := Decode(packed)
	if !gotKind.IsSymbolic() {
		t.Fatalf("decoded kind %v should be symbolic", gotKind)
	}
}

func TestTruncateWithinBound(t *testing.T) {
	tr := CallTrace{Frames: []Frame{{Kind: KindCompiled}, {Kind: KindCompiled}}}
	got := tr.Truncate(10)
	if len(got.Frames) != 2 {
		t.Fatalf("expected untouched trace, got %d frames", len(got.Frames))
	}
}

func TestTruncateOverBound(t *testing.T) {
	frames := make([]Frame, 10)
	for i := range frames {
		frames[i] = Frame{Kind: KindCompiled, BCI: int32(i)}
	}
	tr := CallTrace{Frames: frames}
	got := tr.Truncate(5)
	if len(got.Frames) != 5 {
		t.Fatalf("expected truncated trace of length 5, got %d", len(got.Frames))
	}
	if got.Frames[4].Kind != KindBreakNotWalkable {
		t.Fatalf("expected leaf-side sentinel, got %v", got.Frames[4].Kind)
	}
	for i := 0; i < 4; i++ {
		if got.Frames[i] != frames[i] {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got.Frames[i], frames[i])
		}
	}
}
