// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package symbols

import "testing"

func TestRegisterLookup(t *testing.T) {
	Clear()
	Register(42, "main.hot")
	name, ok := Lookup(42)
	if !ok || name != "main.hot" {
		t.Fatalf("expected main.hot, got %q ok=%v", name, ok)
	}
}

func TestRegisterFirstWriteWins(t *testing.T) {
	Clear()
	Register(1, "a")
	Register(1, "b")
	name, _ := Lookup(1)
	if name != "a" {
		t.Fatalf("expected first registration to win, got %q", name)
	}
}

func TestInternResolvesBackToName(t *testing.T) {
	Clear()
	id := Intern("main.(*Server).handle")
	if id != HashName("main.(*Server).handle") {
		t.Fatalf("Intern returned id %#x, HashName gives %#x", id, HashName("main.(*Server).handle"))
	}
	if got := Name(id); got != "main.(*Server).handle" {
		t.Fatalf("expected interned name back, got %q", got)
	}
}

func TestHashNameIsStable(t *testing.T) {
	// FNV-1a of "a": known value, guards against accidental algorithm
	// drift (ids persist across dumps and must stay comparable).
	if got := HashName("a"); got != 0xaf63dc4c8601ec8c {
		t.Fatalf("HashName(\"a\") = %#x", got)
	}
}

func TestNameFallsBackToHexForUnregistered(t *testing.T) {
	Clear()
	if got := Name(0xdeadbeef); got != "0x00000000deadbeef" {
		t.Fatalf("unexpected fallback name %q", got)
	}
}
