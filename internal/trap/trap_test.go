// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

package trap

import "testing"

func TestInstallUninstallRoundTrip(t *testing.T) {
	page, err := NewPage(0)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	copy(page.Bytes()[0:4], []byte{0xAA, 0xBB, 0xCC, 0xDD})

	tr, err := Assign(1, page, 0, []byte{0xCC})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if tr.Installed() {
		t.Fatal("expected trap to start uninstalled")
	}
	tr.Install()
	if !tr.Installed() {
		t.Fatal("expected trap to report installed")
	}
	if page.Bytes()[0] != 0xCC {
		t.Fatalf("expected breakpoint byte patched in, got %x", page.Bytes()[0])
	}

	tr.Uninstall()
	if got := page.Bytes()[0:4]; got[0] != 0xAA || got[1] != 0xBB || got[2] != 0xCC || got[3] != 0xDD {
		t.Fatalf("expected original bytes restored, got %x", got)
	}
}

func TestCoversMatchesBreakpointOrNextInsn(t *testing.T) {
	page, err := NewPage(0)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	tr, err := Assign(1, page, 16, []byte{0xCC})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if !tr.Covers(16) {
		t.Fatal("expected Covers to match the breakpoint address itself")
	}
	if !tr.Covers(17) {
		t.Fatal("expected Covers to match the instruction following the breakpoint")
	}
	if tr.Covers(18) {
		t.Fatal("expected Covers to reject addresses past the breakpoint's span")
	}
	if tr.Covers(15) {
		t.Fatal("expected Covers to reject addresses before the breakpoint")
	}
}

func TestAssignOutOfRangeFails(t *testing.T) {
	page, err := NewPage(64)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	if _, err := Assign(1, page, 60, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err == nil {
		t.Fatal("expected an error for an out-of-range assign")
	}
}

func TestPoolFindAndCapacity(t *testing.T) {
	page, err := NewPage(128)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	pool := NewPool(2)
	t1, _ := Assign(1, page, 0, []byte{0xCC})
	t2, _ := Assign(2, page, 8, []byte{0xCC})
	t3, _ := Assign(3, page, 16, []byte{0xCC})

	if !pool.Add(t1) || !pool.Add(t2) {
		t.Fatal("expected the first two adds to succeed")
	}
	if pool.Add(t3) {
		t.Fatal("expected the pool to reject a third trap past its capacity")
	}

	pool.InstallAll()
	if pool.Find(8) != t2 {
		t.Fatal("expected Find to locate the trap covering pc=8")
	}
	if pool.Find(100) != nil {
		t.Fatal("expected Find to return nil for an uncovered pc")
	}

	pool.UninstallAll()
	for _, tr := range []*Trap{t1, t2} {
		if tr.Installed() {
			t.Fatal("expected all pool traps uninstalled")
		}
	}
}
