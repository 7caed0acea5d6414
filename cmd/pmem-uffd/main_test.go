//go:build linux

package main

import "testing"

func TestPageStateMarkRemoved(t *testing.T) {
	s := newPageState()
	s.markRemoved(0x1000, 0x4000)

	for _, addr := range []uint64{0x1000, 0x2000, 0x3000} {
		if !s.removed[addr] {
			t.Errorf("expected page 0x%x to be marked removed", addr)
		}
	}
	if s.removed[0x4000] {
		t.Errorf("end address 0x4000 is exclusive and must not be marked removed")
	}
}

func TestPageStateMarkRemovedAlignsDown(t *testing.T) {
	s := newPageState()
	s.markRemoved(0x1800, 0x2800)

	if !s.removed[0x1000] {
		t.Error("expected the page containing the unaligned start to be marked removed")
	}
	if !s.removed[0x2000] {
		t.Error("expected the page containing the unaligned end to be marked removed")
	}
}
