package bridge

import (
	"testing"
	"time"
)

func TestCommitSchedulerAccumulates(t *testing.T) {
	cs := NewCommitScheduler(120 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if cs.Add(20 * time.Millisecond) {
			t.Fatalf("due after %d frames, want not due", i+1)
		}
	}
	if !cs.Add(20 * time.Millisecond) {
		t.Fatal("not due after 120ms accumulated")
	}
	if cs.Pending() != 0 {
		t.Fatalf("pending = %v after commit, want 0", cs.Pending())
	}

	// The window restarts from scratch.
	if cs.Add(20 * time.Millisecond) {
		t.Fatal("due immediately after reset")
	}
}

func TestCommitSchedulerOversizedFrame(t *testing.T) {
	cs := NewCommitScheduler(120 * time.Millisecond)
	if !cs.Add(500 * time.Millisecond) {
		t.Fatal("a single frame longer than the minimum should be due")
	}
}

func TestCommitSchedulerNeverDueOnZero(t *testing.T) {
	cs := NewCommitScheduler(0)
	if cs.Add(0) {
		t.Fatal("due with no audio accumulated")
	}
	if !cs.Add(time.Millisecond) {
		t.Fatal("any audio should be due with a zero minimum")
	}
}

func TestBargeInFiresExactlyOnce(t *testing.T) {
	var b BargeIn
	if b.Fired() {
		t.Fatal("fired before any trigger")
	}
	if !b.TryFire() {
		t.Fatal("first trigger should fire")
	}
	for i := 0; i < 3; i++ {
		if b.TryFire() {
			t.Fatal("re-fired after first trigger")
		}
	}
	if !b.Fired() {
		t.Fatal("gate should report fired")
	}
}
