package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	early := f.After(time.Second)
	late := f.After(time.Minute)
	if f.Pending() != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", f.Pending())
	}

	f.Advance(2 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("early waiter should have fired")
	}
	select {
	case <-late:
		t.Fatal("late waiter should not have fired yet")
	default:
	}

	f.Advance(time.Minute)
	select {
	case <-late:
	default:
		t.Fatal("late waiter should have fired")
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", f.Pending())
	}
}

func TestFake_AfterNonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
