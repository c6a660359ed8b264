package clock

import (
	"testing"
	"time"
)

func TestSystemMonotonicAdvances(t *testing.T) {
	c := System()
	a := c.Monotonic()
	time.Sleep(2 * time.Millisecond)
	b := c.Monotonic()
	if b <= a {
		t.Fatalf("monotonic went from %v to %v", a, b)
	}
	if c.UTC().IsZero() {
		t.Fatal("system UTC reading is zero")
	}
}

func TestMock(t *testing.T) {
	m := &Mock{}
	if m.Monotonic() != 0 {
		t.Fatalf("fresh mock at %v", m.Monotonic())
	}
	m.Set(100 * time.Millisecond)
	m.Advance(50 * time.Millisecond)
	if m.Monotonic() != 150*time.Millisecond {
		t.Fatalf("mono=%v, want 150ms", m.Monotonic())
	}
	utc := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m.SetUTC(utc)
	if !m.UTC().Equal(utc) {
		t.Fatalf("utc=%v", m.UTC())
	}
}
