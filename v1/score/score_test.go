package score

import (
	"testing"
	"time"
)

func TestFromTimeRoundTrip(t *testing.T) {
	now := time.UnixMicro(1_700_000_000_123_456)
	s := FromTime(now)
	if !s.Time().Equal(now) {
		t.Fatalf("expected %v got %v", now, s.Time())
	}
	if got := s.Add(time.Second); got != s+1_000_000 {
		t.Fatalf("add: got %d", got)
	}
}

func TestParse(t *testing.T) {
	cases := map[string]Score{
		"1700000000123456":      1700000000123456,
		"1.700000000123456e+15": 1700000000123456,
		"42":                    42,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %d got %d", in, want, got)
		}
	}
	if _, err := Parse("nope"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFloatIsExact(t *testing.T) {
	s := FromTime(time.Now())
	if FromFloat(s.Float()) != s {
		t.Fatalf("float conversion lost precision for %d", s)
	}
}

func TestJitteredStaysInWindow(t *testing.T) {
	g := Jittered(time.Millisecond)
	now := Score(1_000_000)
	for i := 0; i < 1000; i++ {
		s := g.Next(now, time.Second)
		if s < now.Add(time.Second) || s >= now.Add(time.Second+time.Millisecond) {
			t.Fatalf("score %d outside jitter window", s)
		}
	}
}

func TestMonotonicStrictlyIncreases(t *testing.T) {
	var m Monotonic
	prev := m.Next(10, 0)
	for i := 0; i < 100; i++ {
		s := m.Next(10, 0)
		if s <= prev {
			t.Fatalf("expected %d > %d", s, prev)
		}
		prev = s
	}
}

func TestExact(t *testing.T) {
	if got := Exact().Next(5, 2*time.Microsecond); got != 7 {
		t.Fatalf("expected 7 got %d", got)
	}
}
