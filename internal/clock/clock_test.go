package clock

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}

func TestWindowForBoundaries(t *testing.T) {
	cases := []struct {
		at   string
		want Window
	}{
		{"2025-11-07 00:00", AM},
		{"2025-11-07 13:59", AM},
		{"2025-11-07 14:00", PM},
		{"2025-11-07 19:59", PM},
		{"2025-11-07 20:00", EVE},
		{"2025-11-07 23:59", EVE},
	}
	for _, c := range cases {
		got := WindowFor(mustParse(t, c.at))
		if got != c.want {
			t.Errorf("WindowFor(%s) = %s, want %s", c.at, got, c.want)
		}
	}
}

func TestIDFormat(t *testing.T) {
	got := ID(mustParse(t, "2025-11-07 15:00"))
	if got != "2025-11-07_PM" {
		t.Fatalf("got %q", got)
	}
}

func TestFixedClock(t *testing.T) {
	at := mustParse(t, "2025-11-07 09:00")
	c := Fixed{At: at}
	if !c.Now().Equal(at) {
		t.Fatal("fixed clock did not return the pinned instant")
	}
}
