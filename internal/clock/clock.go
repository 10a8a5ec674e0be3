// Package clock maps wall time to the window identifier that scopes every
// ingestion write and every merge-stage run.
package clock

import (
	"fmt"
	"time"
)

// Window is one of the three thirds-of-day buckets a SourceItem is tagged
// with.
type Window string

const (
	AM  Window = "AM"
	PM  Window = "PM"
	EVE Window = "EVE"
)

// WindowFor buckets t by local hour: hour<14 -> AM, 14<=hour<20 -> PM,
// hour>=20 -> EVE.
func WindowFor(t time.Time) Window {
	h := t.Hour()
	switch {
	case h < 14:
		return AM
	case h < 20:
		return PM
	default:
		return EVE
	}
}

// ID formats the window identifier coupling ingestion to the merge stages:
// YYYY-MM-DD_{AM|PM|EVE}.
func ID(t time.Time) string {
	return fmt.Sprintf("%s_%s", t.Format("2006-01-02"), WindowFor(t))
}

// Clock is injected everywhere windows are computed so tests can fix wall
// time instead of depending on time.Now directly.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fixed is a test Clock that always returns the same instant.
type Fixed struct{ At time.Time }

func (f Fixed) Now() time.Time { return f.At }
