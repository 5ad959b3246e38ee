// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Clock reads time.Now in UTC, truncated to the microsecond precision of a
// Postgres timestamptz so values round-trip through the store unchanged.
type Clock struct{}

var _ runner.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
