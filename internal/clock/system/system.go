// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements pipeline.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the
// precision every storage backend round-trips.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
