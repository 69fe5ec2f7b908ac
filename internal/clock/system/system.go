// Package system provides a real clock implementation.
package system

import "time"

// Clock implements scan.Clock using time.Now. Times are UTC and truncated
// to microseconds, the precision Postgres and sqlite keep, so a record read
// back from any store compares equal to the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
