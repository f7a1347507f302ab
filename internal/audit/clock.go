package audit

import "time"

// Clock supplies the wall time used for audit timestamps.
//
// The hook never calls time.Now directly so tests can freeze or step time
// (see internal/testutil).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC, truncated to microseconds.
//
// Microsecond precision is the finest resolution MySQL and PostgreSQL keep for
// timestamp columns; truncating here makes a reloaded entity compare equal to
// the instance that was flushed.
type SystemClock struct{}

// Now returns the current UTC time truncated to microseconds.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
