package exchange

import "time"

// Clock supplies current time. All expiry comparisons in the coordinator go
// through it so tests can pin or advance time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
