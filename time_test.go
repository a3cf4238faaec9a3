package tinyflux

import "time"

type testClock time.Time

func (t testClock) Now() time.Time { return time.Time(t).UTC() }

// Not exactly the reference time since timezones are irrelevant to timestamps once normalized to UTC.
var testTime = time.Date(2006, time.January, 2, 15, 4, 5, 0, time.UTC)

// withClock fixes clock to t for the duration of the calling test, returning a restore function.
func withClock(t time.Time) func() {
	prev := clock
	clock = testClock(t)
	return func() { clock = prev }
}
