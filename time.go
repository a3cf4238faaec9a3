package tinyflux

import "time"

// timeSource is primarily here as a test facility, since it's necessary to override time.Now for testing, as
// otherwise the timestamp an unstamped insert receives is never reproducible.
type timeSource interface {
	Now() time.Time
}

type defaultClock struct{}

func (defaultClock) Now() time.Time { return time.Now().UTC() }

// clock supplies "now" for unstamped inserts. Overridden to a fixed value in tests.
var clock timeSource = defaultClock{}
