package bitnet

import "time"

// Clock supplies the current time to connections. Every timeout and retransmission is evaluated
// against it when the socket ticks, never with timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock is the clock backed by time.Now.
var SystemClock Clock = systemClock{}
