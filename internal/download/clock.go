package download

import "time"

// Timer is a cancellable scheduled action
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and deferred execution
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}
