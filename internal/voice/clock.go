package voice

import "time"

// Timer is a cancellable scheduled call.
type Timer interface {
	// Stop cancels the timer. Reports whether the call was prevented.
	Stop() bool
}

// Clock schedules the session's guard timers. Tests substitute a fake
// to drive timeouts deterministically.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }
