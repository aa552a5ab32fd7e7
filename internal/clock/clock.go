// Package clock abstracts time for components with timer-driven behavior
// (reconnection grace periods, room deletion delays, periodic sampling) so
// tests can drive them deterministically.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// AfterFunc schedules f to run after d and returns a cancellable handle.
	// Callers that cancel must still tolerate f running concurrently with
	// Stop; f is expected to re-validate state before acting.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired
	// or was already stopped.
	Stop() bool
}

// Real is the wall-clock implementation used in production.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }
