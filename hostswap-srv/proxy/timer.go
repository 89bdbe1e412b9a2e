package proxy

import (
	"sync/atomic"
	"time"
)

// attemptTimer runs onFire once the timeout elapses without a Reset. It guards
// the wait for upstream headers and afterwards every wait for the next body chunk.
type attemptTimer struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func startAttemptTimer(timeout time.Duration, onFire func()) *attemptTimer {
	t := &attemptTimer{timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		t.fired.Store(true)
		onFire()
	})
	return t
}

// Reset rearms the timer. It returns false if the timer already fired.
func (t *attemptTimer) Reset() bool {
	if t.fired.Load() {
		return false
	}
	t.timer.Reset(t.timeout)
	return true
}

// Stop disarms the timer.
func (t *attemptTimer) Stop() {
	t.timer.Stop()
}

// Fired reports whether the timeout elapsed.
func (t *attemptTimer) Fired() bool {
	return t.fired.Load()
}
