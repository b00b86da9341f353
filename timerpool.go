package gocbnet

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// AcquireTimer returns a running timer which fires after d, reusing a released
// timer when one is available.
func AcquireTimer(d time.Duration) *time.Timer {
	if t, ok := timerPool.Get().(*time.Timer); ok {
		t.Reset(d)
		return t
	}
	return time.NewTimer(d)
}

// ReleaseTimer stops t and hands it back for reuse. fired must be true when the
// caller already received from t.C, any other pending tick is drained.
func ReleaseTimer(t *time.Timer, fired bool) {
	if !t.Stop() && !fired {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
