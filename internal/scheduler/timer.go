package scheduler

import (
	"sync"
	"time"
)

// Timer is a single-shot wall-clock wake-up. Arm replaces any pending
// callback; a callback may still run after Cancel if it was already firing.
type Timer interface {
	Arm(d time.Duration, fn func())
	Cancel()
}

// WallTimer implements Timer with time.AfterFunc.
type WallTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// NewWallTimer creates an idle timer.
func NewWallTimer() *WallTimer {
	return &WallTimer{}
}

// Arm cancels the pending callback and schedules fn after d.
func (w *WallTimer) Arm(d time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t != nil {
		w.t.Stop()
	}
	w.t = time.AfterFunc(d, fn)
}

// Cancel stops the pending callback, if any.
func (w *WallTimer) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t != nil {
		w.t.Stop()
		w.t = nil
	}
}
