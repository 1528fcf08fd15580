package router

import (
	"sync"
	"time"
)

// ReplayWindow rejects message IDs seen within the window and timestamps
// outside it. The seen set is bounded; the oldest entries are evicted
// first.
type ReplayWindow struct {
	window   time.Duration
	skew     time.Duration
	maxSize  int
	now      func() time.Time
	mu       sync.Mutex
	seen     map[string]time.Time
	lastScan time.Time
}

// clockSkewTolerance is how far in the future a timestamp may be.
const clockSkewTolerance = 5 * time.Second

// NewReplayWindow creates a replay window of the given duration and
// maximum tracked message count.
func NewReplayWindow(window time.Duration, maxSize int) *ReplayWindow {
	return &ReplayWindow{
		window:  window,
		skew:    clockSkewTolerance,
		maxSize: maxSize,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// Check validates a message ID and timestamp, recording the ID when
// accepted. Reasons for rejection: timestamp expired, timestamp too far
// in the future, or duplicate ID within the window.
func (w *ReplayWindow) Check(messageID string, timestamp time.Time) error {
	now := w.now()

	if now.Sub(timestamp) > w.window {
		return errExpiredTimestamp
	}
	if timestamp.Sub(now) > w.skew {
		return errFutureTimestamp
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)

	if _, dup := w.seen[messageID]; dup {
		return errDuplicateMessage
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.seen[messageID] = timestamp
	return nil
}

// Size returns the number of tracked message IDs.
func (w *ReplayWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *ReplayWindow) pruneLocked(now time.Time) {
	// Amortize: a full scan at most once per window half.
	if now.Sub(w.lastScan) < w.window/2 && len(w.seen) < w.maxSize {
		return
	}
	w.lastScan = now
	for id, ts := range w.seen {
		if now.Sub(ts) > w.window {
			delete(w.seen, id)
		}
	}
}

func (w *ReplayWindow) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, ts := range w.seen {
		if first || ts.Before(oldest) {
			oldestID, oldest = id, ts
			first = false
		}
	}
	if oldestID != "" {
		delete(w.seen, oldestID)
	}
}
