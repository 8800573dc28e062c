package stats

import (
	"sync"
	"time"
)

// Share is one submitted proof of work: when it was submitted and the
// difficulty it was worth at that time.
type Share struct {
	Time       time.Time
	Difficulty float64
}

// Window keeps the shares of the last Duration and turns them into a rate.
type Window struct {
	duration time.Duration

	mu     sync.Mutex
	shares []Share
}

func NewWindow(duration time.Duration) *Window {
	return &Window{duration: duration}
}

func (w *Window) Duration() time.Duration {
	return w.duration
}

func (w *Window) Add(share Share) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shares = append(w.shares, share)
}

// Sum is the total difficulty of the shares in [now-Duration, now]. Shares
// that fell out of the window are dropped.
func (w *Window) Sum(now time.Time) float64 {
	cutoff := now.Add(-w.duration)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.shares[:0]
	sum := 0.0
	for _, s := range w.shares {
		if s.Time.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if !s.Time.After(now) {
			sum += s.Difficulty
		}
	}
	clear(w.shares[len(kept):])
	w.shares = kept
	return sum
}

// Hashrate is Sum / window seconds * the number of hashes a difficulty 1
// share represents.
func (w *Window) Hashrate(now time.Time, hashesPerShare float64) float64 {
	if w.duration <= 0 {
		return 0
	}
	return w.Sum(now) / w.duration.Seconds() * hashesPerShare
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.shares)
}
