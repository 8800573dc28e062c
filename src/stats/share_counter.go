package stats

import (
	"time"

	"go.uber.org/atomic"
)

// ShareCounter accumulates accepted and rejected shares of one entity
// (connection, pool or user).
type ShareCounter struct {
	hashesPerShare float64

	accepted *Window
	rejected *Window

	AcceptedCount      atomic.Int64
	RejectedCount      atomic.Int64
	AcceptedDifficulty atomic.Float64
	lastShare          atomic.Time
	startTime          time.Time
}

type CounterSnapshot struct {
	Accepted         int64
	Rejected         int64
	AcceptedHashrate float64
	RejectedHashrate float64
	LastShare        time.Time
	StartTime        time.Time
}

func NewShareCounter(window time.Duration, hashesPerShare float64) *ShareCounter {
	return &ShareCounter{
		hashesPerShare: hashesPerShare,
		accepted:       NewWindow(window),
		rejected:       NewWindow(window),
		startTime:      time.Now(),
	}
}

func (c *ShareCounter) Record(share Share, accepted bool) {
	c.lastShare.Store(share.Time)
	if accepted {
		c.AcceptedCount.Inc()
		c.AcceptedDifficulty.Add(share.Difficulty)
		c.accepted.Add(share)
		return
	}
	c.RejectedCount.Inc()
	c.rejected.Add(share)
}

func (c *ShareCounter) AcceptedHashrate(now time.Time) float64 {
	return c.accepted.Hashrate(now, c.hashesPerShare)
}

func (c *ShareCounter) RejectedHashrate(now time.Time) float64 {
	return c.rejected.Hashrate(now, c.hashesPerShare)
}

func (c *ShareCounter) LastShare() time.Time {
	return c.lastShare.Load()
}

func (c *ShareCounter) Snapshot(now time.Time) CounterSnapshot {
	return CounterSnapshot{
		Accepted:         c.AcceptedCount.Load(),
		Rejected:         c.RejectedCount.Load(),
		AcceptedHashrate: c.AcceptedHashrate(now),
		RejectedHashrate: c.RejectedHashrate(now),
		LastShare:        c.LastShare(),
		StartTime:        c.startTime,
	}
}
