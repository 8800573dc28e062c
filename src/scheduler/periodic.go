package scheduler

import (
	"sync"
	"time"
)

// Periodic is a repeating task. Each run schedules the next one at a fixed
// rate from the first deadline.
type Periodic struct {
	scheduler *Scheduler
	period    time.Duration
	fn        func()

	mu        sync.Mutex
	current   *Task
	next      time.Time
	cancelled bool
}

// Every runs fn every period, the first run one period from now.
func (s *Scheduler) Every(period time.Duration, fn func()) *Periodic {
	p := &Periodic{
		scheduler: s,
		period:    period,
		fn:        fn,
		next:      time.Now().Add(period),
	}
	p.mu.Lock()
	p.current = s.ScheduleAt(p.next, p.run)
	p.mu.Unlock()
	return p
}

func (p *Periodic) run() {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.fn()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return
	}
	p.next = p.next.Add(p.period)
	if now := time.Now(); p.next.Before(now) {
		// fell behind, skip the missed runs
		p.next = now.Add(p.period)
	}
	p.current = p.scheduler.ScheduleAt(p.next, p.run)
}

// Cancel stops future runs. A run already in progress completes.
func (p *Periodic) Cancel() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	p.scheduler.Cancel(p.current)
}
