package pool

import (
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"go.uber.org/zap"
)

// NewMockPool builds a pool that never dials, with a fixed extranonce, for
// tests that only need pool bookkeeping.
func NewMockPool(cfg Config, handler EventHandler, sched *scheduler.Scheduler, logger *zap.Logger) *Pool {
	p := New(cfg, Options{}, handler, sched, logger)
	p.updateState(func(s *State) {
		s.Extranonce1 = "f000000f"
		s.Extranonce2Size = 4
	})
	return p
}

// MockStatus forces the health flags and fires the same events a real
// transition would.
func (p *Pool) MockStatus(active, stable bool) {
	stable = stable && active
	wasActive := p.active.Swap(active)
	wasStable := p.stable.Swap(stable)
	if p.handler == nil {
		return
	}
	if wasActive != active {
		p.handler.OnPoolStateChange(p, active)
	}
	if stable && !wasStable {
		p.handler.OnPoolStable(p)
	}
}
