package hub

import (
	"github.com/Kali123411/stratum-proxy/src/metrics"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
)

// OnPoolStateChange handles up/down transitions. Going up is only recorded;
// the pool becomes a candidate once it is stable.
func (h *Hub) OnPoolStateChange(p *pool.Pool, up bool) {
	if !h.owns(p) {
		h.closeAll(h.Connections(p))
		return
	}
	metrics.RecordPoolState(p.Name, up, p.Stable())
	if up {
		h.currentStrategy().OnPoolUp(p)
		return
	}

	h.logger.Warn("pool down, rebinding its workers", zap.String("pool", p.Name),
		zap.Int("connections", len(h.Connections(p))))
	h.currentStrategy().OnPoolDown(p)
	h.closeAll(h.Connections(p))
}

func (h *Hub) OnPoolStable(p *pool.Pool) {
	if !h.owns(p) {
		return
	}
	metrics.RecordPoolState(p.Name, p.Active(), true)
	h.currentStrategy().OnPoolStable(p)
}

func (h *Hub) OnPoolNotify(p *pool.Pool, job *pool.Job) {
	h.fanOut(p, func(c *worker.Connection) error {
		return c.SendJob(p, job)
	})
}

func (h *Hub) OnPoolSetDifficulty(p *pool.Pool, difficulty float64) {
	h.fanOut(p, func(c *worker.Connection) error {
		return c.SendDifficulty(p, difficulty)
	})
}

// OnPoolSetExtranonce pushes the new extranonce to every worker of p. A
// worker that cannot take it is closed.
func (h *Hub) OnPoolSetExtranonce(p *pool.Pool, extranonce1 string, extranonce2Size int) {
	h.fanOut(p, func(c *worker.Connection) error {
		if err := c.UpdateExtranonce(p, extranonce1, extranonce2Size); err != nil {
			h.logger.Info("worker cannot follow extranonce change, closing", zap.String("connection", c.Id),
				zap.String("pool", p.Name), zap.Error(err))
			c.Close()
		}
		return nil
	})
}

// fanOut runs send for every connection bound to p, at most FanOut at a
// time, and waits for all of them.
func (h *Hub) fanOut(p *pool.Pool, send func(c *worker.Connection) error) {
	conns := h.Connections(p)
	if len(conns) == 0 {
		return
	}
	swg := sizedwaitgroup.New(h.cfg.FanOut)
	for _, c := range conns {
		swg.Add()
		go func(c *worker.Connection) {
			defer swg.Done()
			if err := send(c); err != nil {
				h.logger.Debug("failed sending to worker", zap.String("connection", c.Id), zap.Error(err))
			}
		}(c)
	}
	swg.Wait()
}

func (h *Hub) closeAll(conns []*worker.Connection) {
	for _, c := range conns {
		c.Close()
	}
}
