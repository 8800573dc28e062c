package hub

import (
	"net"
	"time"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/metrics"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// OnConnect refuses sockets from banned addresses and builds the worker
// connection for the others.
func (h *Hub) OnConnect(conn net.Conn, logger *zap.Logger) (gostratum.MessageHandler, bool) {
	if h.stopped.Load() {
		return nil, false
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if h.isAddressBanned(host) {
		logger.Info("refusing connection from banned address")
		return nil, false
	}
	return worker.New(h, h.sched, h.workerOptions(), logger), true
}

func (h *Hub) OnConnected(conn *gostratum.StratumConnection, handler gostratum.MessageHandler) {
	if c, ok := handler.(*worker.Connection); ok {
		c.Attach(conn)
	}
}

// OnSubscribe asks the strategy for a pool and registers c under it.
func (h *Hub) OnSubscribe(c *worker.Connection) (*pool.Pool, error) {
	p, err := h.currentStrategy().PoolForConnection(c)
	if err != nil {
		return nil, err
	}
	if !h.bind(c, p) {
		return nil, gostratum.ErrorDisconnected
	}
	return p, nil
}

func (h *Hub) OnAuthorize(c *worker.Connection, name, _ string) error {
	if h.isUserBanned(name) {
		return errors.Wrapf(ErrBanned, "user %s", name)
	}
	if h.isAddressBanned(c.RemoteAddr()) {
		return errors.Wrapf(ErrBanned, "address %s", c.RemoteAddr())
	}
	h.users.Link(name, c.Id)
	// OnDisconnect may already have unlinked c
	if c.State() == worker.StateClosed {
		h.users.Unlink(c.Id)
		return gostratum.ErrorDisconnected
	}
	return nil
}

// OnSubmit forwards share to its pool and records the outcome on the
// connection, the pool and the user. Shares refused locally or aimed at an
// inactive pool never leave the process.
func (h *Hub) OnSubmit(c *worker.Connection, share worker.Share, cb pool.SubmitCallback) {
	p := share.Pool
	poolLabel := ""
	if p != nil {
		poolLabel = p.Name
	}

	if share.LocalReject != nil {
		h.recordShare(c, nil, share, false)
		metrics.RecordShareRejected(poolLabel, share.WorkerName, share.LocalReject.Code)
		cb(false, share.LocalReject)
		return
	}
	if p == nil || !p.Active() {
		rejectErr := gostratum.ErrUnknown.WithMessage("Pool not available")
		h.recordShare(c, p, share, false)
		metrics.RecordShareRejected(poolLabel, share.WorkerName, rejectErr.Code)
		cb(false, rejectErr)
		return
	}

	err := p.Submit(share.Submission(), func(accepted bool, rejectErr *gostratum.StratumError) {
		h.recordShare(c, p, share, accepted)
		if accepted {
			metrics.RecordShareAccepted(p.Name, share.WorkerName, share.Difficulty)
			if share.BlockCandidate {
				h.blockCandidates.Inc()
				metrics.RecordBlockCandidate(p.Name, share.WorkerName)
			}
		} else {
			code := gostratum.ErrCodeUnknown
			if rejectErr != nil {
				code = rejectErr.Code
			}
			metrics.RecordShareRejected(p.Name, share.WorkerName, code)
		}
		cb(accepted, rejectErr)
	})
	if err != nil {
		h.logger.Debug("submit not forwarded", zap.String("pool", p.Name), zap.Error(err))
		h.recordShare(c, p, share, false)
		metrics.RecordShareRejected(p.Name, share.WorkerName, gostratum.ErrCodeUnknown)
		cb(false, gostratum.ErrUnknown.WithMessage("Pool not available"))
	}
}

// recordShare updates the sliding windows. p is nil for shares the pool
// never saw.
func (h *Hub) recordShare(c *worker.Connection, p *pool.Pool, share worker.Share, accepted bool) {
	s := stats.Share{Time: time.Now(), Difficulty: share.Difficulty}
	c.Shares.Record(s, accepted)
	if p != nil {
		p.Shares.Record(s, accepted)
	}
	if user, ok := h.users.Get(share.WorkerName); ok {
		user.Shares.Record(s, accepted)
	}
}

// OnDisconnect forgets c. The worker already released its tail.
func (h *Hub) OnDisconnect(c *worker.Connection) {
	prev := h.unbind(c)
	h.users.Unlink(c.Id)
	h.currentStrategy().OnConnectionClosed(c)
	if prev != nil {
		metrics.RecordDisconnect(prev.Name)
	}
}
