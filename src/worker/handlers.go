package worker

import (
	"time"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/hashing"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (c *Connection) HandleRequest(conn *gostratum.StratumConnection, event gostratum.JsonRpcEvent) error {
	switch event.Method {
	case gostratum.StratumMethodSubscribe:
		return c.onSubscribe(event)
	case gostratum.StratumMethodExtranonceSubscribe:
		c.extranonceSubscribed.Store(true)
		return conn.ReplyResult(event.Id, true)
	case gostratum.StratumMethodAuthorize:
		return c.onAuthorize(event)
	case gostratum.StratumMethodSubmit:
		return c.onSubmit(event)
	}
	c.logger.Debug("unsupported method", zap.String("method", string(event.Method)))
	return conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Method not found"))
}

// Miners never send notifications we care about.
func (c *Connection) HandleNotification(_ *gostratum.StratumConnection, event gostratum.JsonRpcEvent) error {
	c.logger.Debug("ignoring notification from worker", zap.String("method", string(event.Method)))
	return nil
}

func (c *Connection) OnDisconnect(_ *gostratum.StratumConnection) {
	c.closed()
}

func (c *Connection) onSubscribe(event gostratum.JsonRpcEvent) error {
	if c.State() != StateConnected {
		return c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Already subscribed"))
	}
	c.sched.Cancel(c.subscribeTimer)

	p, err := c.router.OnSubscribe(c)
	if err != nil {
		c.logger.Warn("no pool for worker", zap.Error(err))
		c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage(err.Error()))
		c.Close()
		return nil
	}
	tail, en2Size, err := p.AllocateTail()
	if err != nil {
		c.logger.Warn("failed allocating extranonce tail", zap.String("pool", p.Name), zap.Error(err))
		c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage(err.Error()))
		c.Close()
		return nil
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		p.ReleaseTail(tail)
		return nil
	}
	c.pool, c.tail, c.hasTail, c.extranonce2Size = p, tail, true, en2Size
	c.mu.Unlock()

	state := p.State()
	result := []any{
		[]any{
			[]any{string(gostratum.StratumMethodSetDifficulty), c.Id},
			[]any{string(gostratum.StratumMethodNotify), c.Id},
		},
		state.Extranonce1 + tail.Hex,
		en2Size,
	}
	if err := c.conn.ReplyResult(event.Id, result); err != nil {
		return err
	}
	c.state.CompareAndSwap(int32(StateConnected), int32(StateSubscribed))
	c.logger.Info("worker subscribed", zap.String("pool", p.Name), zap.String("tail", tail.Hex))
	return c.sendInitial(state, true)
}

// sendInitial pushes difficulty then the current job. Callers hold sendLock.
func (c *Connection) sendInitial(state *pool.State, clean bool) error {
	if err := c.sendDifficulty(state.Difficulty); err != nil {
		return err
	}
	if state.Job == nil {
		return nil
	}
	return c.sendJob(state.Job, clean)
}

func (c *Connection) sendDifficulty(diff float64) error {
	c.difficulty.Store(diff)
	return c.conn.Send(gostratum.NewNotification(gostratum.StratumMethodSetDifficulty, []any{diff}))
}

func (c *Connection) sendJob(job *pool.Job, clean bool) error {
	c.jobs.Add(job)
	return c.conn.Send(gostratum.NewNotification(gostratum.StratumMethodNotify, job.NotifyParams(clean)))
}

func (c *Connection) onAuthorize(event gostratum.JsonRpcEvent) error {
	if len(event.Params) < 1 {
		return c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Malformed authorize"))
	}
	name, ok := event.Params[0].(string)
	if !ok || name == "" {
		return c.conn.ReplyError(event.Id, gostratum.ErrUnauthorizedWorker)
	}
	password := ""
	if len(event.Params) > 1 {
		password, _ = event.Params[1].(string)
	}

	if err := c.router.OnAuthorize(c, name, password); err != nil {
		c.logger.Info("authorization refused", zap.String("worker", name), zap.Error(err))
		return c.conn.ReplyError(event.Id, gostratum.ErrUnauthorizedWorker)
	}

	c.mu.Lock()
	c.names[name] = struct{}{}
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateSubscribed), int32(StateAuthorized))
	c.logger.Info("worker authorized", zap.String("worker", name))
	return c.conn.ReplyResult(event.Id, true)
}

func (c *Connection) onSubmit(event gostratum.JsonRpcEvent) error {
	if len(event.Params) < 5 {
		return c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Malformed submit"))
	}
	fields := make([]string, 5)
	for i := range fields {
		s, ok := event.Params[i].(string)
		if !ok {
			return c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Malformed submit"))
		}
		fields[i] = s
	}
	name, jobId, en2, ntime, nonce := fields[0], fields[1], fields[2], fields[3], fields[4]

	state := c.State()
	if state == StateConnected || state == StateClosed {
		return c.conn.ReplyError(event.Id, gostratum.ErrNotSubscribed)
	}
	if !c.isAuthorized(name) {
		return c.conn.ReplyError(event.Id, gostratum.ErrUnauthorizedWorker)
	}

	c.mu.Lock()
	p, tail, en2Size := c.pool, c.tail, c.extranonce2Size
	c.mu.Unlock()
	if len(en2) != en2Size*2 {
		return c.conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Incorrect size of extranonce2"))
	}

	share := Share{
		WorkerName:  name,
		JobId:       jobId,
		Extranonce2: tail.Hex + en2,
		NTime:       ntime,
		Nonce:       nonce,
		Difficulty:  c.Difficulty(),
		Pool:        p,
	}
	if c.opts.ValidateShares {
		c.validate(&share, p, tail)
	}

	id := event.Id
	submittedAt := time.Now()
	c.router.OnSubmit(c, share, func(accepted bool, rejectErr *gostratum.StratumError) {
		c.logger.Debug("share outcome", zap.String("worker", name), zap.Bool("accepted", accepted),
			zap.Duration("latency", time.Since(submittedAt)))
		if accepted {
			c.conn.ReplyResult(id, true)
			return
		}
		if rejectErr == nil {
			rejectErr = gostratum.ErrUnknown
		}
		c.conn.ReplyError(id, rejectErr)
	})
	return nil
}

// validate hashes the share locally and marks it rejected when it cannot
// be valid upstream.
func (c *Connection) validate(share *Share, p *pool.Pool, tail pool.Tail) {
	job, ok := c.jobs.Get(share.JobId)
	if !ok {
		share.LocalReject = gostratum.ErrJobNotFound
		return
	}
	check, err := c.opts.Algorithm.CheckShare(job.Work(), hashing.Submission{
		Extranonce1: p.State().Extranonce1 + tail.Hex,
		Extranonce2: share.Extranonce2[len(tail.Hex):],
		NTime:       share.NTime,
		Nonce:       share.Nonce,
	}, share.Difficulty)
	if err != nil {
		c.logger.Debug("share failed local validation", zap.Error(err))
		share.LocalReject = gostratum.ErrUnknown.WithMessage(errors.Cause(err).Error())
		return
	}
	if !check.MeetsTarget {
		share.LocalReject = gostratum.ErrLowDifficultyShare
		return
	}
	if check.BlockCandidate {
		share.BlockCandidate = true
		c.logger.Info("block candidate found", zap.String("worker", share.WorkerName), zap.String("job", share.JobId))
	}
}
