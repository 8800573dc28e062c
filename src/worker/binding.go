package worker

import (
	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// subscribedTo reports whether c is live and bound to p. Callers hold
// sendLock.
func (c *Connection) subscribedTo(p *pool.Pool) bool {
	state := c.State()
	if state != StateSubscribed && state != StateAuthorized {
		return false
	}
	return c.Pool() == p
}

// SendDifficulty forwards a difficulty change of p. It is a no-op when c is
// not bound to p anymore.
func (c *Connection) SendDifficulty(p *pool.Pool, diff float64) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if !c.subscribedTo(p) {
		return nil
	}
	return c.sendDifficulty(diff)
}

// SendJob forwards a job of p, see SendDifficulty.
func (c *Connection) SendJob(p *pool.Pool, job *pool.Job) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if !c.subscribedTo(p) {
		return nil
	}
	return c.sendJob(job, job.CleanJobs)
}

// RebindToPool moves c to next: a tail is taken on next, the old one is
// released and the miner gets the new extranonce, difficulty and a clean
// job. ErrChangeNotSupported is returned when the miner never sent
// mining.extranonce.subscribe; on any error c is left untouched and the
// caller decides whether to close it.
func (c *Connection) RebindToPool(next *pool.Pool) error {
	if !c.SupportsExtranonceChange() {
		return ErrChangeNotSupported
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	state := c.State()
	if state != StateSubscribed && state != StateAuthorized {
		return errors.Errorf("cannot rebind connection in state %s", state)
	}
	c.mu.Lock()
	current := c.pool
	c.mu.Unlock()
	if current == next {
		return nil
	}

	tail, en2Size, err := next.AllocateTail()
	if err != nil {
		return errors.Wrapf(err, "allocating tail on %s", next.Name)
	}

	c.mu.Lock()
	if c.hasTail && c.pool != nil {
		c.pool.ReleaseTail(c.tail)
	}
	c.pool, c.tail, c.hasTail, c.extranonce2Size = next, tail, true, en2Size
	c.mu.Unlock()
	c.jobs.Reset()

	nextState := next.State()
	if err := c.sendExtranonce(nextState.Extranonce1+tail.Hex, en2Size); err != nil {
		return err
	}
	c.logger.Info("worker moved to another pool", zap.String("from", poolName(current)), zap.String("to", next.Name))
	return c.sendInitial(nextState, true)
}

// UpdateExtranonce pushes a new pool extranonce1 / extranonce2 size to the
// miner, keeping its tail.
func (c *Connection) UpdateExtranonce(p *pool.Pool, extranonce1 string, extranonce2Size int) error {
	if !c.SupportsExtranonceChange() {
		return ErrChangeNotSupported
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if !c.subscribedTo(p) {
		return nil
	}

	c.mu.Lock()
	tail := c.tail
	workerSize := extranonce2Size - len(tail.Hex)/2
	if workerSize < 1 {
		c.mu.Unlock()
		return pool.ErrExtranonce2TooSmall
	}
	c.extranonce2Size = workerSize
	c.mu.Unlock()
	c.jobs.Reset()

	return c.sendExtranonce(extranonce1+tail.Hex, workerSize)
}

func (c *Connection) sendExtranonce(extranonce1 string, extranonce2Size int) error {
	return c.conn.Send(gostratum.NewNotification(gostratum.StratumMethodSetExtranonce, []any{extranonce1, extranonce2Size}))
}

func poolName(p *pool.Pool) string {
	if p == nil {
		return ""
	}
	return p.Name
}
