package pool

import (
	"sync"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Submission is a share already translated for the upstream: Extranonce2
// carries the worker tail as prefix.
type Submission struct {
	JobId       string
	Extranonce2 string
	NTime       string
	Nonce       string
	Difficulty  float64
}

// SubmitCallback receives the outcome of a share. rejectErr is nil for an
// accepted share.
type SubmitCallback func(accepted bool, rejectErr *gostratum.StratumError)

var (
	errSubmitTimeout      = gostratum.ErrUnknown.WithMessage("Upstream did not answer")
	errSubmitDisconnected = gostratum.ErrUnknown.WithMessage("Upstream disconnected")
)

type replica struct {
	mu   sync.Mutex
	task *scheduler.Task
	done bool
}

// Submit forwards sub under the pool's own credentials, replicated
// SubmitReplicas times. cb is invoked exactly once, with the first outcome;
// later replica outcomes are only logged. An error means nothing was sent
// and cb will not be called.
func (p *Pool) Submit(sub Submission, cb SubmitCallback) error {
	conn := p.conn.Load()
	if conn == nil || !p.Active() {
		return ErrPoolNotReady
	}

	var once sync.Once
	deliver := func(accepted bool, rejectErr *gostratum.StratumError) {
		once.Do(func() { cb(accepted, rejectErr) })
	}

	params := []any{p.User, sub.JobId, sub.Extranonce2, sub.NTime, sub.Nonce}
	sent := 0
	var lastErr error
	for i := 0; i < p.opts.SubmitReplicas; i++ {
		r := &replica{}
		n := i
		id, err := conn.Request(gostratum.NewEvent(nil, gostratum.StratumMethodSubmit, params), func(resp gostratum.JsonRpcResponse, err error) {
			r.mu.Lock()
			r.done = true
			task := r.task
			r.mu.Unlock()
			p.sched.Cancel(task)

			accepted, rejectErr := submitOutcome(resp, err)
			if n > 0 {
				p.logger.Debug("submit replica outcome", zap.Int("replica", n), zap.Bool("accepted", accepted))
			}
			deliver(accepted, rejectErr)
		})
		if err != nil {
			lastErr = err
			continue
		}
		sent++

		r.mu.Lock()
		if !r.done {
			r.task = p.sched.Schedule(p.opts.SubmitTimeout, func() { conn.ExpireRequest(id) })
		}
		r.mu.Unlock()
	}
	if sent == 0 {
		return lastErr
	}
	return nil
}

func submitOutcome(resp gostratum.JsonRpcResponse, err error) (bool, *gostratum.StratumError) {
	switch {
	case errors.Is(err, gostratum.ErrorRequestTimeout):
		return false, errSubmitTimeout
	case err != nil:
		return false, errSubmitDisconnected
	case resp.Error != nil:
		return false, resp.Error
	}
	if ok, _ := resp.Result.(bool); ok {
		return true, nil
	}
	return false, gostratum.ErrUnknown
}
