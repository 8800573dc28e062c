package pool

import (
	"context"
	"strconv"
	"time"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 15 * time.Second
	// many pools never answer mining.extranonce.subscribe
	extranonceSubscribeTimeout = 2 * time.Second
)

var (
	ErrPoolNotReady = errors.New("pool not ready")
	ErrPoolStopped  = errors.New("pool stopped")
)

// Start connects to the upstream in the background and keeps reconnecting
// until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	p.taskLock.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.taskLock.Unlock()
	go p.connect()
}

// Stop drops the upstream connection and every pending timer.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.taskLock.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.sched.Cancel(p.reconnectTask)
	p.sched.Cancel(p.stableTask)
	p.reconnectTask, p.stableTask = nil, nil
	p.taskLock.Unlock()

	if conn := p.conn.Load(); conn != nil {
		conn.Disconnect()
	}
}

func (p *Pool) connect() {
	if p.stopped.Load() {
		return
	}
	p.taskLock.Lock()
	ctx := p.ctx
	p.taskLock.Unlock()

	p.logger.Info("connecting to pool", zap.String("host", p.Host))
	conn, err := gostratum.Dial(ctx, p.Host, p, p.logger)
	if err != nil {
		p.logger.Warn("failed connecting to pool", zap.Error(err))
		p.scheduleReconnect()
		return
	}
	p.conn.Store(conn)
	go conn.Serve(ctx)

	if err := p.handshake(conn); err != nil {
		p.logger.Warn("pool handshake failed", zap.Error(err))
		conn.Disconnect()
		return
	}
	p.setUp()
}

func (p *Pool) handshake(conn *gostratum.StratumConnection) error {
	resp, err := p.call(conn, gostratum.StratumMethodSubscribe, []any{p.opts.UserAgent}, handshakeTimeout)
	if err != nil {
		return errors.Wrap(err, "mining.subscribe")
	}
	en1, en2Size, err := parseSubscribeResult(resp.Result)
	if err != nil {
		return err
	}
	p.updateState(func(s *State) {
		s.Extranonce1 = en1
		s.Extranonce2Size = en2Size
		s.Job = nil
	})
	if en2Size-p.allocator.Size() < 1 {
		return errors.Wrapf(ErrExtranonce2TooSmall, "extranonce2 size %d", en2Size)
	}

	if p.extranonceSubscribe {
		if _, err := p.call(conn, gostratum.StratumMethodExtranonceSubscribe, []any{}, extranonceSubscribeTimeout); err != nil {
			p.logger.Info("pool refused mining.extranonce.subscribe", zap.Error(err))
		}
	}

	resp, err = p.call(conn, gostratum.StratumMethodAuthorize, []any{p.User, p.Password}, handshakeTimeout)
	if err != nil {
		return errors.Wrap(err, "mining.authorize")
	}
	if ok, _ := resp.Result.(bool); !ok {
		return errors.Errorf("pool rejected credentials for %s", p.User)
	}
	return nil
}

// call sends one request and waits up to timeout for its response. It must
// not run on the connection's read loop.
func (p *Pool) call(conn *gostratum.StratumConnection, method gostratum.StratumMethod, params []any, timeout time.Duration) (gostratum.JsonRpcResponse, error) {
	type result struct {
		resp gostratum.JsonRpcResponse
		err  error
	}
	done := make(chan result, 1)
	id, err := conn.Request(gostratum.NewEvent(nil, method, params), func(resp gostratum.JsonRpcResponse, err error) {
		done <- result{resp, err}
	})
	if err != nil {
		return gostratum.JsonRpcResponse{}, err
	}
	timer := time.AfterFunc(timeout, func() { conn.ExpireRequest(id) })
	defer timer.Stop()

	r := <-done
	if r.err != nil {
		return r.resp, r.err
	}
	if r.resp.Error != nil {
		return r.resp, r.resp.Error
	}
	return r.resp, nil
}

func parseSubscribeResult(result any) (string, int, error) {
	fields, ok := result.([]any)
	if !ok || len(fields) < 3 {
		return "", 0, errors.Errorf("malformed mining.subscribe result: %v", result)
	}
	en1, ok := fields[1].(string)
	if !ok {
		return "", 0, errors.Errorf("malformed extranonce1: %v", fields[1])
	}
	size, err := toInt(fields[2])
	if err != nil {
		return "", 0, errors.Wrap(err, "malformed extranonce2 size")
	}
	return en1, size, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, errors.Errorf("unexpected number %T", v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, errors.Errorf("unexpected number %T", v)
}

func (p *Pool) setUp() {
	if p.stopped.Load() || !p.active.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("pool is up")
	p.handler.OnPoolStateChange(p, true)

	p.taskLock.Lock()
	p.sched.Cancel(p.stableTask)
	p.stableTask = p.sched.Schedule(p.opts.StableDelay, p.markStable)
	p.taskLock.Unlock()
}

func (p *Pool) markStable() {
	if !p.Active() || !p.stable.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("pool is stable")
	p.handler.OnPoolStable(p)
}

func (p *Pool) setDown() {
	p.taskLock.Lock()
	p.sched.Cancel(p.stableTask)
	p.stableTask = nil
	p.taskLock.Unlock()

	p.stable.Store(false)
	if !p.active.CompareAndSwap(true, false) {
		return
	}
	p.logger.Warn("pool is down")
	p.handler.OnPoolStateChange(p, false)
}

func (p *Pool) scheduleReconnect() {
	if p.stopped.Load() {
		return
	}
	p.taskLock.Lock()
	defer p.taskLock.Unlock()
	p.sched.Cancel(p.reconnectTask)
	// connect blocks on dial and handshake, keep it off the scheduler workers
	p.reconnectTask = p.sched.Schedule(p.opts.ReconnectDelay, func() { go p.connect() })
}

func (p *Pool) HandleRequest(conn *gostratum.StratumConnection, event gostratum.JsonRpcEvent) error {
	p.logger.Debug("unsupported request from pool", zap.String("method", string(event.Method)))
	return conn.ReplyError(event.Id, gostratum.ErrUnknown.WithMessage("Method not supported"))
}

func (p *Pool) HandleNotification(_ *gostratum.StratumConnection, event gostratum.JsonRpcEvent) error {
	switch event.Method {
	case gostratum.StratumMethodNotify:
		job, err := ParseJob(event.Params)
		if err != nil {
			return err
		}
		p.updateState(func(s *State) { s.Job = job })
		p.handler.OnPoolNotify(p, job)
	case gostratum.StratumMethodSetDifficulty:
		if len(event.Params) < 1 {
			return errors.New("mining.set_difficulty without params")
		}
		diff, err := toFloat(event.Params[0])
		if err != nil {
			return err
		}
		if diff <= 0 {
			return errors.Errorf("invalid difficulty %v", diff)
		}
		p.updateState(func(s *State) { s.Difficulty = diff })
		p.handler.OnPoolSetDifficulty(p, diff)
	case gostratum.StratumMethodSetExtranonce:
		if len(event.Params) < 2 {
			return errors.New("mining.set_extranonce needs 2 params")
		}
		en1, ok := event.Params[0].(string)
		if !ok {
			return errors.Errorf("invalid extranonce1 %v", event.Params[0])
		}
		size, err := toInt(event.Params[1])
		if err != nil {
			return err
		}
		p.updateState(func(s *State) {
			s.Extranonce1 = en1
			s.Extranonce2Size = size
		})
		p.logger.Info("pool changed extranonce", zap.String("extranonce1", en1), zap.Int("extranonce2_size", size))
		p.handler.OnPoolSetExtranonce(p, en1, size)
	case gostratum.StratumMethodReconnect:
		p.logger.Info("pool asked for reconnect", zap.Any("params", event.Params))
	case gostratum.StratumMethodShowMessage:
		p.logger.Info("message from pool", zap.Any("params", event.Params))
	}
	return nil
}

func (p *Pool) OnDisconnect(conn *gostratum.StratumConnection) {
	if !p.conn.CompareAndSwap(conn, nil) {
		return
	}
	p.setDown()
	p.scheduleReconnect()
}
