package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/hashing"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultSubscribeTimeout = 10 * time.Second

var ErrChangeNotSupported = errors.New("extranonce change not supported by worker")

type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	SubscribeTimeout time.Duration
	ValidateShares   bool
	Algorithm        *hashing.Algorithm
	HashrateWindow   time.Duration
}

// Connection is one downstream miner. It is bound to exactly one pool from
// a successful subscribe until it closes.
type Connection struct {
	Id          string
	ConnectedAt time.Time
	Shares      *stats.ShareCounter

	conn   *gostratum.StratumConnection
	router Router
	sched  *scheduler.Scheduler
	opts   Options
	logger *zap.Logger

	state                atomic.Int32
	extranonceSubscribed atomic.Bool
	difficulty           atomic.Float64
	subscribeTimer       *scheduler.Task

	// sendLock keeps the notifications of one binding in order.
	sendLock sync.Mutex

	mu              sync.Mutex
	pool            *pool.Pool
	tail            pool.Tail
	hasTail         bool
	extranonce2Size int
	names           map[string]struct{}

	jobs      *JobRing
	closeOnce sync.Once
}

func New(router Router, sched *scheduler.Scheduler, opts Options, logger *zap.Logger) *Connection {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.Algorithm == nil {
		opts.Algorithm = hashing.Sha256dAlgorithm
	}
	if opts.HashrateWindow <= 0 {
		opts.HashrateWindow = 10 * time.Minute
	}
	return &Connection{
		ConnectedAt: time.Now(),
		Shares:      stats.NewShareCounter(opts.HashrateWindow, opts.Algorithm.HashesPerShare),
		router:      router,
		sched:       sched,
		opts:        opts,
		logger:      logger,
		names:       make(map[string]struct{}),
		jobs:        NewJobRing(),
	}
}

// Attach binds the socket and arms the subscribe timer. Call it before the
// read loop starts.
func (c *Connection) Attach(conn *gostratum.StratumConnection) {
	c.conn = conn
	c.Id = conn.Id
	c.logger = conn.Logger
	c.subscribeTimer = c.sched.Schedule(c.opts.SubscribeTimeout, func() {
		if c.State() == StateConnected {
			c.logger.Info("no subscribe before timeout, closing", zap.Duration("timeout", c.opts.SubscribeTimeout))
			c.Close()
		}
	})
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr
}

func (c *Connection) String() string {
	if c.conn == nil {
		return c.Id
	}
	return c.conn.String()
}

// Pool is the pool the connection is bound to, nil before subscribe.
func (c *Connection) Pool() *pool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

func (c *Connection) Tail() (pool.Tail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail, c.hasTail
}

func (c *Connection) Difficulty() float64 {
	return c.difficulty.Load()
}

func (c *Connection) SupportsExtranonceChange() bool {
	return c.extranonceSubscribed.Load()
}

// Names lists the worker names authorized on this connection.
func (c *Connection) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.names))
	for n := range c.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Connection) isAuthorized(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.names[name]
	return ok
}

// Close tears the connection down. Safe to call any number of times.
func (c *Connection) Close() {
	if c.conn != nil {
		c.conn.Disconnect()
		return
	}
	c.closed()
}

func (c *Connection) closed() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.sched.Cancel(c.subscribeTimer)
		c.releaseTail()
		c.router.OnDisconnect(c)
	})
}

func (c *Connection) releaseTail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasTail && c.pool != nil {
		c.pool.ReleaseTail(c.tail)
	}
	c.hasTail = false
}

// Info is a point in time view of a worker connection for listings.
type Info struct {
	Id          string
	RemoteAddr  string
	Pool        string
	Names       []string
	Tail        string
	State       State
	Difficulty  float64
	ConnectedAt time.Time
	Shares      stats.CounterSnapshot
}

func (c *Connection) Info(now time.Time) Info {
	info := Info{
		Id:          c.Id,
		RemoteAddr:  c.RemoteAddr(),
		Names:       c.Names(),
		State:       c.State(),
		Difficulty:  c.Difficulty(),
		ConnectedAt: c.ConnectedAt,
		Shares:      c.Shares.Snapshot(now),
	}
	c.mu.Lock()
	if c.pool != nil {
		info.Pool = c.pool.Name
	}
	if c.hasTail {
		info.Tail = c.tail.Hex
	}
	c.mu.Unlock()
	return info
}
