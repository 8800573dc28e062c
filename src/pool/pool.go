package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultStableDelay    = 30 * time.Second
	defaultSubmitTimeout  = 30 * time.Second
	defaultHashrateWindow = 10 * time.Minute
	defaultUserAgent      = "stratum-proxy/1.0"
)

// EventHandler receives everything a pool reports about itself. The hub is
// the only production implementation.
type EventHandler interface {
	OnPoolStateChange(p *Pool, up bool)
	OnPoolStable(p *Pool)
	OnPoolNotify(p *Pool, job *Job)
	OnPoolSetDifficulty(p *Pool, difficulty float64)
	OnPoolSetExtranonce(p *Pool, extranonce1 string, extranonce2Size int)
}

type Config struct {
	Name                string
	Host                string
	User                string
	Password            string
	Priority            int
	Weight              int
	Enabled             bool
	ExtranonceSubscribe bool
}

type Options struct {
	TailSize       int
	ReconnectDelay time.Duration
	StableDelay    time.Duration
	SubmitTimeout  time.Duration
	SubmitReplicas int
	HashrateWindow time.Duration
	HashesPerShare float64
	UserAgent      string
}

func (o Options) withDefaults() Options {
	if o.TailSize <= 0 {
		o.TailSize = 1
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.StableDelay < 0 {
		o.StableDelay = defaultStableDelay
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = defaultSubmitTimeout
	}
	if o.SubmitReplicas <= 0 {
		o.SubmitReplicas = 1
	}
	if o.HashrateWindow <= 0 {
		o.HashrateWindow = defaultHashrateWindow
	}
	if o.HashesPerShare <= 0 {
		o.HashesPerShare = 4294967296
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	return o
}

// State is what the pool last told us. It is replaced as a whole on every
// update, readers never see a half written State.
type State struct {
	Extranonce1     string
	Extranonce2Size int
	Difficulty      float64
	Job             *Job
}

// Pool is one upstream stratum endpoint, connected in the client role.
type Pool struct {
	Name     string
	Host     string
	User     string
	Password string

	extranonceSubscribe bool

	priority atomic.Int64
	weight   atomic.Int64
	enabled  atomic.Bool
	active   atomic.Bool
	stable   atomic.Bool
	stopped  atomic.Bool

	state     atomic.Pointer[State]
	conn      atomic.Pointer[gostratum.StratumConnection]
	allocator *ExtranonceAllocator
	Shares    *stats.ShareCounter

	opts    Options
	handler EventHandler
	sched   *scheduler.Scheduler
	logger  *zap.Logger

	taskLock      sync.Mutex
	stableTask    *scheduler.Task
	reconnectTask *scheduler.Task
	ctx           context.Context
	cancel        context.CancelFunc
}

func New(cfg Config, opts Options, handler EventHandler, sched *scheduler.Scheduler, logger *zap.Logger) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		Name:                cfg.Name,
		Host:                cfg.Host,
		User:                cfg.User,
		Password:            cfg.Password,
		extranonceSubscribe: cfg.ExtranonceSubscribe,
		allocator:           NewExtranonceAllocator(opts.TailSize),
		Shares:              stats.NewShareCounter(opts.HashrateWindow, opts.HashesPerShare),
		opts:                opts,
		handler:             handler,
		sched:               sched,
		logger:              logger.With(zap.String("component", "pool"), zap.String("pool", cfg.Name)),
	}
	p.priority.Store(int64(cfg.Priority))
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	p.weight.Store(int64(weight))
	p.enabled.Store(cfg.Enabled)
	p.state.Store(&State{Difficulty: 1})
	return p
}

func (p *Pool) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Host)
}

func (p *Pool) Priority() int     { return int(p.priority.Load()) }
func (p *Pool) Weight() int       { return int(p.weight.Load()) }
func (p *Pool) Enabled() bool     { return p.enabled.Load() }
func (p *Pool) Active() bool      { return p.active.Load() }
func (p *Pool) Stable() bool      { return p.stable.Load() }
func (p *Pool) SetPriority(v int) { p.priority.Store(int64(v)) }
func (p *Pool) SetEnabled(v bool) { p.enabled.Store(v) }

func (p *Pool) SetWeight(v int) {
	if v <= 0 {
		v = 1
	}
	p.weight.Store(int64(v))
}

// Ready reports whether the pool can take workers right now.
func (p *Pool) Ready() bool {
	return p.Enabled() && p.Active()
}

// Eligible reports whether a strategy may pick the pool.
func (p *Pool) Eligible() bool {
	return p.Ready() && p.Stable()
}

func (p *Pool) State() *State {
	return p.state.Load()
}

// TailSize is the number of extranonce bytes reserved per worker connection.
func (p *Pool) TailSize() int {
	return p.allocator.Size()
}

func (p *Pool) TailsInUse() int {
	return p.allocator.Len()
}

// AllocateTail reserves a tail for a worker and returns it with the
// extranonce2 size left for the worker.
func (p *Pool) AllocateTail() (Tail, int, error) {
	state := p.State()
	workerSize := state.Extranonce2Size - p.allocator.Size()
	if state.Extranonce1 == "" && state.Extranonce2Size == 0 {
		return Tail{}, 0, ErrPoolNotReady
	}
	if workerSize < 1 {
		return Tail{}, 0, ErrExtranonce2TooSmall
	}
	tail, err := p.allocator.Allocate()
	if err != nil {
		return Tail{}, 0, err
	}
	return tail, workerSize, nil
}

func (p *Pool) ReleaseTail(t Tail) bool {
	return p.allocator.Release(t)
}

func (p *Pool) updateState(fn func(s *State)) *State {
	for {
		old := p.state.Load()
		next := *old
		fn(&next)
		if p.state.CompareAndSwap(old, &next) {
			return &next
		}
	}
}

// Info is a point in time view of a pool for listings.
type Info struct {
	Name            string
	Host            string
	Priority        int
	Weight          int
	Enabled         bool
	Active          bool
	Stable          bool
	Extranonce1     string
	Extranonce2Size int
	Difficulty      float64
	Tails           int
	Shares          stats.CounterSnapshot
}

func (p *Pool) Info(now time.Time) Info {
	state := p.State()
	return Info{
		Name:            p.Name,
		Host:            p.Host,
		Priority:        p.Priority(),
		Weight:          p.Weight(),
		Enabled:         p.Enabled(),
		Active:          p.Active(),
		Stable:          p.Stable(),
		Extranonce1:     state.Extranonce1,
		Extranonce2Size: state.Extranonce2Size,
		Difficulty:      state.Difficulty,
		Tails:           p.allocator.Len(),
		Shares:          p.Shares.Snapshot(now),
	}
}
