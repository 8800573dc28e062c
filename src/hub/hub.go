package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Kali123411/stratum-proxy/src/hashing"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"github.com/Kali123411/stratum-proxy/src/strategy"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrBanned       = errors.New("banned")
	ErrPoolExists   = errors.New("pool already exists")
	ErrPoolNotFound = errors.New("pool not found")
)

const (
	defaultFanOut            = 32
	defaultSnapshotInterval  = time.Minute
	defaultSnapshotRetention = 7 * 24 * time.Hour
)

// HashrateStore persists hashrate snapshots.
type HashrateStore interface {
	SaveSnapshots(ctx context.Context, snapshots []stats.Snapshot) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Strategy       string
	StrategyParams map[string]string

	TailSize         int
	ReconnectDelay   time.Duration
	StableDelay      time.Duration
	SubmitTimeout    time.Duration
	SubmitReplicas   int
	SubscribeTimeout time.Duration
	ValidateShares   bool
	Algorithm        *hashing.Algorithm
	HashrateWindow   time.Duration

	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration
	Store             HashrateStore

	BannedUsers     []string
	BannedAddresses []string
	FanOut          int
}

// Hub owns every pool and worker connection and keeps the bindings between
// them consistent with the active strategy.
type Hub struct {
	cfg    Config
	ctx    context.Context
	sched  *scheduler.Scheduler
	logger *zap.Logger

	poolsLock sync.RWMutex
	pools     []*pool.Pool

	connLock sync.RWMutex
	bindings map[*worker.Connection]*pool.Pool
	byPool   map[*pool.Pool]map[*worker.Connection]struct{}
	byId     map[string]*worker.Connection

	users *stats.UserRegistry

	banLock     sync.RWMutex
	bannedUsers map[string]struct{}
	bannedAddrs map[string]struct{}

	strategyLock sync.RWMutex
	strategy     strategy.Strategy

	blockCandidates atomic.Int64
	maintenance     *scheduler.Periodic
	stopped         atomic.Bool
}

// New builds the hub and its strategy. Pools are added with AddPool and
// start connecting right away, bound to ctx.
func New(ctx context.Context, cfg Config, sched *scheduler.Scheduler, logger *zap.Logger) (*Hub, error) {
	if cfg.Algorithm == nil {
		cfg.Algorithm = hashing.Sha256dAlgorithm
	}
	if cfg.HashrateWindow <= 0 {
		cfg.HashrateWindow = 10 * time.Minute
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = defaultSnapshotRetention
	}
	if cfg.Strategy == "" {
		cfg.Strategy = strategy.PriorityFailoverName
	}

	h := &Hub{
		cfg:         cfg,
		ctx:         ctx,
		sched:       sched,
		logger:      logger.With(zap.String("component", "hub")),
		bindings:    make(map[*worker.Connection]*pool.Pool),
		byPool:      make(map[*pool.Pool]map[*worker.Connection]struct{}),
		byId:        make(map[string]*worker.Connection),
		users:       stats.NewUserRegistry(cfg.HashrateWindow, cfg.Algorithm.HashesPerShare),
		bannedUsers: make(map[string]struct{}),
		bannedAddrs: make(map[string]struct{}),
	}
	for _, u := range cfg.BannedUsers {
		h.bannedUsers[u] = struct{}{}
	}
	for _, a := range cfg.BannedAddresses {
		h.bannedAddrs[a] = struct{}{}
	}

	s, err := strategy.New(cfg.Strategy, h, cfg.StrategyParams, logger)
	if err != nil {
		return nil, err
	}
	h.strategy = s
	s.Start()

	h.maintenance = sched.Every(cfg.SnapshotInterval, h.runMaintenance)
	return h, nil
}

func (h *Hub) poolOptions() pool.Options {
	return pool.Options{
		TailSize:       h.cfg.TailSize,
		ReconnectDelay: h.cfg.ReconnectDelay,
		StableDelay:    h.cfg.StableDelay,
		SubmitTimeout:  h.cfg.SubmitTimeout,
		SubmitReplicas: h.cfg.SubmitReplicas,
		HashrateWindow: h.cfg.HashrateWindow,
		HashesPerShare: h.cfg.Algorithm.HashesPerShare,
	}
}

func (h *Hub) workerOptions() worker.Options {
	return worker.Options{
		SubscribeTimeout: h.cfg.SubscribeTimeout,
		ValidateShares:   h.cfg.ValidateShares,
		Algorithm:        h.cfg.Algorithm,
		HashrateWindow:   h.cfg.HashrateWindow,
	}
}

func (h *Hub) currentStrategy() strategy.Strategy {
	h.strategyLock.RLock()
	defer h.strategyLock.RUnlock()
	return h.strategy
}

// Ready reports whether at least one pool can take workers.
func (h *Hub) Ready() bool {
	for _, p := range h.Pools() {
		if p.Ready() {
			return true
		}
	}
	return false
}

func (h *Hub) BlockCandidates() int64 {
	return h.blockCandidates.Load()
}

// Stop closes every connection, stops pools and strategy and writes a last
// snapshot.
func (h *Hub) Stop(ctx context.Context) error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	h.maintenance.Cancel()
	h.currentStrategy().Stop()

	for _, c := range h.AllConnections() {
		c.Close()
	}
	for _, p := range h.Pools() {
		p.Stop()
	}

	var err error
	if h.cfg.Store != nil {
		err = multierr.Append(err, h.cfg.Store.SaveSnapshots(ctx, h.Snapshots(time.Now())))
	}
	return err
}

// strategy.Manager

func (h *Hub) Pools() []*pool.Pool {
	h.poolsLock.RLock()
	defer h.poolsLock.RUnlock()
	return append([]*pool.Pool(nil), h.pools...)
}

func (h *Hub) Connections(p *pool.Pool) []*worker.Connection {
	h.connLock.RLock()
	conns := make([]*worker.Connection, 0, len(h.byPool[p]))
	for c := range h.byPool[p] {
		conns = append(conns, c)
	}
	h.connLock.RUnlock()
	sortConnections(conns)
	return conns
}

func (h *Hub) AllConnections() []*worker.Connection {
	h.connLock.RLock()
	conns := make([]*worker.Connection, 0, len(h.bindings))
	for c := range h.bindings {
		conns = append(conns, c)
	}
	h.connLock.RUnlock()
	sortConnections(conns)
	return conns
}

func (h *Hub) PoolOf(c *worker.Connection) *pool.Pool {
	h.connLock.RLock()
	defer h.connLock.RUnlock()
	return h.bindings[c]
}

func (h *Hub) Scheduler() *scheduler.Scheduler {
	return h.sched
}

func (h *Hub) CloseConnection(c *worker.Connection) {
	c.Close()
}

// SwitchConnection moves c to p. The binding is recorded before the miner
// is told so a job fanned out meanwhile is not lost; on failure c is closed.
func (h *Hub) SwitchConnection(c *worker.Connection, p *pool.Pool) error {
	from := h.PoolOf(c)
	if from == p {
		return nil
	}
	if !h.bind(c, p) {
		return worker.ErrChangeNotSupported
	}
	if err := c.RebindToPool(p); err != nil {
		h.logger.Info("connection cannot change pool, closing", zap.String("connection", c.Id),
			zap.String("to", p.Name), zap.Error(err))
		c.Close()
		return err
	}
	recordPoolSwitch(from, p)
	return nil
}

// bind records c under p, removing it from its previous pool first. It
// refuses connections that are already gone.
func (h *Hub) bind(c *worker.Connection, p *pool.Pool) bool {
	if c.State() == worker.StateClosed {
		return false
	}
	h.connLock.Lock()
	if prev, ok := h.bindings[c]; ok {
		delete(h.byPool[prev], c)
	}
	h.bindings[c] = p
	if h.byPool[p] == nil {
		h.byPool[p] = make(map[*worker.Connection]struct{})
	}
	h.byPool[p][c] = struct{}{}
	h.byId[c.Id] = c
	h.connLock.Unlock()
	h.refreshGauges()
	return true
}

func (h *Hub) unbind(c *worker.Connection) *pool.Pool {
	h.connLock.Lock()
	prev, ok := h.bindings[c]
	if ok {
		delete(h.byPool[prev], c)
		delete(h.bindings, c)
	}
	delete(h.byId, c.Id)
	h.connLock.Unlock()
	h.refreshGauges()
	return prev
}

func sortConnections(conns []*worker.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].Id < conns[j].Id
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
}
