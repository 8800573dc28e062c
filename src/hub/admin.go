package hub

import (
	"sort"
	"time"

	"github.com/Kali123411/stratum-proxy/src/metrics"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"github.com/Kali123411/stratum-proxy/src/strategy"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AddPool registers a new upstream and starts connecting to it.
func (h *Hub) AddPool(cfg pool.Config) (*pool.Pool, error) {
	if h.Pool(cfg.Name) != nil {
		return nil, errors.Wrap(ErrPoolExists, cfg.Name)
	}
	p := pool.New(cfg, h.poolOptions(), h, h.sched, h.logger)
	if err := h.addPool(p); err != nil {
		return nil, err
	}
	p.Start(h.ctx)
	return p, nil
}

func (h *Hub) addPool(p *pool.Pool) error {
	h.poolsLock.Lock()
	for _, existing := range h.pools {
		if existing.Name == p.Name {
			h.poolsLock.Unlock()
			return errors.Wrap(ErrPoolExists, p.Name)
		}
	}
	h.pools = append(h.pools, p)
	h.poolsLock.Unlock()

	h.logger.Info("pool added", zap.String("pool", p.Name), zap.String("host", p.Host),
		zap.Int("priority", p.Priority()), zap.Int("weight", p.Weight()))
	metrics.RecordPoolState(p.Name, p.Active(), p.Stable())
	h.currentStrategy().OnPoolAdded(p)
	return nil
}

// RemovePool stops the pool; its workers are moved by the strategy or
// closed.
func (h *Hub) RemovePool(name string) error {
	h.poolsLock.Lock()
	var removed *pool.Pool
	for i, p := range h.pools {
		if p.Name == name {
			removed = p
			h.pools = append(h.pools[:i:i], h.pools[i+1:]...)
			break
		}
	}
	h.poolsLock.Unlock()
	if removed == nil {
		return errors.Wrap(ErrPoolNotFound, name)
	}

	h.logger.Info("pool removed", zap.String("pool", name))
	h.currentStrategy().OnPoolRemoved(removed)
	removed.Stop()
	h.closeAll(h.Connections(removed))
	metrics.ForgetPool(name)
	return nil
}

// Pool returns the pool registered under name, or nil.
func (h *Hub) Pool(name string) *pool.Pool {
	h.poolsLock.RLock()
	defer h.poolsLock.RUnlock()
	for _, p := range h.pools {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (h *Hub) owns(p *pool.Pool) bool {
	return h.Pool(p.Name) == p
}

func (h *Hub) updatePool(name string, update func(p *pool.Pool)) error {
	p := h.Pool(name)
	if p == nil {
		return errors.Wrap(ErrPoolNotFound, name)
	}
	update(p)
	h.currentStrategy().OnPoolUpdated(p)
	if !p.Enabled() {
		h.closeAll(h.Connections(p))
	}
	return nil
}

func (h *Hub) SetPoolPriority(name string, priority int) error {
	return h.updatePool(name, func(p *pool.Pool) { p.SetPriority(priority) })
}

func (h *Hub) SetPoolWeight(name string, weight int) error {
	return h.updatePool(name, func(p *pool.Pool) { p.SetWeight(weight) })
}

func (h *Hub) EnablePool(name string) error {
	return h.updatePool(name, func(p *pool.Pool) { p.SetEnabled(true) })
}

// DisablePool keeps the upstream connected but moves every worker off it.
func (h *Hub) DisablePool(name string) error {
	return h.updatePool(name, func(p *pool.Pool) { p.SetEnabled(false) })
}

// SetStrategy replaces the active strategy and lets it place every live
// connection. Connections it has no pool for are closed.
func (h *Hub) SetStrategy(name string, params map[string]string) error {
	next, err := strategy.New(name, h, params, h.logger)
	if err != nil {
		return err
	}

	h.strategyLock.Lock()
	prev := h.strategy
	h.strategy = next
	h.strategyLock.Unlock()

	prev.Stop()
	next.Start()
	h.logger.Info("strategy changed", zap.String("from", prev.Name()), zap.String("to", next.Name()))

	for _, c := range h.AllConnections() {
		p, err := next.PoolForConnection(c)
		if err != nil {
			c.Close()
			continue
		}
		if p != h.PoolOf(c) {
			h.SwitchConnection(c, p)
		}
	}
	return nil
}

func (h *Hub) StrategyName() string {
	return h.currentStrategy().Name()
}

func (h *Hub) StrategyParameters() []strategy.Parameter {
	return h.currentStrategy().ConfigurationParameters()
}

// KickUser closes every connection the user is authorized on and returns
// how many were closed.
func (h *Hub) KickUser(name string) int {
	var conns []*worker.Connection
	h.connLock.RLock()
	for _, id := range h.users.ConnectionIds(name) {
		if c, ok := h.byId[id]; ok {
			conns = append(conns, c)
		}
	}
	h.connLock.RUnlock()
	h.closeAll(conns)
	if len(conns) > 0 {
		h.logger.Info("kicked user", zap.String("user", name), zap.Int("connections", len(conns)))
	}
	return len(conns)
}

func (h *Hub) BanUser(name string) int {
	h.banLock.Lock()
	h.bannedUsers[name] = struct{}{}
	h.banLock.Unlock()
	return h.KickUser(name)
}

func (h *Hub) UnbanUser(name string) {
	h.banLock.Lock()
	defer h.banLock.Unlock()
	delete(h.bannedUsers, name)
}

// KickAddress closes every connection coming from addr.
func (h *Hub) KickAddress(addr string) int {
	var conns []*worker.Connection
	for _, c := range h.AllConnections() {
		if c.RemoteAddr() == addr {
			conns = append(conns, c)
		}
	}
	h.closeAll(conns)
	if len(conns) > 0 {
		h.logger.Info("kicked address", zap.String("address", addr), zap.Int("connections", len(conns)))
	}
	return len(conns)
}

func (h *Hub) BanAddress(addr string) int {
	h.banLock.Lock()
	h.bannedAddrs[addr] = struct{}{}
	h.banLock.Unlock()
	return h.KickAddress(addr)
}

func (h *Hub) UnbanAddress(addr string) {
	h.banLock.Lock()
	defer h.banLock.Unlock()
	delete(h.bannedAddrs, addr)
}

func (h *Hub) isUserBanned(name string) bool {
	h.banLock.RLock()
	defer h.banLock.RUnlock()
	_, ok := h.bannedUsers[name]
	return ok
}

func (h *Hub) isAddressBanned(addr string) bool {
	h.banLock.RLock()
	defer h.banLock.RUnlock()
	_, ok := h.bannedAddrs[addr]
	return ok
}

func (h *Hub) BannedUsers() []string {
	h.banLock.RLock()
	defer h.banLock.RUnlock()
	return sortedKeys(h.bannedUsers)
}

func (h *Hub) BannedAddresses() []string {
	h.banLock.RLock()
	defer h.banLock.RUnlock()
	return sortedKeys(h.bannedAddrs)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *Hub) ConnectionCount() int {
	h.connLock.RLock()
	defer h.connLock.RUnlock()
	return len(h.bindings)
}

// ListBindings describes every bound worker connection, oldest first.
func (h *Hub) ListBindings(now time.Time) []worker.Info {
	conns := h.AllConnections()
	infos := make([]worker.Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info(now))
	}
	return infos
}

// PoolStats describes every pool, in the order they were added.
func (h *Hub) PoolStats(now time.Time) []pool.Info {
	pools := h.Pools()
	infos := make([]pool.Info, 0, len(pools))
	for _, p := range pools {
		infos = append(infos, p.Info(now))
	}
	return infos
}

type UserInfo struct {
	Name        string
	FirstSeen   time.Time
	Connections int
	Shares      stats.CounterSnapshot
}

func (h *Hub) UserStats(now time.Time) []UserInfo {
	users := h.users.Users()
	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, UserInfo{
			Name:        u.Name,
			FirstSeen:   u.FirstSeen,
			Connections: len(h.users.ConnectionIds(u.Name)),
			Shares:      u.Shares.Snapshot(now),
		})
	}
	return infos
}

func recordPoolSwitch(from, to *pool.Pool) {
	if from == nil {
		return
	}
	metrics.RecordPoolSwitch(from.Name, to.Name)
}
