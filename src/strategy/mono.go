package strategy

import (
	"sync"

	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"go.uber.org/zap"
)

// monoCurrentPool keeps a single current pool and every connection on it.
// Variants only decide which pool is current.
type monoCurrentPool struct {
	name    string
	manager Manager
	logger  *zap.Logger
	pick    func(prev *pool.Pool) *pool.Pool

	// switchLock serializes re-evaluations, mu guards current and whatever
	// bookkeeping pick reads.
	switchLock sync.Mutex
	mu         sync.Mutex
	current    *pool.Pool
}

func newMonoCurrentPool(name string, manager Manager, logger *zap.Logger) *monoCurrentPool {
	return &monoCurrentPool{
		name:    name,
		manager: manager,
		logger:  logger.With(zap.String("component", "strategy"), zap.String("strategy", name)),
	}
}

func (m *monoCurrentPool) Name() string {
	return m.name
}

func (m *monoCurrentPool) Current() *pool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *monoCurrentPool) PoolForConnection(_ *worker.Connection) (*pool.Pool, error) {
	current := m.Current()
	if current == nil || !current.Ready() {
		return nil, ErrNoPoolAvailable
	}
	return current, nil
}

func (m *monoCurrentPool) OnPoolAdded(*pool.Pool)   { m.reevaluate("pool added") }
func (m *monoCurrentPool) OnPoolRemoved(*pool.Pool) { m.reevaluate("pool removed") }
func (m *monoCurrentPool) OnPoolUpdated(*pool.Pool) { m.reevaluate("pool updated") }
func (m *monoCurrentPool) OnPoolDown(*pool.Pool)    { m.reevaluate("pool down") }
func (m *monoCurrentPool) OnPoolStable(*pool.Pool)  { m.reevaluate("pool stable") }

// A pool coming back up is only considered once it is stable.
func (m *monoCurrentPool) OnPoolUp(*pool.Pool) {}

func (m *monoCurrentPool) OnConnectionClosed(*worker.Connection) {}

func (m *monoCurrentPool) Start() {
	m.reevaluate("start")
}

func (m *monoCurrentPool) Stop() {}

func (m *monoCurrentPool) reevaluate(reason string) {
	m.reevaluateWith(reason, m.pick)
}

// reevaluateWith picks the current pool and, when it changed, moves every
// connection that is not on it. Connections that cannot move are closed.
func (m *monoCurrentPool) reevaluateWith(reason string, pick func(prev *pool.Pool) *pool.Pool) {
	m.switchLock.Lock()
	defer m.switchLock.Unlock()

	m.mu.Lock()
	prev := m.current
	next := pick(prev)
	m.current = next
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("current pool changed", zap.String("reason", reason),
			zap.String("from", poolName(prev)), zap.String("to", poolName(next)))
	}
	m.realign(next)
}

func (m *monoCurrentPool) realign(next *pool.Pool) {
	for _, c := range m.manager.AllConnections() {
		bound := m.manager.PoolOf(c)
		if bound == nil || bound == next {
			continue
		}
		if next == nil {
			m.manager.CloseConnection(c)
			continue
		}
		if err := m.manager.SwitchConnection(c, next); err != nil {
			m.logger.Debug("connection could not follow the current pool", zap.String("connection", c.Id), zap.Error(err))
		}
	}
}

func poolName(p *pool.Pool) string {
	if p == nil {
		return "<none>"
	}
	return p.Name
}
