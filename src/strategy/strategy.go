package strategy

import (
	"sort"

	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/pkg/errors"
)

var (
	ErrNoPoolAvailable = errors.New("no pool available")
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Manager is the view of the hub a strategy works with. Strategies never
// own connections, they ask the manager to move or close them.
type Manager interface {
	Pools() []*pool.Pool
	Connections(p *pool.Pool) []*worker.Connection
	AllConnections() []*worker.Connection
	PoolOf(c *worker.Connection) *pool.Pool
	// SwitchConnection moves c to p, closing c when it cannot be moved.
	SwitchConnection(c *worker.Connection, p *pool.Pool) error
	CloseConnection(c *worker.Connection)
	Scheduler() *scheduler.Scheduler
}

// Parameter describes one tunable of a strategy.
type Parameter struct {
	Name         string
	Description  string
	DefaultValue string
	Value        string
}

// Strategy decides which pool each connection is bound to.
type Strategy interface {
	Name() string
	PoolForConnection(c *worker.Connection) (*pool.Pool, error)

	OnPoolAdded(p *pool.Pool)
	OnPoolRemoved(p *pool.Pool)
	OnPoolUpdated(p *pool.Pool)
	OnPoolUp(p *pool.Pool)
	OnPoolDown(p *pool.Pool)
	OnPoolStable(p *pool.Pool)
	OnConnectionClosed(c *worker.Connection)

	ConfigurationParameters() []Parameter
	Start()
	Stop()
}

func eligiblePools(pools []*pool.Pool) []*pool.Pool {
	eligible := make([]*pool.Pool, 0, len(pools))
	for _, p := range pools {
		if p.Eligible() {
			eligible = append(eligible, p)
		}
	}
	return eligible
}

func sortByPriority(pools []*pool.Pool) {
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].Priority() == pools[j].Priority() {
			return pools[i].Name < pools[j].Name
		}
		return pools[i].Priority() < pools[j].Priority()
	})
}

func sortByWeight(pools []*pool.Pool) {
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].Weight() == pools[j].Weight() {
			return pools[i].Name < pools[j].Name
		}
		return pools[i].Weight() > pools[j].Weight()
	})
}

func contains(pools []*pool.Pool, p *pool.Pool) bool {
	for _, candidate := range pools {
		if candidate == p {
			return true
		}
	}
	return false
}
