package strategy

import (
	"sync"
	"time"

	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"go.uber.org/zap"
)

const (
	QuotaRotationName = "quota-rotation"

	paramPeriod        = "period"
	paramCheckInterval = "checkInterval"

	defaultQuotaPeriod   = time.Hour
	defaultCheckInterval = 10 * time.Second
)

// QuotaRotation gives each connection its own walk over the eligible
// pools. The time spent on a pool is its weight's share of period; a
// periodic check moves the connection to the next pool once that is spent.
type QuotaRotation struct {
	manager Manager
	logger  *zap.Logger

	period        time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	schedules map[*worker.Connection]*rotation
	next      int
}

type rotation struct {
	pool    *pool.Pool
	started time.Time
	check   *scheduler.Periodic
}

func NewQuotaRotation(manager Manager, params map[string]string, logger *zap.Logger) (*QuotaRotation, error) {
	if err := checkParams(QuotaRotationName, params, paramPeriod, paramCheckInterval); err != nil {
		return nil, err
	}
	period, err := durationParam(params, paramPeriod, defaultQuotaPeriod)
	if err != nil {
		return nil, err
	}
	check, err := durationParam(params, paramCheckInterval, defaultCheckInterval)
	if err != nil {
		return nil, err
	}
	return &QuotaRotation{
		manager:       manager,
		logger:        logger.With(zap.String("component", "strategy"), zap.String("strategy", QuotaRotationName)),
		period:        period,
		checkInterval: check,
		now:           time.Now,
		schedules:     make(map[*worker.Connection]*rotation),
	}, nil
}

func (s *QuotaRotation) Name() string {
	return QuotaRotationName
}

func (s *QuotaRotation) ConfigurationParameters() []Parameter {
	return []Parameter{
		{
			Name:         paramPeriod,
			Description:  "Nominal duration of a full rotation, split between pools by weight",
			DefaultValue: defaultQuotaPeriod.String(),
			Value:        s.period.String(),
		},
		{
			Name:         paramCheckInterval,
			Description:  "How often each connection checks whether its quota is spent",
			DefaultValue: defaultCheckInterval.String(),
			Value:        s.checkInterval.String(),
		},
	}
}

// quotas is the rotation order: eligible pools, heaviest first.
func (s *QuotaRotation) quotas() []*pool.Pool {
	candidates := eligiblePools(s.manager.Pools())
	sortByWeight(candidates)
	return candidates
}

func (s *QuotaRotation) slice(p *pool.Pool, quotas []*pool.Pool) time.Duration {
	total := 0
	for _, q := range quotas {
		total += q.Weight()
	}
	if total == 0 {
		return s.period
	}
	return time.Duration(int64(s.period) * int64(p.Weight()) / int64(total))
}

// after returns the entry following current in quotas, wrapping around.
func after(quotas []*pool.Pool, current *pool.Pool) *pool.Pool {
	for i, q := range quotas {
		if q == current {
			return quotas[(i+1)%len(quotas)]
		}
	}
	return quotas[0]
}

// PoolForConnection starts new connections on successive quota entries so
// they spread over the pools, and restarts the slice of a known connection.
func (s *QuotaRotation) PoolForConnection(c *worker.Connection) (*pool.Pool, error) {
	quotas := s.quotas()
	if len(quotas) == 0 {
		return nil, ErrNoPoolAvailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, known := s.schedules[c]
	var chosen *pool.Pool
	if known {
		chosen = after(quotas, r.pool)
	} else {
		chosen = quotas[s.next%len(quotas)]
		s.next++
		r = &rotation{}
		s.schedules[c] = r
		r.check = s.manager.Scheduler().Every(s.checkInterval, func() { s.check(c) })
	}
	r.pool = chosen
	r.started = s.now()
	return chosen, nil
}

func (s *QuotaRotation) check(c *worker.Connection) {
	bound := s.manager.PoolOf(c)
	if bound == nil {
		s.OnConnectionClosed(c)
		return
	}

	s.mu.Lock()
	r, ok := s.schedules[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	quotas := s.quotas()
	if len(quotas) == 0 {
		s.mu.Unlock()
		return
	}
	if contains(quotas, bound) && s.now().Sub(r.started) < s.slice(bound, quotas) {
		s.mu.Unlock()
		return
	}
	next := after(quotas, bound)
	r.pool = next
	r.started = s.now()
	s.mu.Unlock()

	if next == bound {
		return
	}
	s.logger.Debug("quota spent, rotating connection", zap.String("connection", c.Id),
		zap.String("from", bound.Name), zap.String("to", next.Name))
	if err := s.manager.SwitchConnection(c, next); err != nil {
		s.logger.Debug("rotation failed", zap.String("connection", c.Id), zap.Error(err))
	}
}

func (s *QuotaRotation) OnConnectionClosed(c *worker.Connection) {
	s.mu.Lock()
	r, ok := s.schedules[c]
	delete(s.schedules, c)
	s.mu.Unlock()
	if ok && r.check != nil {
		r.check.Cancel()
	}
}

// moveAway rotates every connection on p to its next quota entry, or closes
// it when nothing is eligible.
func (s *QuotaRotation) moveAway(p *pool.Pool) {
	for _, c := range s.manager.Connections(p) {
		next, err := s.PoolForConnection(c)
		if err != nil || next == p {
			s.manager.CloseConnection(c)
			continue
		}
		if err := s.manager.SwitchConnection(c, next); err != nil {
			s.logger.Debug("connection could not leave pool", zap.String("pool", p.Name), zap.Error(err))
		}
	}
}

func (s *QuotaRotation) OnPoolDown(p *pool.Pool)    { s.moveAway(p) }
func (s *QuotaRotation) OnPoolRemoved(p *pool.Pool) { s.moveAway(p) }

func (s *QuotaRotation) OnPoolUpdated(p *pool.Pool) {
	if !p.Enabled() {
		s.moveAway(p)
	}
}

// New or recovered pools are picked up by the next rotation.
func (s *QuotaRotation) OnPoolAdded(*pool.Pool)  {}
func (s *QuotaRotation) OnPoolUp(*pool.Pool)     {}
func (s *QuotaRotation) OnPoolStable(*pool.Pool) {}

func (s *QuotaRotation) Start() {}

func (s *QuotaRotation) Stop() {
	s.mu.Lock()
	schedules := s.schedules
	s.schedules = make(map[*worker.Connection]*rotation)
	s.mu.Unlock()
	for _, r := range schedules {
		r.check.Cancel()
	}
}
