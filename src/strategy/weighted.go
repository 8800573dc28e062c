package strategy

import (
	"time"

	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"go.uber.org/zap"
)

const (
	WeightedRoundRobinName = "weighted-round-robin"

	paramRoundDuration = "roundDuration"
	paramTickInterval  = "tickInterval"

	defaultRoundDuration = time.Hour
)

// WeightedRoundRobin splits each round between eligible pools in proportion
// to their weight. A tick charges elapsed time to the current pool and moves
// on once its share of the round is used up.
type WeightedRoundRobin struct {
	*monoCurrentPool

	roundDuration time.Duration
	tickInterval  time.Duration
	now           func() time.Time

	// guarded by monoCurrentPool.mu
	running      map[string]time.Duration
	roundElapsed time.Duration
	lastTick     time.Time

	ticker *scheduler.Periodic
}

func NewWeightedRoundRobin(manager Manager, params map[string]string, logger *zap.Logger) (*WeightedRoundRobin, error) {
	if err := checkParams(WeightedRoundRobinName, params, paramRoundDuration, paramTickInterval); err != nil {
		return nil, err
	}
	round, err := durationParam(params, paramRoundDuration, defaultRoundDuration)
	if err != nil {
		return nil, err
	}
	tick, err := durationParam(params, paramTickInterval, defaultTick(round))
	if err != nil {
		return nil, err
	}
	s := &WeightedRoundRobin{
		monoCurrentPool: newMonoCurrentPool(WeightedRoundRobinName, manager, logger),
		roundDuration:   round,
		tickInterval:    tick,
		now:             time.Now,
		running:         make(map[string]time.Duration),
	}
	s.pick = s.pickPool
	return s, nil
}

func defaultTick(round time.Duration) time.Duration {
	return min(time.Second, max(round/100, time.Millisecond))
}

func (s *WeightedRoundRobin) ConfigurationParameters() []Parameter {
	return []Parameter{
		{
			Name:         paramRoundDuration,
			Description:  "Duration of one rotation over all pools",
			DefaultValue: defaultRoundDuration.String(),
			Value:        s.roundDuration.String(),
		},
		{
			Name:         paramTickInterval,
			Description:  "How often running time is charged to the current pool",
			DefaultValue: defaultTick(s.roundDuration).String(),
			Value:        s.tickInterval.String(),
		},
	}
}

func (s *WeightedRoundRobin) Start() {
	s.mu.Lock()
	s.lastTick = s.now()
	s.mu.Unlock()
	s.monoCurrentPool.Start()
	s.ticker = s.manager.Scheduler().Every(s.tickInterval, s.tick)
}

func (s *WeightedRoundRobin) Stop() {
	if s.ticker != nil {
		s.ticker.Cancel()
	}
}

// tick charges the time since the last tick to the current pool, resets the
// round when it is over and switches pools when the current one used its
// share.
func (s *WeightedRoundRobin) tick() {
	s.reevaluateWith("round-robin tick", func(prev *pool.Pool) *pool.Pool {
		now := s.now()
		elapsed := now.Sub(s.lastTick)
		s.lastTick = now
		if prev != nil {
			s.running[prev.Name] += elapsed
		}
		s.roundElapsed += elapsed
		if s.roundElapsed >= s.roundDuration {
			clear(s.running)
			s.roundElapsed = 0
			return s.firstWithBudget(eligiblePools(s.manager.Pools()))
		}
		return s.pickPool(prev)
	})
}

// pickPool keeps prev while it is eligible and has budget left, otherwise
// takes the heaviest pool that still has budget. Callers hold mu.
func (s *WeightedRoundRobin) pickPool(prev *pool.Pool) *pool.Pool {
	candidates := eligiblePools(s.manager.Pools())
	if len(candidates) == 0 {
		return nil
	}
	if prev != nil && contains(candidates, prev) && s.remaining(prev, candidates) > 0 {
		return prev
	}
	return s.firstWithBudget(candidates)
}

func (s *WeightedRoundRobin) firstWithBudget(candidates []*pool.Pool) *pool.Pool {
	if len(candidates) == 0 {
		return nil
	}
	sortByWeight(candidates)
	for _, p := range candidates {
		if s.remaining(p, candidates) > 0 {
			return p
		}
	}
	return candidates[0]
}

// remaining is the part of the round p may still run. The total weight is
// recomputed from the candidates every time so pool changes apply at once.
func (s *WeightedRoundRobin) remaining(p *pool.Pool, candidates []*pool.Pool) time.Duration {
	total := 0
	for _, c := range candidates {
		total += c.Weight()
	}
	if total == 0 {
		return 0
	}
	budget := time.Duration(int64(s.roundDuration) * int64(p.Weight()) / int64(total))
	return budget - s.running[p.Name]
}
