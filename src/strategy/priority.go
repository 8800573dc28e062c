package strategy

import (
	"github.com/Kali123411/stratum-proxy/src/pool"
	"go.uber.org/zap"
)

const PriorityFailoverName = "priority-failover"

// PriorityFailover keeps everyone on the eligible pool with the lowest
// priority value.
type PriorityFailover struct {
	*monoCurrentPool
}

func NewPriorityFailover(manager Manager, params map[string]string, logger *zap.Logger) (*PriorityFailover, error) {
	if err := checkParams(PriorityFailoverName, params); err != nil {
		return nil, err
	}
	s := &PriorityFailover{monoCurrentPool: newMonoCurrentPool(PriorityFailoverName, manager, logger)}
	s.pick = s.pickPool
	return s, nil
}

func (s *PriorityFailover) pickPool(_ *pool.Pool) *pool.Pool {
	candidates := eligiblePools(s.manager.Pools())
	if len(candidates) == 0 {
		return nil
	}
	sortByPriority(candidates)
	return candidates[0]
}

func (s *PriorityFailover) ConfigurationParameters() []Parameter {
	return nil
}
