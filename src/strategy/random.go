package strategy

import (
	"math/rand"

	"github.com/Kali123411/stratum-proxy/src/pool"
	"go.uber.org/zap"
)

const RandomName = "random"

// Random draws the current pool uniformly among eligible pools every time
// the pool set changes.
type Random struct {
	*monoCurrentPool
	intn func(n int) int
}

func NewRandom(manager Manager, params map[string]string, logger *zap.Logger) (*Random, error) {
	if err := checkParams(RandomName, params); err != nil {
		return nil, err
	}
	s := &Random{
		monoCurrentPool: newMonoCurrentPool(RandomName, manager, logger),
		intn:            rand.Intn,
	}
	s.pick = s.pickPool
	return s, nil
}

func (s *Random) pickPool(_ *pool.Pool) *pool.Pool {
	candidates := eligiblePools(s.manager.Pools())
	if len(candidates) == 0 {
		return nil
	}
	return candidates[s.intn(len(candidates))]
}

func (s *Random) ConfigurationParameters() []Parameter {
	return nil
}
