package strategy

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type constructor func(manager Manager, params map[string]string, logger *zap.Logger) (Strategy, error)

var constructors = map[string]constructor{
	PriorityFailoverName:   wrap(NewPriorityFailover),
	WeightedRoundRobinName: wrap(NewWeightedRoundRobin),
	RandomName:             wrap(NewRandom),
	QuotaRotationName:      wrap(NewQuotaRotation),
}

func wrap[S Strategy](build func(Manager, map[string]string, *zap.Logger) (S, error)) constructor {
	return func(manager Manager, params map[string]string, logger *zap.Logger) (Strategy, error) {
		s, err := build(manager, params, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// New builds the strategy registered under name. The strategy is not
// started.
func New(name string, manager Manager, params map[string]string, logger *zap.Logger) (Strategy, error) {
	build, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "%q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return build(manager, params, logger)
}

// Names lists the registered strategies.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
