package config

import (
	"net"

	"github.com/Kali123411/stratum-proxy/src/hashing"
	"github.com/Kali123411/stratum-proxy/src/strategy"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Validate reports every setting the proxy cannot start with.
func (c Config) Validate() error {
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, errors.Errorf(format, args...))
	}

	if c.StratumListen == "" {
		fail("stratum_listen is required")
	} else if _, _, splitErr := net.SplitHostPort(c.StratumListen); splitErr != nil {
		fail("stratum_listen %q is not host:port", c.StratumListen)
	}
	if c.TailSize < 1 || c.TailSize > 4 {
		fail("extranonce1_tail_size must be between 1 and 4, got %d", c.TailSize)
	}
	if c.SubmitReplicas < 1 {
		fail("submit_replicas must be at least 1, got %d", c.SubmitReplicas)
	}
	if c.SubscribeTimeout <= 0 || c.ReconnectDelay <= 0 || c.SubmitTimeout <= 0 {
		fail("subscribe_timeout, pool_reconnect_delay and pool_submit_timeout must be positive")
	}
	if c.StableDelay < 0 {
		fail("pool_stable_delay cannot be negative")
	}
	if c.HashrateWindow <= 0 || c.SnapshotInterval <= 0 || c.SnapshotRetention <= 0 {
		fail("hashrate_window, snapshot_interval and snapshot_retention must be positive")
	}
	if c.AcceptRate < 0 {
		fail("accept_rate cannot be negative")
	}
	if _, algErr := hashing.AlgorithmByName(c.Algorithm); algErr != nil {
		fail("unknown algorithm %q", c.Algorithm)
	}
	if _, lvlErr := zapcore.ParseLevel(c.LogLevel); lvlErr != nil {
		fail("unknown log_level %q", c.LogLevel)
	}
	if !knownStrategy(c.Strategy.Name) {
		fail("unknown strategy %q", c.Strategy.Name)
	}

	if len(c.Pools) == 0 {
		fail("at least one pool is required")
	}
	seen := make(map[string]struct{}, len(c.Pools))
	for i, p := range c.Pools {
		if p.Name == "" {
			fail("pool #%d has no name", i+1)
			continue
		}
		if _, dup := seen[p.Name]; dup {
			fail("duplicate pool name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if _, _, splitErr := net.SplitHostPort(p.Host); splitErr != nil {
			fail("pool %q: host %q is not host:port", p.Name, p.Host)
		}
		if p.Weight < 0 {
			fail("pool %q: weight cannot be negative", p.Name)
		}
	}
	return err
}

func knownStrategy(name string) bool {
	for _, known := range strategy.Names() {
		if known == name {
			return true
		}
	}
	return false
}
