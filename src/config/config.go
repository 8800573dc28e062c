package config

import "time"

type PoolConfig struct {
	Name                string
	Host                string
	User                string
	Password            string
	Priority            int
	Weight              int
	Enabled             bool
	ExtranonceSubscribe bool
}

type StrategyConfig struct {
	Name   string
	Params map[string]string
}

// Config is the effective proxy configuration, defaults merged with the
// config file and command line flags.
type Config struct {
	StratumListen string
	PromListen    string
	LogFile       string
	LogLevel      string
	PrintStats    bool

	SubscribeTimeout time.Duration
	TailSize         int
	ReconnectDelay   time.Duration
	StableDelay      time.Duration
	SubmitTimeout    time.Duration
	SubmitReplicas   int
	ValidateShares   bool
	Algorithm        string
	HashrateWindow   time.Duration

	DatabasePath      string
	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration

	AcceptRate      float64
	AcceptBurst     int
	BannedUsers     []string
	BannedAddresses []string

	Pools    []PoolConfig
	Strategy StrategyConfig
}

func Default() Config {
	return Config{
		StratumListen:     ":3333",
		PromListen:        ":2114",
		LogLevel:          "info",
		PrintStats:        true,
		SubscribeTimeout:  10 * time.Second,
		TailSize:          1,
		ReconnectDelay:    5 * time.Second,
		StableDelay:       30 * time.Second,
		SubmitTimeout:     30 * time.Second,
		SubmitReplicas:    1,
		Algorithm:         "sha256d",
		HashrateWindow:    10 * time.Minute,
		SnapshotInterval:  time.Minute,
		SnapshotRetention: 7 * 24 * time.Hour,
		AcceptBurst:       16,
		Strategy:          StrategyConfig{Name: "priority-failover"},
	}
}
