package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type fileConfig struct {
	StratumListen *string `yaml:"stratum_listen" toml:"stratum_listen"`
	PromListen    *string `yaml:"prom_listen" toml:"prom_listen"`
	LogFile       *string `yaml:"log_file" toml:"log_file"`
	LogLevel      *string `yaml:"log_level" toml:"log_level"`
	PrintStats    *bool   `yaml:"print_stats" toml:"print_stats"`

	SubscribeTimeout *string `yaml:"subscribe_timeout" toml:"subscribe_timeout"`
	TailSize         *int    `yaml:"extranonce1_tail_size" toml:"extranonce1_tail_size"`
	ReconnectDelay   *string `yaml:"pool_reconnect_delay" toml:"pool_reconnect_delay"`
	StableDelay      *string `yaml:"pool_stable_delay" toml:"pool_stable_delay"`
	SubmitTimeout    *string `yaml:"pool_submit_timeout" toml:"pool_submit_timeout"`
	SubmitReplicas   *int    `yaml:"submit_replicas" toml:"submit_replicas"`
	ValidateShares   *bool   `yaml:"validate_shares" toml:"validate_shares"`
	Algorithm        *string `yaml:"algorithm" toml:"algorithm"`
	HashrateWindow   *string `yaml:"hashrate_window" toml:"hashrate_window"`

	DatabasePath      *string `yaml:"database_path" toml:"database_path"`
	SnapshotInterval  *string `yaml:"snapshot_interval" toml:"snapshot_interval"`
	SnapshotRetention *string `yaml:"snapshot_retention" toml:"snapshot_retention"`

	AcceptRate      *float64 `yaml:"accept_rate" toml:"accept_rate"`
	AcceptBurst     *int     `yaml:"accept_burst" toml:"accept_burst"`
	BannedUsers     []string `yaml:"banned_users" toml:"banned_users"`
	BannedAddresses []string `yaml:"banned_addresses" toml:"banned_addresses"`

	Pools    []poolFileConfig   `yaml:"pools" toml:"pools"`
	Strategy strategyFileConfig `yaml:"strategy" toml:"strategy"`
}

type poolFileConfig struct {
	Name                string `yaml:"name" toml:"name"`
	Host                string `yaml:"host" toml:"host"`
	User                string `yaml:"user" toml:"user"`
	Password            string `yaml:"password" toml:"password"`
	Priority            int    `yaml:"priority" toml:"priority"`
	Weight              int    `yaml:"weight" toml:"weight"`
	Enabled             *bool  `yaml:"enabled" toml:"enabled"` // nil = enabled
	ExtranonceSubscribe bool   `yaml:"extranonce_subscribe" toml:"extranonce_subscribe"`
}

type strategyFileConfig struct {
	Name   string            `yaml:"name" toml:"name"`
	Params map[string]string `yaml:"params" toml:"params"`
}

// Load reads a YAML or TOML file, picked by extension, on top of Default.
// The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed reading config %s", path)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml", "":
		err = yaml.UnmarshalStrict(data, &fc)
	default:
		return cfg, errors.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "failed parsing config %s", path)
	}

	if err := apply(&cfg, fc); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func apply(cfg *Config, fc fileConfig) error {
	setString(&cfg.StratumListen, fc.StratumListen)
	setString(&cfg.PromListen, fc.PromListen)
	setString(&cfg.LogFile, fc.LogFile)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.Algorithm, fc.Algorithm)
	setString(&cfg.DatabasePath, fc.DatabasePath)
	if fc.PrintStats != nil {
		cfg.PrintStats = *fc.PrintStats
	}
	if fc.ValidateShares != nil {
		cfg.ValidateShares = *fc.ValidateShares
	}
	if fc.TailSize != nil {
		cfg.TailSize = *fc.TailSize
	}
	if fc.SubmitReplicas != nil {
		cfg.SubmitReplicas = *fc.SubmitReplicas
	}
	if fc.AcceptRate != nil {
		cfg.AcceptRate = *fc.AcceptRate
	}
	if fc.AcceptBurst != nil {
		cfg.AcceptBurst = *fc.AcceptBurst
	}

	durations := []struct {
		key   string
		value *string
		dst   *time.Duration
	}{
		{"subscribe_timeout", fc.SubscribeTimeout, &cfg.SubscribeTimeout},
		{"pool_reconnect_delay", fc.ReconnectDelay, &cfg.ReconnectDelay},
		{"pool_stable_delay", fc.StableDelay, &cfg.StableDelay},
		{"pool_submit_timeout", fc.SubmitTimeout, &cfg.SubmitTimeout},
		{"hashrate_window", fc.HashrateWindow, &cfg.HashrateWindow},
		{"snapshot_interval", fc.SnapshotInterval, &cfg.SnapshotInterval},
		{"snapshot_retention", fc.SnapshotRetention, &cfg.SnapshotRetention},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := ParseDuration(*d.value)
		if err != nil {
			return errors.Wrap(err, d.key)
		}
		*d.dst = parsed
	}

	if fc.BannedUsers != nil {
		cfg.BannedUsers = fc.BannedUsers
	}
	if fc.BannedAddresses != nil {
		cfg.BannedAddresses = fc.BannedAddresses
	}

	for _, p := range fc.Pools {
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		cfg.Pools = append(cfg.Pools, PoolConfig{
			Name:                strings.TrimSpace(p.Name),
			Host:                strings.TrimSpace(p.Host),
			User:                p.User,
			Password:            p.Password,
			Priority:            p.Priority,
			Weight:              p.Weight,
			Enabled:             enabled,
			ExtranonceSubscribe: p.ExtranonceSubscribe,
		})
	}

	if name := strings.TrimSpace(fc.Strategy.Name); name != "" {
		cfg.Strategy.Name = name
	}
	if fc.Strategy.Params != nil {
		cfg.Strategy.Params = fc.Strategy.Params
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// ParseDuration accepts Go durations plus a "d" suffix for days.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		return d * 24, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	return d, nil
}
