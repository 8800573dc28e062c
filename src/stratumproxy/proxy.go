package stratumproxy

import (
	"context"
	"net"
	"time"

	"github.com/Kali123411/stratum-proxy/src/config"
	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/hashing"
	"github.com/Kali123411/stratum-proxy/src/hub"
	"github.com/Kali123411/stratum-proxy/src/logging"
	"github.com/Kali123411/stratum-proxy/src/metrics"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/store"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = 10 * time.Second
)

// Proxy is the process context: every long lived component, built once
// from the configuration and handed to whoever needs it.
type Proxy struct {
	cfg      config.Config
	logger   *zap.Logger
	sched    *scheduler.Scheduler
	store    *store.Store
	hub      *hub.Hub
	listener *gostratum.StratumListener
	stats    *scheduler.Periodic
	started  time.Time
}

// New wires the components. Pools start connecting right away; workers are
// accepted once Run is called.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algo, err := hashing.AlgorithmByName(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		cfg:     cfg,
		logger:  logger,
		sched:   scheduler.New(logger, 0),
		started: time.Now(),
	}

	hubCfg := hub.Config{
		Strategy:          cfg.Strategy.Name,
		StrategyParams:    cfg.Strategy.Params,
		TailSize:          cfg.TailSize,
		ReconnectDelay:    cfg.ReconnectDelay,
		StableDelay:       cfg.StableDelay,
		SubmitTimeout:     cfg.SubmitTimeout,
		SubmitReplicas:    cfg.SubmitReplicas,
		SubscribeTimeout:  cfg.SubscribeTimeout,
		ValidateShares:    cfg.ValidateShares,
		Algorithm:         algo,
		HashrateWindow:    cfg.HashrateWindow,
		SnapshotInterval:  cfg.SnapshotInterval,
		SnapshotRetention: cfg.SnapshotRetention,
		BannedUsers:       cfg.BannedUsers,
		BannedAddresses:   cfg.BannedAddresses,
	}
	if cfg.DatabasePath != "" {
		p.store, err = store.Open(cfg.DatabasePath, logger.With(zap.String("component", "store")))
		if err != nil {
			p.sched.Stop()
			return nil, err
		}
		hubCfg.Store = p.store
	}

	p.hub, err = hub.New(ctx, hubCfg, p.sched, logger)
	if err != nil {
		p.close(ctx)
		return nil, err
	}
	for _, pc := range cfg.Pools {
		if _, err := p.hub.AddPool(pool.Config(pc)); err != nil {
			p.close(ctx)
			return nil, errors.Wrapf(err, "failed adding pool %s", pc.Name)
		}
	}

	p.listener = gostratum.NewListener(gostratum.StratumListenerConfig{
		Logger:         logger,
		ClientListener: p.hub,
		Port:           cfg.StratumListen,
		AcceptRate:     cfg.AcceptRate,
		AcceptBurst:    cfg.AcceptBurst,
	})
	return p, nil
}

func (p *Proxy) Hub() *hub.Hub {
	return p.hub
}

// Addr blocks until the stratum listener is bound.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Run serves workers until ctx ends, then shuts every component down.
func (p *Proxy) Run(ctx context.Context) error {
	if p.cfg.PromListen != "" {
		metrics.StartPromServer(ctx, p.logger, p.cfg.PromListen, p.hub.Ready)
	}
	if p.cfg.PrintStats {
		p.stats = p.sched.Every(statsInterval, func() {
			p.logger.Info(RenderStats(p.hub, time.Now(), p.started))
		})
	}

	err := p.listener.Listen(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(err, p.close(shutdown))
}

func (p *Proxy) close(ctx context.Context) error {
	if p.stats != nil {
		p.stats.Cancel()
	}
	var err error
	if p.hub != nil {
		err = multierr.Append(err, p.hub.Stop(ctx))
	}
	p.sched.Stop()
	if p.store != nil {
		err = multierr.Append(err, p.store.Close())
	}
	return err
}

// ListenAndServe configures logging and runs the proxy until ctx ends.
func ListenAndServe(ctx context.Context, cfg config.Config) error {
	logger, logCleanup, err := logging.ConfigureZap(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logCleanup()

	proxy, err := New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed starting proxy", zap.Error(err))
		return err
	}
	logger.Info("stratum proxy starting", zap.String("stratum", cfg.StratumListen),
		zap.String("strategy", proxy.hub.StrategyName()), zap.Int("pools", len(cfg.Pools)))
	return proxy.Run(ctx)
}
