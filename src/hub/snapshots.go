package hub

import (
	"context"
	"time"

	"github.com/Kali123411/stratum-proxy/src/metrics"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"go.uber.org/zap"
)

const storeTimeout = 10 * time.Second

// Snapshots captures the hashrate of every pool and user at now.
func (h *Hub) Snapshots(now time.Time) []stats.Snapshot {
	pools := h.Pools()
	users := h.users.Users()
	snaps := make([]stats.Snapshot, 0, len(pools)+len(users))
	for _, p := range pools {
		snaps = append(snaps, stats.NewSnapshot(stats.KindPool, p.Name, now, p.Shares))
	}
	for _, u := range users {
		snaps = append(snaps, stats.NewSnapshot(stats.KindUser, u.Name, now, u.Shares))
	}
	return snaps
}

func (h *Hub) runMaintenance() {
	now := time.Now()
	if purged := h.users.Purge(now); purged > 0 {
		h.logger.Debug("purged idle users", zap.Int("count", purged))
	}
	h.refreshGauges()

	if h.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()
	if err := h.cfg.Store.SaveSnapshots(ctx, h.Snapshots(now)); err != nil {
		h.logger.Warn("failed saving hashrate snapshots", zap.Error(err))
	}
	pruned, err := h.cfg.Store.Prune(ctx, now.Add(-h.cfg.SnapshotRetention))
	if err != nil {
		h.logger.Warn("failed pruning hashrate snapshots", zap.Error(err))
	} else if pruned > 0 {
		h.logger.Debug("pruned hashrate snapshots", zap.Int64("rows", pruned))
	}
}

func (h *Hub) refreshGauges() {
	pools := h.Pools()
	h.connLock.RLock()
	counts := make(map[string]int, len(pools))
	for _, p := range pools {
		counts[p.Name] = len(h.byPool[p])
	}
	h.connLock.RUnlock()
	for name, n := range counts {
		metrics.RecordConnections(name, n)
	}
}
