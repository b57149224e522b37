package sweepers

import (
	"context"
	"time"

	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/pkg/logging"
)

// PoolStatsUpdater recomputes every pool's rolling 24h figures and APY
// once per interval.
type PoolStatsUpdater struct {
	poolStore *pools.Store
	cfg       *settings.Settings
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPoolStatsUpdater(poolStore *pools.Store, cfg *settings.Settings) *PoolStatsUpdater {
	ctx, cancel := context.WithCancel(context.Background())
	return &PoolStatsUpdater{poolStore: poolStore, cfg: cfg, log: logging.GetDefault().Component("pool-stats"), ctx: ctx, cancel: cancel}
}

func (w *PoolStatsUpdater) Start() {
	go w.run()
	w.log.Info("pool stats updater started")
}

func (w *PoolStatsUpdater) Stop() {
	w.cancel()
	w.log.Info("pool stats updater stopped")
}

func (w *PoolStatsUpdater) run() {
	interval := time.Duration(w.cfg.Intervals().PoolStatsSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

func (w *PoolStatsUpdater) sweepOnce() {
	if w.cfg.MaintenanceMode() {
		return
	}
	list, err := w.poolStore.List()
	if err != nil {
		w.log.Warn("failed to list pools for stats recompute", "error", err)
		return
	}
	now := time.Now()
	for _, p := range list {
		if _, err := w.poolStore.RecomputeStats(p.ID, now); err != nil {
			w.log.Warn("failed to recompute pool stats", "pool_id", p.ID, "error", err)
		}
	}
	w.log.Debug("recomputed pool stats", "pools", len(list))
}
