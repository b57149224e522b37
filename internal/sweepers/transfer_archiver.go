package sweepers

import (
	"context"
	"time"

	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/internal/transfers"
	"github.com/kongswap/kong-backend/pkg/logging"
)

// TransferArchiver deletes transfer records once they fall outside the
// double-spend dedup window, so the append-only transfers table
// doesn't grow without bound.
type TransferArchiver struct {
	xfers *transfers.Ledger
	cfg   *settings.Settings
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTransferArchiver(xfers *transfers.Ledger, cfg *settings.Settings) *TransferArchiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &TransferArchiver{xfers: xfers, cfg: cfg, log: logging.GetDefault().Component("transfer-archiver"), ctx: ctx, cancel: cancel}
}

func (w *TransferArchiver) Start() {
	go w.run()
	w.log.Info("transfer archiver started")
}

func (w *TransferArchiver) Stop() {
	w.cancel()
	w.log.Info("transfer archiver stopped")
}

func (w *TransferArchiver) run() {
	interval := time.Duration(w.cfg.Intervals().TransferArchiveSeconds) * time.Second
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

func (w *TransferArchiver) sweepOnce() {
	if w.cfg.MaintenanceMode() {
		return
	}
	n, err := w.xfers.DeleteOlderThan(time.Now().Add(-transfers.DedupWindow))
	if err != nil {
		w.log.Warn("failed to archive transfers", "error", err)
		return
	}
	if n > 0 {
		w.log.Debug("archived transfers", "count", n)
	}
}
