package sweepers

import (
	"context"
	"time"

	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/pkg/logging"
)

// RequestArchiver marks journal requests older than journal.ArchiveAfter
// as archived, keeping the hot table small for ForUser lookups.
type RequestArchiver struct {
	jrnl *journal.Journal
	cfg  *settings.Settings
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRequestArchiver(jrnl *journal.Journal, cfg *settings.Settings) *RequestArchiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestArchiver{jrnl: jrnl, cfg: cfg, log: logging.GetDefault().Component("request-archiver"), ctx: ctx, cancel: cancel}
}

func (w *RequestArchiver) Start() {
	go w.run()
	w.log.Info("request archiver started")
}

func (w *RequestArchiver) Stop() {
	w.cancel()
	w.log.Info("request archiver stopped")
}

func (w *RequestArchiver) run() {
	interval := time.Duration(w.cfg.Intervals().RequestArchiveSeconds) * time.Second
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

func (w *RequestArchiver) sweepOnce() {
	if w.cfg.MaintenanceMode() {
		return
	}
	n, err := w.jrnl.ArchiveOlderThan(time.Now().Add(-journal.ArchiveAfter))
	if err != nil {
		w.log.Warn("failed to archive requests", "error", err)
		return
	}
	if n > 0 {
		w.log.Debug("archived requests", "count", n)
	}
}
