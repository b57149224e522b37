// Package sweepers holds the background workers that age the system
// forward between RPC calls: the claims sweeper drives pending payouts
// to completion, the request and transfer archivers trim settled
// history, and the pool-stats updater recomputes rolling 24h figures.
// Each worker is a ticker loop over a context and exits early while
// maintenance mode is set.
package sweepers

import (
	"context"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
	"github.com/kongswap/kong-backend/pkg/logging"
)

// IDAllocator mirrors the counter spaces the sweeper draws from when it
// attributes a sweep attempt to a synthetic request.
type IDAllocator interface {
	NextRequestID() uint64
	NextTransferID() uint64
	NextUpdateID() uint64
}

// ClaimSweeper drives every eligible claim through Claims.Attempt,
// attributing each attempt to a synthetic journal request opened under
// settings.UserClaimsSweeper.
type ClaimSweeper struct {
	claims   *transfers.Claims
	xfers    *transfers.Ledger
	tokenReg *tokens.Registry
	ledgers  ledger.Adapter
	jrnl     *journal.Journal
	feed     *journal.Feed
	cfg      *settings.Settings
	ids      IDAllocator
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClaimSweeper(claims *transfers.Claims, xfers *transfers.Ledger, tokenReg *tokens.Registry, ledgers ledger.Adapter, jrnl *journal.Journal, feed *journal.Feed, cfg *settings.Settings, ids IDAllocator) *ClaimSweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClaimSweeper{
		claims: claims, xfers: xfers, tokenReg: tokenReg, ledgers: ledgers,
		jrnl: jrnl, feed: feed, cfg: cfg, ids: ids,
		log: logging.GetDefault().Component("claim-sweeper"),
		ctx: ctx, cancel: cancel,
	}
}

// Start starts the sweeper's background goroutine.
func (w *ClaimSweeper) Start() {
	go w.run()
	w.log.Info("claim sweeper started")
}

// Stop stops the sweeper.
func (w *ClaimSweeper) Stop() {
	w.cancel()
	w.log.Info("claim sweeper stopped")
}

func (w *ClaimSweeper) run() {
	interval := time.Duration(w.cfg.Intervals().ClaimSweepSeconds) * time.Second
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

// sweepOnce drives one pass over SweepEligible, halting after five
// consecutive failures so a systemically broken ledger doesn't burn
// through every claim's attempt budget in one tick.
func (w *ClaimSweeper) sweepOnce() {
	if w.cfg.MaintenanceMode() {
		return
	}

	now := time.Now()
	eligible, err := w.claims.SweepEligible(now)
	if err != nil {
		w.log.Warn("failed to list sweep-eligible claims", "error", err)
		return
	}

	consecutiveFailures := 0
	for _, cl := range eligible {
		if consecutiveFailures >= transfers.MaxConsecutiveSweepFailures {
			w.log.Warn("claim sweep halted after consecutive failures", "count", consecutiveFailures)
			return
		}

		tok, err := w.tokenReg.Get(cl.TokenID)
		if err != nil {
			w.log.Warn("claim references unknown token", "claim_id", cl.ID, "token_id", cl.TokenID, "error", err)
			consecutiveFailures++
			continue
		}

		requestID := w.ids.NextRequestID()
		transferID := w.ids.NextTransferID()
		if w.jrnl != nil {
			w.jrnl.Open(requestID, settings.UserClaimsSweeper, "claim_sweep", map[string]uint64{"claim_id": cl.ID}, now)
		}
		result := w.claims.Attempt(w.ctx, cl.ID, tok.LedgerID, requestID, transferID, w.ledgers, w.recordSend, now)
		if result.Err != nil || !result.Succeeded {
			consecutiveFailures++
			if w.jrnl != nil {
				w.jrnl.AppendStatus(requestID, "ClaimTokenFailed", errString(result.Err), now)
				w.jrnl.SetReply(requestID, result)
			}
			// A failed attempt can tip the claim into TooManyAttempts;
			// that is a terminal state the ETL feed must see too.
			w.appendIfTerminal(cl.ID, now)
			w.log.Debug("claim sweep attempt did not complete", "claim_id", cl.ID, "error", result.Err)
			continue
		}
		consecutiveFailures = 0
		if w.jrnl != nil {
			w.jrnl.AppendStatus(requestID, "ClaimTokenSuccess", "", now)
			w.jrnl.SetReply(requestID, result)
		}
		if w.feed != nil {
			if updated, gerr := w.claims.Get(cl.ID); gerr == nil {
				w.feed.Append(w.ids.NextUpdateID(), journal.VariantClaimMap, updated, now)
			}
		}
		w.log.Info("claim swept", "claim_id", cl.ID, "transfer_id", transferID)
	}
}

// appendIfTerminal mirrors a claim onto the ETL feed when a failed
// attempt left it in TooManyAttempts.
func (w *ClaimSweeper) appendIfTerminal(claimID uint64, now time.Time) {
	if w.feed == nil {
		return
	}
	updated, err := w.claims.Get(claimID)
	if err != nil || updated.Status != transfers.ClaimTooManyAttempts {
		return
	}
	w.feed.Append(w.ids.NextUpdateID(), journal.VariantClaimMap, updated, now)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (w *ClaimSweeper) recordSend(requestID, transferID, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) error {
	_, err := w.xfers.RecordSend(requestID, transferID, tokenID, amount, ref, ts)
	return err
}
