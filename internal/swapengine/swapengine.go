// Package swapengine drives the swap state machine: pay-side
// pull/verify, quote, atomic pool mutation, receive-side push, with
// claim-based recovery on either side's ledger failure. The discipline
// in force throughout: pay-side is confirmed to completion, then the
// quote and pool mutation happen in one synchronous section with no
// ledger call in between, and only then does the engine suspend again
// on the receive-side push.
package swapengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
	"github.com/kongswap/kong-backend/pkg/logging"
)

var (
	ErrUnknownToken   = errors.New("swapengine: unknown token")
	ErrSlippage       = errors.New("swapengine: quote violates min_receive or max_slippage")
	ErrMissingTxRef   = errors.New("swapengine: pay token requires a tx_ref")
)

// StatusCode is one entry in the flat status-code alphabet the journal
// records as the engine progresses.
type StatusCode string

const (
	StatusStart                      StatusCode = "Start"
	StatusSendPayToken                StatusCode = "SendPayToken"
	StatusSendPayTokenSuccess         StatusCode = "SendPayTokenSuccess"
	StatusSendPayTokenFailed          StatusCode = "SendPayTokenFailed"
	StatusVerifyPayToken              StatusCode = "VerifyPayToken"
	StatusVerifyPayTokenSuccess       StatusCode = "VerifyPayTokenSuccess"
	StatusVerifyPayTokenFailed        StatusCode = "VerifyPayTokenFailed"
	StatusCalculatePoolAmounts        StatusCode = "CalculatePoolAmounts"
	StatusCalculatePoolAmountsSuccess StatusCode = "CalculatePoolAmountsSuccess"
	StatusCalculatePoolAmountsFailed  StatusCode = "CalculatePoolAmountsFailed"
	StatusUpdatePoolAmounts           StatusCode = "UpdatePoolAmounts"
	StatusUpdatePoolAmountsSuccess    StatusCode = "UpdatePoolAmountsSuccess"
	StatusUpdatePoolAmountsFailed     StatusCode = "UpdatePoolAmountsFailed"
	StatusSendReceiveToken            StatusCode = "SendReceiveToken"
	StatusSendReceiveTokenSuccess     StatusCode = "SendReceiveTokenSuccess"
	StatusSendReceiveTokenFailed      StatusCode = "SendReceiveTokenFailed"
	StatusReturnPayToken              StatusCode = "ReturnPayToken"
	StatusReturnPayTokenSuccess       StatusCode = "ReturnPayTokenSuccess"
	StatusReturnPayTokenFailed        StatusCode = "ReturnPayTokenFailed"
	StatusClaimToken                  StatusCode = "ClaimToken"
	StatusClaimTokenSuccess           StatusCode = "ClaimTokenSuccess"
	StatusSuccess                     StatusCode = "Success"
	StatusFailed                      StatusCode = "Failed"
)

// SwapRequest is the caller-supplied body for a swap.
type SwapRequest struct {
	PayToken       uint64
	PayAmount      bignum.Amount
	PayTxRef       *ledger.TxRef // nil when the pay token supports TransferFrom pull
	ReceiveToken   uint64
	MinReceive     *bignum.Amount
	MaxSlippagePct *float64
	ReceiveAddress string
	FromAddress    string // pay-side source address, for pull
}

// HopDetail mirrors one leg of the route in the reply.
type HopDetail struct {
	PoolID       uint64
	PayToken     uint64
	ReceiveToken uint64
	PayAmount    bignum.Amount
	ReceiveAmount bignum.Amount
	LPFee        bignum.Amount
	PlatformFee  bignum.Amount
}

// SwapReply is the terminal reply for a swap request.
type SwapReply struct {
	RequestID     uint64
	Status        string // "Success" | "Failed"
	PaySymbol     string
	PayAmount     bignum.Amount
	ReceiveSymbol string
	ReceiveAmount bignum.Amount
	MidPrice      float64
	Price         float64
	Slippage      float64
	Hops          []HopDetail
	TransferIDs   []uint64
	ClaimIDs      []uint64
	Ts            time.Time
}

// IDAllocator issues monotonic ids for requests, transfers, claims, and
// admin ETL feed entries.
type IDAllocator interface {
	NextRequestID() uint64
	NextTransferID() uint64
	NextClaimID() uint64
	NextUpdateID() uint64
}

// Engine drives swaps to completion. Dependencies are all
// already-concurrency-safe stores; Engine's own mutex only protects the
// in-memory set of operations currently past pay-side verification and
// before receive-side completion, mirroring how an atomic-swap
// coordinator tracks its in-flight trades.
type Engine struct {
	mu     sync.Mutex
	active map[uint64]struct{} // request ids currently mutating a pool

	tokens    *tokens.Registry
	poolStore *pools.Store
	router    *amm.Router
	ledgers   ledger.Adapter
	xfers     *transfers.Ledger
	claims    *transfers.Claims
	jrnl      *journal.Journal
	feed      *journal.Feed
	ids       IDAllocator
	sysAddr   string // the backend's own receiving address on every ledger
	log       *logging.Logger
}

func New(tokenReg *tokens.Registry, poolStore *pools.Store, router *amm.Router, ledgers ledger.Adapter, xfers *transfers.Ledger, claims *transfers.Claims, jrnl *journal.Journal, feed *journal.Feed, ids IDAllocator, systemAddress string) *Engine {
	return &Engine{
		active:    make(map[uint64]struct{}),
		tokens:    tokenReg,
		poolStore: poolStore,
		router:    router,
		ledgers:   ledgers,
		xfers:     xfers,
		claims:    claims,
		jrnl:      jrnl,
		feed:      feed,
		ids:       ids,
		sysAddr:   systemAddress,
		log:       logging.GetDefault().Component("swapengine"),
	}
}

// Swap drives one swap request to a terminal reply.
func (e *Engine) Swap(ctx context.Context, userID uint64, req SwapRequest, now time.Time) (SwapReply, error) {
	requestID := e.ids.NextRequestID()
	e.jrnl.Open(requestID, userID, "swap", req, now)

	payTok, err := e.tokens.Get(req.PayToken)
	if err != nil {
		return e.fail(requestID, now, ErrUnknownToken)
	}
	recvTok, err := e.tokens.Get(req.ReceiveToken)
	if err != nil {
		return e.fail(requestID, now, ErrUnknownToken)
	}

	// Pay side: pull (TransferFrom) or verify a user-supplied tx_ref.
	var payTransferID uint64
	if payTok.Kind == tokens.KindNativeLedger && payTok.Caps.ICRC2 {
		e.jrnl.AppendStatus(requestID, string(StatusSendPayToken), "", now)
		ref, err := e.ledgers.Pull(ctx, payTok.LedgerID, req.FromAddress, req.PayAmount.Uint64())
		if err != nil {
			e.jrnl.AppendStatus(requestID, string(StatusSendPayTokenFailed), err.Error(), now)
			return e.fail(requestID, now, err)
		}
		e.jrnl.AppendStatus(requestID, string(StatusSendPayTokenSuccess), "", now)
		payTransferID = e.ids.NextTransferID()
		rec, err := e.xfers.RecordReceive(requestID, payTransferID, payTok.ID, req.PayAmount, ref, now)
		if err != nil {
			e.jrnl.AppendStatus(requestID, string(StatusFailed), err.Error(), now)
			return e.fail(requestID, now, err)
		}
		e.appendTxUpdate(rec, now)
	} else {
		if req.PayTxRef == nil {
			return e.fail(requestID, now, ErrMissingTxRef)
		}
		e.jrnl.AppendStatus(requestID, string(StatusVerifyPayToken), "", now)
		res, err := e.ledgers.VerifyInbound(ctx, payTok.LedgerID, *req.PayTxRef, req.PayAmount.Uint64(), e.sysAddr, now.Add(-ledger.DefaultVerifyExpiry))
		if err != nil {
			e.jrnl.AppendStatus(requestID, string(StatusVerifyPayTokenFailed), err.Error(), now)
			return e.fail(requestID, now, err)
		}
		if !res.OK {
			e.jrnl.AppendStatus(requestID, string(StatusVerifyPayTokenFailed), res.Reason, now)
			return e.fail(requestID, now, errors.New("swapengine: "+res.Reason))
		}
		e.jrnl.AppendStatus(requestID, string(StatusVerifyPayTokenSuccess), "", now)
		payTransferID = e.ids.NextTransferID()
		rec, err := e.xfers.RecordReceive(requestID, payTransferID, payTok.ID, req.PayAmount, *req.PayTxRef, now)
		if err != nil {
			e.jrnl.AppendStatus(requestID, string(StatusFailed), err.Error(), now)
			return e.fail(requestID, now, err)
		}
		e.appendTxUpdate(rec, now)
	}

	// From here on: quote + pool mutation happen with no ledger call in
	// between, holding this request's slot in `active`.
	e.mu.Lock()
	e.active[requestID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, requestID)
		e.mu.Unlock()
	}()

	e.jrnl.AppendStatus(requestID, string(StatusCalculatePoolAmounts), "", now)
	quote, err := e.router.Quote(payTok.ID, recvTok.ID, req.PayAmount)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusCalculatePoolAmountsFailed), err.Error(), now)
		return e.returnPayToken(ctx, requestID, userID, payTok, req, now, err)
	}
	// The receive ledger's fixed fee comes out of the payout transfer;
	// deduct it here so min_receive, slippage, the reply, and any claim
	// all describe what the user is actually credited. grossPayout is
	// what the ledger is debited; it delivers netReceive on the wire.
	grossPayout := quote.NetReceive
	quote = amm.ApplyGasFee(quote, recvTok.Fee)
	if req.MinReceive != nil && quote.NetReceive.Cmp(*req.MinReceive) < 0 {
		e.jrnl.AppendStatus(requestID, string(StatusCalculatePoolAmountsFailed), "min_receive not met", now)
		return e.returnPayToken(ctx, requestID, userID, payTok, req, now, ErrSlippage)
	}
	if req.MaxSlippagePct != nil && quote.SlippagePct > *req.MaxSlippagePct {
		e.jrnl.AppendStatus(requestID, string(StatusCalculatePoolAmountsFailed), "slippage exceeded", now)
		return e.returnPayToken(ctx, requestID, userID, payTok, req, now, ErrSlippage)
	}
	e.jrnl.AppendStatus(requestID, string(StatusCalculatePoolAmountsSuccess), "", now)

	e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolAmounts), "", now)
	var hops []HopDetail
	for _, leg := range quote.Legs {
		dir := pools.Dir0
		p, _ := e.poolStore.Get(leg.PoolID)
		if leg.PayToken != p.Token0ID {
			dir = pools.Dir1
		}
		updated, err := e.poolStore.MutateForSwap(leg.PoolID, dir, leg.PayAmount, leg.GrossReceive, leg.LPFee, leg.PlatformFee)
		if err != nil {
			e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolAmountsFailed), err.Error(), now)
			return e.fail(requestID, now, err)
		}
		if e.feed != nil {
			e.feed.Append(e.ids.NextUpdateID(), journal.VariantPoolMap, updated, now)
		}
		hops = append(hops, HopDetail{
			PoolID: leg.PoolID, PayToken: leg.PayToken, ReceiveToken: leg.ReceiveToken,
			PayAmount: leg.PayAmount, ReceiveAmount: leg.NetReceive, LPFee: leg.LPFee, PlatformFee: leg.PlatformFee,
		})
	}
	e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolAmountsSuccess), "", now)

	// Pool mutation has happened; from here a failure becomes a claim,
	// never a rollback.
	netReceive := quote.NetReceive
	e.jrnl.AppendStatus(requestID, string(StatusSendReceiveToken), "", now)
	ref, pushErr := ledger.PushWithRetry(ctx, e.ledgers, recvTok.LedgerID, req.ReceiveAddress, grossPayout.Uint64(), ledger.DefaultPushRetries)
	if pushErr != nil {
		e.jrnl.AppendStatus(requestID, string(StatusSendReceiveTokenFailed), pushErr.Error(), now)
		claimID := e.createClaim(userID, recvTok.ID, netReceive, req.ReceiveAddress, requestID, now)
		e.jrnl.AppendStatus(requestID, string(StatusClaimTokenSuccess), "", now)
		reply := e.buildReply(requestID, "Success", payTok.Symbol, req.PayAmount, recvTok.Symbol, netReceive, quote, hops, []uint64{payTransferID}, []uint64{claimID}, now)
		e.jrnl.AppendStatus(requestID, string(StatusSuccess), "", now)
		e.setReply(requestID, reply, now)
		return reply, nil
	}
	e.jrnl.AppendStatus(requestID, string(StatusSendReceiveTokenSuccess), "", now)
	sendTransferID := e.ids.NextTransferID()
	if rec, err := e.xfers.RecordSend(requestID, sendTransferID, recvTok.ID, netReceive, ref, now); err == nil {
		e.appendTxUpdate(rec, now)
	}

	reply := e.buildReply(requestID, "Success", payTok.Symbol, req.PayAmount, recvTok.Symbol, netReceive, quote, hops, []uint64{payTransferID, sendTransferID}, nil, now)
	e.jrnl.AppendStatus(requestID, string(StatusSuccess), "", now)
	e.setReply(requestID, reply, now)
	return reply, nil
}

// returnPayToken attempts to push the pay amount (minus gas) back to
// the sender when the quote fails validation before any pool mutation.
// On push failure, a claim is created instead.
func (e *Engine) returnPayToken(ctx context.Context, requestID, userID uint64, payTok tokens.Token, req SwapRequest, now time.Time, cause error) (SwapReply, error) {
	e.jrnl.AppendStatus(requestID, string(StatusReturnPayToken), "", now)
	var claimIDs []uint64
	if payTok.Kind == tokens.KindNativeLedger {
		refundAmount, ok := bignum.Sub(req.PayAmount, bignum.FromUint64(payTok.Fee))
		if !ok {
			refundAmount = bignum.Zero()
		}
		ref, err := ledger.PushWithRetry(ctx, e.ledgers, payTok.LedgerID, req.FromAddress, refundAmount.Uint64(), ledger.DefaultPushRetries)
		if err != nil {
			e.jrnl.AppendStatus(requestID, string(StatusReturnPayTokenFailed), err.Error(), now)
			claimID := e.createClaim(userID, payTok.ID, refundAmount, req.FromAddress, requestID, now)
			claimIDs = append(claimIDs, claimID)
		} else {
			e.jrnl.AppendStatus(requestID, string(StatusReturnPayTokenSuccess), "", now)
			transferID := e.ids.NextTransferID()
			if rec, err := e.xfers.RecordSend(requestID, transferID, payTok.ID, refundAmount, ref, now); err == nil {
				e.appendTxUpdate(rec, now)
			}
		}
	}
	reply := SwapReply{RequestID: requestID, Status: "Failed", ClaimIDs: claimIDs, Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusFailed), cause.Error(), now)
	e.setReply(requestID, reply, now)
	return reply, cause
}

// createClaim opens a claim for amount of tokenID and mirrors it onto
// the admin ETL feed.
func (e *Engine) createClaim(userID, tokenID uint64, amount bignum.Amount, toAddress string, requestID uint64, now time.Time) uint64 {
	claimID := e.ids.NextClaimID()
	cl, err := e.claims.Create(claimID, userID, tokenID, amount, toAddress, &requestID, false, now)
	if err != nil {
		e.log.Error("failed to persist claim", "claim_id", claimID, "error", err)
		return claimID
	}
	e.appendUpdate(journal.VariantClaimMap, cl, now)
	return claimID
}

// appendTxUpdate records a transfer record on the admin ETL feed. It is
// best-effort: a feed write failure must never fail the swap it
// accompanies, so the error is dropped after logging.
func (e *Engine) appendTxUpdate(rec transfers.Record, now time.Time) {
	e.appendUpdate(journal.VariantTransferMap, rec, now)
}

func (e *Engine) appendUpdate(variant journal.UpdateVariant, payload interface{}, now time.Time) {
	if e.feed == nil {
		return
	}
	if err := e.feed.Append(e.ids.NextUpdateID(), variant, payload, now); err != nil {
		e.log.Warn("failed to append db_updates entry", "variant", variant, "error", err)
	}
}

// setReply finalizes the journal record and mirrors the terminal reply
// onto the admin ETL feed: the full reply under RequestMap, and the
// per-hop transaction detail under TxMap for settled swaps.
func (e *Engine) setReply(requestID uint64, reply SwapReply, now time.Time) {
	e.jrnl.SetReply(requestID, reply)
	e.appendUpdate(journal.VariantRequestMap, reply, now)
	if reply.Status == "Success" && len(reply.Hops) > 0 {
		e.appendUpdate(journal.VariantTxMap, reply.Hops, now)
	}
}

func (e *Engine) fail(requestID uint64, now time.Time, cause error) (SwapReply, error) {
	reply := SwapReply{RequestID: requestID, Status: "Failed", Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusFailed), cause.Error(), now)
	e.setReply(requestID, reply, now)
	return reply, cause
}

func (e *Engine) buildReply(requestID uint64, status, paySym string, payAmount bignum.Amount, recvSym string, netReceive bignum.Amount, quote amm.Quote, hops []HopDetail, transferIDs, claimIDs []uint64, now time.Time) SwapReply {
	return SwapReply{
		RequestID: requestID, Status: status,
		PaySymbol: paySym, PayAmount: payAmount,
		ReceiveSymbol: recvSym, ReceiveAmount: netReceive,
		MidPrice: quote.MidPrice, Price: quote.ExecPrice, Slippage: quote.SlippagePct,
		Hops: hops, TransferIDs: transferIDs, ClaimIDs: claimIDs, Ts: now,
	}
}
