// Package liquidity drives add_pool, add_liquidity, and remove_liquidity
// to completion: pull or verify both sides before any pool exists in a
// listed state, compute the proportional split, mutate reserves exactly
// once, and mint or burn LP. Failures after a token has been received
// convert it into a claim rather than attempting a rollback.
package liquidity

import (
	"context"
	"errors"
	"fmt"
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
	ErrUnknownToken = errors.New("liquidity: unknown token")
	ErrSameToken    = errors.New("liquidity: token_0 and token_1 must differ")
)

// Status codes for the add_pool/add_liquidity/remove_liquidity alphabet.
const (
	StatusStart                StatusCode = "Start"
	StatusPullToken0           StatusCode = "PullToken0"
	StatusPullToken0Success    StatusCode = "PullToken0Success"
	StatusPullToken0Failed     StatusCode = "PullToken0Failed"
	StatusPullToken1           StatusCode = "PullToken1"
	StatusPullToken1Success    StatusCode = "PullToken1Success"
	StatusPullToken1Failed     StatusCode = "PullToken1Failed"
	StatusCreatePool           StatusCode = "CreatePool"
	StatusCreatePoolSuccess    StatusCode = "CreatePoolSuccess"
	StatusCreatePoolFailed     StatusCode = "CreatePoolFailed"
	StatusCalculateAmounts     StatusCode = "CalculateAmounts"
	StatusUpdatePoolAmounts    StatusCode = "UpdatePoolAmounts"
	StatusUpdatePoolSuccess    StatusCode = "UpdatePoolAmountsSuccess"
	StatusUpdatePoolFailed     StatusCode = "UpdatePoolAmountsFailed"
	StatusRefundUnused         StatusCode = "RefundUnused"
	StatusBurnLP               StatusCode = "BurnLP"
	StatusPushToken0           StatusCode = "PushToken0"
	StatusPushToken1           StatusCode = "PushToken1"
	StatusClaimCreated         StatusCode = "ClaimCreated"
	StatusSuccess              StatusCode = "Success"
	StatusFailed               StatusCode = "Failed"
)

type StatusCode string

// IDAllocator issues the monotonic ids the engine needs.
type IDAllocator interface {
	NextRequestID() uint64
	NextPoolID() uint64
	NextTransferID() uint64
	NextClaimID() uint64
	NextUpdateID() uint64
}

// Engine drives the three liquidity operations.
type Engine struct {
	tokenReg  *tokens.Registry
	poolStore *pools.Store
	ledgers   ledger.Adapter
	xfers     *transfers.Ledger
	claims    *transfers.Claims
	jrnl      *journal.Journal
	feed      *journal.Feed
	ids       IDAllocator
	sysAddr   string
	log       *logging.Logger
}

func New(tokenReg *tokens.Registry, poolStore *pools.Store, ledgers ledger.Adapter, xfers *transfers.Ledger, claims *transfers.Claims, jrnl *journal.Journal, feed *journal.Feed, ids IDAllocator, systemAddress string) *Engine {
	return &Engine{
		tokenReg: tokenReg, poolStore: poolStore, ledgers: ledgers,
		xfers: xfers, claims: claims, jrnl: jrnl, feed: feed, ids: ids,
		sysAddr: systemAddress,
		log:     logging.GetDefault().Component("liquidity"),
	}
}

// appendUpdate mirrors a mutation onto the admin ETL feed,
// best-effort.
func (e *Engine) appendUpdate(variant journal.UpdateVariant, payload interface{}, now time.Time) {
	if e.feed == nil {
		return
	}
	if err := e.feed.Append(e.ids.NextUpdateID(), variant, payload, now); err != nil {
		e.log.Warn("failed to append db_updates entry", "variant", variant, "error", err)
	}
}

// finish sets the journal reply and mirrors it under RequestMap.
func (e *Engine) finish(requestID uint64, reply interface{}, now time.Time) {
	e.jrnl.SetReply(requestID, reply)
	e.appendUpdate(journal.VariantRequestMap, reply, now)
}

// pulledSide is one side's inbound token, confirmed receipt.
type pulledSide struct {
	tok    tokens.Token
	amount bignum.Amount
}

// pullSide receives one side of a two-sided deposit: pull via
// TransferFrom when the ledger supports it, otherwise verify a
// caller-supplied tx_ref. Mirrors the pay-side branch in swapengine.
func (e *Engine) pullSide(ctx context.Context, requestID uint64, tokenID uint64, amount bignum.Amount, fromAddress string, txRef *ledger.TxRef, now time.Time) (pulledSide, error) {
	tok, err := e.tokenReg.Get(tokenID)
	if err != nil {
		return pulledSide{}, ErrUnknownToken
	}
	if tok.Kind == tokens.KindNativeLedger && tok.Caps.ICRC2 {
		ref, err := e.ledgers.Pull(ctx, tok.LedgerID, fromAddress, amount.Uint64())
		if err != nil {
			return pulledSide{}, err
		}
		transferID := e.ids.NextTransferID()
		rec, err := e.xfers.RecordReceive(requestID, transferID, tok.ID, amount, ref, now)
		if err != nil {
			return pulledSide{}, err
		}
		e.appendUpdate(journal.VariantTransferMap, rec, now)
		return pulledSide{tok: tok, amount: amount}, nil
	}
	if txRef == nil {
		return pulledSide{}, fmt.Errorf("liquidity: token %d requires a tx_ref", tokenID)
	}
	res, err := e.ledgers.VerifyInbound(ctx, tok.LedgerID, *txRef, amount.Uint64(), e.sysAddr, now.Add(-ledger.DefaultVerifyExpiry))
	if err != nil {
		return pulledSide{}, err
	}
	if !res.OK {
		return pulledSide{}, fmt.Errorf("liquidity: %s", res.Reason)
	}
	transferID := e.ids.NextTransferID()
	rec, err := e.xfers.RecordReceive(requestID, transferID, tok.ID, amount, *txRef, now)
	if err != nil {
		return pulledSide{}, err
	}
	e.appendUpdate(journal.VariantTransferMap, rec, now)
	return pulledSide{tok: tok, amount: amount}, nil
}

// refundOrClaim pushes amount of tok back to toAddress, creating a claim
// on push failure. Used whenever a side must be returned after receipt.
func (e *Engine) refundOrClaim(ctx context.Context, userID uint64, requestID uint64, tok tokens.Token, amount bignum.Amount, toAddress string, now time.Time) (transferID uint64, claimID uint64) {
	if amount.IsZero() {
		return 0, 0
	}
	ref, err := ledger.PushWithRetry(ctx, e.ledgers, tok.LedgerID, toAddress, amount.Uint64(), ledger.DefaultPushRetries)
	if err != nil {
		id := e.ids.NextClaimID()
		if cl, cerr := e.claims.Create(id, userID, tok.ID, amount, toAddress, &requestID, false, now); cerr == nil {
			e.appendUpdate(journal.VariantClaimMap, cl, now)
		}
		return 0, id
	}
	id := e.ids.NextTransferID()
	if rec, serr := e.xfers.RecordSend(requestID, id, tok.ID, amount, ref, now); serr == nil {
		e.appendUpdate(journal.VariantTransferMap, rec, now)
	}
	return id, 0
}

// AddPoolRequest is the caller-supplied body for add_pool.
type AddPoolRequest struct {
	Token0, Token1           uint64
	Amount0, Amount1         bignum.Amount
	Token0TxRef, Token1TxRef *ledger.TxRef
	FromAddress              string
	LPFeeBps, PlatformFeeBps uint8
	LPTokenID                uint64
}

// AddPoolReply is the terminal reply for add_pool.
type AddPoolReply struct {
	RequestID uint64
	Status    string
	PoolID    uint64
	LPMinted  bignum.Amount
	ClaimIDs  []uint64
	Ts        time.Time
}

// AddPool pulls both sides, creates the pool record, and mints initial
// LP. A failure before both sides are received converts whatever was
// already pulled into a claim for refund.
func (e *Engine) AddPool(ctx context.Context, userID uint64, req AddPoolRequest, now time.Time) (AddPoolReply, error) {
	requestID := e.ids.NextRequestID()
	e.jrnl.Open(requestID, userID, "add_pool", req, now)

	if req.Token0 == req.Token1 {
		return e.failAddPool(requestID, now, ErrSameToken)
	}

	e.jrnl.AppendStatus(requestID, string(StatusPullToken0), "", now)
	side0, err := e.pullSide(ctx, requestID, req.Token0, req.Amount0, req.FromAddress, req.Token0TxRef, now)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusPullToken0Failed), err.Error(), now)
		return e.failAddPool(requestID, now, err)
	}
	e.jrnl.AppendStatus(requestID, string(StatusPullToken0Success), "", now)

	e.jrnl.AppendStatus(requestID, string(StatusPullToken1), "", now)
	side1, err := e.pullSide(ctx, requestID, req.Token1, req.Amount1, req.FromAddress, req.Token1TxRef, now)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusPullToken1Failed), err.Error(), now)
		_, claimID := e.refundOrClaim(ctx, userID, requestID, side0.tok, side0.amount, req.FromAddress, now)
		var claimIDs []uint64
		if claimID != 0 {
			claimIDs = append(claimIDs, claimID)
		}
		reply := AddPoolReply{RequestID: requestID, Status: "Failed", ClaimIDs: claimIDs, Ts: now}
		e.jrnl.AppendStatus(requestID, string(StatusFailed), err.Error(), now)
		e.finish(requestID, reply, now)
		return reply, err
	}
	e.jrnl.AppendStatus(requestID, string(StatusPullToken1Success), "", now)

	e.jrnl.AppendStatus(requestID, string(StatusCreatePool), "", now)
	poolID := e.ids.NextPoolID()
	p, err := e.poolStore.Create(req.Token0, req.Token1, req.LPFeeBps, req.PlatformFeeBps, side0.amount, side1.amount, req.LPTokenID, userID, poolID)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusCreatePoolFailed), err.Error(), now)
		_, c0 := e.refundOrClaim(ctx, userID, requestID, side0.tok, side0.amount, req.FromAddress, now)
		_, c1 := e.refundOrClaim(ctx, userID, requestID, side1.tok, side1.amount, req.FromAddress, now)
		var claimIDs []uint64
		for _, c := range []uint64{c0, c1} {
			if c != 0 {
				claimIDs = append(claimIDs, c)
			}
		}
		reply := AddPoolReply{RequestID: requestID, Status: "Failed", ClaimIDs: claimIDs, Ts: now}
		e.jrnl.AppendStatus(requestID, string(StatusFailed), err.Error(), now)
		e.finish(requestID, reply, now)
		return reply, err
	}
	e.jrnl.AppendStatus(requestID, string(StatusCreatePoolSuccess), "", now)
	e.appendUpdate(journal.VariantPoolMap, p, now)

	lpMinted := bignum.Sqrt(bignum.Mul(side0.amount, side1.amount))
	e.appendUpdate(journal.VariantLPTokenMap, map[string]interface{}{
		"lp_token_id": p.LPTokenID, "user_id": userID, "minted": lpMinted,
	}, now)
	reply := AddPoolReply{RequestID: requestID, Status: "Success", PoolID: p.ID, LPMinted: lpMinted, Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusSuccess), "", now)
	e.finish(requestID, reply, now)
	return reply, nil
}

func (e *Engine) failAddPool(requestID uint64, now time.Time, cause error) (AddPoolReply, error) {
	reply := AddPoolReply{RequestID: requestID, Status: "Failed", Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusFailed), cause.Error(), now)
	e.finish(requestID, reply, now)
	return reply, cause
}

// AddLiquidityRequest is the caller-supplied body for add_liquidity.
type AddLiquidityRequest struct {
	PoolID                   uint64
	Desired0, Desired1       bignum.Amount
	Token0TxRef, Token1TxRef *ledger.TxRef
	FromAddress              string
}

// AddLiquidityReply is the terminal reply for add_liquidity.
type AddLiquidityReply struct {
	RequestID uint64
	Status    string
	Used0, Used1 bignum.Amount
	Refund0, Refund1 bignum.Amount
	LPMinted  bignum.Amount
	ClaimIDs  []uint64
	Ts        time.Time
}

// AddLiquidity pulls both sides at the caller's desired amounts,
// computes the proportional used/refund split, mutates reserves for the
// used amounts, mints LP, and refunds (claim-on-failure) any unused
// remainder.
func (e *Engine) AddLiquidity(ctx context.Context, userID uint64, req AddLiquidityRequest, now time.Time) (AddLiquidityReply, error) {
	requestID := e.ids.NextRequestID()
	e.jrnl.Open(requestID, userID, "add_liquidity", req, now)

	p, err := e.poolStore.Get(req.PoolID)
	if err != nil {
		return e.failAddLiquidity(requestID, now, err)
	}

	e.jrnl.AppendStatus(requestID, string(StatusPullToken0), "", now)
	side0, err := e.pullSide(ctx, requestID, p.Token0ID, req.Desired0, req.FromAddress, req.Token0TxRef, now)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusPullToken0Failed), err.Error(), now)
		return e.failAddLiquidity(requestID, now, err)
	}
	e.jrnl.AppendStatus(requestID, string(StatusPullToken0Success), "", now)

	e.jrnl.AppendStatus(requestID, string(StatusPullToken1), "", now)
	side1, err := e.pullSide(ctx, requestID, p.Token1ID, req.Desired1, req.FromAddress, req.Token1TxRef, now)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusPullToken1Failed), err.Error(), now)
		_, claimID := e.refundOrClaim(ctx, userID, requestID, side0.tok, side0.amount, req.FromAddress, now)
		var claimIDs []uint64
		if claimID != 0 {
			claimIDs = append(claimIDs, claimID)
		}
		reply := AddLiquidityReply{RequestID: requestID, Status: "Failed", ClaimIDs: claimIDs, Ts: now}
		e.jrnl.AppendStatus(requestID, string(StatusFailed), err.Error(), now)
		e.finish(requestID, reply, now)
		return reply, err
	}
	e.jrnl.AppendStatus(requestID, string(StatusPullToken1Success), "", now)

	e.jrnl.AppendStatus(requestID, string(StatusCalculateAmounts), "", now)
	totalSupply, err := e.poolStore.LPTotalSupply(p.LPTokenID)
	if err != nil {
		return e.failAddLiquidity(requestID, now, err)
	}
	split, err := amm.ProportionalAdd(p.Reserve0, p.Reserve1, side0.amount, side1.amount, totalSupply)
	if err != nil {
		_, c0 := e.refundOrClaim(ctx, userID, requestID, side0.tok, side0.amount, req.FromAddress, now)
		_, c1 := e.refundOrClaim(ctx, userID, requestID, side1.tok, side1.amount, req.FromAddress, now)
		var claimIDs []uint64
		for _, c := range []uint64{c0, c1} {
			if c != 0 {
				claimIDs = append(claimIDs, c)
			}
		}
		reply := AddLiquidityReply{RequestID: requestID, Status: "Failed", ClaimIDs: claimIDs, Ts: now}
		e.jrnl.AppendStatus(requestID, string(StatusFailed), err.Error(), now)
		e.finish(requestID, reply, now)
		return reply, err
	}

	e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolAmounts), "", now)
	updated, err := e.poolStore.MutateForAdd(p.ID, split.Used0, split.Used1, split.LPMinted, userID)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolFailed), err.Error(), now)
		return e.failAddLiquidity(requestID, now, err)
	}
	e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolSuccess), "", now)
	e.appendUpdate(journal.VariantPoolMap, updated, now)
	e.appendUpdate(journal.VariantLPTokenMap, map[string]interface{}{
		"lp_token_id": p.LPTokenID, "user_id": userID, "minted": split.LPMinted,
	}, now)

	e.jrnl.AppendStatus(requestID, string(StatusRefundUnused), "", now)
	var claimIDs []uint64
	if _, c := e.refundOrClaim(ctx, userID, requestID, side0.tok, split.Refund0, req.FromAddress, now); c != 0 {
		claimIDs = append(claimIDs, c)
	}
	if _, c := e.refundOrClaim(ctx, userID, requestID, side1.tok, split.Refund1, req.FromAddress, now); c != 0 {
		claimIDs = append(claimIDs, c)
	}

	reply := AddLiquidityReply{
		RequestID: requestID, Status: "Success",
		Used0: split.Used0, Used1: split.Used1,
		Refund0: split.Refund0, Refund1: split.Refund1,
		LPMinted: split.LPMinted, ClaimIDs: claimIDs, Ts: now,
	}
	e.jrnl.AppendStatus(requestID, string(StatusSuccess), "", now)
	e.finish(requestID, reply, now)
	return reply, nil
}

func (e *Engine) failAddLiquidity(requestID uint64, now time.Time, cause error) (AddLiquidityReply, error) {
	reply := AddLiquidityReply{RequestID: requestID, Status: "Failed", Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusFailed), cause.Error(), now)
	e.finish(requestID, reply, now)
	return reply, cause
}

// RemoveLiquidityRequest is the caller-supplied body for remove_liquidity.
type RemoveLiquidityRequest struct {
	PoolID    uint64
	LPBurn    bignum.Amount
	ToAddress string
}

// RemoveLiquidityReply is the terminal reply for remove_liquidity.
type RemoveLiquidityReply struct {
	RequestID  uint64
	Status     string
	Out0, Out1 bignum.Amount
	ClaimIDs   []uint64
	Ts         time.Time
}

// RemoveLiquidity burns the caller's LP, computes the pro-rata
// (out_0, out_1) including each side's share of the LP-fee accumulator,
// mutates the pool, and pushes both sides to the user (claim-on-failure
// per side).
func (e *Engine) RemoveLiquidity(ctx context.Context, userID uint64, req RemoveLiquidityRequest, now time.Time) (RemoveLiquidityReply, error) {
	requestID := e.ids.NextRequestID()
	e.jrnl.Open(requestID, userID, "remove_liquidity", req, now)

	p, err := e.poolStore.Get(req.PoolID)
	if err != nil {
		return e.failRemoveLiquidity(requestID, now, err)
	}

	e.jrnl.AppendStatus(requestID, string(StatusCalculateAmounts), "", now)
	totalSupply, err := e.poolStore.LPTotalSupply(p.LPTokenID)
	if err != nil {
		return e.failRemoveLiquidity(requestID, now, err)
	}
	result, err := amm.ProportionalRemove(p.Reserve0, p.Reserve1, p.LPFeeAccum0, p.LPFeeAccum1, req.LPBurn, totalSupply)
	if err != nil {
		return e.failRemoveLiquidity(requestID, now, err)
	}

	e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolAmounts), "", now)
	updated, err := e.poolStore.MutateForRemove(p.ID, result.Out0, result.Out1, req.LPBurn, result.FeeShare0, result.FeeShare1, userID)
	if err != nil {
		e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolFailed), err.Error(), now)
		return e.failRemoveLiquidity(requestID, now, err)
	}
	e.jrnl.AppendStatus(requestID, string(StatusUpdatePoolSuccess), "", now)
	e.appendUpdate(journal.VariantPoolMap, updated, now)
	e.appendUpdate(journal.VariantLPTokenMap, map[string]interface{}{
		"lp_token_id": p.LPTokenID, "user_id": userID, "burned": req.LPBurn,
	}, now)

	tok0, err := e.tokenReg.Get(p.Token0ID)
	if err != nil {
		return e.failRemoveLiquidity(requestID, now, err)
	}
	tok1, err := e.tokenReg.Get(p.Token1ID)
	if err != nil {
		return e.failRemoveLiquidity(requestID, now, err)
	}

	e.jrnl.AppendStatus(requestID, string(StatusPushToken0), "", now)
	var claimIDs []uint64
	if _, c := e.refundOrClaim(ctx, userID, requestID, tok0, result.Out0, req.ToAddress, now); c != 0 {
		claimIDs = append(claimIDs, c)
	}
	e.jrnl.AppendStatus(requestID, string(StatusPushToken1), "", now)
	if _, c := e.refundOrClaim(ctx, userID, requestID, tok1, result.Out1, req.ToAddress, now); c != 0 {
		claimIDs = append(claimIDs, c)
	}

	reply := RemoveLiquidityReply{RequestID: requestID, Status: "Success", Out0: result.Out0, Out1: result.Out1, ClaimIDs: claimIDs, Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusSuccess), "", now)
	e.finish(requestID, reply, now)
	return reply, nil
}

func (e *Engine) failRemoveLiquidity(requestID uint64, now time.Time, cause error) (RemoveLiquidityReply, error) {
	reply := RemoveLiquidityReply{RequestID: requestID, Status: "Failed", Ts: now}
	e.jrnl.AppendStatus(requestID, string(StatusFailed), cause.Error(), now)
	e.finish(requestID, reply, now)
	return reply, cause
}
