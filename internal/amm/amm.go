// Package amm implements constant-product swap quoting, multi-hop
// routing over a pool graph, and the proportional add/remove liquidity
// math. All computation is exact integer arithmetic via internal/bignum;
// only mid-price/execution-price/slippage are exposed as floats for
// display.
package amm

import (
	"errors"
	"fmt"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/pools"
)

var (
	ErrNoRoute      = errors.New("amm: no route between tokens")
	ErrEmptyPool    = errors.New("amm: pool has zero reserves")
	ErrZeroAmount   = errors.New("amm: amount must be positive")
)

// Leg is one pool traversal within a route. Hops settle inside the
// pool store, so no ledger fee applies per leg; only the final payout
// transfer carries one (see ApplyGasFee).
type Leg struct {
	PoolID    uint64
	PayToken  uint64
	ReceiveToken uint64
	PayAmount    bignum.Amount
	GrossReceive bignum.Amount // before fee deduction
	LPFee        bignum.Amount
	PlatformFee  bignum.Amount
	NetReceive   bignum.Amount // after pool-fee deduction
}

// Quote is the result of quoting a swap across one or more pools.
// NetReceive is the amount the user is credited; callers apply the
// receive ledger's fixed transfer fee via ApplyGasFee before quoting
// it to the user.
type Quote struct {
	Legs        []Leg
	NetReceive  bignum.Amount
	MidPrice    float64
	ExecPrice   float64
	SlippagePct float64
}

// ApplyGasFee deducts the receive token's fixed ledger transfer fee
// from a quote's final net and recomputes the execution price and
// slippage, so previews, replies, and slippage checks all reflect what
// the recipient is actually credited on chain.
func ApplyGasFee(q Quote, gasFee uint64) Quote {
	if gasFee == 0 || len(q.Legs) == 0 {
		return q
	}
	net, ok := bignum.Sub(q.NetReceive, bignum.FromUint64(gasFee))
	if !ok {
		net = bignum.Zero()
	}
	q.NetReceive = net

	pay := q.Legs[0].PayAmount
	if !pay.IsZero() {
		q.ExecPrice = net.ToFloat64Lossy() / pay.ToFloat64Lossy()
	}
	if q.MidPrice > 0 {
		slippage := (q.MidPrice - q.ExecPrice) / q.MidPrice * 100
		if slippage < 0 {
			slippage = 0
		}
		q.SlippagePct = slippage
	}
	return q
}

// QuotePool computes a single-pool constant-product swap: given
// pay-side reserve R_in, receive-side reserve R_out, pay amount x, and
// total fee in basis points, returns the gross receive amount, the LP
// and platform fee shares (both denominated in the receive token), and
// the net receive after pool fees. The receive ledger's fixed transfer
// fee is outside pool accounting and is applied by ApplyGasFee on the
// final quote.
func QuotePool(rIn, rOut, x bignum.Amount, feeBps, lpFeeBps uint16) (gross, lpFee, platformFee, net bignum.Amount, err error) {
	if x.IsZero() {
		return bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, ErrZeroAmount
	}
	if rIn.IsZero() || rOut.IsZero() {
		return bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, ErrEmptyPool
	}

	xEff, ok := bignum.MulRationalU64(x, uint64(10_000-feeBps), 10_000)
	if !ok {
		return bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, fmt.Errorf("amm: fee bps overflow")
	}

	denom := bignum.Add(rIn, xEff)
	gross, ok = bignum.MulRational(rOut, xEff, denom)
	if !ok {
		return bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, bignum.Amount{}, fmt.Errorf("amm: zero denominator")
	}

	lpFee, _ = bignum.MulRationalU64(gross, uint64(lpFeeBps), 10_000)
	platformFeeBps := feeBps - lpFeeBps
	platformFee, _ = bignum.MulRationalU64(gross, uint64(platformFeeBps), 10_000)

	net, ok = bignum.Sub(gross, bignum.Add(lpFee, platformFee))
	if !ok {
		net = bignum.Zero()
	}
	return gross, lpFee, platformFee, net, nil
}

// Graph resolves pools by token pair for the router.
type Graph interface {
	GetByPair(tokenA, tokenB uint64) (pools.Pool, error)
}

// Router enumerates candidate paths (direct, or two-hop via a bridge
// token) and picks the one with the greatest net_receive, preferring
// fewer hops on a tie.
type Router struct {
	graph   Graph
	bridges []uint64
}

func NewRouter(graph Graph, bridgeTokenIDs []uint64) *Router {
	return &Router{graph: graph, bridges: bridgeTokenIDs}
}

// Quote finds the best route from payToken to receiveToken for
// payAmount, trying the direct pool and every two-hop path through a
// configured bridge token.
func (r *Router) Quote(payToken, receiveToken uint64, payAmount bignum.Amount) (Quote, error) {
	var best *Quote
	bestHops := 0

	tryPath := func(tokens []uint64, hops int) {
		q, err := r.quotePath(tokens, payAmount)
		if err != nil {
			return
		}
		if best == nil || q.NetReceive.Cmp(best.NetReceive) > 0 || (q.NetReceive.Cmp(best.NetReceive) == 0 && hops < bestHops) {
			best = &q
			bestHops = hops
		}
	}

	tryPath([]uint64{payToken, receiveToken}, 1)
	for _, bridge := range r.bridges {
		if bridge == payToken || bridge == receiveToken {
			continue
		}
		tryPath([]uint64{payToken, bridge, receiveToken}, 2)
	}

	if best == nil {
		return Quote{}, ErrNoRoute
	}
	return *best, nil
}

func (r *Router) quotePath(tokens []uint64, payAmount bignum.Amount) (Quote, error) {
	var legs []Leg
	amountIn := payAmount
	mid := 1.0
	for i := 0; i < len(tokens)-1; i++ {
		from, to := tokens[i], tokens[i+1]
		p, err := r.graph.GetByPair(from, to)
		if err != nil {
			return Quote{}, err
		}
		rIn, rOut := reservesFor(p, from)
		gross, lpFee, platformFee, net, err := QuotePool(rIn, rOut, amountIn, uint16(p.TotalFeeBps()), uint16(p.LPFeeBps))
		if err != nil {
			return Quote{}, err
		}
		mid *= rOut.ToFloat64Lossy() / rIn.ToFloat64Lossy()
		legs = append(legs, Leg{
			PoolID: p.ID, PayToken: from, ReceiveToken: to,
			PayAmount: amountIn, GrossReceive: gross,
			LPFee: lpFee, PlatformFee: platformFee, NetReceive: net,
		})
		amountIn = net
	}

	exec, slippage := priceStats(legs, payAmount, mid)
	return Quote{Legs: legs, NetReceive: amountIn, MidPrice: mid, ExecPrice: exec, SlippagePct: slippage}, nil
}

func reservesFor(p pools.Pool, payToken uint64) (rIn, rOut bignum.Amount) {
	if payToken == p.Token0ID {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// priceStats computes the execution price and the slippage percentage
// (floored at zero) of a (possibly multi-hop) quoted path against mid,
// the pre-trade, zero-size price: the product of each leg's
// reserve_out/reserve_in.
func priceStats(legs []Leg, payAmount bignum.Amount, mid float64) (exec, slippagePct float64) {
	if len(legs) == 0 || payAmount.IsZero() {
		return 0, 0
	}
	net := legs[len(legs)-1].NetReceive
	exec = net.ToFloat64Lossy() / payAmount.ToFloat64Lossy()

	if mid <= 0 {
		return exec, 0
	}
	slippagePct = (mid - exec) / mid * 100
	if slippagePct < 0 {
		slippagePct = 0
	}
	return exec, slippagePct
}

// AddResult is the outcome of proportional add-liquidity math.
type AddResult struct {
	Used0, Used1     bignum.Amount
	Refund0, Refund1 bignum.Amount
	LPMinted         bignum.Amount
}

// ProportionalAdd computes the proportional (used_0, used_1) for a
// desired (d0, d1) deposit against a non-empty pool with reserves
// (r0, r1) and LP total supply T: required_1 = d0*r1/r0; if that fits
// within d1, use (d0, required_1), else use (d1*r0/r1, d1). The unused
// side is returned as a refund. LP minted = used_0 * T / r0.
func ProportionalAdd(r0, r1, d0, d1, totalSupply bignum.Amount) (AddResult, error) {
	if r0.IsZero() || r1.IsZero() {
		return AddResult{}, ErrEmptyPool
	}
	required1, ok := bignum.MulRational(d0, r1, r0)
	if !ok {
		return AddResult{}, fmt.Errorf("amm: zero reserve_0")
	}
	var used0, used1 bignum.Amount
	if required1.Cmp(d1) <= 0 {
		used0, used1 = d0, required1
	} else {
		required0, ok := bignum.MulRational(d1, r0, r1)
		if !ok {
			return AddResult{}, fmt.Errorf("amm: zero reserve_1")
		}
		used0, used1 = required0, d1
	}
	refund0, _ := bignum.Sub(d0, used0)
	refund1, _ := bignum.Sub(d1, used1)

	lpMinted, ok := bignum.MulRational(used0, totalSupply, r0)
	if !ok {
		return AddResult{}, fmt.Errorf("amm: zero reserve_0 for LP mint")
	}
	return AddResult{Used0: used0, Used1: used1, Refund0: refund0, Refund1: refund1, LPMinted: lpMinted}, nil
}

// InitialAdd computes LP minted for the first deposit into an empty
// pool: sqrt(d0*d1).
func InitialAdd(d0, d1 bignum.Amount) bignum.Amount {
	return bignum.Sqrt(bignum.Mul(d0, d1))
}

// RemoveResult is the outcome of proportional remove-liquidity math.
type RemoveResult struct {
	Out0, Out1         bignum.Amount
	FeeShare0, FeeShare1 bignum.Amount
}

// ProportionalRemove computes (out_0, out_1) for burning lpBurn of
// totalSupply T against reserves (r0, r1): out_i = r_i * l / T, plus a
// pro-rata share of each side's LP-fee accumulator.
func ProportionalRemove(r0, r1, lpFeeAccum0, lpFeeAccum1, lpBurn, totalSupply bignum.Amount) (RemoveResult, error) {
	if totalSupply.IsZero() {
		return RemoveResult{}, fmt.Errorf("amm: zero total supply")
	}
	out0, ok := bignum.MulRational(r0, lpBurn, totalSupply)
	if !ok {
		return RemoveResult{}, fmt.Errorf("amm: zero total supply")
	}
	out1, _ := bignum.MulRational(r1, lpBurn, totalSupply)
	feeShare0, _ := bignum.MulRational(lpFeeAccum0, lpBurn, totalSupply)
	feeShare1, _ := bignum.MulRational(lpFeeAccum1, lpBurn, totalSupply)
	return RemoveResult{
		Out0: bignum.Add(out0, feeShare0), Out1: bignum.Add(out1, feeShare1),
		FeeShare0: feeShare0, FeeShare1: feeShare1,
	}, nil
}
