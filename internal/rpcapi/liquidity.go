package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/liquidity"
)

type addPoolParams struct {
	Token0         uint64        `json:"token_0"`
	Token1         uint64        `json:"token_1"`
	Amount0        bignum.Amount `json:"amount_0"`
	Amount1        bignum.Amount `json:"amount_1"`
	Token0TxRef    *txRefWire    `json:"token_0_tx_ref,omitempty"`
	Token1TxRef    *txRefWire    `json:"token_1_tx_ref,omitempty"`
	FromAddress    string        `json:"from_address"`
	LPFeeBps       uint8         `json:"lp_fee_bps"`
	PlatformFeeBps uint8         `json:"platform_fee_bps"`
	LPTokenID      uint64        `json:"lp_token_id"`
}

func (s *Server) handleAddPool(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p addPoolParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ref0, err := p.Token0TxRef.toDomain()
	if err != nil {
		return nil, err
	}
	ref1, err := p.Token1TxRef.toDomain()
	if err != nil {
		return nil, err
	}
	req := liquidity.AddPoolRequest{
		Token0: p.Token0, Token1: p.Token1, Amount0: p.Amount0, Amount1: p.Amount1,
		Token0TxRef: ref0, Token1TxRef: ref1, FromAddress: p.FromAddress,
		LPFeeBps: p.LPFeeBps, PlatformFeeBps: p.PlatformFeeBps, LPTokenID: p.LPTokenID,
	}
	reply, err := s.liquidity.AddPool(ctx, userID, req, time.Now())
	s.publish("add_pool", reply)
	if err != nil {
		return reply, nil
	}
	return reply, nil
}

type addLiquidityParams struct {
	PoolID      uint64        `json:"pool_id"`
	Desired0    bignum.Amount `json:"desired_0"`
	Desired1    bignum.Amount `json:"desired_1"`
	Token0TxRef *txRefWire    `json:"token_0_tx_ref,omitempty"`
	Token1TxRef *txRefWire    `json:"token_1_tx_ref,omitempty"`
	FromAddress string        `json:"from_address"`
}

func (s *Server) handleAddLiquidity(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p addLiquidityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ref0, err := p.Token0TxRef.toDomain()
	if err != nil {
		return nil, err
	}
	ref1, err := p.Token1TxRef.toDomain()
	if err != nil {
		return nil, err
	}
	req := liquidity.AddLiquidityRequest{
		PoolID: p.PoolID, Desired0: p.Desired0, Desired1: p.Desired1,
		Token0TxRef: ref0, Token1TxRef: ref1, FromAddress: p.FromAddress,
	}
	reply, err := s.liquidity.AddLiquidity(ctx, userID, req, time.Now())
	s.publish("add_liquidity", reply)
	if err != nil {
		return reply, nil
	}
	return reply, nil
}

type addLiquidityAmountsParams struct {
	PoolID   uint64        `json:"pool_id"`
	Desired0 bignum.Amount `json:"desired_0"`
	Desired1 bignum.Amount `json:"desired_1"`
}

// handleAddLiquidityAmounts previews the used/refund/LP-minted split
// for a desired deposit without pulling anything.
func (s *Server) handleAddLiquidityAmounts(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p addLiquidityAmountsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pool, err := s.poolStore.Get(p.PoolID)
	if err != nil {
		return nil, err
	}
	totalSupply, err := s.poolStore.LPTotalSupply(pool.LPTokenID)
	if err != nil {
		return nil, err
	}
	if totalSupply.IsZero() {
		return amm.AddResult{
			Used0: p.Desired0, Used1: p.Desired1,
			Refund0: bignum.Zero(), Refund1: bignum.Zero(),
			LPMinted: amm.InitialAdd(p.Desired0, p.Desired1),
		}, nil
	}
	return amm.ProportionalAdd(pool.Reserve0, pool.Reserve1, p.Desired0, p.Desired1, totalSupply)
}

type removeLiquidityParams struct {
	PoolID    uint64        `json:"pool_id"`
	LPBurn    bignum.Amount `json:"lp_burn"`
	ToAddress string        `json:"to_address"`
}

func (s *Server) handleRemoveLiquidity(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p removeLiquidityParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req := liquidity.RemoveLiquidityRequest{PoolID: p.PoolID, LPBurn: p.LPBurn, ToAddress: p.ToAddress}
	reply, err := s.liquidity.RemoveLiquidity(ctx, userID, req, time.Now())
	s.publish("remove_liquidity", reply)
	if err != nil {
		return reply, nil
	}
	return reply, nil
}

type sendParams struct {
	LPTokenID uint64        `json:"lp_token_id"`
	ToUserID  uint64        `json:"to_user_id"`
	Amount    bignum.Amount `json:"amount"`
}

// handleSend transfers an LP-token balance between two users, the one
// operation that moves value without touching a ledger adapter at all.
func (s *Server) handleSend(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p sendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ToUserID == userID {
		return nil, fmt.Errorf("rpcapi: cannot send to self")
	}
	if err := s.poolStore.TransferLP(p.LPTokenID, userID, p.ToUserID, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "Success"}, nil
}

func (s *Server) publish(topic string, payload interface{}) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(topic, payload)
}
