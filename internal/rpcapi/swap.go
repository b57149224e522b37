package rpcapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/swapengine"
)

type swapParams struct {
	PayToken       uint64         `json:"pay_token"`
	PayAmount      bignum.Amount  `json:"pay_amount"`
	PayTxRef       *txRefWire     `json:"pay_tx_ref,omitempty"`
	ReceiveToken   uint64         `json:"receive_token"`
	MinReceive     *bignum.Amount `json:"min_receive,omitempty"`
	MaxSlippagePct *float64       `json:"max_slippage_pct,omitempty"`
	ReceiveAddress string         `json:"receive_address"`
	FromAddress    string         `json:"from_address"`
}

func (s *Server) handleSwap(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p swapParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	txRef, err := p.PayTxRef.toDomain()
	if err != nil {
		return nil, err
	}
	req := swapengine.SwapRequest{
		PayToken: p.PayToken, PayAmount: p.PayAmount, PayTxRef: txRef,
		ReceiveToken: p.ReceiveToken, MinReceive: p.MinReceive, MaxSlippagePct: p.MaxSlippagePct,
		ReceiveAddress: p.ReceiveAddress, FromAddress: p.FromAddress,
	}
	reply, err := s.swaps.Swap(ctx, userID, req, time.Now())
	s.publishSwap(reply)
	if err != nil {
		return reply, nil
	}
	return reply, nil
}

type swapAmountsParams struct {
	PayToken     uint64        `json:"pay_token"`
	PayAmount    bignum.Amount `json:"pay_amount"`
	ReceiveToken uint64        `json:"receive_token"`
}

// handleSwapAmounts is the side-effect-free preview for the swap form:
// it quotes the best route without pulling or pushing anything. The
// receive ledger's fixed fee is deducted the same way swap deducts it,
// so a preview equals the receive_amount an identical swap would
// settle at.
func (s *Server) handleSwapAmounts(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p swapAmountsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	recvTok, err := s.tokenReg.Get(p.ReceiveToken)
	if err != nil {
		return nil, err
	}
	quote, err := s.router.Quote(p.PayToken, p.ReceiveToken, p.PayAmount)
	if err != nil {
		return nil, err
	}
	return amm.ApplyGasFee(quote, recvTok.Fee), nil
}

func (s *Server) publishSwap(reply swapengine.SwapReply) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("swap", reply)
}
