package rpcapi

import (
	"context"
	"encoding/json"

	"github.com/kongswap/kong-backend/internal/bignum"
)

type requestsParams struct {
	RequestID *uint64 `json:"request_id,omitempty"`
}

// handleRequests returns the caller's journal history (terminal and
// in-flight), most recent first, or one record when request_id is
// supplied. A caller may only read their own records.
func (s *Server) handleRequests(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p requestsParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.RequestID != nil {
		req, err := s.jrnl.Get(*p.RequestID)
		if err != nil {
			return nil, err
		}
		if req.UserID != userID && !s.users.IsAdminUser(userID) {
			return nil, errNotAuthorized
		}
		return req, nil
	}
	return s.jrnl.ForUser(userID)
}

type tokensParams struct {
	SymbolOrAddress string `json:"symbol_or_address,omitempty"`
}

// handleTokens lists the registry, or resolves one token when a
// symbol/address filter is supplied.
func (s *Server) handleTokens(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p tokensParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.SymbolOrAddress != "" {
		id, err := s.tokenReg.Resolve(p.SymbolOrAddress)
		if err != nil {
			return nil, err
		}
		return s.tokenReg.Get(id)
	}
	return s.tokenReg.List(), nil
}

type poolsParams struct {
	PoolID *uint64 `json:"pool_id,omitempty"`
}

// handlePools lists every pool, or returns one pool's detail.
func (s *Server) handlePools(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p poolsParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.PoolID != nil {
		return s.poolStore.Get(*p.PoolID)
	}
	return s.poolStore.List()
}

type userBalancesParams struct {
	UserID *uint64 `json:"user_id,omitempty"`
}

// lpBalanceEntry is one pool's worth of a user's LP holdings, valued
// as the pro-rata share of the pool's current reserves.
type lpBalanceEntry struct {
	PoolID      uint64        `json:"pool_id"`
	LPTokenID   uint64        `json:"lp_token_id"`
	Balance     bignum.Amount `json:"balance"`
	TotalSupply bignum.Amount `json:"total_supply"`
	Token0ID    uint64        `json:"token_0_id"`
	Token1ID    uint64        `json:"token_1_id"`
	Underlying0 bignum.Amount `json:"underlying_0"`
	Underlying1 bignum.Amount `json:"underlying_1"`
}

// handleUserBalances reports the caller's LP-token balance across
// every pool, each valued as its share of the pool's reserves. An
// admin may pass user_id to look up another user; anyone else is
// restricted to their own balances.
func (s *Server) handleUserBalances(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p userBalancesParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	target := userID
	if p.UserID != nil {
		if *p.UserID != userID && !s.users.IsAdminUser(userID) {
			return nil, errNotAuthorized
		}
		target = *p.UserID
	}
	pools, err := s.poolStore.List()
	if err != nil {
		return nil, err
	}
	var balances []lpBalanceEntry
	for _, pool := range pools {
		bal, err := s.poolStore.LPBalance(pool.LPTokenID, target)
		if err != nil {
			return nil, err
		}
		if bal.IsZero() {
			continue
		}
		supply, err := s.poolStore.LPTotalSupply(pool.LPTokenID)
		if err != nil {
			return nil, err
		}
		under0, _ := bignum.MulRational(pool.Reserve0, bal, supply)
		under1, _ := bignum.MulRational(pool.Reserve1, bal, supply)
		balances = append(balances, lpBalanceEntry{
			PoolID: pool.ID, LPTokenID: pool.LPTokenID,
			Balance: bal, TotalSupply: supply,
			Token0ID: pool.Token0ID, Token1ID: pool.Token1ID,
			Underlying0: under0, Underlying1: under1,
		})
	}
	return balances, nil
}
