package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/tokens"
)

type addTokenParams struct {
	Kind     tokens.Kind `json:"kind"`
	Symbol   string      `json:"symbol"`
	Decimals uint8       `json:"decimals"`
	Fee      uint64      `json:"fee"`
	LedgerID string      `json:"ledger_id,omitempty"`
	PoolID   uint64      `json:"pool_id,omitempty"`
	ChainTag string      `json:"chain_tag,omitempty"`
	Address  string      `json:"address,omitempty"`
}

func (s *Server) handleAddToken(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p addTokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := s.tokenReg.Add(tokens.Descriptor{
		Kind: p.Kind, Symbol: p.Symbol, Decimals: p.Decimals, Fee: p.Fee,
		LedgerID: p.LedgerID, PoolID: p.PoolID, ChainTag: p.ChainTag, Address: p.Address,
	})
	if err != nil {
		return nil, err
	}
	if tok, terr := s.tokenReg.Get(id); terr == nil {
		s.appendUpdate(journal.VariantTokenMap, tok)
	}
	return map[string]uint64{"token_id": id}, nil
}

type updateTokenParams struct {
	TokenID  uint64 `json:"token_id"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals,omitempty"`
	Fee      uint64 `json:"fee"`
}

func (s *Server) handleUpdateToken(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p updateTokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.tokenReg.Update(p.TokenID, tokens.Descriptor{Symbol: p.Symbol, Decimals: p.Decimals, Fee: p.Fee}); err != nil {
		return nil, err
	}
	tok, err := s.tokenReg.Get(p.TokenID)
	if err == nil {
		s.appendUpdate(journal.VariantTokenMap, tok)
	}
	return tok, err
}

type removeTokenParams struct {
	TokenID uint64 `json:"token_id"`
}

func (s *Server) handleRemoveToken(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p removeTokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.tokenReg.Remove(p.TokenID, s.poolStore.TokenInUse); err != nil {
		return nil, err
	}
	if tok, terr := s.tokenReg.Get(p.TokenID); terr == nil {
		s.appendUpdate(journal.VariantTokenMap, tok)
	}
	return map[string]interface{}{"status": "Success"}, nil
}

type maintenanceModeParams struct {
	On bool `json:"on"`
}

func (s *Server) handleUpdateMaintenanceMode(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p maintenanceModeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.cfg.SetMaintenanceMode(p.On)
	return map[string]bool{"maintenance_mode": p.On}, nil
}

type feeLevelParams struct {
	UserID uint64 `json:"user_id"`
	Level  int    `json:"level"`
}

func (s *Server) handleUpdateFeeLevel(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p feeLevelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.users.SetFeeLevel(p.UserID, p.Level); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "Success"}, nil
}

type activateMarketParams struct {
	MarketID uint64 `json:"market_id"`
}

func (s *Server) handleActivateMarket(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p activateMarketParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.marketsSt.Activate(p.MarketID); err != nil {
		return nil, err
	}
	return s.marketsSt.Get(p.MarketID)
}

type resolveMarketAdminParams struct {
	MarketID uint64 `json:"market_id"`
	Winners  []int  `json:"winners,omitempty"`
	Void     bool   `json:"void,omitempty"`
}

// handleResolveMarketAdmin covers both admin force-resolve paths: set
// winners on an admin-created market, or void any market that is not
// already Closed or Voided.
func (s *Server) handleResolveMarketAdmin(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p resolveMarketAdminParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Void {
		m, err := s.marketsSt.VoidAdmin(p.MarketID, userID, time.Now())
		if err == nil {
			s.publish("market_voided", m)
		}
		return m, err
	}
	m, err := s.marketsSt.ResolveAdmin(p.MarketID, userID, p.Winners, time.Now())
	if err == nil {
		s.publish("market_resolved", m)
	}
	return m, err
}

type withdrawFeeParams struct {
	PoolID    uint64 `json:"pool_id"`
	ToAddress string `json:"to_address"`
}

// handleWithdrawFee sweeps a pool's accumulated platform fee out to an
// admin-controlled address. The accumulator reset happens first and is
// not rolled back on push failure; a failed leg becomes a claim instead,
// the same recovery path every other outbound transfer uses.
func (s *Server) handleWithdrawFee(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p withdrawFeeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pool, err := s.poolStore.Get(p.PoolID)
	if err != nil {
		return nil, err
	}
	amount0, amount1, err := s.poolStore.WithdrawPlatformFee(p.PoolID)
	if err != nil {
		return nil, err
	}
	tok0, err := s.tokenReg.Get(pool.Token0ID)
	if err != nil {
		return nil, err
	}
	tok1, err := s.tokenReg.Get(pool.Token1ID)
	if err != nil {
		return nil, err
	}
	requestID := s.ids.NextRequestID()
	var claimIDs []uint64
	if id := s.pushOrClaim(ctx, userID, requestID, tok0, amount0, p.ToAddress); id != 0 {
		claimIDs = append(claimIDs, id)
	}
	if id := s.pushOrClaim(ctx, userID, requestID, tok1, amount1, p.ToAddress); id != 0 {
		claimIDs = append(claimIDs, id)
	}
	return map[string]interface{}{"amount_0": amount0, "amount_1": amount1, "claim_ids": claimIDs}, nil
}

// pushOrClaim attempts to push amount of tok to toAddress, falling back
// to a claim on any push failure (transient errors having been retried
// already — withdrawal debited the pool's accumulator, so there is
// nothing left to roll back). Returns the new claim id, or 0 if the
// push succeeded.
func (s *Server) pushOrClaim(ctx context.Context, userID, requestID uint64, tok tokens.Token, amount bignum.Amount, toAddress string) uint64 {
	if amount.IsZero() {
		return 0
	}
	ref, err := ledger.PushWithRetry(ctx, s.ledgers, tok.LedgerID, toAddress, amount.Uint64(), ledger.DefaultPushRetries)
	if err != nil {
		claimID := s.ids.NextClaimID()
		if cl, cerr := s.claims.Create(claimID, userID, tok.ID, amount, toAddress, &requestID, false, time.Now()); cerr == nil {
			s.appendUpdate(journal.VariantClaimMap, cl)
		}
		return claimID
	}
	transferID := s.ids.NextTransferID()
	s.recordSend(requestID, transferID, tok.ID, amount, ref, time.Now())
	return 0
}

// appendUpdate mirrors an admin-path mutation onto the ETL feed,
// best-effort.
func (s *Server) appendUpdate(variant journal.UpdateVariant, payload interface{}) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Append(s.ids.NextUpdateID(), variant, payload, time.Now()); err != nil {
		s.log.Warn("failed to append db_updates entry", "variant", variant, "error", err)
	}
}

// handleCheckPools recomputes every pool's implied token balance and
// diffs it against the ledger's live balance of the system address,
// minus amounts still owed out through open claims. Surfaces reserve
// drift before it becomes an incident.
func (s *Server) handleCheckPools(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	bq, ok := s.ledgers.(pools.BalanceQuerier)
	if !ok {
		return nil, fmt.Errorf("rpcapi: ledger adapter does not support balance queries")
	}
	systemAddress := s.cfg.SystemAddress()
	ledgerIDOf := func(tokenID uint64) (string, string, bool) {
		tok, err := s.tokenReg.Get(tokenID)
		if err != nil || tok.Kind != tokens.KindNativeLedger {
			return "", "", false
		}
		return tok.LedgerID, systemAddress, true
	}
	owedElsewhere := func(tokenID uint64) bignum.Amount {
		owed, err := s.claims.OutstandingByToken(tokenID)
		if err != nil {
			return bignum.Zero()
		}
		return owed
	}
	return pools.Reconcile(ctx, s.poolStore, bq, ledgerIDOf, owedElsewhere)
}

func (s *Server) handleBackupPools(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	return s.poolStore.List()
}

func (s *Server) handleBackupTokens(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	return s.tokenReg.List(), nil
}

type backupRequestsParams struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) handleBackupRequests(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p backupRequestsParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 {
		p.Limit = 1000
	}
	return s.jrnl.ListAll(p.Limit)
}

func (s *Server) handleBackupClaims(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	return s.claims.List()
}

func (s *Server) handleBackupUsers(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	return s.users.List()
}

type dbUpdatesParams struct {
	AfterID uint64 `json:"after_id"`
}

// handleDBUpdates lets the admin ETL tail the monotonic update feed:
// every entry with id > after_id, in order.
func (s *Server) handleDBUpdates(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p dbUpdatesParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	return s.feed.Since(p.AfterID)
}

type removeDBUpdatesParams struct {
	UpToID uint64 `json:"up_to_id"`
}

// handleRemoveDBUpdates acknowledges the admin ETL feed up to and
// including up_to_id, letting the append-only db_updates table be
// trimmed once the ETL has consumed a prefix.
func (s *Server) handleRemoveDBUpdates(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p removeDBUpdatesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n, err := s.feed.RemoveUpToAndIncluding(p.UpToID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"removed": n}, nil
}
