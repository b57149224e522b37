package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/transfers"
)

type claimParams struct {
	ClaimID uint64 `json:"claim_id"`
}

// handleClaim lets a user pull a Claimable (or otherwise retriable)
// claim on demand instead of waiting for the next sweep. The attempt
// is journaled like any other externally triggered operation.
func (s *Server) handleClaim(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p claimParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cl, err := s.claims.Get(p.ClaimID)
	if err != nil {
		return nil, err
	}
	if cl.UserID != userID {
		return nil, fmt.Errorf("rpcapi: claim %d does not belong to caller", p.ClaimID)
	}
	tok, err := s.tokenReg.Get(cl.TokenID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	requestID := s.ids.NextRequestID()
	transferID := s.ids.NextTransferID()
	s.jrnl.Open(requestID, userID, "claim", p, now)
	s.jrnl.AppendStatus(requestID, "ClaimToken", "", now)
	result := s.claims.Attempt(ctx, cl.ID, tok.LedgerID, requestID, transferID, s.ledgers, s.recordSend, now)
	if result.Err != nil {
		s.jrnl.AppendStatus(requestID, "ClaimTokenFailed", result.Err.Error(), now)
		s.jrnl.AppendStatus(requestID, "Failed", "", now)
		s.jrnl.SetReply(requestID, result)
		if updated, gerr := s.claims.Get(cl.ID); gerr == nil && updated.Status == transfers.ClaimTooManyAttempts {
			s.appendUpdate(journal.VariantClaimMap, updated)
		}
		return nil, result.Err
	}
	s.jrnl.AppendStatus(requestID, "ClaimTokenSuccess", "", now)
	s.jrnl.AppendStatus(requestID, "Success", "", now)
	s.jrnl.SetReply(requestID, result)
	if updated, gerr := s.claims.Get(cl.ID); gerr == nil {
		s.appendUpdate(journal.VariantClaimMap, updated)
	}
	s.publish("claim", result)
	return result, nil
}

func (s *Server) recordSend(requestID, transferID, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) error {
	_, err := s.xfers.RecordSend(requestID, transferID, tokenID, amount, ref, ts)
	return err
}

// handleClaims lists every claim owed to the caller.
func (s *Server) handleClaims(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	return s.claims.ForUser(userID)
}
