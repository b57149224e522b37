package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kongswap/kong-backend/internal/bignum"
)

// balanceResult is the JSON shape every dialect's balance query decodes
// into. The amount travels as a decimal string so ledgers with more
// than 64 bits of supply precision stay exact.
type balanceResult struct {
	Balance string `json:"balance"`
}

func queryBalance(ctx context.Context, t Transport, endpoint, method, address string) (bignum.Amount, error) {
	raw, err := t.Call(ctx, endpoint, method, map[string]interface{}{"address": address})
	if err != nil {
		return bignum.Amount{}, err
	}
	var br balanceResult
	if err := json.Unmarshal(raw, &br); err != nil {
		return bignum.Amount{}, fmt.Errorf("ledger: decode balance result: %w", err)
	}
	return bignum.FromString(br.Balance)
}

// Balance queries a live balance with the dialect's own wire method
// (icrc1_balance_of for the ICRC dialects, account_balance for the
// legacy ledger, get_balance for Solana).
func (a *ICRC1Adapter) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return bignum.Amount{}, err
	}
	return queryBalance(ctx, a.transport, m.endpoint, "icrc1_balance_of", address)
}

func (a *ICRC2Adapter) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return bignum.Amount{}, err
	}
	return queryBalance(ctx, a.transport, m.endpoint, "icrc1_balance_of", address)
}

func (a *ICRC3Adapter) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return bignum.Amount{}, err
	}
	return queryBalance(ctx, a.transport, m.endpoint, "icrc1_balance_of", address)
}

func (a *LegacyAdapter) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return bignum.Amount{}, err
	}
	return queryBalance(ctx, a.transport, m.endpoint, "account_balance", address)
}

func (a *SolanaAdapter) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return bignum.Amount{}, err
	}
	return queryBalance(ctx, a.transport, m.endpoint, "get_balance", address)
}

// BalanceQuerier is the optional live-balance capability. Every dialect
// in this package implements it; fakes that only exercise the transfer
// surface may omit it, so callers assert for it at the Adapter boundary.
type BalanceQuerier interface {
	Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error)
}

// Balance dispatches a live balance query to whichever dialect serves
// ledgerID.
func (r *Router) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	d, err := r.dialectFor(ledgerID)
	if err != nil {
		return bignum.Amount{}, err
	}
	bq, ok := d.(BalanceQuerier)
	if !ok {
		return bignum.Amount{}, fmt.Errorf("%w: balance query on %q", ErrUnsupportedOperation, ledgerID)
	}
	return bq.Balance(ctx, ledgerID, address)
}
