package pools

import (
	"context"
	"fmt"

	"github.com/kongswap/kong-backend/internal/bignum"
)

// BalanceQuerier reports a ledger's live balance for an address, used
// to reconcile implied pool balances against the external ledger.
type BalanceQuerier interface {
	Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error)
}

// Drift is the reconciliation result for one token, aggregated across
// every pool that holds it.
type Drift struct {
	TokenID  uint64
	Implied  bignum.Amount // reserve + lp_fee_accum + platform_fee_accum
	Observed bignum.Amount
	Matches  bool
}

// Reconcile recomputes every pool's implied token balance
// (reserve + lp_fee_accum + platform_fee_accum) and compares it
// against the ledger's live balance of the backend's system address,
// minus amounts attributable to other pools and outstanding claims
// (owedElsewhere), surfacing drift before it becomes an incident.
func Reconcile(ctx context.Context, store *Store, bq BalanceQuerier, ledgerIDOf func(tokenID uint64) (ledgerID, address string, ok bool), owedElsewhere func(tokenID uint64) bignum.Amount) ([]Drift, error) {
	pools, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("pools: reconcile: list: %w", err)
	}

	impliedByToken := make(map[uint64]bignum.Amount)
	for _, p := range pools {
		impliedByToken[p.Token0ID] = bignum.Add(impliedByToken[p.Token0ID], impliedBalance(p, Dir0))
		impliedByToken[p.Token1ID] = bignum.Add(impliedByToken[p.Token1ID], impliedBalance(p, Dir1))
	}

	var out []Drift
	for tokenID, implied := range impliedByToken {
		ledgerID, address, ok := ledgerIDOf(tokenID)
		if !ok {
			continue
		}
		observed, err := bq.Balance(ctx, ledgerID, address)
		if err != nil {
			return nil, fmt.Errorf("pools: reconcile: balance for token %d: %w", tokenID, err)
		}
		adjusted, ok := bignum.Sub(observed, owedElsewhere(tokenID))
		if !ok {
			adjusted = bignum.Zero()
		}
		out = append(out, Drift{
			TokenID:  tokenID,
			Implied:  implied,
			Observed: adjusted,
			Matches:  implied.Cmp(adjusted) == 0,
		})
	}
	return out, nil
}

func impliedBalance(p Pool, dir Dir) bignum.Amount {
	if dir == Dir0 {
		return bignum.Add(p.Reserve0, bignum.Add(p.LPFeeAccum0, p.PlatformFeeAccum0))
	}
	return bignum.Add(p.Reserve1, bignum.Add(p.LPFeeAccum1, p.PlatformFeeAccum1))
}
