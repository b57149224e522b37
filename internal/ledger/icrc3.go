package ledger

import (
	"context"
	"time"
)

// ICRC3Adapter adds indexed block-range verification on top of ICRC2:
// the richest dialect, able to answer "is there a transfer at exactly
// this block index" directly rather than scanning by transaction hash.
type ICRC3Adapter struct {
	base
}

func NewICRC3Adapter(t Transport) *ICRC3Adapter {
	return &ICRC3Adapter{base: newBase(t)}
}

func (a *ICRC3Adapter) Capabilities(ledgerID string) Capability {
	return Capability{
		TransferFrom:   true,
		Transfer:       true,
		VerifyByIndex:  true,
		VerifyByBlockQuery: true,
		VerifyByTransactionQuery: true,
	}
}

func (a *ICRC3Adapter) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (TxRef, error) {
	icrc2 := ICRC2Adapter{base: a.base}
	return icrc2.Pull(ctx, ledgerID, from, amount)
}

// VerifyInbound tries the indexed block query first and falls back to
// transaction-hash lookup only when the reference carries no block
// index (e.g. the caller only has a hash).
func (a *ICRC3Adapter) VerifyInbound(ctx context.Context, ledgerID string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return VerifyResult{}, err
	}
	if res, tried, err := verifyByBlockIndex(ctx, a.transport, m.endpoint, ref, expectedAmount, expectedRecipient, earliestTS); tried {
		return res, err
	}
	return verifyByTransactionQuery(ctx, a.transport, m.endpoint, ref, expectedAmount, expectedRecipient, earliestTS)
}

func (a *ICRC3Adapter) Push(ctx context.Context, ledgerID string, to string, amount uint64) (TxRef, error) {
	icrc2 := ICRC2Adapter{base: a.base}
	return icrc2.Push(ctx, ledgerID, to, amount)
}
