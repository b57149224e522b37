package ledger

import (
	"context"
	"time"
)

// LegacyAdapter serves the legacy pre-ICRC ledger dialect: no approve
// flow (the user must pre-transfer and supply a reference) and no
// indexed query, only transaction-hash lookup.
type LegacyAdapter struct {
	base
}

func NewLegacyAdapter(t Transport) *LegacyAdapter {
	return &LegacyAdapter{base: newBase(t)}
}

func (a *LegacyAdapter) Capabilities(ledgerID string) Capability {
	return Capability{Transfer: true, VerifyByTransactionQuery: true}
}

func (a *LegacyAdapter) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (TxRef, error) {
	return TxRef{}, ErrUnsupportedOperation
}

func (a *LegacyAdapter) VerifyInbound(ctx context.Context, ledgerID string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyByTransactionQuery(ctx, a.transport, m.endpoint, ref, expectedAmount, expectedRecipient, earliestTS)
}

func (a *LegacyAdapter) Push(ctx context.Context, ledgerID string, to string, amount uint64) (TxRef, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	if amount < m.info.Fee {
		return TxRef{}, ErrInsufficientFunds
	}
	raw, err := a.transport.Call(ctx, m.endpoint, "send", map[string]interface{}{"to": to, "amount": amount - m.info.Fee})
	if err != nil {
		return TxRef{}, err
	}
	return decodeTransfer(raw)
}
