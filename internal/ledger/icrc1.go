package ledger

import (
	"context"
	"time"
)

// ICRC1Adapter serves the plain ICRC-1 dialect: outbound transfer and
// transaction-hash inbound verification only, no approve/transfer_from
// pull and no indexed block query.
type ICRC1Adapter struct {
	base
}

func NewICRC1Adapter(t Transport) *ICRC1Adapter {
	return &ICRC1Adapter{base: newBase(t)}
}

func (a *ICRC1Adapter) Capabilities(ledgerID string) Capability {
	return Capability{Transfer: true, VerifyByTransactionQuery: true}
}

func (a *ICRC1Adapter) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (TxRef, error) {
	return TxRef{}, ErrUnsupportedOperation
}

func (a *ICRC1Adapter) VerifyInbound(ctx context.Context, ledgerID string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyByTransactionQuery(ctx, a.transport, m.endpoint, ref, expectedAmount, expectedRecipient, earliestTS)
}

func (a *ICRC1Adapter) Push(ctx context.Context, ledgerID string, to string, amount uint64) (TxRef, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	net := amount
	if net < m.info.Fee {
		return TxRef{}, ErrInsufficientFunds
	}
	net -= m.info.Fee
	raw, err := a.transport.Call(ctx, m.endpoint, "icrc1_transfer", map[string]interface{}{"to": to, "amount": net})
	if err != nil {
		return TxRef{}, err
	}
	return decodeTransfer(raw)
}
