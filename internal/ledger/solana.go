package ledger

import (
	"context"
	"time"
)

// SolanaAdapter handles Solana-style ledgers: inbound verification
// looks a transfer up by its base58 transaction signature rather than
// by block index or account-model tx hash, and there is no
// approve/pull flow, only pre-transfer-and-verify.
type SolanaAdapter struct {
	base
}

func NewSolanaAdapter(t Transport) *SolanaAdapter {
	return &SolanaAdapter{base: newBase(t)}
}

func (a *SolanaAdapter) Capabilities(ledgerID string) Capability {
	return Capability{Transfer: true, VerifyByTransactionQuery: true}
}

func (a *SolanaAdapter) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (TxRef, error) {
	return TxRef{}, ErrUnsupportedOperation
}

// VerifyInbound treats ref.TxHash as the base58 transaction signature.
func (a *SolanaAdapter) VerifyInbound(ctx context.Context, ledgerID string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return VerifyResult{}, err
	}
	if ref.TxHash == nil {
		return VerifyResult{}, ErrUnsupportedOperation
	}
	raw, err := a.transport.Call(ctx, m.endpoint, "verify_by_signature", map[string]interface{}{"signature": string(ref.TxHash)})
	if err != nil {
		return VerifyResult{}, err
	}
	var v verifyResult
	if err := decodeVerify(raw, &v); err != nil {
		return VerifyResult{}, err
	}
	return checkVerify(v, expectedAmount, expectedRecipient, earliestTS), nil
}

func (a *SolanaAdapter) Push(ctx context.Context, ledgerID string, to string, amount uint64) (TxRef, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	if amount < m.info.Fee {
		return TxRef{}, ErrInsufficientFunds
	}
	raw, err := a.transport.Call(ctx, m.endpoint, "transfer", map[string]interface{}{"to": to, "amount": amount - m.info.Fee})
	if err != nil {
		return TxRef{}, err
	}
	return decodeTransfer(raw)
}
