package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Router is the top-level Adapter the rest of the backend depends on.
// It holds one dialect implementation per ledger wire format and
// dispatches each call to whichever dialect a given ledger id was
// registered under. Dialect selection happens here by registration,
// one level above an individual dialect's own richest-method-first
// verification fallback.
type Router struct {
	mu       sync.RWMutex
	dialects map[string]Adapter // ledgerID -> owning dialect adapter
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{dialects: make(map[string]Adapter)}
}

// Register binds a ledger id to the dialect adapter that serves it.
func (r *Router) Register(ledgerID string, dialect Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialects[ledgerID] = dialect
}

func (r *Router) dialectFor(ledgerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialects[ledgerID]
	if !ok {
		return nil, fmt.Errorf("ledger: no dialect registered for %q", ledgerID)
	}
	return d, nil
}

func (r *Router) Describe(ledgerID string) (Info, error) {
	d, err := r.dialectFor(ledgerID)
	if err != nil {
		return Info{}, err
	}
	return d.Describe(ledgerID)
}

func (r *Router) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (TxRef, error) {
	d, err := r.dialectFor(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	return d.Pull(ctx, ledgerID, from, amount)
}

func (r *Router) VerifyInbound(ctx context.Context, ledgerID string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	d, err := r.dialectFor(ledgerID)
	if err != nil {
		return VerifyResult{}, err
	}
	return d.VerifyInbound(ctx, ledgerID, ref, expectedAmount, expectedRecipient, earliestTS)
}

func (r *Router) Push(ctx context.Context, ledgerID string, to string, amount uint64) (TxRef, error) {
	d, err := r.dialectFor(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	return d.Push(ctx, ledgerID, to, amount)
}

func (r *Router) Capabilities(ledgerID string) Capability {
	d, err := r.dialectFor(ledgerID)
	if err != nil {
		return Capability{}
	}
	return d.Capabilities(ledgerID)
}
