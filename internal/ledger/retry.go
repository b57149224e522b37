package ledger

import (
	"context"
	"time"
)

// Outbound transfers retry transient ledger errors a few times with
// backoff before the caller converts the failure into a claim. Terminal
// errors are returned on the first occurrence.
const (
	DefaultPushRetries = 3
	pushRetryBackoff   = 200 * time.Millisecond
)

// PushWithRetry calls a.Push, retrying up to retries additional times
// on transient errors with doubling backoff. A non-transient error, a
// cancelled context, or success ends the loop immediately.
func PushWithRetry(ctx context.Context, a Adapter, ledgerID, to string, amount uint64, retries int) (TxRef, error) {
	backoff := pushRetryBackoff
	var ref TxRef
	var err error
	for attempt := 0; ; attempt++ {
		ref, err = a.Push(ctx, ledgerID, to, amount)
		if err == nil || !IsTransient(err) || attempt >= retries {
			return ref, err
		}
		select {
		case <-ctx.Done():
			return TxRef{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
