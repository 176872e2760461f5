// Package chain queries the external ledger for the fate of submitted
// transactions. The engine only observes the chain; it never broadcasts.
package chain

import "context"

// TxStatus is a point-in-time view of a submitted transaction.
type TxStatus struct {
	// Known is false while the ledger has no receipt for the reference.
	// An unknown transaction is indistinguishable from a dropped one, so
	// the caller bounds its total wait instead of trusting this flag.
	Known         bool
	Failed        bool   // receipt present with failure status
	Confirmations uint64 // blocks since inclusion, inclusive
}

// Client is the confirmation-query collaborator. Implementations must
// be safe for concurrent use; query errors are transient and leave the
// caller's record untouched.
type Client interface {
	TxStatus(ctx context.Context, ref string) (TxStatus, error)
}
