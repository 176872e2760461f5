package chain

import (
	"context"
	"sync"
)

// StubClient simulates confirmations for single-process development
// runs without a ledger endpoint: every reference gains one
// confirmation per query.
type StubClient struct {
	mu   sync.Mutex
	seen map[string]uint64
}

func NewStubClient() *StubClient {
	return &StubClient{seen: make(map[string]uint64)}
}

func (c *StubClient) TxStatus(ctx context.Context, ref string) (TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[ref]++
	return TxStatus{Known: true, Confirmations: c.seen[ref]}, nil
}

var _ Client = (*StubClient)(nil)
