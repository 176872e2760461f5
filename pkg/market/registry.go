package market

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// WalletRegistry owns the address->user index. The index used to be
// ambient process state in earlier iterations of this system; it is now
// an explicit service handed to whichever component needs it, with the
// store as its durable backing.
type WalletRegistry struct {
	store Store

	mu     sync.RWMutex
	byAddr map[common.Address]int64
	byUser map[int64]common.Address

	binds stripes // serializes Bind per user
}

func NewWalletRegistry(store Store) (*WalletRegistry, error) {
	r := &WalletRegistry{
		store:  store,
		byAddr: make(map[common.Address]int64),
		byUser: make(map[int64]common.Address),
	}
	bindings, err := store.Bindings()
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		r.byAddr[b.Address] = b.UserID
		r.byUser[b.UserID] = b.Address
	}
	return r, nil
}

// Bind associates addr with userID. Idempotent for the same pair;
// rebinding replaces the user's previous address. Fails with
// ErrAddressConflict when addr is held by a different user. Binds for
// the same user are serialized so two concurrent rebinds cannot
// interleave.
func (r *WalletRegistry) Bind(userID int64, addr common.Address) error {
	if addr == NullAddress {
		return ErrInvalidAddress
	}

	unlock := r.binds.lock(uint64(userID))
	defer unlock()

	r.mu.Lock()
	if owner, ok := r.byAddr[addr]; ok && owner != userID {
		r.mu.Unlock()
		return ErrAddressConflict
	}
	if prev, ok := r.byUser[userID]; ok && prev != addr {
		delete(r.byAddr, prev)
	}
	r.byAddr[addr] = userID
	r.byUser[userID] = addr
	r.mu.Unlock()

	// Persist outside the index lock; the per-user bind lock still holds.
	return r.store.PutBinding(WalletBinding{
		UserID:  userID,
		Address: addr,
		BoundAt: time.Now().Unix(),
	})
}

// UserByAddress resolves a registered address to its user. Lookup is
// case-insensitive on the hex form since common.Address is canonical.
func (r *WalletRegistry) UserByAddress(addr common.Address) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

// AddressOf returns the user's currently bound address.
func (r *WalletRegistry) AddressOf(userID int64) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byUser[userID]
	return addr, ok
}

// stripes is a small fixed pool of mutexes keyed by hash, used where
// per-record serialization is needed without a lock per record.
type stripes struct {
	mus [64]sync.Mutex
}

func (s *stripes) lock(key uint64) func() {
	mu := &s.mus[key%uint64(len(s.mus))]
	mu.Lock()
	return mu.Unlock
}

// fnv1a hashes string keys onto a stripe.
func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
