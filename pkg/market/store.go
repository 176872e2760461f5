package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store is the coordination engine's record store. Reads follow the
// (value, ok) convention; implementations are expected to panic on
// storage corruption rather than surface it per-call.
//
// UpdateListing/UpdateOffer/UpdateAsset are compare-and-swap writes: the
// stored Version must equal the caller's snapshot or ErrVersionConflict
// is returned, and the stored record's Version is bumped on success.
type Store interface {
	Asset(tokenID uint64) (Asset, bool)
	PutAsset(a Asset) error
	UpdateAsset(a Asset) error

	Holding(tokenID uint64, owner common.Address) (Holding, bool)
	PutHolding(h Holding) error

	NextID(seq string) (uint64, error)

	Listing(id uint64) (Listing, bool)
	InsertListing(l Listing) error
	UpdateListing(l Listing) error
	ListingsByToken(tokenID uint64) ([]Listing, error)
	ListingsBySeller(sellerID int64) ([]Listing, error)

	Offer(id uint64) (Offer, bool)
	InsertOffer(o Offer) error
	UpdateOffer(o Offer) error
	OffersByToken(tokenID uint64) ([]Offer, error)

	PendingTx(ref string) (PendingTx, bool)
	InsertPendingTx(p PendingTx) error
	SavePendingTx(p PendingTx) error
	PendingTxs() ([]PendingTx, error)

	Binding(userID int64) (WalletBinding, bool)
	PutBinding(b WalletBinding) error
	DeleteBinding(userID int64) error
	Bindings() ([]WalletBinding, error)

	// AddFavorite records a (user, token) favorite; returns false when it
	// already existed.
	AddFavorite(userID int64, tokenID uint64) (bool, error)

	Close() error
}

// MemStore is the in-memory Store used by tests and single-process
// development runs. All maps are guarded by one RWMutex; CAS semantics
// are identical to the pebble-backed store.
type MemStore struct {
	mu        sync.RWMutex
	assets    map[uint64]Asset
	holdings  map[string]Holding
	listings  map[uint64]Listing
	offers    map[uint64]Offer
	txs       map[string]PendingTx
	bindings  map[int64]WalletBinding
	favorites map[string]bool
	seqs      map[string]uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		assets:    make(map[uint64]Asset),
		holdings:  make(map[string]Holding),
		listings:  make(map[uint64]Listing),
		offers:    make(map[uint64]Offer),
		txs:       make(map[string]PendingTx),
		bindings:  make(map[int64]WalletBinding),
		favorites: make(map[string]bool),
		seqs:      make(map[string]uint64),
	}
}

func holdingKey(tokenID uint64, owner common.Address) string {
	return fmt.Sprintf("%d:%s", tokenID, owner.Hex())
}

func (s *MemStore) Asset(tokenID uint64) (Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[tokenID]
	return a, ok
}

func (s *MemStore) PutAsset(a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.TokenID] = a
	return nil
}

func (s *MemStore) UpdateAsset(a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.assets[a.TokenID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return ErrVersionConflict
	}
	a.Version++
	s.assets[a.TokenID] = a
	return nil
}

func (s *MemStore) Holding(tokenID uint64, owner common.Address) (Holding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holdings[holdingKey(tokenID, owner)]
	return h, ok
}

func (s *MemStore) PutHolding(h Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdings[holdingKey(h.TokenID, h.Owner)] = h
	return nil
}

func (s *MemStore) NextID(seq string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[seq]++
	return s.seqs[seq], nil
}

func (s *MemStore) Listing(id uint64) (Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	return l, ok
}

func (s *MemStore) InsertListing(l Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
	return nil
}

func (s *MemStore) UpdateListing(l Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != l.Version {
		return ErrVersionConflict
	}
	l.Version++
	s.listings[l.ID] = l
	return nil
}

func (s *MemStore) ListingsByToken(tokenID uint64) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Listing
	for _, l := range s.listings {
		if l.TokenID == tokenID {
			out = append(out, l)
		}
	}
	sortListings(out)
	return out, nil
}

func (s *MemStore) ListingsBySeller(sellerID int64) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Listing
	for _, l := range s.listings {
		if l.SellerID == sellerID {
			out = append(out, l)
		}
	}
	sortListings(out)
	return out, nil
}

func (s *MemStore) Offer(id uint64) (Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	return o, ok
}

func (s *MemStore) InsertOffer(o Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.ID] = o
	return nil
}

func (s *MemStore) UpdateOffer(o Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.offers[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != o.Version {
		return ErrVersionConflict
	}
	o.Version++
	s.offers[o.ID] = o
	return nil
}

func (s *MemStore) OffersByToken(tokenID uint64) ([]Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Offer
	for _, o := range s.offers {
		if o.TokenID == tokenID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) PendingTx(ref string) (PendingTx, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.txs[ref]
	return p, ok
}

func (s *MemStore) InsertPendingTx(p PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[p.Ref] = p
	return nil
}

func (s *MemStore) SavePendingTx(p PendingTx) error {
	return s.InsertPendingTx(p)
}

func (s *MemStore) PendingTxs() ([]PendingTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PendingTx
	for _, p := range s.txs {
		if !p.Terminal() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt < out[j].SubmittedAt })
	return out, nil
}

func (s *MemStore) Binding(userID int64) (WalletBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[userID]
	return b, ok
}

func (s *MemStore) PutBinding(b WalletBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.UserID] = b
	return nil
}

func (s *MemStore) DeleteBinding(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, userID)
	return nil
}

func (s *MemStore) Bindings() ([]WalletBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WalletBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	return out, nil
}

func (s *MemStore) AddFavorite(userID int64, tokenID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d:%d", userID, tokenID)
	if s.favorites[key] {
		return false, nil
	}
	s.favorites[key] = true
	return true, nil
}

func (s *MemStore) Close() error { return nil }

func sortListings(ls []Listing) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })
}

var _ Store = (*MemStore)(nil)
