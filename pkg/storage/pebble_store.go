package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/artmkt/marketd/pkg/market"
)

// PebbleStore is the durable market.Store. Records are JSON; reads
// follow the (value, ok) convention and panic on storage corruption.
// Compare-and-swap updates and sequence bumps are serialized by an
// in-process mutex; pebble itself only sees committed states.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // guards read-modify-write sections
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) get(key []byte, v any) bool {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return false
		}
		panic(err)
	}
	defer closer.Close()
	if err := decodeJSON(val, v); err != nil {
		panic(fmt.Errorf("decode %s: %w", key, err))
	}
	return true
}

func (s *PebbleStore) set(key []byte, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *PebbleStore) Asset(tokenID uint64) (market.Asset, bool) {
	var a market.Asset
	ok := s.get(assetKey(tokenID), &a)
	return a, ok
}

func (s *PebbleStore) PutAsset(a market.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(assetKey(a.TokenID), a)
}

func (s *PebbleStore) UpdateAsset(a market.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur market.Asset
	if !s.get(assetKey(a.TokenID), &cur) {
		return market.ErrNotFound
	}
	if cur.Version != a.Version {
		return market.ErrVersionConflict
	}
	a.Version++
	return s.set(assetKey(a.TokenID), a)
}

func (s *PebbleStore) Holding(tokenID uint64, owner common.Address) (market.Holding, bool) {
	var h market.Holding
	ok := s.get(holdingKey(tokenID, owner), &h)
	return h, ok
}

func (s *PebbleStore) PutHolding(h market.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(holdingKey(h.TokenID, h.Owner), h)
}

func (s *PebbleStore) NextID(seq string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seqKey(seq)
	var next uint64 = 1
	val, closer, err := s.db.Get(key)
	if err == nil {
		next = binary.BigEndian.Uint64(val) + 1
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, err
	}
	if err := s.db.Set(key, seqValue(next), pebble.Sync); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *PebbleStore) Listing(id uint64) (market.Listing, bool) {
	var l market.Listing
	ok := s.get(listingKey(id), &l)
	return l, ok
}

func (s *PebbleStore) InsertListing(l market.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(listingKey(l.ID), l)
}

func (s *PebbleStore) UpdateListing(l market.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur market.Listing
	if !s.get(listingKey(l.ID), &cur) {
		return market.ErrNotFound
	}
	if cur.Version != l.Version {
		return market.ErrVersionConflict
	}
	l.Version++
	return s.set(listingKey(l.ID), l)
}

func (s *PebbleStore) ListingsByToken(tokenID uint64) ([]market.Listing, error) {
	var out []market.Listing
	err := s.scan([]byte(prefixListing), func(val []byte) error {
		var l market.Listing
		if err := decodeJSON(val, &l); err != nil {
			return err
		}
		if l.TokenID == tokenID {
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

func (s *PebbleStore) ListingsBySeller(sellerID int64) ([]market.Listing, error) {
	var out []market.Listing
	err := s.scan([]byte(prefixListing), func(val []byte) error {
		var l market.Listing
		if err := decodeJSON(val, &l); err != nil {
			return err
		}
		if l.SellerID == sellerID {
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

func (s *PebbleStore) Offer(id uint64) (market.Offer, bool) {
	var o market.Offer
	ok := s.get(offerKey(id), &o)
	return o, ok
}

func (s *PebbleStore) InsertOffer(o market.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(offerKey(o.ID), o)
}

func (s *PebbleStore) UpdateOffer(o market.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur market.Offer
	if !s.get(offerKey(o.ID), &cur) {
		return market.ErrNotFound
	}
	if cur.Version != o.Version {
		return market.ErrVersionConflict
	}
	o.Version++
	return s.set(offerKey(o.ID), o)
}

func (s *PebbleStore) OffersByToken(tokenID uint64) ([]market.Offer, error) {
	var out []market.Offer
	err := s.scan([]byte(prefixOffer), func(val []byte) error {
		var o market.Offer
		if err := decodeJSON(val, &o); err != nil {
			return err
		}
		if o.TokenID == tokenID {
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (s *PebbleStore) PendingTx(ref string) (market.PendingTx, bool) {
	var p market.PendingTx
	ok := s.get(txKey(ref), &p)
	return p, ok
}

func (s *PebbleStore) InsertPendingTx(p market.PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(txKey(p.Ref), p)
}

func (s *PebbleStore) SavePendingTx(p market.PendingTx) error {
	return s.InsertPendingTx(p)
}

func (s *PebbleStore) PendingTxs() ([]market.PendingTx, error) {
	var out []market.PendingTx
	err := s.scan([]byte(prefixTx), func(val []byte) error {
		var p market.PendingTx
		if err := decodeJSON(val, &p); err != nil {
			return err
		}
		if !p.Terminal() {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *PebbleStore) Binding(userID int64) (market.WalletBinding, bool) {
	var b market.WalletBinding
	ok := s.get(bindingKey(userID), &b)
	return b, ok
}

func (s *PebbleStore) PutBinding(b market.WalletBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(bindingKey(b.UserID), b)
}

func (s *PebbleStore) DeleteBinding(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(bindingKey(userID), pebble.Sync)
}

func (s *PebbleStore) Bindings() ([]market.WalletBinding, error) {
	var out []market.WalletBinding
	err := s.scan([]byte(prefixBinding), func(val []byte) error {
		var b market.WalletBinding
		if err := decodeJSON(val, &b); err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

func (s *PebbleStore) AddFavorite(userID int64, tokenID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := favoriteKey(userID, tokenID)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, err
	}
	if err := s.db.Set(key, []byte{1}, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ market.Store = (*PebbleStore)(nil)
