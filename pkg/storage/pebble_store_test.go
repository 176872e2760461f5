package storage

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/artmkt/marketd/pkg/market"
)

func newStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAssetRoundtrip(t *testing.T) {
	s := newStore(t)

	if _, ok := s.Asset(42); ok {
		t.Fatal("missing asset should not resolve")
	}
	a := market.Asset{TokenID: 42, Title: "composition #7", Price: decimal.NewFromFloat(1.5), InStock: 10}
	if err := s.PutAsset(a); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := s.Asset(42)
	if !ok {
		t.Fatal("asset should resolve after put")
	}
	if got.Title != a.Title || !got.Price.Equal(a.Price) || got.InStock != a.InStock {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestUpdateAssetVersionConflict(t *testing.T) {
	s := newStore(t)
	a := market.Asset{TokenID: 1, Price: decimal.NewFromInt(2), InStock: 5}
	if err := s.PutAsset(a); err != nil {
		t.Fatalf("put: %v", err)
	}

	first, _ := s.Asset(1)
	second, _ := s.Asset(1)

	first.InStock = 4
	if err := s.UpdateAsset(first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	second.InStock = 3
	if err := s.UpdateAsset(second); !errors.Is(err, market.ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.Asset(1)
	if got.InStock != 4 || got.Version != first.Version+1 {
		t.Errorf("got %+v, want winner's write with bumped version", got)
	}
}

func TestNextIDSequences(t *testing.T) {
	s := newStore(t)

	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextID("listing")
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if got != want {
			t.Errorf("listing seq = %d, want %d", got, want)
		}
	}
	// Sequences are independent.
	got, err := s.NextID("offer")
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if got != 1 {
		t.Errorf("offer seq = %d, want 1", got)
	}
}

func TestListingScans(t *testing.T) {
	s := newStore(t)
	put := func(id, token uint64, seller int64) {
		t.Helper()
		if err := s.InsertListing(market.Listing{ID: id, TokenID: token, SellerID: seller, Price: decimal.NewFromInt(1), Quantity: 1}); err != nil {
			t.Fatalf("insert listing %d: %v", id, err)
		}
	}
	put(1, 42, 7)
	put(2, 42, 8)
	put(3, 99, 7)

	byToken, err := s.ListingsByToken(42)
	if err != nil {
		t.Fatalf("by token: %v", err)
	}
	if len(byToken) != 2 {
		t.Errorf("by token = %d listings, want 2", len(byToken))
	}
	bySeller, err := s.ListingsBySeller(7)
	if err != nil {
		t.Fatalf("by seller: %v", err)
	}
	if len(bySeller) != 2 {
		t.Errorf("by seller = %d listings, want 2", len(bySeller))
	}
}

func TestPendingTxsExcludesTerminal(t *testing.T) {
	s := newStore(t)

	live := market.PendingTx{ID: "a", Ref: "0x1", Status: market.TxPending}
	done := market.PendingTx{ID: "b", Ref: "0x2", Status: market.TxConfirmed}
	if err := s.InsertPendingTx(live); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertPendingTx(done); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := s.PendingTxs()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Ref != "0x1" {
		t.Errorf("pending = %+v, want only the live record", pending)
	}

	// Terminal records still resolve by ref.
	got, ok := s.PendingTx("0x2")
	if !ok || got.Status != market.TxConfirmed {
		t.Errorf("confirmed record lookup = (%+v, %v)", got, ok)
	}
}

func TestBindingsPersist(t *testing.T) {
	s := newStore(t)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	if err := s.PutBinding(market.WalletBinding{UserID: 7, Address: addr, BoundAt: 100}); err != nil {
		t.Fatalf("put: %v", err)
	}
	all, err := s.Bindings()
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if len(all) != 1 || all[0].UserID != 7 || all[0].Address != addr {
		t.Errorf("bindings = %+v", all)
	}

	if err := s.DeleteBinding(7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Binding(7); ok {
		t.Error("binding should be gone after delete")
	}
}

func TestAddFavoriteOnce(t *testing.T) {
	s := newStore(t)

	added, err := s.AddFavorite(1, 42)
	if err != nil || !added {
		t.Fatalf("first add = (%v, %v), want (true, nil)", added, err)
	}
	added, err = s.AddFavorite(1, 42)
	if err != nil || added {
		t.Fatalf("second add = (%v, %v), want (false, nil)", added, err)
	}
	// Different token is a fresh favorite.
	added, err = s.AddFavorite(1, 43)
	if err != nil || !added {
		t.Fatalf("other token add = (%v, %v), want (true, nil)", added, err)
	}
}

func TestHoldingRoundtrip(t *testing.T) {
	s := newStore(t)
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")

	h := market.Holding{TokenID: 5, Owner: owner, Balance: 9, SellPrice: decimal.NewFromInt(3)}
	if err := s.PutHolding(h); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := s.Holding(5, owner)
	if !ok || got.Balance != 9 || !got.SellPrice.Equal(h.SellPrice) {
		t.Errorf("holding = (%+v, %v)", got, ok)
	}
}
