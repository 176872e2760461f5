package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/artmkt/marketd/pkg/chain"
	"github.com/artmkt/marketd/pkg/crypto"
	"github.com/artmkt/marketd/pkg/util"
)

var (
	buyerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sellerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	otherAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeChain struct {
	mu     sync.Mutex
	status map[string]chain.TxStatus
	err    error
}

func newFakeChain() *fakeChain {
	return &fakeChain{status: make(map[string]chain.TxStatus)}
}

func (f *fakeChain) TxStatus(ctx context.Context, ref string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return chain.TxStatus{}, f.err
	}
	return f.status[ref], nil
}

func (f *fakeChain) confirm(ref string, confs uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[ref] = chain.TxStatus{Known: true, Confirmations: confs}
}

func (f *fakeChain) fail(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[ref] = chain.TxStatus{Known: true, Failed: true}
}

type testEnv struct {
	engine *Engine
	store  *MemStore
	chain  *fakeChain
	signer *crypto.Signer
	clock  *util.ManualClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := NewMemStore()
	wallets, err := NewWalletRegistry(store)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	fc := newFakeChain()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	engine := NewEngine(store, wallets, signer, fc, clock, zap.NewNop().Sugar(), cfg)
	if err := store.PutAsset(Asset{TokenID: 42, Price: decimal.NewFromInt(1), InStock: 5}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return &testEnv{engine: engine, store: store, chain: fc, signer: signer, clock: clock}
}

func TestAuthorizeBuyDefaultListing(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})

	auth, err := env.engine.AuthorizeBuy(context.Background(), 7, BuyRequest{
		TokenID:   42,
		Buyer:     buyerAddr,
		ListingID: 0,
		Quantity:  3,
		UnitPrice: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("authorize buy: %v", err)
	}
	if auth.Quantity != 3 {
		t.Errorf("quantity = %d, want 3", auth.Quantity)
	}
	if auth.PriceWei != "0xde0b6b3a7640000" {
		t.Errorf("price wei = %s, want 0xde0b6b3a7640000", auth.PriceWei)
	}
	if auth.AmountWei != "0x29a2241af62c0000" {
		t.Errorf("amount wei = %s, want 0x29a2241af62c0000", auth.AmountWei)
	}
	if auth.Ref != "0x0" {
		t.Errorf("ref = %s, want 0x0", auth.Ref)
	}
	if auth.Counterparty != NullAddress {
		t.Errorf("counterparty = %s, want null address", auth.Counterparty.Hex())
	}

	// The signature must bind exactly the returned terms and recover to
	// the service key.
	priceWei, err := hexutil.DecodeBig(auth.PriceWei)
	if err != nil {
		t.Fatalf("decode price: %v", err)
	}
	amountWei, err := hexutil.DecodeBig(auth.AmountWei)
	if err != nil {
		t.Fatalf("decode amount: %v", err)
	}
	sig, err := hexutil.Decode(auth.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	digest := crypto.HashSaleTerms(crypto.SaleTerms{
		Buyer:     buyerAddr,
		Seller:    NullAddress,
		TokenID:   42,
		PriceWei:  priceWei,
		Quantity:  3,
		AmountWei: amountWei,
		Timestamp: uint64(auth.Timestamp),
	})
	if !crypto.VerifySignature(env.signer.Address(), digest, sig) {
		t.Error("signature does not recover to service key")
	}
}

func TestAuthorizeBuyInsufficientInventory(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})

	_, err := env.engine.AuthorizeBuy(context.Background(), 7, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, Quantity: 6, UnitPrice: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("err = %v, want ErrInsufficientInventory", err)
	}
}

func TestAuthorizeBuyPriceStale(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})

	_, err := env.engine.AuthorizeBuy(context.Background(), 7, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, Quantity: 2, UnitPrice: decimal.NewFromFloat(1.5),
	})
	if !errors.Is(err, ErrPriceStale) {
		t.Fatalf("err = %v, want ErrPriceStale", err)
	}

	// The rejected request must release its reservation: buying the full
	// stock afterwards still works.
	_, err = env.engine.AuthorizeBuy(context.Background(), 7, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, Quantity: 5, UnitPrice: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("full-stock buy after stale rejection: %v", err)
	}
}

func TestAuthorizeBuyUnknownListing(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})

	_, err := env.engine.AuthorizeBuy(context.Background(), 7, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, ListingID: 99, Quantity: 1, UnitPrice: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentAuthorizeBuyOversell(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})
	if err := env.store.PutAsset(Asset{TokenID: 9, Price: decimal.NewFromInt(2), InStock: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	buyers := []common.Address{buyerAddr, otherAddr}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.AuthorizeBuy(context.Background(), int64(100+i), BuyRequest{
				TokenID: 9, Buyer: buyers[i], Quantity: 1, UnitPrice: decimal.NewFromInt(2),
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientInventory):
			insufficient++
		default:
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("ok=%d insufficient=%d, want exactly one of each", ok, insufficient)
	}
}

func TestAuthorizeBuyAddressConflict(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})
	if err := env.engine.Wallets().Bind(1, buyerAddr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	_, err := env.engine.AuthorizeBuy(context.Background(), 2, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrAddressConflict) {
		t.Fatalf("err = %v, want ErrAddressConflict", err)
	}
}

func makeOffer(t *testing.T, env *testEnv, tokenID uint64, price decimal.Decimal, qty int64) Offer {
	t.Helper()
	offer, err := env.engine.CreateOffer(context.Background(), 11, tokenID,
		OfferTerms{Price: price, Quantity: qty},
		TxSubmission{Ref: "0xoffer", From: buyerAddr})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return offer
}

func TestAuthorizeSell(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})
	offer := makeOffer(t, env, 42, decimal.NewFromInt(2), 4)

	auth, err := env.engine.AuthorizeSell(context.Background(), 12, SellRequest{
		OfferID: offer.ID, Seller: sellerAddr, Quantity: 2, UnitPrice: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("authorize sell: %v", err)
	}
	if auth.Counterparty != buyerAddr {
		t.Errorf("counterparty = %s, want offer buyer", auth.Counterparty.Hex())
	}

	got, _ := env.store.Offer(offer.ID)
	if got.Status != OfferAuthorized {
		t.Errorf("offer status = %s, want authorized", got.Status)
	}
}

func TestAuthorizeSellErrors(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})
	offer := makeOffer(t, env, 42, decimal.NewFromInt(2), 4)
	ctx := context.Background()

	if _, err := env.engine.AuthorizeSell(ctx, 12, SellRequest{
		OfferID: 999, Seller: sellerAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(2),
	}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown offer err = %v, want ErrNotFound", err)
	}

	if _, err := env.engine.AuthorizeSell(ctx, 12, SellRequest{
		OfferID: offer.ID, Seller: sellerAddr, Quantity: 5, UnitPrice: decimal.NewFromInt(2),
	}); !errors.Is(err, ErrInsufficientInventory) {
		t.Errorf("oversized err = %v, want ErrInsufficientInventory", err)
	}

	if _, err := env.engine.AuthorizeSell(ctx, 12, SellRequest{
		OfferID: offer.ID, Seller: sellerAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(1),
	}); !errors.Is(err, ErrPriceStale) {
		t.Errorf("stale err = %v, want ErrPriceStale", err)
	}
}

func TestAuthorizeTransfer(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})
	ctx := context.Background()

	if _, err := env.engine.AuthorizeTransfer(ctx, 1, buyerAddr, "not-an-address", 42, 1); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad format err = %v, want ErrInvalidAddress", err)
	}

	if _, err := env.engine.AuthorizeTransfer(ctx, 1, buyerAddr, otherAddr.Hex(), 42, 1); !errors.Is(err, ErrUnregisteredRecipient) {
		t.Errorf("unregistered err = %v, want ErrUnregisteredRecipient", err)
	}

	if err := env.engine.Wallets().Bind(2, otherAddr); err != nil {
		t.Fatalf("bind recipient: %v", err)
	}
	desc, err := env.engine.AuthorizeTransfer(ctx, 1, buyerAddr, otherAddr.Hex(), 42, 3)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if desc.To != otherAddr || desc.Quantity != 3 || desc.Amount != "0x0" {
		t.Errorf("descriptor = %+v", desc)
	}
}

func TestIntakeDeduplicates(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 3, ReservationTTL: time.Minute})
	ctx := context.Background()

	first, err := env.engine.Intake(ctx, 1, TxSubmission{Ref: "0xabc", Kind: TxKindSale, TokenID: 42, Quantity: 1, From: buyerAddr})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	second, err := env.engine.Intake(ctx, 1, TxSubmission{Ref: "0xabc", Kind: TxKindSale, TokenID: 42, Quantity: 1, From: buyerAddr})
	if err != nil {
		t.Fatalf("re-intake: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("dedup returned a new record: %s vs %s", first.ID, second.ID)
	}
	pending, _ := env.store.PendingTxs()
	if len(pending) != 1 {
		t.Errorf("pending count = %d, want 1", len(pending))
	}
}

func TestReconcileActivatesListing(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 2, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	listing, err := env.engine.CreateListing(ctx, 5, sellerAddr, 42, decimal.NewFromInt(3), 2, TxSubmission{Ref: "0xlist"})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if listing.Status != ListingPending {
		t.Fatalf("status = %s, want pending", listing.Status)
	}

	// Below threshold: stays pending.
	env.chain.confirm("0xlist", 1)
	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := env.store.Listing(listing.ID)
	if got.Status != ListingPending {
		t.Fatalf("status = %s, want pending before threshold", got.Status)
	}

	env.chain.confirm("0xlist", 2)
	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ = env.store.Listing(listing.ID)
	if got.Status != ListingActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	p, _ := env.store.PendingTx("0xlist")
	if p.Status != TxConfirmed {
		t.Fatalf("tx status = %s, want confirmed", p.Status)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	// Default-listing sale: 3 units leave primary stock.
	if _, err := env.engine.Intake(ctx, 1, TxSubmission{
		Ref: "0xsale", Kind: TxKindSale, TokenID: 42, Quantity: 3, From: buyerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	env.chain.confirm("0xsale", 1)

	for i := 0; i < 3; i++ {
		if err := env.engine.Reconcile(ctx); err != nil {
			t.Fatalf("reconcile pass %d: %v", i, err)
		}
	}

	asset, _ := env.store.Asset(42)
	if asset.InStock != 2 {
		t.Errorf("instock = %d, want 2 (effect applied exactly once)", asset.InStock)
	}
	h, ok := env.store.Holding(42, buyerAddr)
	if !ok || h.Balance != 3 {
		t.Errorf("buyer holding = %+v, want balance 3", h)
	}
}

func TestReconcileFailedTxAppliesNoEffect(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	if _, err := env.engine.Intake(ctx, 1, TxSubmission{
		Ref: "0xbad", Kind: TxKindSale, TokenID: 42, Quantity: 3, From: buyerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	env.chain.fail("0xbad")

	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	p, _ := env.store.PendingTx("0xbad")
	if p.Status != TxFailed {
		t.Fatalf("status = %s, want failed", p.Status)
	}
	asset, _ := env.store.Asset(42)
	if asset.InStock != 5 {
		t.Errorf("instock = %d, want untouched 5", asset.InStock)
	}
}

func TestReconcileExpiresAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 2, ReservationTTL: time.Minute})
	ctx := context.Background()

	if _, err := env.engine.Intake(ctx, 1, TxSubmission{
		Ref: "0xgone", Kind: TxKindSale, TokenID: 42, Quantity: 1, From: buyerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	// Never mined.
	for i := 0; i < 2; i++ {
		if err := env.engine.Reconcile(ctx); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}
	p, _ := env.store.PendingTx("0xgone")
	if p.Status != TxExpired {
		t.Fatalf("status = %s, want expired after bounded attempts", p.Status)
	}
}

func TestReconcileQueryErrorLeavesPending(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 2, ReservationTTL: time.Minute})
	ctx := context.Background()

	if _, err := env.engine.Intake(ctx, 1, TxSubmission{
		Ref: "0xflaky", Kind: TxKindSale, TokenID: 42, Quantity: 1, From: buyerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	env.chain.err = errors.New("rpc down")

	if err := env.engine.Reconcile(ctx); err == nil {
		t.Fatal("expected reconcile to surface the query error")
	}
	p, _ := env.store.PendingTx("0xflaky")
	if p.Status != TxPending || p.Attempts != 0 {
		t.Fatalf("record = %+v, want pending with no attempt burned", p)
	}
}

func TestReconcileSettlesOffer(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()
	offer := makeOffer(t, env, 42, decimal.NewFromInt(2), 4)

	if err := env.store.PutHolding(Holding{TokenID: 42, Owner: sellerAddr, Balance: 5}); err != nil {
		t.Fatalf("seed holding: %v", err)
	}
	if _, err := env.engine.Intake(ctx, 12, TxSubmission{
		Ref: "0xsettle", Kind: TxKindSale, TokenID: 42, OfferID: offer.ID, Quantity: 4, From: sellerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	env.chain.confirm("0xsettle", 1)
	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := env.store.Offer(offer.ID)
	if got.Status != OfferSettled {
		t.Errorf("offer status = %s, want settled", got.Status)
	}
	sh, _ := env.store.Holding(42, sellerAddr)
	if sh.Balance != 1 {
		t.Errorf("seller balance = %d, want 1", sh.Balance)
	}
	bh, _ := env.store.Holding(42, buyerAddr)
	if bh.Balance != 4 {
		t.Errorf("buyer balance = %d, want 4", bh.Balance)
	}
}

func TestDelistIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	if _, err := env.engine.CreateListing(ctx, 5, sellerAddr, 42, decimal.NewFromInt(3), 2, TxSubmission{Ref: "0xl1"}); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.engine.Delist(ctx, 5); err != nil {
			t.Fatalf("delist pass %d: %v", i, err)
		}
	}
	listings, err := env.engine.Listings(42)
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(listings) != 0 {
		t.Errorf("active listings = %d, want 0", len(listings))
	}
}

func TestCreateListingInvalidTerms(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	if _, err := env.engine.CreateListing(ctx, 5, sellerAddr, 42, decimal.Zero, 2, TxSubmission{Ref: "0xl"}); !errors.Is(err, ErrInvalidTerms) {
		t.Errorf("zero price err = %v, want ErrInvalidTerms", err)
	}
	if _, err := env.engine.CreateListing(ctx, 5, sellerAddr, 42, decimal.NewFromInt(1), 0, TxSubmission{Ref: "0xl"}); !errors.Is(err, ErrInvalidTerms) {
		t.Errorf("zero quantity err = %v, want ErrInvalidTerms", err)
	}
}

func TestFavoriteDuplicate(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})

	if err := env.engine.Favorite(1, 42); err != nil {
		t.Fatalf("first like: %v", err)
	}
	if err := env.engine.Favorite(1, 42); !errors.Is(err, ErrAlreadyFavorite) {
		t.Errorf("duplicate like err = %v, want ErrAlreadyFavorite", err)
	}
}

// holdingFaultStore fails a bounded number of holding writes to
// exercise recovery from partial settlement.
type holdingFaultStore struct {
	*MemStore
	mu       sync.Mutex
	failures int
}

func (s *holdingFaultStore) PutHolding(h Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("holding write failed")
	}
	return s.MemStore.PutHolding(h)
}

func TestReconcileResumesAfterPartialFailure(t *testing.T) {
	store := &holdingFaultStore{MemStore: NewMemStore()}
	wallets, err := NewWalletRegistry(store)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	fc := newFakeChain()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	engine := NewEngine(store, wallets, signer, fc, clock, zap.NewNop().Sugar(),
		Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	if err := store.PutAsset(Asset{TokenID: 42, Price: decimal.NewFromInt(1), InStock: 5}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	if err := store.PutHolding(Holding{TokenID: 42, Owner: sellerAddr, Balance: 5}); err != nil {
		t.Fatalf("seed holding: %v", err)
	}
	if err := store.InsertListing(Listing{
		ID: 1, TokenID: 42, SellerID: 5, Seller: sellerAddr,
		Price: decimal.NewFromInt(3), Quantity: 5, Status: ListingActive,
	}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}

	if _, err := engine.Intake(ctx, 7, TxSubmission{
		Ref: "0xpart", Kind: TxKindSale, TokenID: 42, ListingID: 1, Quantity: 2, From: buyerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	fc.confirm("0xpart", 1)

	// The listing decrement lands, then the seller debit fails.
	store.failures = 1
	if err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	p, _ := store.PendingTx("0xpart")
	if p.Status != TxPending {
		t.Fatalf("status after partial failure = %s, want pending", p.Status)
	}
	l, _ := store.Listing(1)
	if l.Quantity != 3 {
		t.Fatalf("listing quantity after partial failure = %d, want 3", l.Quantity)
	}

	// The retry resumes at the holdings move without re-decrementing.
	if err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	l, _ = store.Listing(1)
	if l.Quantity != 3 {
		t.Errorf("listing quantity = %d after one confirmed sale of 2 (want 3); effect applied more than once", l.Quantity)
	}
	sh, _ := store.Holding(42, sellerAddr)
	if sh.Balance != 3 {
		t.Errorf("seller balance = %d, want 3", sh.Balance)
	}
	bh, _ := store.Holding(42, buyerAddr)
	if bh.Balance != 2 {
		t.Errorf("buyer balance = %d, want 2", bh.Balance)
	}
	p, _ = store.PendingTx("0xpart")
	if p.Status != TxConfirmed {
		t.Errorf("status = %s, want confirmed", p.Status)
	}
}

func TestAuthorizeBuyPendingListingRejected(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 3, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	listing, err := env.engine.CreateListing(ctx, 5, sellerAddr, 42, decimal.NewFromInt(3), 2, TxSubmission{Ref: "0xpend"})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// The creation transaction has not confirmed; no authorization may
	// be issued against the listing yet.
	if _, err := env.engine.AuthorizeBuy(ctx, 7, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, ListingID: listing.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(3),
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unconfirmed listing", err)
	}

	env.chain.confirm("0xpend", 3)
	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := env.engine.AuthorizeBuy(ctx, 7, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, ListingID: listing.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(3),
	}); err != nil {
		t.Fatalf("buy after activation: %v", err)
	}
}

func TestDeadSaleReleasesReservation(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Hour})
	ctx := context.Background()
	if err := env.store.PutAsset(Asset{TokenID: 9, Price: decimal.NewFromInt(2), InStock: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := env.engine.AuthorizeBuy(ctx, 1, BuyRequest{
		TokenID: 9, Buyer: buyerAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(2),
	}); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := env.engine.Intake(ctx, 1, TxSubmission{
		Ref: "0xrip", Kind: TxKindSale, TokenID: 9, Quantity: 1, From: buyerAddr,
	}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	env.chain.fail("0xrip")
	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// The claim is freed as soon as the sale dies, well before the TTL.
	if _, err := env.engine.AuthorizeBuy(ctx, 2, BuyRequest{
		TokenID: 9, Buyer: otherAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(2),
	}); err != nil {
		t.Fatalf("buy after failed sale: %v", err)
	}
}

func TestReservationExpires(t *testing.T) {
	env := newTestEnv(t, Config{ConfirmThreshold: 1, MaxAttempts: 10, ReservationTTL: time.Minute})
	ctx := context.Background()

	// Claim the whole stock, then abandon the flow.
	if _, err := env.engine.AuthorizeBuy(ctx, 1, BuyRequest{
		TokenID: 42, Buyer: buyerAddr, Quantity: 5, UnitPrice: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := env.engine.AuthorizeBuy(ctx, 2, BuyRequest{
		TokenID: 42, Buyer: otherAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(1),
	}); !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("err = %v, want ErrInsufficientInventory while reserved", err)
	}

	env.clock.Advance(2 * time.Minute)
	if _, err := env.engine.AuthorizeBuy(ctx, 2, BuyRequest{
		TokenID: 42, Buyer: otherAddr, Quantity: 1, UnitPrice: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("post-expiry authorize: %v", err)
	}
}
