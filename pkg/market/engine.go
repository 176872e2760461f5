package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/artmkt/marketd/pkg/chain"
	"github.com/artmkt/marketd/pkg/crypto"
	"github.com/artmkt/marketd/pkg/util"
)

var weiPerEth = decimal.New(1, 18)

// Config bounds the engine's confirmation watch and authorization
// reservations.
type Config struct {
	// ConfirmThreshold is the confirmation count a transaction needs
	// before its domain effect is applied.
	ConfirmThreshold uint64
	// MaxAttempts bounds reconcile passes per transaction; past it the
	// record expires and surfaces a timeout outcome.
	MaxAttempts int
	// ReservationTTL bounds how long an unsubmitted authorization holds
	// inventory.
	ReservationTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmThreshold: 3,
		MaxAttempts:      120,
		ReservationTTL:   10 * time.Minute,
	}
}

// Notifier receives settlement events when pending transactions reach a
// terminal state. The API layer plugs its websocket hub in here.
type Notifier interface {
	Publish(ev SettlementEvent)
}

type nopNotifier struct{}

func (nopNotifier) Publish(SettlementEvent) {}

// Engine is the order coordination and settlement-reconciliation core:
// it validates trades against off-ledger state, issues signed
// authorizations, and reconciles submitted ledger transactions into
// domain effects once confirmed.
type Engine struct {
	store    Store
	wallets  *WalletRegistry
	signer   *crypto.Signer
	chain    chain.Client
	clock    util.Clock
	log      *zap.SugaredLogger
	cfg      Config
	notifier Notifier

	res     *reservations
	tokens  stripes // serializes inventory read+reserve vs settlement
	txlocks stripes // serializes reconcile per pending transaction

	tsMu   sync.Mutex
	lastTS int64
}

func NewEngine(store Store, wallets *WalletRegistry, signer *crypto.Signer, chainClient chain.Client, clock util.Clock, log *zap.SugaredLogger, cfg Config) *Engine {
	if cfg.ConfirmThreshold == 0 {
		cfg.ConfirmThreshold = 1
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig().ReservationTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Engine{
		store:    store,
		wallets:  wallets,
		signer:   signer,
		chain:    chainClient,
		clock:    clock,
		log:      log,
		cfg:      cfg,
		notifier: nopNotifier{},
		res:      newReservations(cfg.ReservationTTL),
	}
}

// SetNotifier installs the settlement event sink. Call before the
// watcher starts.
func (e *Engine) SetNotifier(n Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// Wallets exposes the registry for the API layer's address lookups.
func (e *Engine) Wallets() *WalletRegistry { return e.wallets }

// Asset looks up a catalog entry.
func (e *Engine) Asset(tokenID uint64) (Asset, bool) {
	return e.store.Asset(tokenID)
}

// SeedAsset inserts or replaces a catalog entry. Boot-time only.
func (e *Engine) SeedAsset(a Asset) error {
	return e.store.PutAsset(a)
}

// nextTimestamp returns a strictly increasing unix-seconds timestamp so
// no two authorizations ever sign the same tuple.
func (e *Engine) nextTimestamp() int64 {
	e.tsMu.Lock()
	defer e.tsMu.Unlock()
	ts := e.clock.Now().Unix()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

// BuyRequest asks for authorization to purchase from a listing.
// ListingID 0 targets the asset's default listing.
type BuyRequest struct {
	TokenID   uint64
	Buyer     common.Address
	ListingID uint64
	Quantity  int64
	UnitPrice decimal.Decimal // price the client saw; stale quotes are rejected
}

// SellRequest asks for authorization to accept a standing offer.
type SellRequest struct {
	OfferID   uint64
	Seller    common.Address
	Quantity  int64
	UnitPrice decimal.Decimal
}

// AuthorizeBuy validates the request against current inventory and
// listed price, reserves the quantity, binds the buyer's wallet and
// returns a freshly signed authorization. Nothing is persisted; the
// client must submit the ledger transaction promptly.
func (e *Engine) AuthorizeBuy(ctx context.Context, userID int64, req BuyRequest) (*Authorization, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", req.Quantity, ErrInvalidTerms)
	}

	// Resolve price, seller and available balance, then claim the
	// quantity under the token lock. Bind and sign happen after the
	// lock is released; both block on I/O.
	var (
		price  decimal.Decimal
		seller common.Address
		resKey string
	)
	unlock := e.tokens.lock(req.TokenID)
	if req.ListingID == 0 {
		asset, ok := e.store.Asset(req.TokenID)
		if !ok {
			unlock()
			return nil, fmt.Errorf("token %d: %w", req.TokenID, ErrNotFound)
		}
		price = asset.Price
		seller = NullAddress
		resKey = defaultResKey(req.TokenID)
		if !e.res.reserve(resKey, req.Quantity, asset.InStock, e.clock.Now()) {
			unlock()
			authorizationsTotal.WithLabelValues("buy", "insufficient").Inc()
			return nil, fmt.Errorf("token %d stock %d: %w", req.TokenID, asset.InStock, ErrInsufficientInventory)
		}
	} else {
		listing, ok := e.store.Listing(req.ListingID)
		// A pending listing's creation transaction has not confirmed and
		// may never land; only active listings can back an authorization.
		if !ok || listing.TokenID != req.TokenID || listing.Status != ListingActive {
			unlock()
			return nil, fmt.Errorf("listing %d: %w", req.ListingID, ErrNotFound)
		}
		price = listing.Price
		seller = listing.Seller
		resKey = listingResKey(req.ListingID)
		if !e.res.reserve(resKey, req.Quantity, listing.Quantity, e.clock.Now()) {
			unlock()
			authorizationsTotal.WithLabelValues("buy", "insufficient").Inc()
			return nil, fmt.Errorf("listing %d balance %d: %w", req.ListingID, listing.Quantity, ErrInsufficientInventory)
		}
	}
	unlock()

	// The reservation is held from here on; release it on any failure.
	if !price.Equal(req.UnitPrice) {
		e.res.release(resKey, req.Quantity)
		authorizationsTotal.WithLabelValues("buy", "stale").Inc()
		return nil, fmt.Errorf("quoted %s, current %s: %w", req.UnitPrice, price, ErrPriceStale)
	}
	if err := e.wallets.Bind(userID, req.Buyer); err != nil {
		e.res.release(resKey, req.Quantity)
		authorizationsTotal.WithLabelValues("buy", "bind_failed").Inc()
		return nil, err
	}

	auth, err := e.sign(req.ListingID, req.TokenID, req.Buyer, seller, price, req.Quantity, seller)
	if err != nil {
		e.res.release(resKey, req.Quantity)
		authorizationsTotal.WithLabelValues("buy", "sign_failed").Inc()
		return nil, err
	}
	authorizationsTotal.WithLabelValues("buy", "ok").Inc()
	e.log.Infow("authorization_issued", "op", "buy", "token", req.TokenID, "pid", req.ListingID,
		"buyer", req.Buyer.Hex(), "qty", req.Quantity, "price", price.String())
	return auth, nil
}

// AuthorizeSell validates acceptance of a standing offer and returns a
// signed authorization with the buyer taken from the offer record.
func (e *Engine) AuthorizeSell(ctx context.Context, userID int64, req SellRequest) (*Authorization, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", req.Quantity, ErrInvalidTerms)
	}
	offer, ok := e.store.Offer(req.OfferID)
	if !ok || offer.Status == OfferCancelled || offer.Status == OfferSettled {
		return nil, fmt.Errorf("offer %d: %w", req.OfferID, ErrNotFound)
	}

	resKey := offerResKey(req.OfferID)
	unlock := e.tokens.lock(offer.TokenID)
	if !e.res.reserve(resKey, req.Quantity, offer.Quantity, e.clock.Now()) {
		unlock()
		authorizationsTotal.WithLabelValues("sell", "insufficient").Inc()
		return nil, fmt.Errorf("offer %d quantity %d: %w", req.OfferID, offer.Quantity, ErrInsufficientInventory)
	}
	unlock()

	if !offer.Price.Equal(req.UnitPrice) {
		e.res.release(resKey, req.Quantity)
		authorizationsTotal.WithLabelValues("sell", "stale").Inc()
		return nil, fmt.Errorf("quoted %s, offer %s: %w", req.UnitPrice, offer.Price, ErrPriceStale)
	}
	if err := e.wallets.Bind(userID, req.Seller); err != nil {
		e.res.release(resKey, req.Quantity)
		authorizationsTotal.WithLabelValues("sell", "bind_failed").Inc()
		return nil, err
	}

	auth, err := e.sign(req.OfferID, offer.TokenID, offer.Buyer, req.Seller, offer.Price, req.Quantity, offer.Buyer)
	if err != nil {
		e.res.release(resKey, req.Quantity)
		authorizationsTotal.WithLabelValues("sell", "sign_failed").Inc()
		return nil, err
	}

	// Advancing pending -> authorized is best-effort bookkeeping; a
	// version race just means another authorization got there first.
	if offer.Status == OfferPending {
		offer.Status = OfferAuthorized
		if err := e.store.UpdateOffer(offer); err != nil && err != ErrVersionConflict {
			e.log.Warnw("offer_status_update_failed", "offer", offer.ID, "err", err)
		}
	}
	authorizationsTotal.WithLabelValues("sell", "ok").Inc()
	e.log.Infow("authorization_issued", "op", "sell", "offer", req.OfferID, "token", offer.TokenID,
		"seller", req.Seller.Hex(), "qty", req.Quantity, "price", offer.Price.String())
	return auth, nil
}

// AuthorizeTransfer validates a no-consideration transfer destination.
// The descriptor is unsigned: with no price bound there is nothing for
// a signature to protect.
func (e *Engine) AuthorizeTransfer(ctx context.Context, userID int64, from common.Address, to string, tokenID uint64, quantity int64) (*TransferDescriptor, error) {
	if !crypto.ValidAddressFormat(to) {
		return nil, fmt.Errorf("%q: %w", to, ErrInvalidAddress)
	}
	dest := common.HexToAddress(to)
	if _, ok := e.wallets.UserByAddress(dest); !ok {
		return nil, fmt.Errorf("%s: %w", dest.Hex(), ErrUnregisteredRecipient)
	}
	if err := e.wallets.Bind(userID, from); err != nil {
		return nil, err
	}
	return &TransferDescriptor{
		To:       dest,
		TokenID:  tokenID,
		Quantity: quantity,
		Amount:   "0x0",
	}, nil
}

func (e *Engine) sign(refID, tokenID uint64, buyer, seller common.Address, price decimal.Decimal, quantity int64, counterparty common.Address) (*Authorization, error) {
	priceWei := price.Mul(weiPerEth).BigInt()
	amountWei := price.Mul(decimal.NewFromInt(quantity)).Mul(weiPerEth).BigInt()
	ts := e.nextTimestamp()

	sig, err := e.signer.SignSale(crypto.SaleTerms{
		Buyer:     buyer,
		Seller:    seller,
		TokenID:   tokenID,
		PriceWei:  priceWei,
		Quantity:  uint64(quantity),
		AmountWei: amountWei,
		Timestamp: uint64(ts),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return &Authorization{
		Ref:          hexutil.EncodeUint64(refID),
		TokenID:      tokenID,
		PriceWei:     hexutil.EncodeBig(priceWei),
		Quantity:     quantity,
		AmountWei:    hexutil.EncodeBig(amountWei),
		Timestamp:    ts,
		Counterparty: counterparty,
		Signature:    hexutil.Encode(sig),
	}, nil
}

// CreateListing inserts a pending listing paired with the intake of its
// ledger transaction; the listing activates only when that transaction
// confirms.
func (e *Engine) CreateListing(ctx context.Context, userID int64, addr common.Address, tokenID uint64, price decimal.Decimal, quantity int64, tx TxSubmission) (Listing, error) {
	if price.Sign() <= 0 || quantity <= 0 {
		return Listing{}, fmt.Errorf("price %s quantity %d: %w", price, quantity, ErrInvalidTerms)
	}
	if _, ok := e.store.Asset(tokenID); !ok {
		return Listing{}, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	id, err := e.store.NextID("listing")
	if err != nil {
		return Listing{}, err
	}
	listing := Listing{
		ID:        id,
		TokenID:   tokenID,
		SellerID:  userID,
		Seller:    addr,
		Price:     price,
		Quantity:  quantity,
		Status:    ListingPending,
		CreatedAt: e.clock.Now().Unix(),
		TxRef:     tx.Ref,
	}
	if err := e.store.InsertListing(listing); err != nil {
		return Listing{}, err
	}
	tx.Kind = TxKindListing
	tx.TokenID = tokenID
	tx.ListingID = id
	tx.Quantity = quantity
	if _, err := e.Intake(ctx, userID, tx); err != nil {
		return Listing{}, err
	}
	e.log.Infow("listing_created", "pid", id, "token", tokenID, "seller", addr.Hex(),
		"price", price.String(), "qty", quantity, "tx", tx.Ref)
	return listing, nil
}

// Delist cancels the seller's listings. Idempotent; already-cancelled
// records are left alone.
func (e *Engine) Delist(ctx context.Context, userID int64) error {
	listings, err := e.store.ListingsBySeller(userID)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if l.Status == ListingCancelled || l.Status == ListingSoldOut {
			continue
		}
		l.Status = ListingCancelled
		if err := e.store.UpdateListing(l); err != nil && err != ErrVersionConflict {
			return err
		}
		e.log.Infow("listing_cancelled", "pid", l.ID, "token", l.TokenID)
	}
	return nil
}

// OfferTerms are the buyer's proposed price and quantity.
type OfferTerms struct {
	Price    decimal.Decimal
	Quantity int64
}

// CreateOffer records a buyer's bid tied to a freshly intaken escrow
// transaction. The buyer address comes from the submitted transaction,
// not from client-asserted input.
func (e *Engine) CreateOffer(ctx context.Context, userID int64, tokenID uint64, terms OfferTerms, tx TxSubmission) (Offer, error) {
	if terms.Price.Sign() <= 0 || terms.Quantity <= 0 {
		return Offer{}, fmt.Errorf("price %s quantity %d: %w", terms.Price, terms.Quantity, ErrInvalidTerms)
	}
	if _, ok := e.store.Asset(tokenID); !ok {
		return Offer{}, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	id, err := e.store.NextID("offer")
	if err != nil {
		return Offer{}, err
	}
	offer := Offer{
		ID:        id,
		TokenID:   tokenID,
		BuyerID:   userID,
		Buyer:     tx.From,
		Price:     terms.Price,
		Quantity:  terms.Quantity,
		Status:    OfferPending,
		CreatedAt: e.clock.Now().Unix(),
		TxRef:     tx.Ref,
	}
	if err := e.store.InsertOffer(offer); err != nil {
		return Offer{}, err
	}
	tx.Kind = TxKindOffer
	tx.TokenID = tokenID
	tx.OfferID = id
	tx.Quantity = terms.Quantity
	if _, err := e.Intake(ctx, userID, tx); err != nil {
		return Offer{}, err
	}
	e.log.Infow("offer_created", "offer", id, "token", tokenID, "buyer", tx.From.Hex(),
		"price", terms.Price.String(), "qty", terms.Quantity, "tx", tx.Ref)
	return offer, nil
}

// Listings returns the token's listings excluding cancelled and
// sold-out records.
func (e *Engine) Listings(tokenID uint64) ([]Listing, error) {
	all, err := e.store.ListingsByToken(tokenID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Status == ListingCancelled || l.Status == ListingSoldOut {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Offers returns the token's open offers, excluding settled and
// cancelled records.
func (e *Engine) Offers(tokenID uint64) ([]Offer, error) {
	all, err := e.store.OffersByToken(tokenID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if o.Status == OfferCancelled || o.Status == OfferSettled {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Favorite records a like; duplicate likes fail.
func (e *Engine) Favorite(userID int64, tokenID uint64) error {
	added, err := e.store.AddFavorite(userID, tokenID)
	if err != nil {
		return err
	}
	if !added {
		return ErrAlreadyFavorite
	}
	return nil
}

// Intake records a client-submitted ledger transaction for the watcher.
// Re-submission of the same reference is deduplicated; client retries
// are common.
func (e *Engine) Intake(ctx context.Context, userID int64, sub TxSubmission) (PendingTx, error) {
	if sub.Ref == "" {
		return PendingTx{}, fmt.Errorf("empty tx reference: %w", ErrInvalidTerms)
	}
	unlock := e.txlock(sub.Ref)
	defer unlock()
	if existing, ok := e.store.PendingTx(sub.Ref); ok {
		return existing, nil
	}
	p := PendingTx{
		ID:          uuid.NewString(),
		UserID:      userID,
		Ref:         sub.Ref,
		Kind:        sub.Kind,
		TokenID:     sub.TokenID,
		ListingID:   sub.ListingID,
		OfferID:     sub.OfferID,
		Quantity:    sub.Quantity,
		From:        sub.From,
		To:          sub.To,
		SubmittedAt: e.clock.Now().Unix(),
		Status:      TxPending,
	}
	if err := e.store.InsertPendingTx(p); err != nil {
		return PendingTx{}, err
	}
	e.log.Infow("tx_intake", "tx", p.Ref, "kind", p.Kind.String(), "token", p.TokenID, "user", userID)
	return p, nil
}

func (e *Engine) txlock(ref string) func() {
	return e.txlocks.lock(fnv1a(ref))
}

// Reconcile walks every pending transaction, queries the ledger and
// applies confirmed transitions. Safe to run concurrently with itself:
// each record's flip is serialized and terminal records are skipped.
func (e *Engine) Reconcile(ctx context.Context) error {
	pending, err := e.store.PendingTxs()
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range pending {
		if err := e.reconcileOne(ctx, p.Ref); err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (e *Engine) reconcileOne(ctx context.Context, ref string) error {
	p, ok := e.store.PendingTx(ref)
	if !ok || p.Terminal() {
		return nil
	}

	// Query the ledger before taking the record lock; the wait must not
	// block other reconcile work on this record's stripe.
	st, err := e.chain.TxStatus(ctx, ref)
	if err != nil {
		// Transient: the record stays pending for the next pass.
		e.log.Warnw("ledger_query_failed", "tx", ref, "err", err)
		reconcileTransitions.WithLabelValues("query_error").Inc()
		return err
	}

	unlock := e.txlock(ref)
	defer unlock()

	p, ok = e.store.PendingTx(ref)
	if !ok || p.Terminal() {
		return nil
	}
	p.Attempts++
	p.Confirmations = st.Confirmations

	switch {
	case st.Failed:
		p.Status = TxFailed
	case st.Confirmations >= e.cfg.ConfirmThreshold:
		if err := e.applySettlement(&p); err != nil {
			// Effect not applied in full; the stage stamps on the record
			// mark what landed, so the next pass resumes there instead of
			// re-applying from the top.
			e.log.Errorw("settlement_apply_failed", "tx", ref, "err", err)
			reconcileTransitions.WithLabelValues("apply_error").Inc()
			return e.store.SavePendingTx(p)
		}
		p.Status = TxConfirmed
	case p.Attempts >= e.cfg.MaxAttempts:
		p.Status = TxExpired
	}

	if err := e.store.SavePendingTx(p); err != nil {
		return err
	}
	if p.Terminal() {
		if p.Status != TxConfirmed {
			// A dead sale never settles; free its claimed inventory now
			// rather than waiting out the reservation TTL.
			e.releaseSaleReservation(p)
		}
		reconcileTransitions.WithLabelValues(p.Status.String()).Inc()
		e.log.Infow("tx_settled", "tx", ref, "kind", p.Kind.String(), "status", p.Status.String(),
			"confirmations", p.Confirmations, "attempts", p.Attempts)
		e.notifier.Publish(SettlementEvent{
			Type:    "settlement",
			UserID:  p.UserID,
			Ref:     p.Ref,
			Kind:    p.Kind.String(),
			TokenID: p.TokenID,
			Status:  p.Status.String(),
		})
	}
	return nil
}

// applySettlement applies a confirmed transaction's domain effect.
// Runs under the record's stripe lock; inventory moves additionally
// take the token lock so concurrent authorizations see a consistent
// balance. Sub-effects are stamped onto the record as they land.
func (e *Engine) applySettlement(p *PendingTx) error {
	switch p.Kind {
	case TxKindListing:
		return e.activateListing(p.ListingID)
	case TxKindOffer:
		// The escrow confirmed; the bid simply stands.
		return nil
	case TxKindSale:
		return e.settleSale(p)
	case TxKindTransfer:
		return e.settleTransfer(p)
	}
	return fmt.Errorf("tx %s kind %d: %w", p.Ref, p.Kind, ErrInvalidTerms)
}

func (e *Engine) activateListing(listingID uint64) error {
	for attempt := 0; attempt < 3; attempt++ {
		l, ok := e.store.Listing(listingID)
		if !ok {
			return fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
		}
		if l.Status != ListingPending {
			return nil
		}
		l.Status = ListingActive
		err := e.store.UpdateListing(l)
		if err == nil {
			return nil
		}
		if err != ErrVersionConflict {
			return err
		}
	}
	return ErrVersionConflict
}

// advanceStage durably records that a settlement sub-effect landed.
func (e *Engine) advanceStage(p *PendingTx, stage SettleStage) error {
	p.Stage = stage
	return e.store.SavePendingTx(*p)
}

func (e *Engine) settleSale(p *PendingTx) error {
	unlock := e.tokens.lock(p.TokenID)
	defer unlock()

	var (
		src, dst common.Address
		resKey   string
	)
	switch {
	case p.OfferID != 0:
		offer, ok := e.store.Offer(p.OfferID)
		if !ok {
			return fmt.Errorf("offer %d: %w", p.OfferID, ErrNotFound)
		}
		if p.Stage < StageInventory {
			qty := p.Quantity
			if qty > offer.Quantity {
				qty = offer.Quantity
			}
			offer.Quantity -= qty
			if offer.Quantity == 0 {
				offer.Status = OfferSettled
			}
			if err := e.store.UpdateOffer(offer); err != nil {
				return err
			}
			p.StageQty = qty
			if err := e.advanceStage(p, StageInventory); err != nil {
				return err
			}
		}
		// Seller executed the acceptance; buyer comes from the offer.
		src, dst = p.From, offer.Buyer
		resKey = offerResKey(p.OfferID)

	case p.ListingID != 0:
		listing, ok := e.store.Listing(p.ListingID)
		if !ok {
			return fmt.Errorf("listing %d: %w", p.ListingID, ErrNotFound)
		}
		if p.Stage < StageInventory {
			qty := p.Quantity
			if qty > listing.Quantity {
				qty = listing.Quantity
			}
			listing.Quantity -= qty
			if listing.Quantity == 0 {
				listing.Status = ListingSoldOut
			}
			if err := e.store.UpdateListing(listing); err != nil {
				return err
			}
			p.StageQty = qty
			if err := e.advanceStage(p, StageInventory); err != nil {
				return err
			}
		}
		src, dst = listing.Seller, p.From
		resKey = listingResKey(p.ListingID)

	default:
		// Default listing: stock leaves the contract's primary supply.
		asset, ok := e.store.Asset(p.TokenID)
		if !ok {
			return fmt.Errorf("token %d: %w", p.TokenID, ErrNotFound)
		}
		if p.Stage < StageInventory {
			qty := p.Quantity
			if qty > asset.InStock {
				qty = asset.InStock
			}
			asset.InStock -= qty
			if err := e.store.UpdateAsset(asset); err != nil {
				return err
			}
			p.StageQty = qty
			if err := e.advanceStage(p, StageInventory); err != nil {
				return err
			}
		}
		src, dst = NullAddress, p.From
		resKey = defaultResKey(p.TokenID)
	}

	if p.Stage < StageDebited {
		if err := e.debitHolding(p.TokenID, src, p.StageQty); err != nil {
			return err
		}
		if err := e.advanceStage(p, StageDebited); err != nil {
			return err
		}
	}
	if p.Stage < StageApplied {
		if err := e.creditHolding(p.TokenID, dst, p.StageQty); err != nil {
			return err
		}
		if err := e.advanceStage(p, StageApplied); err != nil {
			return err
		}
		e.res.release(resKey, p.StageQty)
	}
	return nil
}

func (e *Engine) settleTransfer(p *PendingTx) error {
	unlock := e.tokens.lock(p.TokenID)
	defer unlock()

	if p.Stage < StageDebited {
		if err := e.debitHolding(p.TokenID, p.From, p.Quantity); err != nil {
			return err
		}
		p.StageQty = p.Quantity
		if err := e.advanceStage(p, StageDebited); err != nil {
			return err
		}
	}
	if p.Stage < StageApplied {
		if err := e.creditHolding(p.TokenID, p.To, p.StageQty); err != nil {
			return err
		}
		if err := e.advanceStage(p, StageApplied); err != nil {
			return err
		}
	}
	return nil
}

// releaseSaleReservation frees the inventory claim of a sale whose
// transaction died without settling.
func (e *Engine) releaseSaleReservation(p PendingTx) {
	if p.Kind != TxKindSale {
		return
	}
	switch {
	case p.OfferID != 0:
		e.res.release(offerResKey(p.OfferID), p.Quantity)
	case p.ListingID != 0:
		e.res.release(listingResKey(p.ListingID), p.Quantity)
	default:
		e.res.release(defaultResKey(p.TokenID), p.Quantity)
	}
}

// debitHolding mirrors the source side of a confirmed ledger transfer.
// The ledger is authoritative, so a short off-ledger balance is clamped
// rather than rejected.
func (e *Engine) debitHolding(tokenID uint64, owner common.Address, qty int64) error {
	if owner == NullAddress || qty == 0 {
		return nil
	}
	h, ok := e.store.Holding(tokenID, owner)
	if !ok {
		return nil
	}
	if qty > h.Balance {
		e.log.Warnw("holding_short", "token", tokenID, "owner", owner.Hex(),
			"balance", h.Balance, "moved", qty)
		h.Balance = 0
	} else {
		h.Balance -= qty
	}
	return e.store.PutHolding(h)
}

func (e *Engine) creditHolding(tokenID uint64, owner common.Address, qty int64) error {
	if owner == NullAddress || qty == 0 {
		return nil
	}
	h, ok := e.store.Holding(tokenID, owner)
	if !ok {
		h = Holding{TokenID: tokenID, Owner: owner, SellPrice: decimal.Zero}
	}
	h.Balance += qty
	return e.store.PutHolding(h)
}
