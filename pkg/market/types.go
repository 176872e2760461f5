package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NullAddress is the zero address used as the seller of the default
// (primary) listing, where the contract itself holds the stock.
var NullAddress = common.Address{}

// Asset is a token in the catalog. Price and InStock describe the
// default listing (pid 0); secondary sales go through Listing records.
type Asset struct {
	TokenID uint64          `json:"tokenid"`
	Title   string          `json:"title,omitempty"`
	Price   decimal.Decimal `json:"price"`   // ETH per unit
	InStock int64           `json:"instock"` // default-listing balance
	Version uint64          `json:"version"`
}

// Holding is a per-owner balance of an asset.
type Holding struct {
	TokenID   uint64          `json:"tokenid"`
	Owner     common.Address  `json:"owner"`
	Balance   int64           `json:"balance"`
	SellPrice decimal.Decimal `json:"sellPrice"`
	Version   uint64          `json:"version"`
}

type ListingStatus uint8

const (
	ListingPending ListingStatus = iota // paired tx not yet confirmed
	ListingActive
	ListingCancelled
	ListingSoldOut
)

func (s ListingStatus) String() string {
	switch s {
	case ListingPending:
		return "pending"
	case ListingActive:
		return "active"
	case ListingCancelled:
		return "cancelled"
	case ListingSoldOut:
		return "soldout"
	}
	return "unknown"
}

// Listing is a seller's secondary-sale listing. It is created in
// ListingPending and becomes active only when its paired ledger
// transaction confirms.
type Listing struct {
	ID        uint64          `json:"pid"`
	TokenID   uint64          `json:"tokenid"`
	SellerID  int64           `json:"sellerId"`
	Seller    common.Address  `json:"seller"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Status    ListingStatus   `json:"status"`
	CreatedAt int64           `json:"created"`
	TxRef     string          `json:"txid"`
	Version   uint64          `json:"version"`
}

type OfferStatus uint8

const (
	OfferPending OfferStatus = iota
	OfferAuthorized
	OfferSettled
	OfferCancelled
)

func (s OfferStatus) String() string {
	switch s {
	case OfferPending:
		return "pending"
	case OfferAuthorized:
		return "authorized"
	case OfferSettled:
		return "settled"
	case OfferCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Offer is a buyer's standing bid on an asset. Buyer is taken from the
// submitted escrow transaction, never from client-asserted input.
type Offer struct {
	ID        uint64          `json:"pid"`
	TokenID   uint64          `json:"tokenid"`
	BuyerID   int64           `json:"buyerId"`
	Buyer     common.Address  `json:"buyer"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Status    OfferStatus     `json:"status"`
	CreatedAt int64           `json:"created"`
	TxRef     string          `json:"txid"`
	Version   uint64          `json:"version"`
}

// WalletBinding ties an authenticated user to their claimed on-ledger
// address. One active address per user.
type WalletBinding struct {
	UserID  int64          `json:"userId"`
	Address common.Address `json:"address"`
	BoundAt int64          `json:"boundAt"`
}

type TxKind uint8

const (
	TxKindListing TxKind = iota + 1 // listing creation; confirm activates it
	TxKindOffer                     // offer escrow; confirm records the bid
	TxKindSale                      // purchase / offer acceptance; confirm moves inventory
	TxKindTransfer                  // plain transfer; confirm moves a holding
)

func (k TxKind) String() string {
	switch k {
	case TxKindListing:
		return "listing"
	case TxKindOffer:
		return "offer"
	case TxKindSale:
		return "sale"
	case TxKindTransfer:
		return "transfer"
	}
	return "unknown"
}

type TxState uint8

const (
	TxPending TxState = iota
	TxConfirmed
	TxFailed
	TxExpired
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	case TxExpired:
		return "expired"
	}
	return "unknown"
}

// TxSubmission is the client's report of a ledger transaction it has
// already broadcast, plus the settlement it should produce on confirm.
type TxSubmission struct {
	Ref       string         `json:"txid"`
	Kind      TxKind         `json:"kind"`
	TokenID   uint64         `json:"tokenid"`
	ListingID uint64         `json:"pid,omitempty"`
	OfferID   uint64         `json:"offerId,omitempty"`
	Quantity  int64          `json:"quantity"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
}

// SettleStage marks settlement sub-effects as they are durably
// applied. A reconcile retry after a partial store failure resumes at
// the first unapplied stage instead of re-applying from the top.
type SettleStage uint8

const (
	StageNone      SettleStage = iota
	StageInventory             // listing/offer/asset quantity adjusted
	StageDebited               // source holding decremented
	StageApplied               // destination holding credited
)

// PendingTx tracks a submitted ledger transaction until the watcher
// drives it to a terminal state. Mutated only by Reconcile.
type PendingTx struct {
	ID            string         `json:"id"` // internal record id (uuid)
	UserID        int64          `json:"userId"`
	Ref           string         `json:"txid"` // ledger tx reference, dedup key
	Kind          TxKind         `json:"kind"`
	TokenID       uint64         `json:"tokenid"`
	ListingID     uint64         `json:"pid,omitempty"`
	OfferID       uint64         `json:"offerId,omitempty"`
	Quantity      int64          `json:"quantity"`
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	SubmittedAt   int64          `json:"submittedAt"`
	Attempts      int            `json:"attempts"`
	Confirmations uint64         `json:"confirmations"`
	Status        TxState        `json:"status"`
	Stage         SettleStage    `json:"stage,omitempty"`
	StageQty      int64          `json:"stageQty,omitempty"` // quantity fixed when inventory was adjusted
}

// Terminal reports whether the record has reached a state the watcher
// never re-evaluates.
func (p PendingTx) Terminal() bool {
	return p.Status != TxPending
}

// Authorization is the ephemeral signed tuple returned to the client.
// It is never persisted; the signature binds the exact terms quoted.
type Authorization struct {
	Ref          string         `json:"pid"`     // listing/offer ref, hex
	TokenID      uint64         `json:"tokenid"`
	PriceWei     string         `json:"price"`   // unit price, 0x wei
	Quantity     int64          `json:"quantity"`
	AmountWei    string         `json:"amount"`  // price x quantity, 0x wei
	Timestamp    int64          `json:"timestamp"`
	Counterparty common.Address `json:"counterparty"` // seller for buys, buyer for sells
	Signature    string         `json:"signature"`    // 0x, 65 bytes R||S||V
}

// TransferDescriptor is the unsigned zero-amount payload for direct
// transfers; no price is involved so no signature is required.
type TransferDescriptor struct {
	To       common.Address `json:"to"`
	TokenID  uint64         `json:"tokenid"`
	Quantity int64          `json:"quantity"`
	Amount   string         `json:"amount"` // always "0x0"
}

// SettlementEvent is pushed to subscribers when a pending transaction
// reaches a terminal state.
type SettlementEvent struct {
	Type    string `json:"type"` // "settlement"
	UserID  int64  `json:"userId"`
	Ref     string `json:"txid"`
	Kind    string `json:"kind"`
	TokenID uint64 `json:"tokenid"`
	Status  string `json:"status"`
}
