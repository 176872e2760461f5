package api

import "github.com/shopspring/decimal"

// Response is the wire envelope every action returns. Msg carries the
// success payload or the human-readable error message.
type Response struct {
	Status string `json:"status"` // "ok" | "err"
	Msg    any    `json:"msg,omitempty"`
}

// ActionRequest is the single-endpoint request body, dispatched on
// Action. Only the fields for the requested action are read.
type ActionRequest struct {
	Action string `json:"action"`

	// buy
	Buyer    string          `json:"buyer,omitempty"`
	PID      uint64          `json:"pid,omitempty"`
	Count    int64           `json:"count,omitempty"`
	BuyPrice decimal.Decimal `json:"buyPrice,omitempty"`

	// sell
	Seller    string          `json:"seller,omitempty"`
	SellPrice decimal.Decimal `json:"sellPrice,omitempty"`

	// transfer
	Address string `json:"address,omitempty"`
	To      string `json:"to,omitempty"`

	// tx / offer / list
	Tx    *TxPayload    `json:"tx,omitempty"`
	Offer *OfferPayload `json:"offer,omitempty"`
	List  *ListPayload  `json:"list,omitempty"`
}

// TxPayload reports a ledger transaction the client has broadcast,
// together with the settlement it should produce once confirmed.
type TxPayload struct {
	TxID     string `json:"txid"`
	Kind     string `json:"kind,omitempty"` // listing|offer|sale|transfer; default sale
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	PID      uint64 `json:"pid,omitempty"`
	OfferID  uint64 `json:"offerId,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
}

// OfferPayload is the buyer's proposed terms for the offer action.
type OfferPayload struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// ListPayload is the seller's terms for the list action.
type ListPayload struct {
	Address  string          `json:"address"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}
