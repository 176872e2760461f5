package market

import "errors"

var (
	ErrNotFound              = errors.New("market: not found")
	ErrInsufficientInventory = errors.New("market: insufficient inventory")
	ErrPriceStale            = errors.New("market: price stale")
	ErrInvalidTerms          = errors.New("market: invalid terms")
	ErrAddressConflict       = errors.New("market: address bound to another user")
	ErrInvalidAddress        = errors.New("market: invalid address format")
	ErrUnregisteredRecipient = errors.New("market: unregistered recipient")
	ErrSigningFailed         = errors.New("market: signing failed")
	ErrVersionConflict       = errors.New("market: version conflict")
	ErrAlreadyFavorite       = errors.New("market: already favorite")
)
