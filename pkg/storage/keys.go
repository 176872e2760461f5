package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema. Numeric ids are zero-padded so prefix scans come back in
// id order:
//
//	ast:<tokenid>           → Asset
//	hold:<tokenid>:<addr>   → Holding
//	lst:<id>                → Listing
//	off:<id>                → Offer
//	tx:<ref>                → PendingTx
//	bind:<userid>           → WalletBinding
//	fav:<userid>:<tokenid>  → marker
//	seq:<name>              → big-endian uint64
const (
	prefixAsset    = "ast:"
	prefixHolding  = "hold:"
	prefixListing  = "lst:"
	prefixOffer    = "off:"
	prefixTx       = "tx:"
	prefixBinding  = "bind:"
	prefixFavorite = "fav:"
	prefixSeq      = "seq:"
)

func assetKey(tokenID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAsset, tokenID))
}

func holdingKey(tokenID uint64, owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixHolding, tokenID, owner.Hex()))
}

func listingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixListing, id))
}

func offerKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOffer, id))
}

func txKey(ref string) []byte {
	return []byte(prefixTx + ref)
}

func bindingKey(userID int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixBinding, userID))
}

func favoriteKey(userID int64, tokenID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d:%d", prefixFavorite, userID, tokenID))
}

func seqKey(name string) []byte {
	return []byte(prefixSeq + name)
}

func seqValue(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
