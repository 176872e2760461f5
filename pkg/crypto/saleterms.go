package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// SaleTerms is the exact tuple a trade authorization binds. The
// signature covers every numeric term quoted to the client, so an
// authorization cannot be replayed at a different price or quantity.
type SaleTerms struct {
	Buyer     common.Address
	Seller    common.Address
	TokenID   uint64
	PriceWei  *big.Int // unit price, ledger base units
	Quantity  uint64
	AmountWei *big.Int // PriceWei x Quantity
	Timestamp uint64   // unix seconds, monotonic per request
}

// HashSaleTerms computes the digest the marketplace contract rebuilds on
// transfer: keccak256 of the tightly packed tuple
// (buyer, seller, uint256 tokenId, uint256 price, uint256 qty,
// uint256 amount, uint256 timestamp), wrapped in the standard Ethereum
// signed-message envelope so wallets and ecrecover agree on it.
func HashSaleTerms(t SaleTerms) []byte {
	packed := make([]byte, 0, 20+20+5*32)
	packed = append(packed, t.Buyer.Bytes()...)
	packed = append(packed, t.Seller.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(t.TokenID))...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(t.PriceWei))...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(t.Quantity))...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(t.AmountWei))...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(t.Timestamp))...)

	inner := crypto.Keccak256(packed)
	return crypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		inner,
	)
}

// SignSale signs the sale-terms digest with the authorization key.
func (s *Signer) SignSale(t SaleTerms) ([]byte, error) {
	return s.Sign(HashSaleTerms(t))
}
