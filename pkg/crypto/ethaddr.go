package crypto

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ValidAddressFormat checks the syntactic form of a destination address
// before any registry lookup: 0x prefix, 40 hex chars, and when the hex
// is mixed-case, a correct EIP-55 checksum. All-lower or all-upper
// addresses carry no checksum and pass on syntax alone.
func ValidAddressFormat(s string) bool {
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	hexaddr := s[2:]
	raw, err := hex.DecodeString(hexaddr)
	if err != nil || len(raw) != 20 {
		return false
	}
	lower := strings.ToLower(hexaddr)
	upper := strings.ToUpper(hexaddr)
	if hexaddr == lower || hexaddr == upper {
		return true
	}
	return EIP55(raw) == "0x"+hexaddr
}

// EIP55 computes the checksummed hex address string from a 20-byte raw
// address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20) // lower
	// keccak of lowercase hex
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)
	out := make([]byte, 2+len(hexaddr))
	copy(out, []byte("0x"))
	for i, c := range []byte(hexaddr) {
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		// each hex char maps to 4 bits; i>>1 picks the byte, even/odd the nibble
		nibble := hash[i>>1]
		if i%2 == 0 {
			nibble = (nibble >> 4) & 0x0f
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[2+i] = c - ('a' - 'A')
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}
