package market

import (
	"fmt"
	"sync"
	"time"
)

// reservations tracks quantity claimed by outstanding authorizations
// that have not yet settled on the ledger. An authorization reserves its
// quantity before the blocking bind/sign steps, so two concurrent
// requests can never both be issued against the same unit of inventory.
//
// A client may abandon the flow after authorization, so entries carry a
// TTL and are pruned lazily; settlement releases the claim explicitly.
type reservations struct {
	mu  sync.Mutex
	ttl time.Duration
	byK map[string][]reservation
}

type reservation struct {
	qty     int64
	expires time.Time
}

func newReservations(ttl time.Duration) *reservations {
	return &reservations{ttl: ttl, byK: make(map[string][]reservation)}
}

func listingResKey(listingID uint64) string { return fmt.Sprintf("l:%d", listingID) }
func defaultResKey(tokenID uint64) string   { return fmt.Sprintf("t:%d", tokenID) }
func offerResKey(offerID uint64) string     { return fmt.Sprintf("o:%d", offerID) }

// reserve claims qty against avail. Returns false when outstanding
// claims plus qty would exceed avail.
func (r *reservations) reserve(key string, qty, avail int64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	outstanding := r.pruneLocked(key, now)
	if qty > avail-outstanding {
		return false
	}
	r.byK[key] = append(r.byK[key], reservation{qty: qty, expires: now.Add(r.ttl)})
	return true
}

// release drops up to qty of outstanding claims on key. Called when
// signing fails after a claim was made, and when a settlement lands.
func (r *reservations) release(key string, qty int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byK[key]
	for i := 0; i < len(entries) && qty > 0; {
		if entries[i].qty <= qty {
			qty -= entries[i].qty
			entries = append(entries[:i], entries[i+1:]...)
			continue
		}
		entries[i].qty -= qty
		qty = 0
		i++
	}
	if len(entries) == 0 {
		delete(r.byK, key)
		return
	}
	r.byK[key] = entries
}

// outstanding reports currently claimed quantity for key.
func (r *reservations) outstanding(key string, now time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(key, now)
}

func (r *reservations) pruneLocked(key string, now time.Time) int64 {
	entries := r.byK[key]
	var kept []reservation
	var total int64
	for _, e := range entries {
		if e.expires.After(now) {
			kept = append(kept, e)
			total += e.qty
		}
	}
	if len(kept) == 0 {
		delete(r.byK, key)
	} else {
		r.byK[key] = kept
	}
	return total
}
