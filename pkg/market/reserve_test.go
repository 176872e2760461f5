package market

import (
	"testing"
	"time"
)

func TestReserveAgainstAvailable(t *testing.T) {
	r := newReservations(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	key := defaultResKey(1)

	if !r.reserve(key, 3, 5, now) {
		t.Fatal("first claim within balance should succeed")
	}
	if r.reserve(key, 3, 5, now) {
		t.Fatal("second claim exceeding balance should fail")
	}
	if !r.reserve(key, 2, 5, now) {
		t.Fatal("claim of the remainder should succeed")
	}
	if got := r.outstanding(key, now); got != 5 {
		t.Errorf("outstanding = %d, want 5", got)
	}
}

func TestReleasePartial(t *testing.T) {
	r := newReservations(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	key := listingResKey(9)

	r.reserve(key, 3, 10, now)
	r.reserve(key, 4, 10, now)
	r.release(key, 5)
	if got := r.outstanding(key, now); got != 2 {
		t.Errorf("outstanding after partial release = %d, want 2", got)
	}
	r.release(key, 2)
	if got := r.outstanding(key, now); got != 0 {
		t.Errorf("outstanding after full release = %d, want 0", got)
	}
}

func TestReservationTTLPrune(t *testing.T) {
	r := newReservations(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	key := offerResKey(4)

	r.reserve(key, 5, 5, now)
	if r.reserve(key, 1, 5, now.Add(30*time.Second)) {
		t.Fatal("claim should fail while reservation is live")
	}
	if !r.reserve(key, 1, 5, now.Add(2*time.Minute)) {
		t.Fatal("claim should succeed once earlier reservation expired")
	}
}
