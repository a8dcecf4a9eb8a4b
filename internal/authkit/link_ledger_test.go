package authkit

import (
	"errors"
	"testing"
	"time"
)

func TestLinkLedgerClaimOnce(t *testing.T) {
	t.Parallel()
	ledger := newLinkLedger(2*time.Minute, func() time.Time { return time.Unix(1000, 0) })

	if err := ledger.Claim("abc123"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := ledger.Claim("abc123"); !errors.Is(err, ErrLinkAlreadyConsumed) {
		t.Fatalf("expected ErrLinkAlreadyConsumed, got %v", err)
	}
	if err := ledger.Claim("other"); err != nil {
		t.Fatalf("unrelated claim: %v", err)
	}
}

func TestLinkLedgerExpiryAndRelease(t *testing.T) {
	t.Parallel()
	current := time.Unix(1000, 0)
	ledger := newLinkLedger(time.Minute, func() time.Time { return current })

	if err := ledger.Claim("abc123"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if err := ledger.Claim("abc123"); err != nil {
		t.Fatalf("expected expired claim to be reusable, got %v", err)
	}

	ledger.Release("abc123")
	if err := ledger.Claim("abc123"); err != nil {
		t.Fatalf("expected released claim to be reusable, got %v", err)
	}
}

func TestLinkLedgerStoresHashesOnly(t *testing.T) {
	t.Parallel()
	ledger := newLinkLedger(time.Minute, nil)
	if err := ledger.Claim("plain-code"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	if _, ok := ledger.entries["plain-code"]; ok {
		t.Fatalf("ledger must not retain raw credentials")
	}
}
