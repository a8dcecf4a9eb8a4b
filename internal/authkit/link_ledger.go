package authkit

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"
)

// linkLedger remembers consumed link credentials for a TTL so redelivered URLs are recognised.
// Only hashes are retained.
type linkLedger struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newLinkLedger(ttl time.Duration, now func() time.Time) *linkLedger {
	if now == nil {
		now = time.Now
	}
	return &linkLedger{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     now,
	}
}

// Claim marks credential as consumed. It returns ErrLinkAlreadyConsumed for a live earlier claim.
func (ledger *linkLedger) Claim(credential string) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	ledger.purgeExpiredLocked()
	key := hashCredential(credential)
	if _, ok := ledger.entries[key]; ok {
		return ErrLinkAlreadyConsumed
	}
	ledger.entries[key] = ledger.now().Add(ledger.ttl)
	return nil
}

// Release forgets a claim so a later delivery may retry the exchange.
func (ledger *linkLedger) Release(credential string) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	delete(ledger.entries, hashCredential(credential))
}

func (ledger *linkLedger) purgeExpiredLocked() {
	if len(ledger.entries) == 0 {
		return
	}
	now := ledger.now()
	for key, expiry := range ledger.entries {
		if now.After(expiry) {
			delete(ledger.entries, key)
		}
	}
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
