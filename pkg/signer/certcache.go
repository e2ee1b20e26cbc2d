package signer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sbsmw/claimproc/pkg/cache"
	"github.com/sbsmw/claimproc/pkg/catalogue"
)

// CachedCertStore wraps a certStore with a bounded LRU of certificate
// metadata (serial, validity window, public key, key reference — never key
// bytes), per §5 "Certificate material ... loaded at most once per
// (facility_id, cert_serial) into a per-process cache of bounded size".
type CachedCertStore struct {
	inner certStore
	local *cache.Local
	ttl   time.Duration
}

// NewCachedCertStore wraps inner with a local cache of at most maxEntries
// certificate metadata rows.
func NewCachedCertStore(inner certStore, maxEntries int, ttl time.Duration) *CachedCertStore {
	return &CachedCertStore{inner: inner, local: cache.NewLocal(maxEntries), ttl: ttl}
}

// GetActiveCert returns cached metadata when present and unexpired,
// otherwise delegates to inner and caches the result.
func (c *CachedCertStore) GetActiveCert(ctx context.Context, facilityID int) (catalogue.CertMeta, error) {
	key := cache.Key(cache.NamespaceCertMeta, strconv.Itoa(facilityID))

	if raw, ok := c.local.Get(key); ok {
		var meta catalogue.CertMeta
		if json.Unmarshal(raw, &meta) == nil {
			return meta, nil
		}
	}

	meta, err := c.inner.GetActiveCert(ctx, facilityID)
	if err != nil {
		return catalogue.CertMeta{}, err
	}

	if raw, err := json.Marshal(meta); err == nil {
		c.local.Set(key, raw, c.ttl)
	}
	return meta, nil
}
