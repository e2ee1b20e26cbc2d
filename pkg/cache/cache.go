package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Namespace identifies a cache key family (§3 Cache Entry).
type Namespace string

const (
	NamespaceSBSMap   Namespace = "sbs_map"
	NamespaceTier     Namespace = "tier"
	NamespaceBundle   Namespace = "bundle"
	NamespaceCertMeta Namespace = "cert_meta"
)

// Key builds a canonical cache key from a namespace and ordered fields.
func Key(ns Namespace, fields ...string) string {
	key := string(ns)
	for _, f := range fields {
		key += ":" + f
	}
	return key
}

// Tiered combines the local and shared tiers behind the single get/set/
// invalidate contract of §4.3. GetJSON/SetJSON marshal values as JSON so
// every namespace can share one underlying byte-oriented cache.
type Tiered struct {
	local  *Local
	shared *Shared // nil when no shared tier is configured
}

// NewTiered creates a Tiered cache. shared may be nil to run local-only.
func NewTiered(local *Local, shared *Shared) *Tiered {
	return &Tiered{local: local, shared: shared}
}

// GetJSON looks up key in the local tier, then the shared tier on miss,
// unmarshalling into dst. On a shared-tier hit it writes back to the local
// tier. Returns false on a miss in both tiers.
func (t *Tiered) GetJSON(ctx context.Context, key string, dst any) bool {
	if raw, ok := t.local.Get(key); ok {
		return json.Unmarshal(raw, dst) == nil
	}
	if t.shared == nil {
		return false
	}
	raw, ok := t.shared.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false
	}
	// Opportunistic local write-back. The shared tier does not expose its
	// remaining TTL cheaply, so the write-back uses a short accelerator TTL;
	// the authoritative TTL is re-applied on the next SetJSON from the
	// component that owns this namespace (§4.3, writes are last-writer-wins).
	t.local.Set(key, raw, localWriteBackTTL)
	return true
}

// localWriteBackTTL bounds how long a shared-tier hit is allowed to sit in
// the local tier before the next authoritative refresh.
const localWriteBackTTL = 30 * time.Second

// SetJSON marshals value and writes it to both tiers with ttl. The shared
// write is best-effort and never returns an error to the caller (§4.3).
func (t *Tiered) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw := marshalOrPanic(value)
	t.local.Set(key, raw, ttl)
	if t.shared != nil {
		t.shared.Set(ctx, key, raw, ttl)
	}
}

// Invalidate removes key from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key string) {
	t.local.Invalidate(key)
	if t.shared != nil {
		t.shared.Invalidate(ctx, key)
	}
}

func marshalOrPanic(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("cache: marshaling value for cache key: %v", err))
	}
	return b
}
