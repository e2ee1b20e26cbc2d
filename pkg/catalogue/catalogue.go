// Package catalogue owns the read-mostly relational data the rest of the
// pipeline treats as authoritative: SBS code mappings, payer tiers and
// bundles, and facility certificates (§4.2).
package catalogue

import (
	"time"
)

// Mapping is a persisted (facility_id, internal_code) -> SBS code row.
type Mapping struct {
	SBSCode        string
	SBSDescription string
	Confidence     float64
	Source         string // "db" or "ai"
	IsActive       bool
	UpdatedAt      time.Time
}

// Tier is a payer pricing tier with its bundle set.
type Tier struct {
	FacilityID int
	PayerID    string
	MarkupPct  float64
	Cap        *float64
	Bundles    []Bundle
}

// Bundle is a set of SBS codes priced as a single unit.
type Bundle struct {
	BundleID  string
	FlatPrice float64
	Members   []string // SBS codes
}

// CertMeta is the public metadata of a facility's active signing
// certificate. Private key bytes never appear here; PrivateKeyRef resolves
// through a KeyStore (pkg/signer).
type CertMeta struct {
	FacilityID    int
	Serial        string
	NotBefore     time.Time
	NotAfter      time.Time
	PrivateKeyRef string
	PublicKey     []byte
	IsActive      bool
}
