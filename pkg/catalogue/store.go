package catalogue

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbsmw/claimproc/internal/errs"
)

// Store provides parameterized, pooled access to the catalogue tables.
// Modeled on the teacher's Store{dbtx} pattern: raw SQL with named
// column-list constants and manual Scan, no ORM layer.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const mappingColumns = `sbs_code, sbs_description, confidence, source, is_active, updated_at`

// GetMapping returns the active (facility_id, internal_code) mapping, or
// errs.NotFound if none exists. Uses the (facility_id, internal_code,
// is_active) index (§4.2).
func (s *Store) GetMapping(ctx context.Context, facilityID int, internalCode string) (Mapping, error) {
	const query = `SELECT ` + mappingColumns + `
		FROM sbs_normalization_map
		WHERE facility_id = $1 AND internal_code = $2 AND is_active = true
		ORDER BY updated_at DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, facilityID, internalCode)
	var m Mapping
	if err := row.Scan(&m.SBSCode, &m.SBSDescription, &m.Confidence, &m.Source, &m.IsActive, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, errs.New(errs.NotFound, "CATALOGUE_MAPPING_NOT_FOUND", "no active mapping for facility/internal_code")
		}
		return Mapping{}, wrapPoolErr(ctx, err, "querying mapping")
	}
	return m, nil
}

// RecordAISuggestion appends a provisional, AI-sourced mapping row. It never
// overwrites an existing mapping; promotion to is_active happens out of
// band, via operator review.
func (s *Store) RecordAISuggestion(ctx context.Context, facilityID int, internalCode, sbsCode, sbsDescription string, confidence float64) error {
	const query = `INSERT INTO sbs_normalization_map
		(facility_id, internal_code, sbs_code, sbs_description, confidence, source, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'ai', false, now())`

	_, err := s.pool.Exec(ctx, query, facilityID, internalCode, sbsCode, sbsDescription, confidence)
	if err != nil {
		return wrapPoolErr(ctx, err, "recording AI suggestion")
	}
	return nil
}

// GetTier returns the pricing tier (with bundles) for a facility/payer
// pair, using the (facility_id, payer_id) index.
func (s *Store) GetTier(ctx context.Context, facilityID int, payerID string) (Tier, error) {
	const tierQuery = `SELECT markup_pct, cap FROM pricing_tiers WHERE facility_id = $1 AND payer_id = $2`

	var t Tier
	t.FacilityID = facilityID
	t.PayerID = payerID

	row := s.pool.QueryRow(ctx, tierQuery, facilityID, payerID)
	if err := row.Scan(&t.MarkupPct, &t.Cap); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tier{}, errs.New(errs.NotFound, "CATALOGUE_TIER_NOT_FOUND", "no pricing tier for facility/payer")
		}
		return Tier{}, wrapPoolErr(ctx, err, "querying tier")
	}

	bundles, err := s.getBundles(ctx, facilityID, payerID)
	if err != nil {
		return Tier{}, err
	}
	t.Bundles = bundles
	return t, nil
}

func (s *Store) getBundles(ctx context.Context, facilityID int, payerID string) ([]Bundle, error) {
	const query = `SELECT b.bundle_id, b.flat_price, m.sbs_code
		FROM pricing_bundles b
		JOIN pricing_bundle_members m ON m.bundle_id = b.bundle_id
		WHERE b.facility_id = $1 AND b.payer_id = $2
		ORDER BY b.bundle_id`

	rows, err := s.pool.Query(ctx, query, facilityID, payerID)
	if err != nil {
		return nil, wrapPoolErr(ctx, err, "querying bundles")
	}
	defer rows.Close()

	byID := make(map[string]*Bundle)
	var order []string
	for rows.Next() {
		var bundleID, sbsCode string
		var flatPrice float64
		if err := rows.Scan(&bundleID, &flatPrice, &sbsCode); err != nil {
			return nil, errs.Wrap(errs.DataCorrupt, "CATALOGUE_BUNDLE_ROW_MALFORMED", "scanning bundle row", err)
		}
		b, ok := byID[bundleID]
		if !ok {
			b = &Bundle{BundleID: bundleID, FlatPrice: flatPrice}
			byID[bundleID] = b
			order = append(order, bundleID)
		}
		b.Members = append(b.Members, sbsCode)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPoolErr(ctx, err, "iterating bundle rows")
	}

	out := make([]Bundle, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// GetActiveCert returns the active certificate metadata for a facility,
// enforcing the at-most-one-active invariant at query time via the
// (facility_id, is_active) index.
func (s *Store) GetActiveCert(ctx context.Context, facilityID int) (CertMeta, error) {
	const query = `SELECT facility_id, serial, not_before, not_after, private_key_ref, public_key
		FROM facility_certificates
		WHERE facility_id = $1 AND is_active = true
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, facilityID)
	var c CertMeta
	c.IsActive = true
	if err := row.Scan(&c.FacilityID, &c.Serial, &c.NotBefore, &c.NotAfter, &c.PrivateKeyRef, &c.PublicKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CertMeta{}, errs.New(errs.NotFound, "SIGNER_CERT_NOT_FOUND", "no active certificate for facility")
		}
		return CertMeta{}, wrapPoolErr(ctx, err, "querying active certificate")
	}
	return c, nil
}

// wrapPoolErr classifies a pgx error per §4.2's failure policy: a context
// deadline is TIMEOUT; a closed pool, connectivity failures and any other
// query error reaching here are UPSTREAM_UNAVAILABLE. All are retryable.
func wrapPoolErr(ctx context.Context, err error, action string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Timeout, "CATALOGUE_TIMEOUT", action, err).WithRetryable(true)
	}
	if errors.Is(err, pgxpool.ErrClosedPool) {
		return errs.Wrap(errs.UpstreamUnavailable, "CATALOGUE_POOL_UNAVAILABLE", action, err).WithRetryable(true)
	}
	return errs.Wrap(errs.UpstreamUnavailable, "CATALOGUE_QUERY_FAILED", action, err).WithRetryable(true)
}
