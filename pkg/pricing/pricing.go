// Package pricing implements the Financial Rule Engine (C4): deterministic
// tier/bundle resolution and patient-share computation over a normalized
// claim (§4.5).
package pricing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sbsmw/claimproc/internal/claim"
	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/pkg/catalogue"
)

// tierStore is the subset of *catalogue.Store the engine depends on.
type tierStore interface {
	GetTier(ctx context.Context, facilityID int, payerID string) (catalogue.Tier, error)
}

// Result is the Financial Rule Engine's public contract return value.
type Result struct {
	LineItems      []claim.LineItem
	Totals         claim.Totals
	AppliedBundles []string
	Violations     []claim.Violation
}

// Resolver prices claims against a tier/bundle store. Mirrors the pack's
// Resolver{store, ...} builder-option shape (db.Resolver in the estimation
// engine), adapted to this engine's config knobs.
type Resolver struct {
	store       tierStore
	maxQuantity int // 0 = unbounded
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store tierStore) *Resolver {
	return &Resolver{store: store}
}

// WithMaxQuantity sets a per-line-item quantity ceiling; quantities above it
// are a soft violation (§4.5 step 5).
func (r *Resolver) WithMaxQuantity(max int) *Resolver {
	r.maxQuantity = max
	return r
}

// Price runs the deterministic tier/bundle algorithm of §4.5 against c,
// whose line items must already carry SBS codes from the Normalizer.
func (r *Resolver) Price(ctx context.Context, c *claim.Claim) (Result, error) {
	tier, err := r.store.GetTier(ctx, c.FacilityID, c.Payer.PayerID)
	if err != nil {
		return Result{}, err
	}

	present := make(map[string]bool, len(c.LineItems))
	for _, li := range c.LineItems {
		present[li.SBSCode] = true
	}

	bundleByMember, appliedBundles := resolveBundles(tier.Bundles, present)

	markup := decimal.NewFromFloat(tier.MarkupPct)
	var tierCap *decimal.Decimal
	if tier.Cap != nil {
		c := decimal.NewFromFloat(*tier.Cap)
		tierCap = &c
	}

	out := make([]claim.LineItem, len(c.LineItems))
	var violations []claim.Violation
	gross := decimal.Zero
	net := decimal.Zero

	bundleTotals := map[string]decimal.Decimal{}
	for _, b := range appliedBundles {
		bundleTotals[b.BundleID] = decimal.NewFromFloat(b.FlatPrice)
	}
	bundleBilled := map[string]decimal.Decimal{}

	for i, li := range c.LineItems {
		out[i] = li
		qty := decimal.NewFromInt(int64(li.Quantity))
		billed := li.UnitPrice.Mul(qty)
		out[i].Billed = billed.RoundBank(2)
		gross = gross.Add(billed)

		if r.maxQuantity > 0 && li.Quantity > r.maxQuantity {
			violations = append(violations, claim.Violation{
				LineSequence: li.Sequence,
				Code:         "QUANTITY_EXCEEDS_TIER_MAXIMUM",
				Message:      "line item quantity exceeds the tier's configured maximum",
			})
		}

		if bundleID, ok := bundleByMember[li.SBSCode]; ok {
			out[i].BundleID = &bundleID
			bundleBilled[bundleID] = bundleBilled[bundleID].Add(billed)
			continue // allowed amount for bundled items is derived from the bundle total below
		}

		allowed := billed.Add(billed.Mul(markup))
		if tierCap != nil && allowed.GreaterThan(*tierCap) {
			allowed = *tierCap
		}
		out[i].Allowed = allowed.RoundBank(2)
		out[i].MarkupApplied = billed.Mul(markup).RoundBank(2)
		net = net.Add(allowed)
	}

	// Distribute each bundle's flat price across its members proportional to
	// billed share, rounding each share half-even except the last member in
	// bundle order, which absorbs whatever remains — so the members' Allowed
	// amounts always sum to exactly the bundle's flat price, never drifting
	// by a rounding cent.
	for bundleID, flat := range bundleTotals {
		total := bundleBilled[bundleID]
		var members []int
		for i := range out {
			if out[i].BundleID != nil && *out[i].BundleID == bundleID {
				members = append(members, i)
			}
		}
		distributed := decimal.Zero
		for n, i := range members {
			var share decimal.Decimal
			if n == len(members)-1 {
				share = flat.Sub(distributed)
			} else if total.IsPositive() {
				share = out[i].Billed.Div(total).Mul(flat).RoundBank(2)
			}
			out[i].Allowed = share
			distributed = distributed.Add(share)
			net = net.Add(share)
		}
	}

	if net.IsNegative() {
		return Result{}, errs.New(errs.InvalidInput, "PRICING_NEGATIVE_NET", "computed net total is negative")
	}

	totals := claim.Totals{
		Gross: gross.RoundBank(2),
		Net:   net.RoundBank(2),
		// Patient share is out of scope for the claim-type policies this
		// engine has tier data for; default to zero until a copay/coinsurance
		// schedule is introduced.
		PatientShare: decimal.Zero,
	}

	bundleIDs := make([]string, 0, len(appliedBundles))
	for _, b := range appliedBundles {
		bundleIDs = append(bundleIDs, b.BundleID)
	}

	return Result{
		LineItems:      out,
		Totals:         totals,
		AppliedBundles: bundleIDs,
		Violations:     violations,
	}, nil
}

// resolveBundles applies the overlap-resolution rule of §4.5 step 3: among
// bundles whose member set is a subset of the codes present, prefer the
// greatest member count, then lowest flat price, then lexicographic
// bundle_id. Every SBS code ends up covered by at most one bundle.
func resolveBundles(bundles []catalogue.Bundle, present map[string]bool) (map[string]string, []catalogue.Bundle) {
	var candidates []catalogue.Bundle
	for _, b := range bundles {
		if len(b.Members) == 0 {
			continue
		}
		allPresent := true
		for _, m := range b.Members {
			if !present[m] {
				allPresent = false
				break
			}
		}
		if allPresent {
			candidates = append(candidates, b)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].Members) != len(candidates[j].Members) {
			return len(candidates[i].Members) > len(candidates[j].Members)
		}
		if candidates[i].FlatPrice != candidates[j].FlatPrice {
			return candidates[i].FlatPrice < candidates[j].FlatPrice
		}
		return candidates[i].BundleID < candidates[j].BundleID
	})

	claimed := make(map[string]bool)
	byMember := make(map[string]string)
	var applied []catalogue.Bundle
	for _, b := range candidates {
		conflict := false
		for _, m := range b.Members {
			if claimed[m] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, m := range b.Members {
			claimed[m] = true
			byMember[m] = b.BundleID
		}
		applied = append(applied, b)
	}

	return byMember, applied
}
