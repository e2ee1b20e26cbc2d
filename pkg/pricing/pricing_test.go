package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sbsmw/claimproc/internal/claim"
	"github.com/sbsmw/claimproc/pkg/catalogue"
)

type fakeTierStore struct {
	tier catalogue.Tier
	err  error
}

func (f *fakeTierStore) GetTier(ctx context.Context, facilityID int, payerID string) (catalogue.Tier, error) {
	return f.tier, f.err
}

func lineItem(seq int, sbs string, qty int, unitPrice float64) claim.LineItem {
	return claim.LineItem{
		Sequence:    seq,
		InternalCode: "INT",
		Quantity:    qty,
		UnitPrice:   decimal.NewFromFloat(unitPrice),
		ServiceDate: time.Now(),
		SBSCode:     sbs,
	}
}

func TestPriceAppliesMarkupToNonBundledItems(t *testing.T) {
	store := &fakeTierStore{tier: catalogue.Tier{MarkupPct: 0.1}}
	r := NewResolver(store)

	c := &claim.Claim{
		FacilityID: 1,
		Payer:      claim.Payer{PayerID: "P1"},
		LineItems:  []claim.LineItem{lineItem(1, "SBS-1", 2, 100)},
	}

	res, err := r.Price(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromFloat(220) // 200 billed + 10% markup
	if !res.LineItems[0].Allowed.Equal(want) {
		t.Errorf("Allowed = %s, want %s", res.LineItems[0].Allowed, want)
	}
}

func TestPriceAppliesCap(t *testing.T) {
	capVal := 150.0
	store := &fakeTierStore{tier: catalogue.Tier{MarkupPct: 0.5, Cap: &capVal}}
	r := NewResolver(store)

	c := &claim.Claim{
		FacilityID: 1,
		Payer:      claim.Payer{PayerID: "P1"},
		LineItems:  []claim.LineItem{lineItem(1, "SBS-1", 1, 100)},
	}

	res, err := r.Price(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.LineItems[0].Allowed.Equal(decimal.NewFromFloat(150)) {
		t.Errorf("Allowed = %s, want capped at 150", res.LineItems[0].Allowed)
	}
}

func TestPriceResolvesOverlappingBundlesByMemberCount(t *testing.T) {
	store := &fakeTierStore{tier: catalogue.Tier{
		MarkupPct: 0,
		Bundles: []catalogue.Bundle{
			{BundleID: "B-SMALL", FlatPrice: 50, Members: []string{"SBS-1", "SBS-2"}},
			{BundleID: "B-BIG", FlatPrice: 120, Members: []string{"SBS-1", "SBS-2", "SBS-3"}},
		},
	}}
	r := NewResolver(store)

	c := &claim.Claim{
		FacilityID: 1,
		Payer:      claim.Payer{PayerID: "P1"},
		LineItems: []claim.LineItem{
			lineItem(1, "SBS-1", 1, 40),
			lineItem(2, "SBS-2", 1, 40),
			lineItem(3, "SBS-3", 1, 40),
		},
	}

	res, err := r.Price(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.AppliedBundles) != 1 || res.AppliedBundles[0] != "B-BIG" {
		t.Errorf("AppliedBundles = %v, want [B-BIG] (greatest member count wins)", res.AppliedBundles)
	}
	for _, li := range res.LineItems {
		if li.BundleID == nil || *li.BundleID != "B-BIG" {
			t.Errorf("line %d BundleID = %v, want B-BIG", li.Sequence, li.BundleID)
		}
	}
}

func TestPriceBundleAllowedSumsExactlyToFlatPrice(t *testing.T) {
	store := &fakeTierStore{tier: catalogue.Tier{
		MarkupPct: 0,
		Bundles: []catalogue.Bundle{
			{BundleID: "B-1", FlatPrice: 100, Members: []string{"SBS-1", "SBS-2", "SBS-3"}},
		},
	}}
	r := NewResolver(store)

	// Billed shares of 33.33/33.33/33.34 don't divide 100 evenly across three
	// proportional shares; independent half-even rounding of each share can
	// land a cent off the flat price.
	c := &claim.Claim{
		FacilityID: 1,
		Payer:      claim.Payer{PayerID: "P1"},
		LineItems: []claim.LineItem{
			lineItem(1, "SBS-1", 1, 33.33),
			lineItem(2, "SBS-2", 1, 33.33),
			lineItem(3, "SBS-3", 1, 33.34),
		},
	}

	res, err := r.Price(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum := decimal.Zero
	for _, li := range res.LineItems {
		sum = sum.Add(li.Allowed)
	}
	if !sum.Equal(decimal.NewFromFloat(100)) {
		t.Errorf("sum(Allowed) = %s, want 100 (flat price)", sum)
	}
}

func TestPriceFlagsQuantityViolationAsSoft(t *testing.T) {
	store := &fakeTierStore{tier: catalogue.Tier{MarkupPct: 0}}
	r := NewResolver(store).WithMaxQuantity(5)

	c := &claim.Claim{
		FacilityID: 1,
		Payer:      claim.Payer{PayerID: "P1"},
		LineItems:  []claim.LineItem{lineItem(1, "SBS-1", 10, 10)},
	}

	res, err := r.Price(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error (violation should be soft): %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(res.Violations))
	}
	if res.Violations[0].Code != "QUANTITY_EXCEEDS_TIER_MAXIMUM" {
		t.Errorf("violation code = %q", res.Violations[0].Code)
	}
}

func TestPriceIsIdempotent(t *testing.T) {
	store := &fakeTierStore{tier: catalogue.Tier{MarkupPct: 0.2}}
	r := NewResolver(store)

	c := &claim.Claim{
		FacilityID: 1,
		Payer:      claim.Payer{PayerID: "P1"},
		LineItems:  []claim.LineItem{lineItem(1, "SBS-1", 3, 33.33)},
	}

	first, err := r.Price(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}

	c2 := &claim.Claim{
		FacilityID: c.FacilityID,
		Payer:      c.Payer,
		LineItems:  first.LineItems,
	}
	// first's priced line items are fed back as they are; Price recomputes
	// Billed/Allowed from UnitPrice/Quantity/SBSCode on every run.
	second, err := r.Price(context.Background(), c2)
	if err != nil {
		t.Fatal(err)
	}

	if !first.Totals.Net.Equal(second.Totals.Net) {
		t.Errorf("Price is not idempotent: first net = %s, second net = %s", first.Totals.Net, second.Totals.Net)
	}
}
