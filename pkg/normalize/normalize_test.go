package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/pkg/cache"
	"github.com/sbsmw/claimproc/pkg/catalogue"
)

type fakeStore struct {
	mapping    catalogue.Mapping
	mappingErr error
	recorded   []string
}

func (f *fakeStore) GetMapping(ctx context.Context, facilityID int, internalCode string) (catalogue.Mapping, error) {
	return f.mapping, f.mappingErr
}

func (f *fakeStore) RecordAISuggestion(ctx context.Context, facilityID int, internalCode, sbsCode, sbsDescription string, confidence float64) error {
	f.recorded = append(f.recorded, sbsCode)
	return nil
}

type fakeAI struct {
	suggestion Suggestion
	err        error
}

func (f *fakeAI) Suggest(ctx context.Context, internalCode, description string) (Suggestion, error) {
	return f.suggestion, f.err
}

func newTestNormalizer(store mappingStore, ai AISuggester) *Normalizer {
	tiered := cache.NewTiered(cache.NewLocal(100), nil)
	return New(store, tiered, ai, Config{
		TTLDB: time.Hour, TTLAI: 5 * time.Minute,
		BreakerFailures: 5, BreakerWindow: time.Minute, BreakerCooldown: 30 * time.Second,
	})
}

func TestNormalizeDBHit(t *testing.T) {
	store := &fakeStore{mapping: catalogue.Mapping{SBSCode: "SBS-001", SBSDescription: "x-ray"}}
	n := newTestNormalizer(store, &fakeAI{})

	res, err := n.Normalize(context.Background(), 1, "INT-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != "db" || res.Confidence != 1.0 {
		t.Errorf("res = %+v, want source=db confidence=1.0", res)
	}
}

func TestNormalizeCachesAfterDBHit(t *testing.T) {
	store := &fakeStore{mapping: catalogue.Mapping{SBSCode: "SBS-001", SBSDescription: "x-ray"}}
	n := newTestNormalizer(store, &fakeAI{})
	ctx := context.Background()

	if _, err := n.Normalize(ctx, 1, "INT-1", ""); err != nil {
		t.Fatal(err)
	}
	res, err := n.Normalize(ctx, 1, "INT-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("expected second call to be served from cache")
	}
}

func TestNormalizeFallsBackToAIOnMiss(t *testing.T) {
	store := &fakeStore{mappingErr: errs.New(errs.NotFound, "X", "not found")}
	ai := &fakeAI{suggestion: Suggestion{SBSCodeCandidate: "SBS-AI-1", Description: "guess", Confidence: 0.9}}
	n := newTestNormalizer(store, ai)

	res, err := n.Normalize(context.Background(), 1, "INT-2", "desc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != "ai" || res.Confidence != 0.9 {
		t.Errorf("res = %+v, want source=ai confidence=0.9", res)
	}
	if len(store.recorded) != 1 {
		t.Errorf("expected AI suggestion to be recorded, got %v", store.recorded)
	}
}

func TestNormalizeAIMissReturnsNotFound(t *testing.T) {
	store := &fakeStore{mappingErr: errs.New(errs.NotFound, "X", "not found")}
	ai := &fakeAI{err: errs.New(errs.NotFound, "Y", "no suggestion")}
	n := newTestNormalizer(store, ai)

	_, err := n.Normalize(context.Background(), 1, "INT-3", "")
	taxErr, ok := errs.As(err)
	if !ok || taxErr.Kind != errs.NotFound {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestNormalizeDBErrorPropagatesUpstreamUnavailable(t *testing.T) {
	store := &fakeStore{mappingErr: errs.New(errs.UpstreamUnavailable, "X", "pool exhausted")}
	n := newTestNormalizer(store, &fakeAI{})

	_, err := n.Normalize(context.Background(), 1, "INT-4", "")
	taxErr, ok := errs.As(err)
	if !ok || taxErr.Kind != errs.UpstreamUnavailable {
		t.Errorf("err = %v, want UpstreamUnavailable", err)
	}
}

func TestClampConfidenceDefaultsWhenAbsent(t *testing.T) {
	got, explicit := clampConfidence(0)
	if got != 0.75 || explicit {
		t.Errorf("clampConfidence(0) = (%v, %v), want (0.75, false)", got, explicit)
	}
}

func TestClampConfidenceBoundsRange(t *testing.T) {
	if got, _ := clampConfidence(1.5); got != 1 {
		t.Errorf("clampConfidence(1.5) = %v, want 1", got)
	}
	if got, _ := clampConfidence(-0.2); got != 0 {
		t.Errorf("clampConfidence(-0.2) = %v, want 0", got)
	}
}
