// Package normalize implements the Normalizer (C3): mapping a facility's
// internal service code to the national SBS catalogue, with a cache-then-
// DB-then-AI fallback chain (§4.4).
package normalize

import (
	"context"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/internal/telemetry"
	"github.com/sbsmw/claimproc/pkg/cache"
	"github.com/sbsmw/claimproc/pkg/catalogue"
)

// Result is the Normalizer's public contract return value.
type Result struct {
	SBSCode        string
	SBSDescription string
	Confidence     float64
	Source         string // "db" or "ai"
	Cached         bool
}

// Suggestion is what an AISuggester returns for one code.
type Suggestion struct {
	SBSCodeCandidate string
	Description      string
	Confidence       float64
}

// AISuggester is the abstracted external AI capability (§4.4.2). The core
// never depends on a specific provider; grounded on the teacher's
// pkg/integration.Caller single-purpose interface shape.
type AISuggester interface {
	Suggest(ctx context.Context, internalCode, description string) (Suggestion, error)
}

// NoopAISuggester always reports a miss, for deployments with ai.enabled=false.
type NoopAISuggester struct{}

func (NoopAISuggester) Suggest(ctx context.Context, internalCode, description string) (Suggestion, error) {
	return Suggestion{}, errs.New(errs.NotFound, "NORMALIZER_AI_DISABLED", "AI suggestion fallback is disabled")
}

// mappingStore is the subset of *catalogue.Store the Normalizer depends on,
// narrowed to an interface so the fallback algorithm can be unit tested
// without a live database.
type mappingStore interface {
	GetMapping(ctx context.Context, facilityID int, internalCode string) (catalogue.Mapping, error)
	RecordAISuggestion(ctx context.Context, facilityID int, internalCode, sbsCode, sbsDescription string, confidence float64) error
}

// Normalizer implements the three-step algorithm of §4.4.
type Normalizer struct {
	store   mappingStore
	cache   *cache.Tiered
	ai      AISuggester
	breaker *gobreaker.CircuitBreaker

	ttlDB time.Duration
	ttlAI time.Duration
}

// Config configures breaker thresholds and cache TTLs (§4.4, §6 ai.*).
type Config struct {
	TTLDB             time.Duration // default 1h
	TTLAI             time.Duration // default 5m
	BreakerFailures   uint32        // default 5
	BreakerWindow     time.Duration // default 60s
	BreakerCooldown   time.Duration // default 30s
}

// New builds a Normalizer backed by store, a tiered cache, and an
// AISuggester guarded by a gobreaker circuit breaker (§4.4.2).
func New(store mappingStore, tiered *cache.Tiered, ai AISuggester, cfg Config) *Normalizer {
	st := gobreaker.Settings{
		Name:        "normalizer-ai",
		MaxRequests: 1,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	}
	return &Normalizer{
		store:   store,
		cache:   tiered,
		ai:      ai,
		breaker: gobreaker.NewCircuitBreaker(st),
		ttlDB:   cfg.TTLDB,
		ttlAI:   cfg.TTLAI,
	}
}

type cachedMapping struct {
	SBSCode        string  `json:"sbs_code"`
	SBSDescription string  `json:"sbs_description"`
	Confidence     float64 `json:"confidence"`
	Source         string  `json:"source"`
}

// Normalize maps (facility_id, internal_code) to an SBS code per §4.4's
// three-step algorithm: local/shared cache, Catalogue Store, AI fallback.
func (n *Normalizer) Normalize(ctx context.Context, facilityID int, internalCode, description string) (Result, error) {
	telemetry.NormalizeRequestsTotal.Inc()

	key := cacheKey(facilityID, internalCode)

	var cm cachedMapping
	if n.cache.GetJSON(ctx, key, &cm) {
		telemetry.NormalizeCacheHits.Inc()
		return Result{
			SBSCode:        cm.SBSCode,
			SBSDescription: cm.SBSDescription,
			Confidence:     cm.Confidence,
			Source:         cm.Source,
			Cached:         true,
		}, nil
	}
	telemetry.NormalizeCacheMisses.Inc()

	mapping, err := n.store.GetMapping(ctx, facilityID, internalCode)
	if err == nil {
		cm = cachedMapping{
			SBSCode:        mapping.SBSCode,
			SBSDescription: mapping.SBSDescription,
			Confidence:     1.0,
			Source:         "db",
		}
		n.cache.SetJSON(ctx, key, cm, n.ttlDB)
		return Result{SBSCode: cm.SBSCode, SBSDescription: cm.SBSDescription, Confidence: 1.0, Source: "db"}, nil
	}

	taxErr, ok := errs.As(err)
	if !ok || taxErr.Kind != errs.NotFound {
		// DB error other than "not found" propagates unchanged, as the store
		// classified it (UPSTREAM_UNAVAILABLE, or TIMEOUT on a deadline) (§4.4).
		return Result{}, err
	}

	return n.fallbackToAI(ctx, facilityID, internalCode, description, key)
}

func (n *Normalizer) fallbackToAI(ctx context.Context, facilityID int, internalCode, description, key string) (Result, error) {
	telemetry.NormalizeAICallsTotal.Inc()
	start := time.Now()

	res, err := n.breaker.Execute(func() (any, error) {
		return n.ai.Suggest(ctx, internalCode, description)
	})
	telemetry.NormalizeAILatency.Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		telemetry.NormalizeAIFailuresTotal.Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Result{}, errs.Wrap(errs.UpstreamUnavailable, "NORMALIZER_AI_BREAKER_OPEN", "AI suggestion breaker is open", err).WithRetryable(true)
		}
		if taxErr, ok := errs.As(err); ok && taxErr.Kind == errs.NotFound {
			return Result{}, errs.New(errs.NotFound, "NORMALIZER_NOT_FOUND", "no mapping found in catalogue or AI fallback")
		}
		return Result{}, errs.Wrap(errs.UpstreamUnavailable, "NORMALIZER_AI_FAILED", "AI suggestion call failed", err).WithRetryable(true)
	}

	suggestion := res.(Suggestion)
	confidence, _ := clampConfidence(suggestion.Confidence)

	if err := n.store.RecordAISuggestion(ctx, facilityID, internalCode, suggestion.SBSCodeCandidate, suggestion.Description, confidence); err != nil {
		return Result{}, err
	}

	cm := cachedMapping{
		SBSCode:        suggestion.SBSCodeCandidate,
		SBSDescription: suggestion.Description,
		Confidence:     confidence,
		Source:         "ai",
	}
	n.cache.SetJSON(ctx, key, cm, n.ttlAI)

	return Result{SBSCode: cm.SBSCode, SBSDescription: cm.SBSDescription, Confidence: confidence, Source: "ai"}, nil
}

// clampConfidence bounds a provider-reported confidence to [0, 1],
// defaulting to 0.75 when absent (reported as zero). Decided per the Open
// Question in §9: provider value when present and in-range, else default.
func clampConfidence(v float64) (float64, bool) {
	if v == 0 {
		return 0.75, false
	}
	if v < 0 {
		return 0, true
	}
	if v > 1 {
		return 1, true
	}
	return v, true
}

func cacheKey(facilityID int, internalCode string) string {
	return cache.Key(cache.NamespaceSBSMap, strconv.Itoa(facilityID), internalCode)
}
