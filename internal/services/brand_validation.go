package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

// EvidenceProvider returns one independent confidence signal for a brand
// candidate. Providers fail soft: an error degrades to a missing source.
type EvidenceProvider interface {
	Kind() string
	Collect(ctx context.Context, candidate *types.BrandCandidate) (*types.EvidenceResult, error)
}

type ValidationThresholds struct {
	High int // aggregate >= High and no hard risk -> approve
	Low  int // aggregate < Low -> reject
}

func DefaultValidationThresholds() ValidationThresholds {
	return ValidationThresholds{High: 80, Low: 40}
}

// Weighting: the textual signal (catalogue / text-variant similarity) carries
// 70%, corroborating evidence (vision + search) splits the remaining 30%.
// Weights renormalize over whichever sources are actually present.
const (
	weightCatalogue = 0.70
	weightVision    = 0.15
	weightSearch    = 0.15
)

var hardRiskFactors = map[string]bool{
	types.RiskCategoryMismatch: true,
	types.RiskKnownInvalid:     true,
	types.RiskProfanity:        true,
}

type BrandValidator interface {
	Validate(ctx context.Context, candidate *types.BrandCandidate) (types.EnhancedValidationResult, error)
}

type brandValidator struct {
	log        *logger.Logger
	providers  []EvidenceProvider
	thresholds ValidationThresholds
	timeout    time.Duration
}

func NewBrandValidator(log *logger.Logger, providers []EvidenceProvider, thresholds ValidationThresholds, timeout time.Duration) BrandValidator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &brandValidator{
		log:        log.With("service", "BrandValidator"),
		providers:  providers,
		thresholds: thresholds,
		timeout:    timeout,
	}
}

func (v *brandValidator) Validate(ctx context.Context, candidate *types.BrandCandidate) (types.EnhancedValidationResult, error) {
	if candidate == nil {
		return types.EnhancedValidationResult{}, fmt.Errorf("candidate required")
	}

	var mu sync.Mutex
	results := make([]types.EvidenceResult, 0, len(v.providers))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range v.providers {
		p := p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, v.timeout)
			defer cancel()
			res, err := p.Collect(callCtx, candidate)
			if err != nil {
				// A dead source never sinks the candidate; it just stops
				// contributing weight.
				v.log.Warn("evidence provider failed", "provider", p.Kind(), "candidate", candidate.SurfaceText, "error", err.Error())
				return nil
			}
			if res == nil {
				return nil
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.EnhancedValidationResult{}, err
	}

	return AggregateEvidence(results, v.thresholds), nil
}

// AggregateEvidence is pure: identical evidence bundles always produce the
// identical (confidence, recommendation) pair, which keeps audits
// reproducible.
func AggregateEvidence(results []types.EvidenceResult, thresholds ValidationThresholds) types.EnhancedValidationResult {
	sorted := make([]types.EvidenceResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Kind < sorted[j].Kind })

	var weighted, totalWeight float64
	riskSet := map[string]bool{}
	hardRisk := false
	parts := make([]string, 0, len(sorted))

	for _, r := range sorted {
		w := weightForKind(r.Kind)
		if w == 0 {
			continue
		}
		weighted += r.Confidence * w
		totalWeight += w
		parts = append(parts, fmt.Sprintf("%s=%.0f", r.Kind, r.Confidence))
		for _, rf := range r.RiskFactors {
			riskSet[rf] = true
			if hardRiskFactors[rf] {
				hardRisk = true
			}
		}
	}

	confidence := 0
	if totalWeight > 0 {
		confidence = int(weighted/totalWeight + 0.5)
	}
	if confidence > 100 {
		confidence = 100
	}

	risks := make([]string, 0, len(riskSet))
	for rf := range riskSet {
		risks = append(risks, rf)
	}
	sort.Strings(risks)

	recommendation := types.RecommendationUnknown
	var reason string
	switch {
	case hardRisk:
		recommendation = types.RecommendationReject
		reason = fmt.Sprintf("hard risk factor present (%s); sub-scores: %s", strings.Join(risks, ", "), strings.Join(parts, ", "))
	case totalWeight == 0:
		recommendation = types.RecommendationUnknown
		reason = "no evidence sources responded"
	case confidence >= thresholds.High:
		recommendation = types.RecommendationApprove
		reason = fmt.Sprintf("aggregate %d >= %d with no hard risks; sub-scores: %s", confidence, thresholds.High, strings.Join(parts, ", "))
	case confidence < thresholds.Low:
		recommendation = types.RecommendationReject
		reason = fmt.Sprintf("aggregate %d < %d; sub-scores: %s", confidence, thresholds.Low, strings.Join(parts, ", "))
	default:
		recommendation = types.RecommendationUnknown
		reason = fmt.Sprintf("aggregate %d inconclusive; sub-scores: %s", confidence, strings.Join(parts, ", "))
	}

	return types.EnhancedValidationResult{
		Confidence:     confidence,
		Recommendation: recommendation,
		Reasoning:      reason,
		RiskFactors:    risks,
		Bundle:         types.EvidenceBundle{Results: sorted},
	}
}

func weightForKind(kind string) float64 {
	switch kind {
	case types.EvidenceKindCatalogue:
		return weightCatalogue
	case types.EvidenceKindVision:
		return weightVision
	case types.EvidenceKindSearch:
		return weightSearch
	}
	return 0
}
