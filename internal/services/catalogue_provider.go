package services

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

const maxCatalogueMatches = 5

// CatalogueEvidenceProvider carries the textual signal: embedding similarity
// against codes approved in earlier generations of the same scope, backed by
// the candidate's own variant-spelling mass when the catalogue is thin.
type catalogueEvidenceProvider struct {
	log        *logger.Logger
	ai         OpenAIClient
	knownCodes []string
}

func NewCatalogueEvidenceProvider(log *logger.Logger, ai OpenAIClient, knownCodes []string) EvidenceProvider {
	return &catalogueEvidenceProvider{
		log:        log.With("service", "CatalogueEvidenceProvider"),
		ai:         ai,
		knownCodes: dedupeStrings(knownCodes),
	}
}

func (p *catalogueEvidenceProvider) Kind() string { return types.EvidenceKindCatalogue }

func (p *catalogueEvidenceProvider) Collect(ctx context.Context, candidate *types.BrandCandidate) (*types.EvidenceResult, error) {
	ev := &types.CatalogueEvidence{}
	best := variantMassScore(candidate)

	if len(p.knownCodes) > 0 {
		query := candidate.NormalizedText
		if query == "" {
			query = candidate.SurfaceText
		}
		inputs := append([]string{query}, p.knownCodes...)
		vecs, err := p.ai.Embed(ctx, inputs)
		if err != nil {
			return nil, &EvidenceProviderError{Provider: p.Kind(), Err: err}
		}
		candVec := vecs[0]
		for i, code := range p.knownCodes {
			sim := 1 - cosineDistance(candVec, vecs[i+1])
			if sim < 0 {
				sim = 0
			}
			ev.Matches = append(ev.Matches, types.CodeMatch{CodeName: code, Similarity: sim})
		}
		sort.Slice(ev.Matches, func(i, j int) bool {
			if ev.Matches[i].Similarity != ev.Matches[j].Similarity {
				return ev.Matches[i].Similarity > ev.Matches[j].Similarity
			}
			return ev.Matches[i].CodeName < ev.Matches[j].CodeName
		})
		if len(ev.Matches) > maxCatalogueMatches {
			ev.Matches = ev.Matches[:maxCatalogueMatches]
		}
		if len(ev.Matches) > 0 {
			if s := ev.Matches[0].Similarity * 100; s > best {
				best = s
			}
		}
	}

	return &types.EvidenceResult{
		Kind:       p.Kind(),
		Confidence: best,
		Catalogue:  ev,
	}, nil
}

// variantMassScore rewards candidates whose spelling variants recur across
// many responses: noise is rarely misspelled consistently.
func variantMassScore(candidate *types.BrandCandidate) float64 {
	if candidate == nil || len(candidate.Variants) == 0 {
		return 0
	}
	var variants map[string]int
	if err := json.Unmarshal(candidate.Variants, &variants); err != nil {
		return 0
	}
	total := 0
	for _, n := range variants {
		total += n
	}
	switch {
	case total >= 20:
		return 70
	case total >= 10:
		return 55
	case total >= 5:
		return 40
	case total >= 2:
		return 25
	default:
		return 10
	}
}
