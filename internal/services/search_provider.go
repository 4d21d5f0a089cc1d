package services

import (
	"context"
	"fmt"

	customsearch "google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

const maxSearchHits = 5

// SearchEvidenceProvider corroborates brand candidates against programmable
// web search: a real brand surfaces as itself in result titles.
type searchEvidenceProvider struct {
	log      *logger.Logger
	svc      *customsearch.Service
	engineID string
}

func NewSearchEvidenceProvider(ctx context.Context, log *logger.Logger, apiKey string, engineID string) (EvidenceProvider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if apiKey == "" || engineID == "" {
		return nil, fmt.Errorf("search api key and engine id required")
	}
	svc, err := customsearch.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("init customsearch: %w", err)
	}
	return &searchEvidenceProvider{
		log:      log.With("service", "SearchEvidenceProvider"),
		svc:      svc,
		engineID: engineID,
	}, nil
}

func (p *searchEvidenceProvider) Kind() string { return types.EvidenceKindSearch }

func (p *searchEvidenceProvider) Collect(ctx context.Context, candidate *types.BrandCandidate) (*types.EvidenceResult, error) {
	query := candidate.NormalizedText
	if query == "" {
		query = candidate.SurfaceText
	}

	resp, err := p.svc.Cse.List().
		Q(query + " brand").
		Cx(p.engineID).
		Num(maxSearchHits).
		Context(ctx).
		Do()
	if err != nil {
		return nil, &EvidenceProviderError{Provider: p.Kind(), Err: err}
	}

	target := NormalizeText(query)
	ev := &types.SearchEvidence{}
	best := 0.0
	for _, item := range resp.Items {
		if item == nil {
			continue
		}
		rel := labelSimilarity(target, item.Title)
		if snippetRel := labelSimilarity(target, item.Snippet); snippetRel > rel {
			rel = snippetRel
		}
		ev.Hits = append(ev.Hits, types.SearchHit{
			Title:     item.Title,
			URL:       item.Link,
			Snippet:   item.Snippet,
			Relevance: rel,
		})
		if rel > best {
			best = rel
		}
	}

	return &types.EvidenceResult{
		Kind:       p.Kind(),
		Confidence: best * 100,
		Search:     ev,
	}, nil
}
