package services

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

const maxVisionImages = 5

// VisionEvidenceProvider checks candidate brand names against logo and web
// detections on the scope's product photography. Image URIs come from the
// deployment configuration; an empty list disables the provider.
type visionEvidenceProvider struct {
	log       *logger.Logger
	client    *vision.ImageAnnotatorClient
	imageURIs []string
}

func NewVisionEvidenceProvider(ctx context.Context, log *logger.Logger, credentialsFile string, imageURIs []string) (EvidenceProvider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	var client *vision.ImageAnnotatorClient
	var err error
	if credentialsFile != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(credentialsFile))
	} else {
		client, err = vision.NewImageAnnotatorClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("init vision client: %w", err)
	}
	return &visionEvidenceProvider{
		log:       log.With("service", "VisionEvidenceProvider"),
		client:    client,
		imageURIs: imageURIs,
	}, nil
}

func (p *visionEvidenceProvider) Kind() string { return types.EvidenceKindVision }

func (p *visionEvidenceProvider) Collect(ctx context.Context, candidate *types.BrandCandidate) (*types.EvidenceResult, error) {
	if len(p.imageURIs) == 0 {
		return nil, &EvidenceProviderError{Provider: p.Kind(), Err: fmt.Errorf("no product images configured")}
	}

	uris := p.imageURIs
	if len(uris) > maxVisionImages {
		uris = uris[:maxVisionImages]
	}
	requests := make([]*visionpb.AnnotateImageRequest, 0, len(uris))
	for _, uri := range uris {
		requests = append(requests, &visionpb.AnnotateImageRequest{
			Image: &visionpb.Image{
				Source: &visionpb.ImageSource{ImageUri: uri},
			},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_LOGO_DETECTION, MaxResults: 5},
				{Type: visionpb.Feature_WEB_DETECTION, MaxResults: 5},
			},
		})
	}

	resp, err := p.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{Requests: requests})
	if err != nil {
		return nil, &EvidenceProviderError{Provider: p.Kind(), Err: err}
	}

	ev := &types.VisionEvidence{}
	best := 0.0
	sawDetections := false
	target := NormalizeText(candidate.NormalizedText)
	if target == "" {
		target = NormalizeText(candidate.SurfaceText)
	}

	for i, r := range resp.GetResponses() {
		if r == nil {
			continue
		}
		uri := uris[i]
		for _, logo := range r.GetLogoAnnotations() {
			sawDetections = true
			sim := labelSimilarity(target, logo.GetDescription())
			ev.MatchedImages = append(ev.MatchedImages, types.ImageMatch{URL: uri, Label: logo.GetDescription(), Similarity: sim})
			if sim > best {
				best = sim
			}
		}
		if wd := r.GetWebDetection(); wd != nil {
			for _, ent := range wd.GetWebEntities() {
				if ent.GetDescription() == "" {
					continue
				}
				sawDetections = true
				sim := labelSimilarity(target, ent.GetDescription())
				ev.MatchedImages = append(ev.MatchedImages, types.ImageMatch{URL: uri, Label: ent.GetDescription(), Similarity: sim})
				if sim > best {
					best = sim
				}
			}
			if ev.BestGuess == "" && len(wd.GetBestGuessLabels()) > 0 {
				ev.BestGuess = wd.GetBestGuessLabels()[0].GetLabel()
			}
		}
	}

	result := &types.EvidenceResult{
		Kind:       p.Kind(),
		Confidence: best * 100,
		Vision:     ev,
	}
	// Product imagery that clearly shows other brands is a category signal,
	// not just a weak match.
	if sawDetections && best < 0.2 {
		result.RiskFactors = append(result.RiskFactors, types.RiskCategoryMismatch)
	}
	return result, nil
}

func (p *visionEvidenceProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func labelSimilarity(target, label string) float64 {
	norm := NormalizeText(label)
	if norm == "" || target == "" {
		return 0
	}
	if norm == target {
		return 1
	}
	if strings.Contains(norm, target) || strings.Contains(target, norm) {
		return 0.8
	}
	return tokenJaccard(target, norm)
}
