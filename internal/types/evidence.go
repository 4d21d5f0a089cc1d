package types

const (
	EvidenceKindVision    = "vision"
	EvidenceKindSearch    = "search"
	EvidenceKindCatalogue = "catalogue"
)

// Risk factors that block an approve recommendation outright.
const (
	RiskCategoryMismatch = "category_mismatch"
	RiskKnownInvalid     = "known_invalid"
	RiskProfanity        = "profanity"
)

// EvidenceResult is the shared contract every provider returns: a 0-100
// sub-score, any risk factors it observed, and exactly one populated payload
// matching Kind.
type EvidenceResult struct {
	Kind        string             `json:"kind"` // vision|search|catalogue
	Confidence  float64            `json:"confidence"`
	RiskFactors []string           `json:"risk_factors,omitempty"`
	Vision      *VisionEvidence    `json:"vision,omitempty"`
	Search      *SearchEvidence    `json:"search,omitempty"`
	Catalogue   *CatalogueEvidence `json:"catalogue,omitempty"`
}

type VisionEvidence struct {
	MatchedImages []ImageMatch `json:"matched_images,omitempty"`
	BestGuess     string       `json:"best_guess,omitempty"`
}

type ImageMatch struct {
	URL        string  `json:"url,omitempty"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

type SearchEvidence struct {
	Hits []SearchHit `json:"hits,omitempty"`
}

type SearchHit struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance"`
}

type CatalogueEvidence struct {
	Matches []CodeMatch `json:"matches,omitempty"`
}

type CodeMatch struct {
	CodeName   string  `json:"code_name"`
	Similarity float64 `json:"similarity"`
}

// EvidenceBundle is what gets persisted on the candidate row.
type EvidenceBundle struct {
	Results []EvidenceResult `json:"results"`
}

// EnhancedValidationResult is the aggregator's output for one candidate.
type EnhancedValidationResult struct {
	Confidence     int            `json:"confidence"` // 0-100
	Recommendation string         `json:"recommendation"`
	Reasoning      string         `json:"reasoning"`
	RiskFactors    []string       `json:"risk_factors,omitempty"`
	Bundle         EvidenceBundle `json:"bundle"`
}
