package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

// SynthesisResult is what one full synthesis pass produces. Failed clusters
// are enumerated, never hidden; the run can still complete with them.
type SynthesisResult struct {
	Nodes          []*types.HierarchyNode
	ClusterIDs     []int
	FailedClusters []int
	Report         types.MECEReport
}

// ClusterOutcome is delivered as each cluster finishes so the orchestrator
// can persist nodes and bump progress counters incrementally.
type ClusterOutcome struct {
	ClusterID int
	Nodes     []*types.HierarchyNode
	Err       error
}

type HierarchySynthesizer interface {
	Synthesize(
		ctx context.Context,
		generationID uuid.UUID,
		clusters []types.Cluster,
		cfg types.AlgorithmConfig,
		onOutcome func(ClusterOutcome),
		shouldStop func() bool,
	) (SynthesisResult, error)
}

type hierarchySynthesizer struct {
	log  *logger.Logger
	ai   OpenAIClient
	mece MECEChecker
}

func NewHierarchySynthesizer(log *logger.Logger, ai OpenAIClient, mece MECEChecker) HierarchySynthesizer {
	return &hierarchySynthesizer{
		log:  log.With("service", "HierarchySynthesizer"),
		ai:   ai,
		mece: mece,
	}
}

func (s *hierarchySynthesizer) Synthesize(
	ctx context.Context,
	generationID uuid.UUID,
	clusters []types.Cluster,
	cfg types.AlgorithmConfig,
	onOutcome func(ClusterOutcome),
	shouldStop func() bool,
) (SynthesisResult, error) {
	res := SynthesisResult{}
	if err := ValidateAlgorithmConfig(&cfg); err != nil {
		return res, err
	}

	work := make([]types.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if c.Noise {
			continue
		}
		work = append(work, c)
		res.ClusterIDs = append(res.ClusterIDs, c.ID)
	}
	if len(work) == 0 {
		return res, fmt.Errorf("no clusters to synthesize")
	}

	var mu sync.Mutex
	var allNodes []*types.HierarchyNode
	var failed []int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)

	for _, c := range work {
		if shouldStop != nil && shouldStop() {
			break
		}
		c := c
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, time.Duration(cfg.ClusterTimeoutSec)*time.Second)
			defer cancel()

			nodes, err := s.synthesizeCluster(callCtx, generationID, c, cfg)

			mu.Lock()
			if err != nil {
				failed = append(failed, c.ID)
			} else {
				allNodes = append(allNodes, nodes...)
			}
			mu.Unlock()

			if err != nil {
				s.log.Warn("cluster synthesis failed", "generation_id", generationID, "cluster_id", c.ID, "error", err.Error())
			}
			if onOutcome != nil {
				onOutcome(ClusterOutcome{ClusterID: c.ID, Nodes: nodes, Err: err})
			}
			// Per-cluster failures are isolated; the run decides terminal status.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	sort.Ints(failed)
	res.FailedClusters = failed

	assignDisplayOrder(allNodes)
	res.Nodes = allNodes
	res.Report = s.mece.Evaluate(allNodes, res.ClusterIDs)
	return res, nil
}

// ValidateAlgorithmConfig normalizes defaults and rejects unusable knobs
// before any work is dispatched.
func ValidateAlgorithmConfig(cfg *types.AlgorithmConfig) error {
	if cfg.MinClusterSize < 1 {
		return fmt.Errorf("%w: min_cluster_size must be >= 1", ErrInvalidConfig)
	}
	if cfg.MinSamples < 1 {
		return fmt.Errorf("%w: min_samples must be >= 1", ErrInvalidConfig)
	}
	switch cfg.HierarchyPreference {
	case types.HierarchyFlat, types.HierarchyTwoLevel, types.HierarchyThreeLevel, types.HierarchyAdaptive:
	default:
		return fmt.Errorf("%w: unsupported hierarchy_preference %q", ErrInvalidConfig, cfg.HierarchyPreference)
	}
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = 5
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ClusterTimeoutSec <= 0 {
		cfg.ClusterTimeoutSec = 60
	}
	if cfg.MaxWallClockSec <= 0 {
		cfg.MaxWallClockSec = 1800
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "English"
	}
	return nil
}

func (s *hierarchySynthesizer) synthesizeCluster(ctx context.Context, generationID uuid.UUID, c types.Cluster, cfg types.AlgorithmConfig) ([]*types.HierarchyNode, error) {
	shape := cfg.HierarchyPreference
	if shape == types.HierarchyAdaptive {
		// Small, tight clusters stay flat; larger ones earn a theme layer.
		if c.Size() >= 3*cfg.MinClusterSize {
			shape = types.HierarchyTwoLevel
		} else {
			shape = types.HierarchyFlat
		}
	}

	texts := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		texts = append(texts, m.Text)
	}

	system := fmt.Sprintf(
		"You are an expert survey coder building a codeframe. Respond in %s. "+
			"Names must be short labels; descriptions one sentence. "+
			"representative_examples must be copied verbatim from the provided responses, never invented.",
		cfg.TargetLanguage,
	)
	user := fmt.Sprintf("Cluster of %d similar survey responses:\n- %s", c.Size(), strings.Join(capStrings(texts, 60), "\n- "))

	obj, err := s.ai.GenerateJSON(ctx, system, user, schemaNameForShape(shape), schemaForShape(shape, cfg.MaxExamples))
	if err != nil {
		return nil, &EvidenceProviderError{Provider: "reasoning", Err: err}
	}

	memberTexts := map[string]bool{}
	for _, t := range texts {
		memberTexts[NormalizeText(t)] = true
	}
	clusterID := c.ID

	newNode := func(nodeType, name, desc, conf string, freq int, examples []string, parent *uuid.UUID) *types.HierarchyNode {
		now := time.Now()
		return &types.HierarchyNode{
			ID:              uuid.New(),
			GenerationID:    generationID,
			ParentID:        parent,
			NodeType:        nodeType,
			Name:            strings.TrimSpace(name),
			Description:     strings.TrimSpace(desc),
			Confidence:      normalizeConfidence(conf),
			FrequencyEst:    freq,
			Examples:        datatypes.JSON(mustJSON(examples)),
			IsAutoGenerated: true,
			ClusterID:       &clusterID,
			ClusterSize:     c.Size(),
			AnswerIDs:       datatypes.JSON(mustJSON(c.MemberIDs())),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	keepReal := func(proposed []string) []string {
		kept := make([]string, 0, len(proposed))
		for _, ex := range proposed {
			if memberTexts[NormalizeText(ex)] {
				kept = append(kept, ex)
			}
		}
		if len(kept) == 0 {
			kept = capStrings(texts, cfg.MaxExamples)
		}
		if len(kept) > cfg.MaxExamples {
			kept = kept[:cfg.MaxExamples]
		}
		return kept
	}

	parseCode := func(m map[string]any, parent *uuid.UUID) *types.HierarchyNode {
		name := strings.TrimSpace(stringFromAny(m["name"]))
		if name == "" {
			return nil
		}
		return newNode(
			types.NodeTypeCode,
			name,
			stringFromAny(m["description"]),
			stringFromAny(m["confidence"]),
			intFromAny(m["frequency_est"]),
			keepReal(stringSliceFromAny(m["representative_examples"])),
			parent,
		)
	}

	out := make([]*types.HierarchyNode, 0, 4)
	switch shape {
	case types.HierarchyFlat:
		for _, raw := range sliceFromAny(obj["codes"]) {
			if node := parseCode(mapFromAny(raw), nil); node != nil {
				out = append(out, node)
			}
		}
	case types.HierarchyTwoLevel:
		tm := mapFromAny(obj["theme"])
		theme := newNode(types.NodeTypeTheme, stringFromAny(tm["name"]), stringFromAny(tm["description"]), stringFromAny(tm["confidence"]), c.Size(), nil, nil)
		if theme.Name == "" {
			return nil, fmt.Errorf("model returned empty theme name")
		}
		out = append(out, theme)
		for _, raw := range sliceFromAny(obj["codes"]) {
			if node := parseCode(mapFromAny(raw), &theme.ID); node != nil {
				out = append(out, node)
			}
		}
	case types.HierarchyThreeLevel:
		tm := mapFromAny(obj["theme"])
		theme := newNode(types.NodeTypeTheme, stringFromAny(tm["name"]), stringFromAny(tm["description"]), stringFromAny(tm["confidence"]), c.Size(), nil, nil)
		if theme.Name == "" {
			return nil, fmt.Errorf("model returned empty theme name")
		}
		out = append(out, theme)
		for _, rawSub := range sliceFromAny(obj["subthemes"]) {
			sm := mapFromAny(rawSub)
			sub := newNode(types.NodeTypeTheme, stringFromAny(sm["name"]), stringFromAny(sm["description"]), stringFromAny(sm["confidence"]), 0, nil, &theme.ID)
			if sub.Name == "" {
				continue
			}
			out = append(out, sub)
			for _, raw := range sliceFromAny(sm["codes"]) {
				if node := parseCode(mapFromAny(raw), &sub.ID); node != nil {
					out = append(out, node)
				}
			}
		}
	}

	nCodes := 0
	for _, n := range out {
		if n.NodeType == types.NodeTypeCode {
			nCodes++
		}
	}
	if nCodes == 0 {
		return nil, fmt.Errorf("model returned no codes for cluster %d", c.ID)
	}
	return out, nil
}

func schemaNameForShape(shape string) string { return "hierarchy_" + shape }

func schemaForShape(shape string, maxExamples int) map[string]any {
	codeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":                    map[string]any{"type": "string"},
			"description":             map[string]any{"type": "string"},
			"confidence":              map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
			"frequency_est":           map[string]any{"type": "integer"},
			"representative_examples": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "maxItems": maxExamples},
		},
		"required":             []string{"name", "description", "confidence", "frequency_est", "representative_examples"},
		"additionalProperties": false,
	}
	themeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"confidence":  map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
		},
		"required":             []string{"name", "description", "confidence"},
		"additionalProperties": false,
	}
	codesArr := map[string]any{"type": "array", "items": codeSchema, "minItems": 1}

	switch shape {
	case types.HierarchyThreeLevel:
		subSchema := map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"confidence":  map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				"codes":       codesArr,
			},
			"required":             []string{"name", "description", "confidence", "codes"},
			"additionalProperties": false,
		}
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"theme":     themeSchema,
				"subthemes": map[string]any{"type": "array", "items": subSchema, "minItems": 1},
			},
			"required":             []string{"theme", "subthemes"},
			"additionalProperties": false,
		}
	case types.HierarchyTwoLevel:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"theme": themeSchema,
				"codes": codesArr,
			},
			"required":             []string{"theme", "codes"},
			"additionalProperties": false,
		}
	default:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"codes": codesArr,
			},
			"required":             []string{"codes"},
			"additionalProperties": false,
		}
	}
}

func normalizeConfidence(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case types.ConfidenceHigh:
		return types.ConfidenceHigh
	case types.ConfidenceLow:
		return types.ConfidenceLow
	default:
		return types.ConfidenceMedium
	}
}

func capStrings(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func assignDisplayOrder(nodes []*types.HierarchyNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		ci, cj := -1, -1
		if nodes[i].ClusterID != nil {
			ci = *nodes[i].ClusterID
		}
		if nodes[j].ClusterID != nil {
			cj = *nodes[j].ClusterID
		}
		if ci != cj {
			return ci < cj
		}
		return nodes[i].NodeType > nodes[j].NodeType // themes before codes
	})
	for i, n := range nodes {
		n.DisplayOrder = i
	}
}
