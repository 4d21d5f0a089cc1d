package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/verbata/codeframe-backend/internal/types"
)

type fakeAIClient struct {
	mu       sync.Mutex
	genCalls []string
	genFn    func(schemaName string, user string) (map[string]any, error)
	embedFn  func(inputs []string) ([][]float32, error)
}

func (f *fakeAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(inputs)
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *fakeAIClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.genCalls = append(f.genCalls, schemaName)
	f.mu.Unlock()
	return f.genFn(schemaName, user)
}

func clusterOf(id int, texts ...string) types.Cluster {
	members := make([]types.TextItem, 0, len(texts))
	for _, txt := range texts {
		members = append(members, types.TextItem{ID: uuid.New(), Text: txt})
	}
	return types.Cluster{ID: id, Members: members}
}

func codeObj(name, desc, example string) map[string]any {
	return map[string]any{
		"name":                    name,
		"description":             desc,
		"confidence":              "high",
		"frequency_est":           3,
		"representative_examples": []any{example, "this response was never in the cluster"},
	}
}

func TestSynthesizeAdaptiveShapes(t *testing.T) {
	big := clusterOf(0,
		"too expensive", "price is too high", "costs a lot", "not worth the money",
		"overpriced", "cheaper elsewhere", "pricey", "very expensive",
		"high price", "costly",
	)
	small := clusterOf(1, "no comment", "nothing to add")

	ai := &fakeAIClient{genFn: func(schemaName, user string) (map[string]any, error) {
		switch schemaName {
		case "hierarchy_two_level":
			return map[string]any{
				"theme": map[string]any{"name": "Price", "description": "Cost related feedback", "confidence": "high"},
				"codes": []any{
					codeObj("Too expensive", "Product priced above expectations", "too expensive"),
					codeObj("Better value elsewhere", "Competitors offer lower prices", "cheaper elsewhere"),
				},
			}, nil
		case "hierarchy_flat":
			return map[string]any{
				"codes": []any{codeObj("No opinion", "Respondent declined to elaborate", "no comment")},
			}, nil
		}
		return nil, fmt.Errorf("unexpected schema %q", schemaName)
	}}

	synth := NewHierarchySynthesizer(testLogger(t), ai, NewMECEChecker(testLogger(t)))
	cfg := types.AlgorithmConfig{MinClusterSize: 3, MinSamples: 2, HierarchyPreference: types.HierarchyAdaptive}

	genID := uuid.New()
	res, err := synth.Synthesize(context.Background(), genID, []types.Cluster{big, small}, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.FailedClusters) != 0 {
		t.Fatalf("failed clusters: want=0 got=%v", res.FailedClusters)
	}

	themes, codes := 0, 0
	var theme *types.HierarchyNode
	for _, n := range res.Nodes {
		if n.GenerationID != genID {
			t.Fatalf("node %s carries wrong generation id", n.ID)
		}
		switch n.NodeType {
		case types.NodeTypeTheme:
			themes++
			theme = n
		case types.NodeTypeCode:
			codes++
		}
	}
	if themes != 1 || codes != 3 {
		t.Fatalf("node counts: want themes=1 codes=3 got themes=%d codes=%d", themes, codes)
	}

	// Codes under the big cluster hang off its theme; the flat cluster's code
	// stays a root.
	for _, n := range res.Nodes {
		if n.NodeType != types.NodeTypeCode {
			continue
		}
		if n.ClusterID != nil && *n.ClusterID == 0 {
			if n.ParentID == nil || *n.ParentID != theme.ID {
				t.Fatalf("code %q should be parented to the theme", n.Name)
			}
		} else if n.ParentID != nil {
			t.Fatalf("flat cluster code %q should be a root", n.Name)
		}
	}

	// Invented examples are filtered out; only verbatim member texts survive.
	for _, n := range res.Nodes {
		for _, ex := range decodeStringList(n.Examples) {
			if strings.Contains(ex, "never in the cluster") {
				t.Fatalf("invented example survived on %q", n.Name)
			}
		}
	}
}

func TestSynthesizeIsolatesClusterFailures(t *testing.T) {
	good := clusterOf(0, "friendly staff", "helpful employees", "kind team")
	bad := clusterOf(1, "failme please", "failme again", "failme thrice")

	ai := &fakeAIClient{genFn: func(schemaName, user string) (map[string]any, error) {
		if strings.Contains(user, "failme") {
			return nil, errors.New("model unavailable")
		}
		return map[string]any{
			"codes": []any{codeObj("Staff friendliness", "Positive remarks about personnel", "friendly staff")},
		}, nil
	}}

	synth := NewHierarchySynthesizer(testLogger(t), ai, NewMECEChecker(testLogger(t)))
	cfg := types.AlgorithmConfig{MinClusterSize: 2, MinSamples: 2, HierarchyPreference: types.HierarchyFlat}

	var mu sync.Mutex
	outcomes := map[int]error{}
	onOutcome := func(out ClusterOutcome) {
		mu.Lock()
		outcomes[out.ClusterID] = out.Err
		mu.Unlock()
	}

	res, err := synth.Synthesize(context.Background(), uuid.New(), []types.Cluster{good, bad}, cfg, onOutcome, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.FailedClusters) != 1 || res.FailedClusters[0] != 1 {
		t.Fatalf("failed clusters: want=[1] got=%v", res.FailedClusters)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes: want=2 got=%d", len(outcomes))
	}
	if outcomes[0] != nil || outcomes[1] == nil {
		t.Fatalf("outcome errors: good=%v bad=%v", outcomes[0], outcomes[1])
	}

	var provErr *EvidenceProviderError
	if !errors.As(outcomes[1], &provErr) || provErr.Provider != "reasoning" {
		t.Fatalf("bad cluster error should wrap the reasoning provider, got %v", outcomes[1])
	}
	if len(res.Nodes) != 1 || res.Nodes[0].Name != "Staff friendliness" {
		t.Fatalf("surviving nodes: want the good cluster's code, got %+v", res.Nodes)
	}
}

func TestSynthesizeSkipsNoiseBucket(t *testing.T) {
	regular := clusterOf(0, "tastes great", "love the flavor", "delicious")
	noise := clusterOf(-1, "zzzz")
	noise.Noise = true

	calls := 0
	ai := &fakeAIClient{genFn: func(schemaName, user string) (map[string]any, error) {
		calls++
		return map[string]any{
			"codes": []any{codeObj("Taste", "Positive remarks about flavor", "tastes great")},
		}, nil
	}}

	synth := NewHierarchySynthesizer(testLogger(t), ai, NewMECEChecker(testLogger(t)))
	cfg := types.AlgorithmConfig{MinClusterSize: 2, MinSamples: 2, HierarchyPreference: types.HierarchyFlat, MaxConcurrency: 1}

	res, err := synth.Synthesize(context.Background(), uuid.New(), []types.Cluster{regular, noise}, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if calls != 1 {
		t.Fatalf("reasoning calls: want=1 got=%d", calls)
	}
	if len(res.ClusterIDs) != 1 || res.ClusterIDs[0] != 0 {
		t.Fatalf("cluster ids: want=[0] got=%v", res.ClusterIDs)
	}
}

func TestValidateAlgorithmConfig(t *testing.T) {
	cfg := types.AlgorithmConfig{MinClusterSize: 3, MinSamples: 2, HierarchyPreference: types.HierarchyAdaptive}
	if err := ValidateAlgorithmConfig(&cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.MaxExamples != 5 || cfg.MaxConcurrency != 4 || cfg.ClusterTimeoutSec != 60 || cfg.TargetLanguage != "English" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	bad := []types.AlgorithmConfig{
		{MinClusterSize: 0, MinSamples: 2, HierarchyPreference: types.HierarchyFlat},
		{MinClusterSize: 3, MinSamples: 0, HierarchyPreference: types.HierarchyFlat},
		{MinClusterSize: 3, MinSamples: 2, HierarchyPreference: "pyramid"},
	}
	for i, c := range bad {
		c := c
		err := ValidateAlgorithmConfig(&c)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("bad config %d: want ErrInvalidConfig got %v", i, err)
		}
	}
}
