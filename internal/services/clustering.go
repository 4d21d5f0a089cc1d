package services

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

// ClusteringEngine groups text items by density in embedding space. Items
// that never reach the density threshold land in the noise bucket (cluster id
// -1) instead of being dropped.
type ClusteringEngine interface {
	Cluster(items []types.TextItem, minClusterSize int, minSamples int) ([]types.Cluster, error)
}

type clusteringEngine struct {
	log *logger.Logger
	// epsilon is the cosine-distance neighborhood radius.
	epsilon float64
}

func NewClusteringEngine(log *logger.Logger, epsilon float64) ClusteringEngine {
	if epsilon <= 0 {
		epsilon = 0.35
	}
	return &clusteringEngine{log: log.With("service", "ClusteringEngine"), epsilon: epsilon}
}

func (e *clusteringEngine) Cluster(items []types.TextItem, minClusterSize int, minSamples int) ([]types.Cluster, error) {
	if minClusterSize < 1 {
		return nil, fmt.Errorf("%w: min_cluster_size must be >= 1", ErrInvalidConfig)
	}
	if minSamples < 1 {
		return nil, fmt.Errorf("%w: min_samples must be >= 1", ErrInvalidConfig)
	}

	// Stable input order regardless of caller ordering.
	sorted := make([]types.TextItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.String() < sorted[j].ID.String() })

	// Degenerate input: one cluster holding everything.
	if len(sorted) < 2 {
		return []types.Cluster{{ID: 0, Members: sorted}}, nil
	}

	dim := len(sorted[0].Embedding)
	for _, it := range sorted {
		if len(it.Embedding) != dim || dim == 0 {
			return nil, fmt.Errorf("%w: inconsistent embedding dimensions", ErrInvalidConfig)
		}
	}

	neighbors := make([][]int, len(sorted))
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if cosineDistance(sorted[i].Embedding, sorted[j].Embedding) <= e.epsilon {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	const unlabeled = -2
	const noiseLabel = -1
	labels := make([]int, len(sorted))
	for i := range labels {
		labels[i] = unlabeled
	}

	// DBSCAN with index-ordered expansion so assignment is reproducible.
	nextLabel := 0
	for i := range sorted {
		if labels[i] != unlabeled {
			continue
		}
		if len(neighbors[i])+1 < minSamples {
			labels[i] = noiseLabel
			continue
		}
		label := nextLabel
		nextLabel++
		labels[i] = label
		queue := append([]int{}, neighbors[i]...)
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == noiseLabel {
				labels[j] = label
			}
			if labels[j] != unlabeled {
				continue
			}
			labels[j] = label
			if len(neighbors[j])+1 >= minSamples {
				queue = append(queue, neighbors[j]...)
			}
		}
	}

	byLabel := map[int][]types.TextItem{}
	for i, it := range sorted {
		byLabel[labels[i]] = append(byLabel[labels[i]], it)
	}

	// Dissolve undersized clusters into noise.
	noise := byLabel[noiseLabel]
	labelsInOrder := make([]int, 0, len(byLabel))
	for label := range byLabel {
		if label == noiseLabel {
			continue
		}
		labelsInOrder = append(labelsInOrder, label)
	}
	sort.Ints(labelsInOrder)

	out := make([]types.Cluster, 0, len(labelsInOrder)+1)
	next := 0
	for _, label := range labelsInOrder {
		members := byLabel[label]
		c := types.Cluster{Members: members}
		if c.Size() < minClusterSize {
			noise = append(noise, members...)
			continue
		}
		c.ID = next
		next++
		out = append(out, c)
	}
	if len(noise) > 0 {
		sort.Slice(noise, func(i, j int) bool { return noise[i].ID.String() < noise[j].ID.String() })
		out = append(out, types.Cluster{ID: -1, Members: noise, Noise: true})
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// NormalizeText folds case, punctuation and whitespace so variant spellings
// of the same answer group together.
func NormalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r >= 0x80:
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// BuildTextItems deduplicates responses by normalized text and decodes their
// stored embeddings. Duplicates fold into the first-seen item so no response
// id is lost.
func BuildTextItems(rows []*types.SurveyResponse) ([]types.TextItem, error) {
	byNorm := map[string]int{}
	out := make([]types.TextItem, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		norm := NormalizeText(row.Text)
		if norm == "" {
			continue
		}
		if idx, ok := byNorm[norm]; ok {
			out[idx].DupIDs = append(out[idx].DupIDs, row.ID)
			continue
		}
		var emb []float32
		if len(row.Embedding) > 0 {
			if err := json.Unmarshal(row.Embedding, &emb); err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", row.ID, err)
			}
		}
		byNorm[norm] = len(out)
		out = append(out, types.TextItem{ID: row.ID, Text: row.Text, Embedding: emb})
	}
	return out, nil
}
