package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

// Fixed penalties per issue. Overlap weighs heaviest so resolving a flagged
// overlap (removing or merging one of its nodes) can never lower the score,
// even when the removal opens a gap.
const (
	penaltyOverlap   = 10
	penaltyGap       = 8
	penaltyAmbiguous = 5

	overlapSimilarityThreshold = 0.55
)

var genericDescriptionWords = []string{
	"other", "others", "miscellaneous", "misc", "general", "various", "stuff", "things",
}

// MECEChecker recomputes overlap/gap/ambiguous diagnostics for a tree.
type MECEChecker interface {
	// Evaluate inspects sibling similarity, cluster coverage and description
	// quality. clusterIDs is the full set of non-noise cluster ids produced by
	// the generation; clusters absent from every node flag a gap.
	Evaluate(nodes []*types.HierarchyNode, clusterIDs []int) types.MECEReport
}

type meceChecker struct {
	log *logger.Logger
}

func NewMECEChecker(log *logger.Logger) MECEChecker {
	return &meceChecker{log: log.With("service", "MECEChecker")}
}

func (m *meceChecker) Evaluate(nodes []*types.HierarchyNode, clusterIDs []int) types.MECEReport {
	issues := make([]types.MECEIssue, 0)

	// Overlap: pairwise name+description similarity across siblings.
	bySibGroup := map[string][]*types.HierarchyNode{}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		key := "root"
		if n.ParentID != nil {
			key = n.ParentID.String()
		}
		bySibGroup[key] = append(bySibGroup[key], n)
	}
	groupKeys := make([]string, 0, len(bySibGroup))
	for k := range bySibGroup {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)
	for _, key := range groupKeys {
		sibs := bySibGroup[key]
		sort.Slice(sibs, func(i, j int) bool { return sibs[i].ID.String() < sibs[j].ID.String() })
		for i := 0; i < len(sibs); i++ {
			for j := i + 1; j < len(sibs); j++ {
				sim := tokenJaccard(sibs[i].Name+" "+sibs[i].Description, sibs[j].Name+" "+sibs[j].Description)
				if sim >= overlapSimilarityThreshold {
					issues = append(issues, types.MECEIssue{
						Type:        types.MECEIssueOverlap,
						NodeIDs:     []uuid.UUID{sibs[i].ID, sibs[j].ID},
						Description: fmt.Sprintf("%q and %q cover near-identical ground (similarity %.2f)", sibs[i].Name, sibs[j].Name, sim),
					})
				}
			}
		}
	}

	// Gap: clusters no node accounts for. Merged nodes cover every cluster
	// they absorbed, not just their own.
	covered := map[int]bool{}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		for _, cid := range n.ClusterLinkage() {
			covered[cid] = true
		}
	}
	sortedClusters := append([]int{}, clusterIDs...)
	sort.Ints(sortedClusters)
	for _, cid := range sortedClusters {
		if cid < 0 || covered[cid] {
			continue
		}
		cid := cid
		issues = append(issues, types.MECEIssue{
			Type:        types.MECEIssueGap,
			ClusterID:   &cid,
			Description: fmt.Sprintf("cluster %d has no covering node; its responses would stay uncoded", cid),
		})
	}

	// Ambiguous: descriptions too generic relative to the node's examples.
	for _, n := range nodes {
		if n == nil || n.NodeType != types.NodeTypeCode {
			continue
		}
		if isAmbiguousDescription(n) {
			issues = append(issues, types.MECEIssue{
				Type:        types.MECEIssueAmbiguous,
				NodeIDs:     []uuid.UUID{n.ID},
				Description: fmt.Sprintf("%q has a generic description that does not discriminate its examples", n.Name),
			})
		}
	}

	score := 100
	for _, iss := range issues {
		switch iss.Type {
		case types.MECEIssueOverlap:
			score -= penaltyOverlap
		case types.MECEIssueGap:
			score -= penaltyGap
		case types.MECEIssueAmbiguous:
			score -= penaltyAmbiguous
		}
	}
	if score < 0 {
		score = 0
	}
	return types.MECEReport{Score: score, Issues: issues}
}

func isAmbiguousDescription(n *types.HierarchyNode) bool {
	desc := strings.TrimSpace(n.Description)
	if len(desc) < 12 {
		return true
	}
	lower := strings.ToLower(desc)
	for _, w := range genericDescriptionWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	// A description sharing no vocabulary with the node's own examples says
	// nothing about them.
	var examples []string
	if len(n.Examples) > 0 {
		_ = json.Unmarshal(n.Examples, &examples)
	}
	if len(examples) == 0 {
		return false
	}
	descTokens := tokenSet(desc + " " + n.Name)
	for _, ex := range examples {
		for tok := range tokenSet(ex) {
			if descTokens[tok] {
				return false
			}
		}
	}
	return true
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(NormalizeText(s)) {
		if len(tok) < 3 {
			continue
		}
		out[tok] = true
	}
	return out
}

func tokenJaccard(a, b string) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if sb[tok] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
