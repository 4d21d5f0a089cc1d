package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/types"
)

const (
	CascadePromote = "promote"
	CascadeRemove  = "remove"
)

// EditResult carries the post-edit tree together with the recomputed
// diagnostics so callers never have to issue a second read.
type EditResult struct {
	Tree    *types.HierarchyTree `json:"tree"`
	Version string               `json:"version"`
	Report  types.MECEReport     `json:"report"`
}

type RenameNodeRequest struct {
	NodeID      uuid.UUID `json:"node_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Version     string    `json:"version"`
}

type MergeNodesRequest struct {
	NodeIDs []uuid.UUID `json:"node_ids"`
	NewName string      `json:"new_name"`
	Version string      `json:"version"`
}

type DeleteNodeRequest struct {
	NodeID  uuid.UUID `json:"node_id"`
	Cascade string    `json:"cascade,omitempty"` // promote|remove, default promote
	Version string    `json:"version"`
}

type ReorderNodesRequest struct {
	ParentID   *uuid.UUID  `json:"parent_id,omitempty"`
	OrderedIDs []uuid.UUID `json:"ordered_ids"`
	Version    string      `json:"version"`
}

type TreeEditorService interface {
	GetTree(ctx context.Context, generationID uuid.UUID) (*EditResult, error)
	Rename(ctx context.Context, generationID uuid.UUID, req RenameNodeRequest) (*EditResult, error)
	Merge(ctx context.Context, generationID uuid.UUID, req MergeNodesRequest) (*EditResult, error)
	Delete(ctx context.Context, generationID uuid.UUID, req DeleteNodeRequest) (*EditResult, error)
	Reorder(ctx context.Context, generationID uuid.UUID, req ReorderNodesRequest) (*EditResult, error)
}

type treeEditorService struct {
	db       *gorm.DB
	log      *logger.Logger
	genRepo  repos.GenerationRepo
	nodeRepo repos.HierarchyNodeRepo
	mece     MECEChecker
}

func NewTreeEditorService(
	db *gorm.DB,
	baseLog *logger.Logger,
	genRepo repos.GenerationRepo,
	nodeRepo repos.HierarchyNodeRepo,
	mece MECEChecker,
) TreeEditorService {
	return &treeEditorService{
		db:       db,
		log:      baseLog.With("service", "TreeEditorService"),
		genRepo:  genRepo,
		nodeRepo: nodeRepo,
		mece:     mece,
	}
}

// TreeVersion fingerprints a node set. Any committed edit changes at least
// one node's updated_at, so a stale client token never matches.
func TreeVersion(nodes []*types.HierarchyNode) string {
	keys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s:%d", n.ID, n.UpdatedAt.UnixNano()))
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "|")))
	return hex.EncodeToString(sum[:8])
}

func (s *treeEditorService) GetTree(ctx context.Context, generationID uuid.UUID) (*EditResult, error) {
	gen, nodes, err := s.load(ctx, nil, generationID)
	if err != nil {
		return nil, err
	}
	return s.result(generationID, gen, nodes), nil
}

func (s *treeEditorService) Rename(ctx context.Context, generationID uuid.UUID, req RenameNodeRequest) (*EditResult, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("name must not be empty")
	}
	return s.edit(ctx, generationID, req.Version, func(tx *gorm.DB, tree *types.HierarchyTree) error {
		node := tree.ByID(req.NodeID)
		if node == nil {
			return fmt.Errorf("%w: node %s not found in generation %s", ErrStaleTree, req.NodeID, generationID)
		}
		updates := map[string]interface{}{
			"name":         strings.TrimSpace(req.Name),
			"is_edited":    true,
			"edit_history": appendEdit(node, "rename", fmt.Sprintf("%q -> %q", node.Name, strings.TrimSpace(req.Name))),
		}
		if req.Description != nil {
			updates["description"] = *req.Description
		}
		return s.nodeRepo.UpdateFields(ctx, tx, node.ID, updates)
	})
}

// Merge collapses two or more nodes of the same type into one freshly minted
// replacement node. The replacement owns the union of the inputs' examples,
// answer ids and cluster linkage; none of the input ids survive.
func (s *treeEditorService) Merge(ctx context.Context, generationID uuid.UUID, req MergeNodesRequest) (*EditResult, error) {
	if len(req.NodeIDs) < 2 {
		return nil, fmt.Errorf("at least two nodes required")
	}
	if strings.TrimSpace(req.NewName) == "" {
		return nil, fmt.Errorf("new_name must not be empty")
	}
	return s.edit(ctx, generationID, req.Version, func(tx *gorm.DB, tree *types.HierarchyTree) error {
		seen := map[uuid.UUID]bool{}
		merged := make([]*types.HierarchyNode, 0, len(req.NodeIDs))
		names := make([]string, 0, len(req.NodeIDs))
		for _, id := range req.NodeIDs {
			if seen[id] {
				return fmt.Errorf("node %s listed twice", id)
			}
			seen[id] = true
			n := tree.ByID(id)
			if n == nil {
				return fmt.Errorf("%w: node %s not found in generation %s", ErrStaleTree, id, generationID)
			}
			merged = append(merged, n)
			names = append(names, n.Name)
		}
		first := merged[0]
		for _, n := range merged[1:] {
			if n.NodeType != first.NodeType {
				return fmt.Errorf("cannot merge %s node %s with %s node %s", n.NodeType, n.ID, first.NodeType, first.ID)
			}
		}

		var examples, answerIDs []string
		var clusterIDs []int
		freq, size := 0, 0
		for _, n := range merged {
			examples = append(examples, decodeStringList(n.Examples)...)
			answerIDs = append(answerIDs, decodeStringList(n.AnswerIDs)...)
			clusterIDs = append(clusterIDs, n.ClusterLinkage()...)
			freq += n.FrequencyEst
			size += n.ClusterSize
		}

		now := time.Now()
		replacement := &types.HierarchyNode{
			ID:              uuid.New(),
			GenerationID:    generationID,
			ParentID:        first.ParentID,
			NodeType:        first.NodeType,
			Name:            strings.TrimSpace(req.NewName),
			Description:     first.Description,
			Confidence:      first.Confidence,
			FrequencyEst:    freq,
			Examples:        datatypes.JSON(mustJSON(dedupeStrings(examples))),
			DisplayOrder:    first.DisplayOrder,
			IsAutoGenerated: false,
			IsEdited:        true,
			EditHistory: datatypes.JSON(mustJSON([]types.EditEvent{{
				Action: "merge",
				Detail: fmt.Sprintf("merged %s", strings.Join(names, ", ")),
				At:     now,
			}})),
			ClusterIDs:  datatypes.JSON(mustJSON(dedupeInts(clusterIDs))),
			ClusterSize: size,
			AnswerIDs:   datatypes.JSON(mustJSON(dedupeStrings(answerIDs))),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := s.nodeRepo.Create(ctx, tx, []*types.HierarchyNode{replacement}); err != nil {
			return err
		}
		// Children of every merged node survive under the replacement.
		if err := s.nodeRepo.ReparentChildren(ctx, tx, req.NodeIDs, &replacement.ID); err != nil {
			return err
		}
		return s.nodeRepo.DeleteByIDs(ctx, tx, req.NodeIDs)
	})
}

func (s *treeEditorService) Delete(ctx context.Context, generationID uuid.UUID, req DeleteNodeRequest) (*EditResult, error) {
	cascade := req.Cascade
	if cascade == "" {
		cascade = CascadePromote
	}
	if cascade != CascadePromote && cascade != CascadeRemove {
		return nil, fmt.Errorf("unknown cascade policy %q", cascade)
	}
	return s.edit(ctx, generationID, req.Version, func(tx *gorm.DB, tree *types.HierarchyTree) error {
		node := tree.ByID(req.NodeID)
		if node == nil {
			return fmt.Errorf("%w: node %s not found in generation %s", ErrStaleTree, req.NodeID, generationID)
		}
		if cascade == CascadePromote {
			// Children take the deleted node's place one level up.
			if err := s.nodeRepo.ReparentChildren(ctx, tx, []uuid.UUID{node.ID}, node.ParentID); err != nil {
				return err
			}
			return s.nodeRepo.DeleteByIDs(ctx, tx, []uuid.UUID{node.ID})
		}
		return s.nodeRepo.DeleteByIDs(ctx, tx, collectSubtree(tree, node.ID))
	})
}

func (s *treeEditorService) Reorder(ctx context.Context, generationID uuid.UUID, req ReorderNodesRequest) (*EditResult, error) {
	if len(req.OrderedIDs) == 0 {
		return nil, fmt.Errorf("ordered_ids must not be empty")
	}
	return s.edit(ctx, generationID, req.Version, func(tx *gorm.DB, tree *types.HierarchyTree) error {
		for pos, id := range req.OrderedIDs {
			node := tree.ByID(id)
			if node == nil {
				return fmt.Errorf("%w: node %s not found in generation %s", ErrStaleTree, id, generationID)
			}
			if !sameParent(node.ParentID, req.ParentID) {
				return fmt.Errorf("node %s is not a child of the requested parent", id)
			}
			if err := s.nodeRepo.UpdateFields(ctx, tx, id, map[string]interface{}{
				"display_order": pos,
				"is_edited":     true,
				"edit_history":  appendEdit(node, "reorder", fmt.Sprintf("position %d", pos)),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// edit runs one mutation atomically: re-read inside the transaction, compare
// the client's version token against the live tree, apply, then refresh the
// generation's rollup columns. A token mismatch aborts with ErrStaleTree
// before anything is written.
func (s *treeEditorService) edit(
	ctx context.Context,
	generationID uuid.UUID,
	version string,
	apply func(tx *gorm.DB, tree *types.HierarchyTree) error,
) (*EditResult, error) {
	var out *EditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		gen, nodes, err := s.load(ctx, tx, generationID)
		if err != nil {
			return err
		}
		if version != "" && version != TreeVersion(nodes) {
			return fmt.Errorf("%w: generation %s", ErrStaleTree, generationID)
		}
		tree := &types.HierarchyTree{GenerationID: generationID, Nodes: nodes}
		if err := apply(tx, tree); err != nil {
			return err
		}

		fresh, err := s.nodeRepo.GetByGenerationID(ctx, tx, generationID)
		if err != nil {
			return err
		}
		res := s.result(generationID, gen, fresh)
		themeCount, codeCount := 0, 0
		for _, n := range fresh {
			switch n.NodeType {
			case types.NodeTypeTheme:
				themeCount++
			case types.NodeTypeCode:
				codeCount++
			}
		}
		if err := s.genRepo.UpdateFields(ctx, tx, generationID, map[string]interface{}{
			"quality_score": res.Report.Score,
			"theme_count":   themeCount,
			"code_count":    codeCount,
		}); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *treeEditorService) load(ctx context.Context, tx *gorm.DB, generationID uuid.UUID) (*types.Generation, []*types.HierarchyNode, error) {
	gen, err := s.genRepo.GetByID(ctx, tx, generationID)
	if err != nil {
		return nil, nil, err
	}
	if gen == nil {
		return nil, nil, fmt.Errorf("generation %s not found", generationID)
	}
	nodes, err := s.nodeRepo.GetByGenerationID(ctx, tx, generationID)
	if err != nil {
		return nil, nil, err
	}
	return gen, nodes, nil
}

func (s *treeEditorService) result(generationID uuid.UUID, gen *types.Generation, nodes []*types.HierarchyNode) *EditResult {
	clusterIDs := make([]int, 0, gen.NClusters)
	if gen.CodingType != types.CodingTypeBrand {
		for i := 0; i < gen.NClusters; i++ {
			clusterIDs = append(clusterIDs, i)
		}
	}
	return &EditResult{
		Tree:    &types.HierarchyTree{GenerationID: generationID, Nodes: nodes},
		Version: TreeVersion(nodes),
		Report:  s.mece.Evaluate(nodes, clusterIDs),
	}
}

func collectSubtree(tree *types.HierarchyTree, rootID uuid.UUID) []uuid.UUID {
	out := []uuid.UUID{rootID}
	queue := []uuid.UUID{rootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range tree.ChildrenOf(cur) {
			out = append(out, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return out
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func appendEdit(node *types.HierarchyNode, action, detail string) datatypes.JSON {
	var history []types.EditEvent
	if len(node.EditHistory) > 0 {
		_ = json.Unmarshal(node.EditHistory, &history)
	}
	history = append(history, types.EditEvent{Action: action, Detail: detail, At: time.Now()})
	return datatypes.JSON(mustJSON(history))
}

func decodeStringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
