package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/repos/testutil"
	"github.com/verbata/codeframe-backend/internal/types"
)

type editorFixture struct {
	db     *gorm.DB
	editor TreeEditorService
	nodes  repos.HierarchyNodeRepo
	genID  uuid.UUID

	themeA, codeA1, codeA2 uuid.UUID
	themeB, codeB1         uuid.UUID
}

func newEditorFixture(t *testing.T) *editorFixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	genRepo := repos.NewGenerationRepo(db, log)
	nodeRepo := repos.NewHierarchyNodeRepo(db, log)

	ctx := context.Background()
	genID := uuid.New()
	now := time.Now()
	if _, err := genRepo.Create(ctx, nil, []*types.Generation{{
		ID:         genID,
		Scope:      "wave-12/q3",
		CodingType: types.CodingTypeOpenEnded,
		Config:     datatypes.JSON([]byte(`{}`)),
		Status:     types.GenerationStatusCompleted,
		NClusters:  2,
		NCompleted: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	f := &editorFixture{
		db:     db,
		editor: NewTreeEditorService(db, log, genRepo, nodeRepo, NewMECEChecker(log)),
		nodes:  nodeRepo,
		genID:  genID,
	}

	cluster0, cluster1 := 0, 1
	themeA := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, NodeType: types.NodeTypeTheme,
		Name: "Delivery", Description: "Everything about getting the order to the customer",
		Confidence: types.ConfidenceHigh, ClusterID: &cluster0, CreatedAt: now, UpdatedAt: now,
	}
	codeA1 := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, ParentID: &themeA.ID, NodeType: types.NodeTypeCode,
		Name: "Late delivery", Description: "Orders arriving past the promised date",
		Confidence: types.ConfidenceHigh, FrequencyEst: 4, ClusterID: &cluster0, DisplayOrder: 1,
		Examples:  datatypes.JSON([]byte(`["arrived two weeks late"]`)),
		AnswerIDs: datatypes.JSON([]byte(`["a1","a2"]`)),
		CreatedAt: now, UpdatedAt: now,
	}
	codeA2 := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, ParentID: &themeA.ID, NodeType: types.NodeTypeCode,
		Name: "Damaged on arrival", Description: "Packages showing up crushed or broken",
		Confidence: types.ConfidenceMedium, FrequencyEst: 2, ClusterID: &cluster0, DisplayOrder: 2,
		Examples:  datatypes.JSON([]byte(`["box was crushed"]`)),
		AnswerIDs: datatypes.JSON([]byte(`["a2","a3"]`)),
		CreatedAt: now, UpdatedAt: now,
	}
	themeB := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, NodeType: types.NodeTypeTheme,
		Name: "Support", Description: "Interactions with the customer service team",
		Confidence: types.ConfidenceMedium, ClusterID: &cluster1, DisplayOrder: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	codeB1 := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, ParentID: &themeB.ID, NodeType: types.NodeTypeCode,
		Name: "Slow responses", Description: "Tickets waiting days for a first reply",
		Confidence: types.ConfidenceMedium, FrequencyEst: 3, ClusterID: &cluster1, DisplayOrder: 4,
		AnswerIDs: datatypes.JSON([]byte(`["b1"]`)),
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := nodeRepo.Create(ctx, nil, []*types.HierarchyNode{themeA, codeA1, codeA2, themeB, codeB1}); err != nil {
		t.Fatalf("seed nodes: %v", err)
	}

	f.themeA, f.codeA1, f.codeA2 = themeA.ID, codeA1.ID, codeA2.ID
	f.themeB, f.codeB1 = themeB.ID, codeB1.ID
	return f
}

func TestTreeEditorRename(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, err := f.editor.GetTree(ctx, f.genID)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}

	after, err := f.editor.Rename(ctx, f.genID, RenameNodeRequest{
		NodeID:  f.codeA1,
		Name:    "Delayed delivery",
		Version: before.Version,
	})
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	node := after.Tree.ByID(f.codeA1)
	if node == nil || node.Name != "Delayed delivery" {
		t.Fatalf("rename not applied: %+v", node)
	}
	if !node.IsEdited {
		t.Fatalf("renamed node should be flagged as edited")
	}
	if after.Version == before.Version {
		t.Fatalf("version must change after an edit")
	}

	// The pre-edit token is now stale.
	_, err = f.editor.Rename(ctx, f.genID, RenameNodeRequest{
		NodeID:  f.codeA1,
		Name:    "Another name",
		Version: before.Version,
	})
	if !errors.Is(err, ErrStaleTree) {
		t.Fatalf("stale token: want ErrStaleTree got %v", err)
	}
	fresh, err := f.editor.GetTree(ctx, f.genID)
	if err != nil {
		t.Fatalf("GetTree after stale edit: %v", err)
	}
	if got := fresh.Tree.ByID(f.codeA1).Name; got != "Delayed delivery" {
		t.Fatalf("stale edit must not write: got %q", got)
	}
}

func findByName(tree *types.HierarchyTree, name string) *types.HierarchyNode {
	for _, n := range tree.Nodes {
		if n != nil && n.Name == name {
			return n
		}
	}
	return nil
}

func TestTreeEditorMergeReplacesOriginals(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, err := f.editor.GetTree(ctx, f.genID)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}

	after, err := f.editor.Merge(ctx, f.genID, MergeNodesRequest{
		NodeIDs: []uuid.UUID{f.codeA1, f.codeA2},
		NewName: "Delivery problems",
		Version: before.Version,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	for _, id := range []uuid.UUID{f.codeA1, f.codeA2} {
		if after.Tree.ByID(id) != nil {
			t.Fatalf("merged node %s should be gone", id)
		}
	}
	merged := findByName(after.Tree, "Delivery problems")
	if merged == nil {
		t.Fatalf("replacement node missing")
	}
	if merged.NodeType != types.NodeTypeCode {
		t.Fatalf("replacement type: want=%s got=%s", types.NodeTypeCode, merged.NodeType)
	}
	if merged.ParentID == nil || *merged.ParentID != f.themeA {
		t.Fatalf("replacement should keep the first node's parent, got %v", merged.ParentID)
	}
	if !merged.IsEdited || merged.IsAutoGenerated {
		t.Fatalf("replacement flags: is_edited=%v is_auto_generated=%v", merged.IsEdited, merged.IsAutoGenerated)
	}

	answers := decodeStringList(merged.AnswerIDs)
	if len(answers) != 3 {
		t.Fatalf("answer union: want=3 got=%v", answers)
	}
	examples := decodeStringList(merged.Examples)
	if len(examples) != 2 {
		t.Fatalf("example union: want=2 got=%v", examples)
	}
	if merged.FrequencyEst != 6 {
		t.Fatalf("frequency sum: want=6 got=%d", merged.FrequencyEst)
	}
}

func TestTreeEditorMergeReparentsChildren(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, _ := f.editor.GetTree(ctx, f.genID)
	after, err := f.editor.Merge(ctx, f.genID, MergeNodesRequest{
		NodeIDs: []uuid.UUID{f.themeA, f.themeB},
		NewName: "Fulfilment",
		Version: before.Version,
	})
	if err != nil {
		t.Fatalf("Merge themes: %v", err)
	}

	merged := findByName(after.Tree, "Fulfilment")
	if merged == nil {
		t.Fatalf("replacement theme missing")
	}
	for _, id := range []uuid.UUID{f.codeA1, f.codeA2, f.codeB1} {
		child := after.Tree.ByID(id)
		if child == nil || child.ParentID == nil || *child.ParentID != merged.ID {
			t.Fatalf("child %s should hang off the replacement, got %+v", id, child)
		}
	}
}

func TestTreeEditorMergeCarriesClusterCoverage(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	// Promote codeB1 to a root so cluster 1's only node is a code, then fold
	// it into a cluster-0 code. Coverage must follow the replacement.
	before, _ := f.editor.GetTree(ctx, f.genID)
	mid, err := f.editor.Delete(ctx, f.genID, DeleteNodeRequest{
		NodeID:  f.themeB,
		Version: before.Version,
	})
	if err != nil {
		t.Fatalf("Delete themeB: %v", err)
	}

	after, err := f.editor.Merge(ctx, f.genID, MergeNodesRequest{
		NodeIDs: []uuid.UUID{f.codeA1, f.codeB1},
		NewName: "Late orders and slow replies",
		Version: mid.Version,
	})
	if err != nil {
		t.Fatalf("Merge across clusters: %v", err)
	}

	merged := findByName(after.Tree, "Late orders and slow replies")
	if merged == nil {
		t.Fatalf("replacement node missing")
	}
	linkage := merged.ClusterLinkage()
	if len(linkage) != 2 {
		t.Fatalf("cluster linkage: want={0,1} got=%v", linkage)
	}
	for _, iss := range after.Report.Issues {
		if iss.Type == types.MECEIssueGap {
			t.Fatalf("no cluster should be reported uncovered, got %+v", iss)
		}
	}
}

func TestTreeEditorMergeRejectsMixedTypes(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, _ := f.editor.GetTree(ctx, f.genID)
	_, err := f.editor.Merge(ctx, f.genID, MergeNodesRequest{
		NodeIDs: []uuid.UUID{f.codeA1, f.themeB},
		NewName: "Mixed bag",
		Version: before.Version,
	})
	if err == nil {
		t.Fatalf("merging a code with a theme must fail")
	}
}

func TestTreeEditorDeletePromotesChildren(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, _ := f.editor.GetTree(ctx, f.genID)
	after, err := f.editor.Delete(ctx, f.genID, DeleteNodeRequest{
		NodeID:  f.themeA,
		Version: before.Version,
	})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if after.Tree.ByID(f.themeA) != nil {
		t.Fatalf("deleted node still present")
	}
	for _, id := range []uuid.UUID{f.codeA1, f.codeA2} {
		n := after.Tree.ByID(id)
		if n == nil {
			t.Fatalf("promoted child %s missing", id)
		}
		if n.ParentID != nil {
			t.Fatalf("promoted child %s should be a root, parent=%v", id, n.ParentID)
		}
	}
}

func TestTreeEditorDeleteRemoveCascades(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, _ := f.editor.GetTree(ctx, f.genID)
	after, err := f.editor.Delete(ctx, f.genID, DeleteNodeRequest{
		NodeID:  f.themeB,
		Cascade: CascadeRemove,
		Version: before.Version,
	})
	if err != nil {
		t.Fatalf("Delete remove: %v", err)
	}
	if after.Tree.ByID(f.themeB) != nil || after.Tree.ByID(f.codeB1) != nil {
		t.Fatalf("subtree should be gone after cascade remove")
	}
	// Cluster 1 lost its only coverage; diagnostics must say so.
	foundGap := false
	for _, iss := range after.Report.Issues {
		if iss.Type == types.MECEIssueGap && iss.ClusterID != nil && *iss.ClusterID == 1 {
			foundGap = true
		}
	}
	if !foundGap {
		t.Fatalf("expected a gap issue for cluster 1, got %+v", after.Report.Issues)
	}
}

func TestTreeEditorReorder(t *testing.T) {
	f := newEditorFixture(t)
	ctx := context.Background()

	before, _ := f.editor.GetTree(ctx, f.genID)
	after, err := f.editor.Reorder(ctx, f.genID, ReorderNodesRequest{
		ParentID:   &f.themeA,
		OrderedIDs: []uuid.UUID{f.codeA2, f.codeA1},
		Version:    before.Version,
	})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if got := after.Tree.ByID(f.codeA2).DisplayOrder; got != 0 {
		t.Fatalf("codeA2 display order: want=0 got=%d", got)
	}
	if got := after.Tree.ByID(f.codeA1).DisplayOrder; got != 1 {
		t.Fatalf("codeA1 display order: want=1 got=%d", got)
	}
}
