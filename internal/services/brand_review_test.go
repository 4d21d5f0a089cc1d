package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/repos/testutil"
	"github.com/verbata/codeframe-backend/internal/types"
)

type reviewFixture struct {
	db     *gorm.DB
	review BrandReviewService
	cands  repos.BrandCandidateRepo
	nodes  repos.HierarchyNodeRepo
	genID  uuid.UUID
	candID uuid.UUID
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	genRepo := repos.NewGenerationRepo(db, log)
	candRepo := repos.NewBrandCandidateRepo(db, log)
	nodeRepo := repos.NewHierarchyNodeRepo(db, log)

	ctx := context.Background()
	genID := uuid.New()
	now := time.Now()
	if _, err := genRepo.Create(ctx, nil, []*types.Generation{{
		ID:         genID,
		Scope:      "wave-12/q7",
		CodingType: types.CodingTypeBrand,
		Config:     datatypes.JSON([]byte(`{}`)),
		Status:     types.GenerationStatusCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	candID := uuid.New()
	if _, err := candRepo.Create(ctx, nil, []*types.BrandCandidate{{
		ID:             candID,
		GenerationID:   genID,
		SurfaceText:    "Colgate",
		NormalizedText: "colgate",
		Variants:       datatypes.JSON([]byte(`{"Colgate":11,"colgate":3}`)),
		Confidence:     92,
		Recommendation: types.RecommendationApprove,
		State:          types.CandidateStateNeedsReview,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	return &reviewFixture{
		db:     db,
		review: NewBrandReviewService(db, log, candRepo, nodeRepo),
		cands:  candRepo,
		nodes:  nodeRepo,
		genID:  genID,
		candID: candID,
	}
}

func TestBrandReviewVerifyMaterializesNode(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()

	cand, err := f.review.Verify(ctx, f.candID, "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if cand.State != types.CandidateStateVerified {
		t.Fatalf("state: want=%s got=%s", types.CandidateStateVerified, cand.State)
	}
	if cand.NodeID == nil {
		t.Fatalf("verified candidate should reference its node")
	}
	nodes, err := f.nodes.GetByGenerationID(ctx, nil, f.genID)
	if err != nil {
		t.Fatalf("GetByGenerationID: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "Colgate" {
		t.Fatalf("materialized node: want one named Colgate, got %+v", nodes)
	}
	// Variant counts roll up into the frequency estimate.
	if nodes[0].FrequencyEst != 14 {
		t.Fatalf("frequency: want=14 got=%d", nodes[0].FrequencyEst)
	}
}

func TestBrandReviewRejectThenResetIsReversible(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()

	if _, err := f.review.Verify(ctx, f.candID, ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	cand, err := f.review.Reject(ctx, f.candID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if cand.State != types.CandidateStateSpamInvalid || cand.NodeID != nil {
		t.Fatalf("rejected candidate: state=%s node_id=%v", cand.State, cand.NodeID)
	}
	nodes, _ := f.nodes.GetByGenerationID(ctx, nil, f.genID)
	if len(nodes) != 0 {
		t.Fatalf("rejection should remove the materialized node, got %+v", nodes)
	}

	// The candidate row survives, so the decision can still be walked back.
	cand, err = f.review.Reset(ctx, f.candID)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if cand.State != types.CandidateStateNeedsReview {
		t.Fatalf("reset state: want=%s got=%s", types.CandidateStateNeedsReview, cand.State)
	}
}

func TestBrandReviewDiscardRemovesCandidate(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()

	if _, err := f.review.Verify(ctx, f.candID, ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := f.review.Discard(ctx, f.candID); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	cand, err := f.cands.GetByID(ctx, nil, f.candID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cand != nil {
		t.Fatalf("discarded candidate should be gone, got %+v", cand)
	}
	nodes, _ := f.nodes.GetByGenerationID(ctx, nil, f.genID)
	if len(nodes) != 0 {
		t.Fatalf("discard should take the materialized node with it, got %+v", nodes)
	}

	if err := f.review.Discard(ctx, f.candID); err == nil {
		t.Fatalf("discarding an unknown candidate must fail")
	}
}
