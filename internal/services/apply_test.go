package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/repos/testutil"
	"github.com/verbata/codeframe-backend/internal/types"
)

func TestApplyCodesResponsesIdempotently(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	genRepo := repos.NewGenerationRepo(db, log)
	nodeRepo := repos.NewHierarchyNodeRepo(db, log)
	candRepo := repos.NewBrandCandidateRepo(db, log)
	respRepo := repos.NewSurveyResponseRepo(db, log)
	svc := NewApplyService(db, log, genRepo, nodeRepo, candRepo, respRepo)

	ctx := context.Background()
	now := time.Now()
	scope := "wave-3/q1"

	resp1 := &types.SurveyResponse{ID: uuid.New(), Scope: scope, Text: "arrived late", CreatedAt: now, UpdatedAt: now}
	resp2 := &types.SurveyResponse{ID: uuid.New(), Scope: scope, Text: "took forever", CreatedAt: now, UpdatedAt: now}
	manualCode := uuid.New()
	manualAt := now.Add(-time.Hour)
	resp3 := &types.SurveyResponse{
		ID: uuid.New(), Scope: scope, Text: "came late again",
		CodeID: &manualCode, CodeName: "Hand coded", CodedAt: &manualAt, ManuallyCodedAt: &manualAt,
		CreatedAt: now, UpdatedAt: now,
	}
	resp4 := &types.SurveyResponse{ID: uuid.New(), Scope: scope, Text: "unrelated remark", CreatedAt: now, UpdatedAt: now}
	if _, err := respRepo.Create(ctx, nil, []*types.SurveyResponse{resp1, resp2, resp3, resp4}); err != nil {
		t.Fatalf("seed responses: %v", err)
	}

	genID := uuid.New()
	if _, err := genRepo.Create(ctx, nil, []*types.Generation{{
		ID: genID, Scope: scope, CodingType: types.CodingTypeOpenEnded,
		Config: datatypes.JSON([]byte(`{}`)), Status: types.GenerationStatusCompleted,
		NClusters: 1, NCompleted: 1, CreatedAt: now, UpdatedAt: now,
	}}); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	cluster0 := 0
	answerIDs := fmt.Sprintf(`["%s","%s","%s"]`, resp1.ID, resp2.ID, resp3.ID)
	code := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, NodeType: types.NodeTypeCode,
		Name: "Late delivery", Description: "Orders arriving past the promised date",
		Confidence: types.ConfidenceHigh, ClusterID: &cluster0,
		AnswerIDs: datatypes.JSON([]byte(answerIDs)),
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := nodeRepo.Create(ctx, nil, []*types.HierarchyNode{code}); err != nil {
		t.Fatalf("seed code node: %v", err)
	}

	res, err := svc.Apply(ctx, genID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.UpdatedCount != 2 || res.SkippedCount != 2 {
		t.Fatalf("first apply: want updated=2 skipped=2 got updated=%d skipped=%d", res.UpdatedCount, res.SkippedCount)
	}

	rows, err := respRepo.GetByIDs(ctx, nil, []uuid.UUID{resp1.ID, resp3.ID})
	if err != nil {
		t.Fatalf("reload responses: %v", err)
	}
	for _, row := range rows {
		switch row.ID {
		case resp1.ID:
			if row.CodeID == nil || *row.CodeID != code.ID || row.CodeName != "Late delivery" {
				t.Fatalf("resp1 not coded: %+v", row)
			}
		case resp3.ID:
			// Reviewer-coded rows stay untouched even when the codeframe claims them.
			if row.CodeID == nil || *row.CodeID != manualCode {
				t.Fatalf("manual coding overwritten: %+v", row)
			}
		}
	}

	again, err := svc.Apply(ctx, genID)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if again.UpdatedCount != 0 || again.SkippedCount != 4 {
		t.Fatalf("second apply: want updated=0 skipped=4 got updated=%d skipped=%d", again.UpdatedCount, again.SkippedCount)
	}
}

func TestApplyRejectsUnfinishedGeneration(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	genRepo := repos.NewGenerationRepo(db, log)
	svc := NewApplyService(db, log, genRepo, repos.NewHierarchyNodeRepo(db, log), repos.NewBrandCandidateRepo(db, log), repos.NewSurveyResponseRepo(db, log))

	ctx := context.Background()
	genID := uuid.New()
	if _, err := genRepo.Create(ctx, nil, []*types.Generation{{
		ID: genID, Scope: "wave-3/q1", CodingType: types.CodingTypeOpenEnded,
		Config: datatypes.JSON([]byte(`{}`)), Status: types.GenerationStatusProcessing,
	}}); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	if _, err := svc.Apply(ctx, genID); err == nil {
		t.Fatalf("applying a processing run must fail")
	}
}

func TestApplyMatchesVerifiedBrandVariants(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	genRepo := repos.NewGenerationRepo(db, log)
	nodeRepo := repos.NewHierarchyNodeRepo(db, log)
	candRepo := repos.NewBrandCandidateRepo(db, log)
	respRepo := repos.NewSurveyResponseRepo(db, log)
	svc := NewApplyService(db, log, genRepo, nodeRepo, candRepo, respRepo)

	ctx := context.Background()
	now := time.Now()
	scope := "brand-wave/q2"

	verbatim := &types.SurveyResponse{ID: uuid.New(), Scope: scope, Text: "Colgate", CreatedAt: now, UpdatedAt: now}
	variant := &types.SurveyResponse{ID: uuid.New(), Scope: scope, Text: "col gate!!", CreatedAt: now, UpdatedAt: now}
	rejected := &types.SurveyResponse{ID: uuid.New(), Scope: scope, Text: "xyzbrand", CreatedAt: now, UpdatedAt: now}
	if _, err := respRepo.Create(ctx, nil, []*types.SurveyResponse{verbatim, variant, rejected}); err != nil {
		t.Fatalf("seed responses: %v", err)
	}

	genID := uuid.New()
	if _, err := genRepo.Create(ctx, nil, []*types.Generation{{
		ID: genID, Scope: scope, CodingType: types.CodingTypeBrand,
		Config: datatypes.JSON([]byte(`{}`)), Status: types.GenerationStatusCompleted,
		NClusters: 2, NCompleted: 2, CreatedAt: now, UpdatedAt: now,
	}}); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	node := &types.HierarchyNode{
		ID: uuid.New(), GenerationID: genID, NodeType: types.NodeTypeCode,
		Name: "Colgate", Description: "Toothpaste brand mentions",
		Confidence: types.ConfidenceHigh, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := nodeRepo.Create(ctx, nil, []*types.HierarchyNode{node}); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	verified := &types.BrandCandidate{
		ID: uuid.New(), GenerationID: genID,
		SurfaceText: "Colgate", NormalizedText: "colgate",
		Variants:       datatypes.JSON([]byte(`{"Colgate":3,"col gate!!":1}`)),
		Confidence:     94,
		Recommendation: types.RecommendationApprove,
		State:          types.CandidateStateVerified,
		NodeID:         &node.ID,
		CreatedAt:      now, UpdatedAt: now,
	}
	spam := &types.BrandCandidate{
		ID: uuid.New(), GenerationID: genID,
		SurfaceText: "xyzbrand", NormalizedText: "xyzbrand",
		Variants:       datatypes.JSON([]byte(`{"xyzbrand":1}`)),
		Recommendation: types.RecommendationReject,
		State:          types.CandidateStateSpamInvalid,
		CreatedAt:      now, UpdatedAt: now,
	}
	if _, err := candRepo.Create(ctx, nil, []*types.BrandCandidate{verified, spam}); err != nil {
		t.Fatalf("seed candidates: %v", err)
	}

	res, err := svc.Apply(ctx, genID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.UpdatedCount != 2 || res.SkippedCount != 1 {
		t.Fatalf("want updated=2 skipped=1 got updated=%d skipped=%d", res.UpdatedCount, res.SkippedCount)
	}

	rows, err := respRepo.GetByIDs(ctx, nil, []uuid.UUID{verbatim.ID, variant.ID, rejected.ID})
	if err != nil {
		t.Fatalf("reload responses: %v", err)
	}
	for _, row := range rows {
		if row.ID == rejected.ID {
			if row.CodeID != nil {
				t.Fatalf("spam candidate text must stay uncoded: %+v", row)
			}
			continue
		}
		if row.CodeID == nil || *row.CodeID != node.ID {
			t.Fatalf("row %q not coded to the verified brand node: %+v", row.Text, row)
		}
	}
}
