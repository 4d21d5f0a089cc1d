package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/types"
)

// BrandReviewService is the human side of brand validation. Verifying a
// candidate materializes a code node for it; rejecting marks it spam so the
// apply stage never picks it up.
type BrandReviewService interface {
	List(ctx context.Context, generationID uuid.UUID) ([]*types.BrandCandidate, error)
	Verify(ctx context.Context, candidateID uuid.UUID, approvedName string) (*types.BrandCandidate, error)
	Reject(ctx context.Context, candidateID uuid.UUID) (*types.BrandCandidate, error)
	Reset(ctx context.Context, candidateID uuid.UUID) (*types.BrandCandidate, error)
	Discard(ctx context.Context, candidateID uuid.UUID) error
}

type brandReviewService struct {
	db       *gorm.DB
	log      *logger.Logger
	candRepo repos.BrandCandidateRepo
	nodeRepo repos.HierarchyNodeRepo
}

func NewBrandReviewService(
	db *gorm.DB,
	baseLog *logger.Logger,
	candRepo repos.BrandCandidateRepo,
	nodeRepo repos.HierarchyNodeRepo,
) BrandReviewService {
	return &brandReviewService{
		db:       db,
		log:      baseLog.With("service", "BrandReviewService"),
		candRepo: candRepo,
		nodeRepo: nodeRepo,
	}
}

func (s *brandReviewService) List(ctx context.Context, generationID uuid.UUID) ([]*types.BrandCandidate, error) {
	return s.candRepo.GetByGenerationID(ctx, nil, generationID)
}

func (s *brandReviewService) Verify(ctx context.Context, candidateID uuid.UUID, approvedName string) (*types.BrandCandidate, error) {
	var out *types.BrandCandidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cand, err := s.candRepo.GetByID(ctx, tx, candidateID)
		if err != nil {
			return err
		}
		if cand == nil {
			return fmt.Errorf("candidate %s not found", candidateID)
		}
		name := approvedName
		if name == "" {
			name = cand.SurfaceText
		}

		if cand.NodeID == nil {
			now := time.Now()
			freq := 0
			var variants map[string]int
			if len(cand.Variants) > 0 && json.Unmarshal(cand.Variants, &variants) == nil {
				for _, n := range variants {
					freq += n
				}
			}
			node := &types.HierarchyNode{
				ID:              uuid.New(),
				GenerationID:    cand.GenerationID,
				NodeType:        types.NodeTypeCode,
				Name:            name,
				Description:     cand.Reasoning,
				Confidence:      confidenceBand(cand.Confidence),
				FrequencyEst:    freq,
				IsAutoGenerated: false,
				Validation:      cand.Evidence,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if _, err := s.nodeRepo.Create(ctx, tx, []*types.HierarchyNode{node}); err != nil {
				return err
			}
			cand.NodeID = &node.ID
		} else if name != cand.SurfaceText {
			if err := s.nodeRepo.UpdateFields(ctx, tx, *cand.NodeID, map[string]interface{}{"name": name}); err != nil {
				return err
			}
		}

		if err := s.candRepo.UpdateFields(ctx, tx, cand.ID, map[string]interface{}{
			"state":   types.CandidateStateVerified,
			"node_id": *cand.NodeID,
		}); err != nil {
			return err
		}
		cand.State = types.CandidateStateVerified
		out = cand
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("brand candidate verified", "candidate_id", candidateID, "node_id", out.NodeID)
	return out, nil
}

func (s *brandReviewService) Reject(ctx context.Context, candidateID uuid.UUID) (*types.BrandCandidate, error) {
	var out *types.BrandCandidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cand, err := s.candRepo.GetByID(ctx, tx, candidateID)
		if err != nil {
			return err
		}
		if cand == nil {
			return fmt.Errorf("candidate %s not found", candidateID)
		}
		// A previously materialized node goes away with the rejection.
		if cand.NodeID != nil {
			if err := s.nodeRepo.DeleteByIDs(ctx, tx, []uuid.UUID{*cand.NodeID}); err != nil {
				return err
			}
		}
		if err := s.candRepo.UpdateFields(ctx, tx, cand.ID, map[string]interface{}{
			"state":   types.CandidateStateSpamInvalid,
			"node_id": nil,
		}); err != nil {
			return err
		}
		cand.State = types.CandidateStateSpamInvalid
		cand.NodeID = nil
		out = cand
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *brandReviewService) Reset(ctx context.Context, candidateID uuid.UUID) (*types.BrandCandidate, error) {
	var out *types.BrandCandidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cand, err := s.candRepo.GetByID(ctx, tx, candidateID)
		if err != nil {
			return err
		}
		if cand == nil {
			return fmt.Errorf("candidate %s not found", candidateID)
		}
		if cand.NodeID != nil {
			if err := s.nodeRepo.DeleteByIDs(ctx, tx, []uuid.UUID{*cand.NodeID}); err != nil {
				return err
			}
		}
		if err := s.candRepo.UpdateFields(ctx, tx, cand.ID, map[string]interface{}{
			"state":   types.CandidateStateNeedsReview,
			"node_id": nil,
		}); err != nil {
			return err
		}
		cand.State = types.CandidateStateNeedsReview
		cand.NodeID = nil
		out = cand
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Discard removes the candidate row itself, along with any node it had
// materialized. Unlike Reject there is no way back from this one.
func (s *brandReviewService) Discard(ctx context.Context, candidateID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cand, err := s.candRepo.GetByID(ctx, tx, candidateID)
		if err != nil {
			return err
		}
		if cand == nil {
			return fmt.Errorf("candidate %s not found", candidateID)
		}
		if cand.NodeID != nil {
			if err := s.nodeRepo.DeleteByIDs(ctx, tx, []uuid.UUID{*cand.NodeID}); err != nil {
				return err
			}
		}
		return s.candRepo.DeleteByID(ctx, tx, cand.ID)
	})
	if err != nil {
		return err
	}
	s.log.Info("brand candidate discarded", "candidate_id", candidateID)
	return nil
}

func confidenceBand(score int) string {
	switch {
	case score >= 80:
		return types.ConfidenceHigh
	case score >= 40:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}
