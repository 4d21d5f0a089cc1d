package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

type BrandCandidateRepo interface {
	Create(ctx context.Context, tx *gorm.DB, candidates []*types.BrandCandidate) ([]*types.BrandCandidate, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BrandCandidate, error)
	GetByGenerationID(ctx context.Context, tx *gorm.DB, generationID uuid.UUID) ([]*types.BrandCandidate, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	DeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type brandCandidateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBrandCandidateRepo(db *gorm.DB, baseLog *logger.Logger) BrandCandidateRepo {
	return &brandCandidateRepo{db: db, log: baseLog.With("repo", "BrandCandidateRepo")}
}

func (r *brandCandidateRepo) Create(ctx context.Context, tx *gorm.DB, candidates []*types.BrandCandidate) ([]*types.BrandCandidate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(candidates) == 0 {
		return []*types.BrandCandidate{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *brandCandidateRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BrandCandidate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var cand types.BrandCandidate
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&cand).Error
	if err != nil {
		return nil, err
	}
	if cand.ID == uuid.Nil {
		return nil, nil
	}
	return &cand, nil
}

func (r *brandCandidateRepo) GetByGenerationID(ctx context.Context, tx *gorm.DB, generationID uuid.UUID) ([]*types.BrandCandidate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BrandCandidate
	if generationID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("generation_id = ?", generationID).
		Order("confidence DESC, created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *brandCandidateRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.BrandCandidate{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *brandCandidateRepo) DeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.BrandCandidate{}).Error
}
