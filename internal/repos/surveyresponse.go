package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

type SurveyResponseRepo interface {
	Create(ctx context.Context, tx *gorm.DB, rows []*types.SurveyResponse) ([]*types.SurveyResponse, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.SurveyResponse, error)
	// FetchUncoded returns every response in scope with no code assigned.
	FetchUncoded(ctx context.Context, tx *gorm.DB, scope string) ([]*types.SurveyResponse, error)
	ListByScope(ctx context.Context, tx *gorm.DB, scope string) ([]*types.SurveyResponse, error)
	CountCoded(ctx context.Context, tx *gorm.DB, scope string) (int64, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// MarkCoded writes the resolved code onto the row. When manual is true the
	// row is stamped as reviewer-coded and automated apply will not touch it.
	MarkCoded(ctx context.Context, tx *gorm.DB, id uuid.UUID, codeID uuid.UUID, codeName string, manual bool) error
}

type surveyResponseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSurveyResponseRepo(db *gorm.DB, baseLog *logger.Logger) SurveyResponseRepo {
	return &surveyResponseRepo{db: db, log: baseLog.With("repo", "SurveyResponseRepo")}
}

func (r *surveyResponseRepo) Create(ctx context.Context, tx *gorm.DB, rows []*types.SurveyResponse) ([]*types.SurveyResponse, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*types.SurveyResponse{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *surveyResponseRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.SurveyResponse, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SurveyResponse
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *surveyResponseRepo) FetchUncoded(ctx context.Context, tx *gorm.DB, scope string) ([]*types.SurveyResponse, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SurveyResponse
	if err := transaction.WithContext(ctx).
		Where("scope = ? AND code_id IS NULL", scope).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *surveyResponseRepo) ListByScope(ctx context.Context, tx *gorm.DB, scope string) ([]*types.SurveyResponse, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SurveyResponse
	if err := transaction.WithContext(ctx).
		Where("scope = ?", scope).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *surveyResponseRepo) CountCoded(ctx context.Context, tx *gorm.DB, scope string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.SurveyResponse{}).
		Where("scope = ? AND code_id IS NOT NULL", scope).
		Count(&n).Error
	return n, err
}

func (r *surveyResponseRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.SurveyResponse{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *surveyResponseRepo) MarkCoded(ctx context.Context, tx *gorm.DB, id uuid.UUID, codeID uuid.UUID, codeName string, manual bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || codeID == uuid.Nil {
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"code_id":    codeID,
		"code_name":  codeName,
		"coded_at":   now,
		"updated_at": now,
	}
	if manual {
		updates["manually_coded_at"] = now
	}
	return transaction.WithContext(ctx).
		Model(&types.SurveyResponse{}).
		Where("id = ?", id).
		Updates(updates).Error
}
