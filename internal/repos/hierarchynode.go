package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

type HierarchyNodeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, nodes []*types.HierarchyNode) ([]*types.HierarchyNode, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.HierarchyNode, error)
	GetByGenerationID(ctx context.Context, tx *gorm.DB, generationID uuid.UUID) ([]*types.HierarchyNode, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
	ReparentChildren(ctx context.Context, tx *gorm.DB, oldParentIDs []uuid.UUID, newParentID *uuid.UUID) error
}

type hierarchyNodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHierarchyNodeRepo(db *gorm.DB, baseLog *logger.Logger) HierarchyNodeRepo {
	return &hierarchyNodeRepo{db: db, log: baseLog.With("repo", "HierarchyNodeRepo")}
}

func (r *hierarchyNodeRepo) Create(ctx context.Context, tx *gorm.DB, nodes []*types.HierarchyNode) ([]*types.HierarchyNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(nodes) == 0 {
		return []*types.HierarchyNode{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *hierarchyNodeRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.HierarchyNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.HierarchyNode
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

func (r *hierarchyNodeRepo) GetByGenerationID(ctx context.Context, tx *gorm.DB, generationID uuid.UUID) ([]*types.HierarchyNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.HierarchyNode
	if generationID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("generation_id = ?", generationID).
		Order("display_order ASC, created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *hierarchyNodeRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.HierarchyNode{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *hierarchyNodeRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&types.HierarchyNode{}).Error
}

func (r *hierarchyNodeRepo) ReparentChildren(ctx context.Context, tx *gorm.DB, oldParentIDs []uuid.UUID, newParentID *uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(oldParentIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.HierarchyNode{}).
		Where("parent_id IN ?", oldParentIDs).
		Updates(map[string]interface{}{
			"parent_id":  newParentID,
			"updated_at": time.Now(),
		}).Error
}
