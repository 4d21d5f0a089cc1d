package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

type GenerationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, gens []*types.Generation) ([]*types.Generation, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Generation, error)
	ListByScope(ctx context.Context, tx *gorm.DB, scope string) ([]*types.Generation, error)

	// Claims the next generation that is runnable:
	// - status=queued
	// - OR status=failed and attempts < maxAttempts and last_error_at older than retryDelay (or NULL)
	// - OR status=processing but heartbeat is stale (crash recovery)
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.Generation, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// IncrementCounters bumps n_completed / n_failed atomically in SQL so
	// concurrent per-cluster workers never lose an update.
	IncrementCounters(ctx context.Context, tx *gorm.DB, id uuid.UUID, completed int, failed int) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error

	// MarkStaleFailed reclassifies processing rows whose wall clock budget is
	// exhausted. Returns the number of rows swept.
	MarkStaleFailed(ctx context.Context, tx *gorm.DB, maxWallClock time.Duration) (int64, error)

	// Delete removes the generation and cascades to its hierarchy nodes and
	// brand candidates in one transaction.
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type generationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationRepo(db *gorm.DB, baseLog *logger.Logger) GenerationRepo {
	return &generationRepo{db: db, log: baseLog.With("repo", "GenerationRepo")}
}

func (r *generationRepo) Create(ctx context.Context, tx *gorm.DB, gens []*types.Generation) ([]*types.Generation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(gens) == 0 {
		return []*types.Generation{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&gens).Error; err != nil {
		return nil, err
	}
	return gens, nil
}

func (r *generationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Generation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var gen types.Generation
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&gen).Error
	if err != nil {
		return nil, err
	}
	if gen.ID == uuid.Nil {
		return nil, nil
	}
	return &gen, nil
}

func (r *generationRepo) ListByScope(ctx context.Context, tx *gorm.DB, scope string) ([]*types.Generation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Generation
	if err := transaction.WithContext(ctx).
		Where("scope = ?", scope).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *generationRepo) ClaimNextRunnable(
	ctx context.Context,
	tx *gorm.DB,
	maxAttempts int,
	retryDelay time.Duration,
	staleRunning time.Duration,
) (*types.Generation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)

	var claimed *types.Generation

	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var gen types.Generation

		q := txx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND attempts < ?
            AND (last_error_at IS NULL OR last_error_at < ?)
          )
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.GenerationStatusQueued, types.GenerationStatusFailed, maxAttempts, retryCutoff, types.GenerationStatusProcessing, staleCutoff).
			Order("created_at ASC")

		qErr := q.First(&gen).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&types.Generation{}).
			Where("id = ?", gen.ID).
			Updates(map[string]interface{}{
				"status":       types.GenerationStatusProcessing,
				"attempts":     gorm.Expr("attempts + 1"),
				"started_at":   now,
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}

		claimed = &gen
		return nil
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *generationRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Generation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationRepo) IncrementCounters(ctx context.Context, tx *gorm.DB, id uuid.UUID, completed int, failed int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || (completed == 0 && failed == 0) {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Generation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"n_completed": gorm.Expr("n_completed + ?", completed),
			"n_failed":    gorm.Expr("n_failed + ?", failed),
			"updated_at":  time.Now(),
		}).Error
}

func (r *generationRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.Generation{}).
		Where("id = ? AND status = ?", id, types.GenerationStatusProcessing).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *generationRepo) MarkStaleFailed(ctx context.Context, tx *gorm.DB, maxWallClock time.Duration) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	cutoff := now.Add(-maxWallClock)
	res := transaction.WithContext(ctx).
		Model(&types.Generation{}).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", types.GenerationStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":        types.GenerationStatusFailed,
			"error":         "exceeded wall clock budget",
			"last_error_at": now,
			"finished_at":   now,
			"locked_at":     nil,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

func (r *generationRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("generation_id = ?", id).Delete(&types.HierarchyNode{}).Error; err != nil {
			return err
		}
		if err := txx.Where("generation_id = ?", id).Delete(&types.BrandCandidate{}).Error; err != nil {
			return err
		}
		return txx.Where("id = ?", id).Delete(&types.Generation{}).Error
	})
}
