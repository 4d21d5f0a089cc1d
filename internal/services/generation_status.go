package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	redisclient "github.com/verbata/codeframe-backend/internal/clients/redis"
	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/types"
)

// GenerationStatus is the polling payload. Progress comes from the cache
// when a fresh snapshot exists, otherwise from the persisted counters, so a
// worker crash never strands the endpoint.
type GenerationStatus struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Scope        string    `json:"scope"`
	CodingType   string    `json:"coding_type"`
	Status       string    `json:"status"`
	NClusters    int       `json:"n_clusters"`
	NCompleted   int       `json:"n_completed"`
	NFailed      int       `json:"n_failed"`
	Percent      float64   `json:"percent"`
	QualityScore int       `json:"quality_score"`
	ThemeCount   int       `json:"theme_count"`
	CodeCount    int       `json:"code_count"`
	Error        string    `json:"error,omitempty"`
}

type GenerationStatusService interface {
	GetStatus(ctx context.Context, generationID uuid.UUID) (*GenerationStatus, error)
	ListByScope(ctx context.Context, scope string) ([]*GenerationStatus, error)
}

type generationStatusService struct {
	log     *logger.Logger
	genRepo repos.GenerationRepo
	cache   redisclient.ProgressCache
}

func NewGenerationStatusService(baseLog *logger.Logger, genRepo repos.GenerationRepo, cache redisclient.ProgressCache) GenerationStatusService {
	return &generationStatusService{
		log:     baseLog.With("service", "GenerationStatusService"),
		genRepo: genRepo,
		cache:   cache,
	}
}

func (s *generationStatusService) GetStatus(ctx context.Context, generationID uuid.UUID) (*GenerationStatus, error) {
	gen, err := s.genRepo.GetByID(ctx, nil, generationID)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, fmt.Errorf("generation %s not found", generationID)
	}
	status := s.fromRow(gen)

	if s.cache != nil && gen.Status == types.GenerationStatusProcessing {
		var snap ProgressSnapshot
		found, cErr := s.cache.GetProgress(ctx, generationID, &snap)
		if cErr != nil {
			s.log.Warn("progress cache read failed", "generation_id", generationID, "error", cErr)
		} else if found {
			status.NClusters = snap.NClusters
			status.NCompleted = snap.NCompleted
			status.NFailed = snap.NFailed
			status.Percent = snap.Percent
		}
	}
	return status, nil
}

func (s *generationStatusService) ListByScope(ctx context.Context, scope string) ([]*GenerationStatus, error) {
	gens, err := s.genRepo.ListByScope(ctx, nil, scope)
	if err != nil {
		return nil, err
	}
	out := make([]*GenerationStatus, 0, len(gens))
	for _, g := range gens {
		if g != nil {
			out = append(out, s.fromRow(g))
		}
	}
	return out, nil
}

func (s *generationStatusService) fromRow(gen *types.Generation) *GenerationStatus {
	pct := 0.0
	if gen.NClusters > 0 {
		pct = float64(gen.NCompleted+gen.NFailed) / float64(gen.NClusters) * 100
	}
	if types.IsTerminalStatus(gen.Status) && gen.Status != types.GenerationStatusFailed && gen.Status != types.GenerationStatusCancelled {
		pct = 100
	}
	return &GenerationStatus{
		GenerationID: gen.ID,
		Scope:        gen.Scope,
		CodingType:   gen.CodingType,
		Status:       gen.Status,
		NClusters:    gen.NClusters,
		NCompleted:   gen.NCompleted,
		NFailed:      gen.NFailed,
		Percent:      pct,
		QualityScore: gen.QualityScore,
		ThemeCount:   gen.ThemeCount,
		CodeCount:    gen.CodeCount,
		Error:        gen.Error,
	}
}
