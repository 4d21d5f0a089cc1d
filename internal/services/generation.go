package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	redisclient "github.com/verbata/codeframe-backend/internal/clients/redis"
	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/types"
)

// GenerationConfig is the orchestrator's runtime policy, assembled at the
// composition root and injected here. Core logic never reads the environment.
type GenerationConfig struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	StaleRunning  time.Duration
	MaxWallClock  time.Duration
	ProgressTTL   time.Duration
	PersistRetry  int
	Thresholds    ValidationThresholds
	EmbedBatch    int
	SweepInterval time.Duration
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxAttempts:   3,
		RetryDelay:    30 * time.Second,
		StaleRunning:  2 * time.Minute,
		MaxWallClock:  2 * time.Hour,
		ProgressTTL:   5 * time.Minute,
		PersistRetry:  3,
		Thresholds:    DefaultValidationThresholds(),
		EmbedBatch:    64,
		SweepInterval: 30 * time.Second,
	}
}

type StartGenerationRequest struct {
	Scope      string                `json:"scope"`
	CodingType string                `json:"coding_type"`
	Config     types.AlgorithmConfig `json:"config"`
}

// ProgressSnapshot is the whole-progress value cached for pollers. It is
// written atomically as one blob so a reader never sees half an update.
type ProgressSnapshot struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Status       string    `json:"status"`
	NClusters    int       `json:"n_clusters"`
	NCompleted   int       `json:"n_completed"`
	NFailed      int       `json:"n_failed"`
	Percent      float64   `json:"percent"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type GenerationService interface {
	Start(ctx context.Context, req StartGenerationRequest) (*types.Generation, error)
	StartWorker(ctx context.Context)
	StartReconciler(ctx context.Context)
	Cancel(ctx context.Context, generationID uuid.UUID) error
	Delete(ctx context.Context, generationID uuid.UUID) error
}

type generationService struct {
	db  *gorm.DB
	log *logger.Logger
	cfg GenerationConfig

	genRepo  repos.GenerationRepo
	nodeRepo repos.HierarchyNodeRepo
	candRepo repos.BrandCandidateRepo
	respRepo repos.SurveyResponseRepo

	ai        OpenAIClient
	clusterer ClusteringEngine
	synth     HierarchySynthesizer

	// Corroborating evidence providers (vision, search); nil entries allowed.
	evidenceProviders []EvidenceProvider

	// Optional; the pipeline degrades to DB-only progress without it.
	cache redisclient.ProgressCache
}

func NewGenerationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	cfg GenerationConfig,
	genRepo repos.GenerationRepo,
	nodeRepo repos.HierarchyNodeRepo,
	candRepo repos.BrandCandidateRepo,
	respRepo repos.SurveyResponseRepo,
	ai OpenAIClient,
	clusterer ClusteringEngine,
	synth HierarchySynthesizer,
	evidenceProviders []EvidenceProvider,
	cache redisclient.ProgressCache,
) GenerationService {
	providers := make([]EvidenceProvider, 0, len(evidenceProviders))
	for _, p := range evidenceProviders {
		if p != nil {
			providers = append(providers, p)
		}
	}
	return &generationService{
		db:                db,
		log:               baseLog.With("service", "GenerationService"),
		cfg:               cfg,
		genRepo:           genRepo,
		nodeRepo:          nodeRepo,
		candRepo:          candRepo,
		respRepo:          respRepo,
		ai:                ai,
		clusterer:         clusterer,
		synth:             synth,
		evidenceProviders: providers,
		cache:             cache,
	}
}

func (s *generationService) Start(ctx context.Context, req StartGenerationRequest) (*types.Generation, error) {
	if strings.TrimSpace(req.Scope) == "" {
		return nil, fmt.Errorf("%w: scope required", ErrInvalidConfig)
	}
	switch req.CodingType {
	case types.CodingTypeBrand, types.CodingTypeOpenEnded, types.CodingTypeSentiment:
	default:
		return nil, fmt.Errorf("%w: unsupported coding_type %q", ErrInvalidConfig, req.CodingType)
	}
	cfg := req.Config
	if err := ValidateAlgorithmConfig(&cfg); err != nil {
		return nil, err
	}

	now := time.Now()
	gen := &types.Generation{
		ID:         uuid.New(),
		Scope:      req.Scope,
		CodingType: req.CodingType,
		Config:     datatypes.JSON(mustJSON(cfg)),
		Status:     types.GenerationStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.genRepo.Create(ctx, nil, []*types.Generation{gen}); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	s.log.Info("generation queued", "generation_id", gen.ID, "scope", gen.Scope, "coding_type", gen.CodingType)
	return gen, nil
}

func (s *generationService) StartWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gen, err := s.genRepo.ClaimNextRunnable(ctx, nil, s.cfg.MaxAttempts, s.cfg.RetryDelay, s.cfg.StaleRunning)
				if err != nil {
					s.log.Warn("ClaimNextRunnable failed", "error", err)
					continue
				}
				if gen == nil {
					continue
				}
				s.processRun(ctx, gen)
			}
		}
	}()
}

// StartReconciler sweeps processing rows whose wall clock budget ran out so
// no generation stays ambiguous forever.
func (s *generationService) StartReconciler(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.genRepo.MarkStaleFailed(ctx, nil, s.cfg.MaxWallClock)
				if err != nil {
					s.log.Warn("stale sweep failed", "error", err)
					continue
				}
				if n > 0 {
					s.log.Warn("reclassified stale generations", "count", n)
				}
			}
		}
	}()
}

func (s *generationService) Cancel(ctx context.Context, generationID uuid.UUID) error {
	gen, err := s.genRepo.GetByID(ctx, nil, generationID)
	if err != nil {
		return err
	}
	if gen == nil {
		return fmt.Errorf("generation %s not found", generationID)
	}
	if types.IsTerminalStatus(gen.Status) {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.MarkCancelled(ctx, generationID); err != nil {
			s.log.Warn("mark cancelled in cache failed", "generation_id", generationID, "error", err)
		}
	}
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&types.Generation{}).
		Where("id = ? AND status IN ?", generationID, []string{types.GenerationStatusQueued, types.GenerationStatusProcessing}).
		Updates(map[string]interface{}{
			"status":      types.GenerationStatusCancelled,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

func (s *generationService) Delete(ctx context.Context, generationID uuid.UUID) error {
	if s.cache != nil {
		_ = s.cache.ClearProgress(ctx, generationID)
	}
	return s.genRepo.Delete(ctx, nil, generationID)
}

// withRetry covers transient persistence failures; exhausting it is what
// turns a PersistenceError fatal for the run.
func (s *generationService) withRetry(what string, op func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.PersistRetry; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *generationService) isCancelled(ctx context.Context, generationID uuid.UUID) bool {
	if s.cache != nil {
		if yes, err := s.cache.IsCancelled(ctx, generationID); err == nil && yes {
			return true
		}
	}
	gen, err := s.genRepo.GetByID(ctx, nil, generationID)
	return err == nil && gen != nil && gen.Status == types.GenerationStatusCancelled
}

func (s *generationService) publishProgress(ctx context.Context, gen uuid.UUID, status string, nClusters, nCompleted, nFailed int) {
	if s.cache == nil {
		return
	}
	pct := 0.0
	if nClusters > 0 {
		pct = float64(nCompleted+nFailed) / float64(nClusters) * 100
	}
	snap := ProgressSnapshot{
		GenerationID: gen,
		Status:       status,
		NClusters:    nClusters,
		NCompleted:   nCompleted,
		NFailed:      nFailed,
		Percent:      pct,
		UpdatedAt:    time.Now(),
	}
	if err := s.cache.SetProgress(ctx, gen, snap, s.cfg.ProgressTTL); err != nil {
		s.log.Warn("progress cache write failed", "generation_id", gen, "error", err)
	}
}

func (s *generationService) processRun(ctx context.Context, gen *types.Generation) {
	genID := gen.ID
	log := s.log.With("generation_id", genID)

	fail := func(stage string, err error) {
		now := time.Now()
		log.Error("generation failed", "stage", stage, "error", err.Error())
		_ = s.genRepo.UpdateFields(ctx, nil, genID, map[string]interface{}{
			"status":        types.GenerationStatusFailed,
			"error":         fmt.Sprintf("%s: %v", stage, err),
			"last_error_at": now,
			"finished_at":   now,
			"locked_at":     nil,
		})
		s.publishProgress(ctx, genID, types.GenerationStatusFailed, gen.NClusters, 0, 0)
	}

	var cfg types.AlgorithmConfig
	if err := json.Unmarshal(gen.Config, &cfg); err != nil {
		fail("config", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		return
	}
	if err := ValidateAlgorithmConfig(&cfg); err != nil {
		fail("config", err)
		return
	}

	rows, err := s.respRepo.FetchUncoded(ctx, nil, gen.Scope)
	if err != nil {
		fail("fetch", fmt.Errorf("fetch uncoded responses: %w", err))
		return
	}
	if len(rows) == 0 {
		fail("fetch", fmt.Errorf("no uncoded responses in scope %q", gen.Scope))
		return
	}

	if err := s.ensureEmbeddings(ctx, rows); err != nil {
		fail("embed", err)
		return
	}

	items, err := BuildTextItems(rows)
	if err != nil {
		fail("embed", err)
		return
	}

	clusters, err := s.clusterer.Cluster(items, cfg.MinClusterSize, cfg.MinSamples)
	if err != nil {
		fail("cluster", err)
		return
	}

	if gen.CodingType == types.CodingTypeBrand {
		s.processBrandRun(ctx, gen, cfg, rows, clusters, fail)
		return
	}
	s.processHierarchyRun(ctx, gen, cfg, clusters, fail)
}

func (s *generationService) ensureEmbeddings(ctx context.Context, rows []*types.SurveyResponse) error {
	missing := make([]*types.SurveyResponse, 0)
	for _, row := range rows {
		if row != nil && len(row.Embedding) == 0 {
			missing = append(missing, row)
		}
	}
	batch := s.cfg.EmbedBatch
	if batch <= 0 {
		batch = 64
	}
	for start := 0; start < len(missing); start += batch {
		end := start + batch
		if end > len(missing) {
			end = len(missing)
		}
		part := missing[start:end]
		inputs := make([]string, len(part))
		for i, row := range part {
			inputs[i] = row.Text
		}
		vecs, err := s.ai.Embed(ctx, inputs)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for i, row := range part {
			raw := mustJSON(vecs[i])
			err := s.withRetry("persist embedding", func() error {
				return s.respRepo.UpdateFields(ctx, nil, row.ID, map[string]interface{}{
					"embedding": datatypes.JSON(raw),
				})
			})
			if err != nil {
				return err
			}
			row.Embedding = datatypes.JSON(raw)
		}
	}
	return nil
}

func (s *generationService) processHierarchyRun(
	ctx context.Context,
	gen *types.Generation,
	cfg types.AlgorithmConfig,
	clusters []types.Cluster,
	fail func(string, error),
) {
	genID := gen.ID
	log := s.log.With("generation_id", genID)

	nClusters := 0
	for _, c := range clusters {
		if !c.Noise {
			nClusters++
		}
	}
	if nClusters == 0 {
		fail("cluster", fmt.Errorf("all items fell into the noise bucket; lower min_cluster_size"))
		return
	}

	if err := s.withRetry("record cluster count", func() error {
		return s.genRepo.UpdateFields(ctx, nil, genID, map[string]interface{}{"n_clusters": nClusters})
	}); err != nil {
		fail("cluster", err)
		return
	}
	s.publishProgress(ctx, genID, types.GenerationStatusProcessing, nClusters, 0, 0)

	var mu sync.Mutex
	nCompleted, nFailed := 0, 0
	cancelled := false
	var createdNodeIDs []uuid.UUID

	onOutcome := func(out ClusterOutcome) {
		mu.Lock()
		defer mu.Unlock()
		if out.Err != nil {
			nFailed++
			_ = s.genRepo.IncrementCounters(ctx, nil, genID, 0, 1)
		} else {
			// Persist each cluster's nodes as they land so a mid-run poll
			// already sees partial results.
			err := s.withRetry("persist cluster nodes", func() error {
				_, cErr := s.nodeRepo.Create(ctx, nil, out.Nodes)
				return cErr
			})
			if err != nil {
				log.Error("node persistence failed", "cluster_id", out.ClusterID, "error", err.Error())
				nFailed++
				_ = s.genRepo.IncrementCounters(ctx, nil, genID, 0, 1)
			} else {
				for _, n := range out.Nodes {
					createdNodeIDs = append(createdNodeIDs, n.ID)
				}
				nCompleted++
				_ = s.genRepo.IncrementCounters(ctx, nil, genID, 1, 0)
			}
		}
		_ = s.genRepo.Heartbeat(ctx, nil, genID)
		s.publishProgress(ctx, genID, types.GenerationStatusProcessing, nClusters, nCompleted, nFailed)
	}

	res, err := s.synth.Synthesize(ctx, genID, clusters, cfg, onOutcome, func() bool {
		if s.isCancelled(ctx, genID) {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			return true
		}
		return false
	})
	if err != nil {
		fail("synthesize", err)
		return
	}

	if cancelled || s.isCancelled(ctx, genID) {
		// In-flight clusters were allowed to finish; their output is discarded.
		log.Info("generation cancelled; discarding results", "nodes", len(createdNodeIDs))
		_ = s.withRetry("discard cancelled nodes", func() error {
			return s.nodeRepo.DeleteByIDs(ctx, nil, createdNodeIDs)
		})
		now := time.Now()
		_ = s.db.WithContext(ctx).
			Model(&types.Generation{}).
			Where("id = ?", genID).
			Updates(map[string]interface{}{
				"status":      types.GenerationStatusCancelled,
				"finished_at": now,
				"updated_at":  now,
			}).Error
		s.publishProgress(ctx, genID, types.GenerationStatusCancelled, nClusters, nCompleted, nFailed)
		return
	}

	status := types.GenerationStatusCompleted
	switch {
	case nCompleted == 0:
		fail("synthesize", fmt.Errorf("all %d clusters failed", nClusters))
		return
	case nFailed > 0:
		status = types.GenerationStatusPartial
	}

	themeCount, codeCount := 0, 0
	for _, n := range res.Nodes {
		switch n.NodeType {
		case types.NodeTypeTheme:
			themeCount++
		case types.NodeTypeCode:
			codeCount++
		}
	}

	now := time.Now()
	err = s.withRetry("finalize generation", func() error {
		return s.db.WithContext(ctx).
			Model(&types.Generation{}).
			Where("id = ? AND status = ?", genID, types.GenerationStatusProcessing).
			Updates(map[string]interface{}{
				"status":        status,
				"quality_score": res.Report.Score,
				"theme_count":   themeCount,
				"code_count":    codeCount,
				"finished_at":   now,
				"locked_at":     nil,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		fail("finalize", err)
		return
	}
	s.publishProgress(ctx, genID, status, nClusters, nCompleted, nFailed)
	log.Info("generation finished",
		"status", status,
		"themes", themeCount,
		"codes", codeCount,
		"quality_score", res.Report.Score,
		"failed_clusters", res.FailedClusters,
	)
}

func (s *generationService) processBrandRun(
	ctx context.Context,
	gen *types.Generation,
	cfg types.AlgorithmConfig,
	rows []*types.SurveyResponse,
	clusters []types.Cluster,
	fail func(string, error),
) {
	genID := gen.ID
	log := s.log.With("generation_id", genID)

	candidates := ExtractBrandCandidates(genID, rows)
	if len(candidates) == 0 {
		fail("extract", fmt.Errorf("no brand candidates found in scope %q", gen.Scope))
		return
	}

	// In brand mode the per-candidate validations are the work units the
	// progress counters track.
	nUnits := len(candidates)
	if err := s.withRetry("record candidate count", func() error {
		return s.genRepo.UpdateFields(ctx, nil, genID, map[string]interface{}{"n_clusters": nUnits})
	}); err != nil {
		fail("extract", err)
		return
	}
	s.publishProgress(ctx, genID, types.GenerationStatusProcessing, nUnits, 0, 0)

	knownCodes, err := s.priorCatalogue(ctx, gen.Scope, genID)
	if err != nil {
		log.Warn("prior catalogue load failed; continuing without it", "error", err.Error())
	}
	providers := append([]EvidenceProvider{
		NewCatalogueEvidenceProvider(s.log, s.ai, knownCodes),
	}, s.evidenceProviders...)
	validator := NewBrandValidator(s.log, providers, s.cfg.Thresholds, time.Duration(cfg.ClusterTimeoutSec)*time.Second)

	var mu sync.Mutex
	nCompleted, nFailed := 0, 0
	cancelled := false
	var created []uuid.UUID
	var confidences []int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)
	for _, cand := range candidates {
		if s.isCancelled(ctx, genID) {
			cancelled = true
			break
		}
		cand := cand
		g.Go(func() error {
			result, vErr := validator.Validate(gctx, cand)

			mu.Lock()
			defer mu.Unlock()
			if vErr != nil {
				nFailed++
				_ = s.genRepo.IncrementCounters(ctx, nil, genID, 0, 1)
			} else {
				cand.Confidence = result.Confidence
				cand.Recommendation = result.Recommendation
				cand.Reasoning = result.Reasoning
				cand.RiskFactors = datatypes.JSON(mustJSON(result.RiskFactors))
				cand.Evidence = datatypes.JSON(mustJSON(result.Bundle))
				pErr := s.withRetry("persist candidate", func() error {
					_, cErr := s.candRepo.Create(ctx, nil, []*types.BrandCandidate{cand})
					return cErr
				})
				if pErr != nil {
					nFailed++
					_ = s.genRepo.IncrementCounters(ctx, nil, genID, 0, 1)
				} else {
					created = append(created, cand.ID)
					confidences = append(confidences, result.Confidence)
					nCompleted++
					_ = s.genRepo.IncrementCounters(ctx, nil, genID, 1, 0)
				}
			}
			_ = s.genRepo.Heartbeat(ctx, nil, genID)
			s.publishProgress(ctx, genID, types.GenerationStatusProcessing, nUnits, nCompleted, nFailed)
			return nil
		})
	}
	_ = g.Wait()

	if cancelled || s.isCancelled(ctx, genID) {
		log.Info("brand generation cancelled; discarding candidates", "count", len(created))
		for _, id := range created {
			_ = s.candRepo.DeleteByID(ctx, nil, id)
		}
		now := time.Now()
		_ = s.db.WithContext(ctx).
			Model(&types.Generation{}).
			Where("id = ?", genID).
			Updates(map[string]interface{}{
				"status":      types.GenerationStatusCancelled,
				"finished_at": now,
				"updated_at":  now,
			}).Error
		s.publishProgress(ctx, genID, types.GenerationStatusCancelled, nUnits, nCompleted, nFailed)
		return
	}

	status := types.GenerationStatusCompleted
	switch {
	case nCompleted == 0:
		fail("validate", fmt.Errorf("all %d candidate validations failed", nUnits))
		return
	case nFailed > 0:
		status = types.GenerationStatusPartial
	}

	quality := 0
	if len(confidences) > 0 {
		sum := 0
		for _, c := range confidences {
			sum += c
		}
		quality = sum / len(confidences)
	}

	now := time.Now()
	err = s.withRetry("finalize generation", func() error {
		return s.db.WithContext(ctx).
			Model(&types.Generation{}).
			Where("id = ? AND status = ?", genID, types.GenerationStatusProcessing).
			Updates(map[string]interface{}{
				"status":        status,
				"quality_score": quality,
				"code_count":    nCompleted,
				"finished_at":   now,
				"locked_at":     nil,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		fail("finalize", err)
		return
	}
	s.publishProgress(ctx, genID, status, nUnits, nCompleted, nFailed)
	log.Info("brand generation finished", "status", status, "candidates", nCompleted, "failed", nFailed, "quality_score", quality)
}

// priorCatalogue pulls code names approved in earlier generations of the same
// scope to feed the catalogue similarity signal.
func (s *generationService) priorCatalogue(ctx context.Context, scope string, currentGen uuid.UUID) ([]string, error) {
	gens, err := s.genRepo.ListByScope(ctx, nil, scope)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, g := range gens {
		if g == nil || g.ID == currentGen {
			continue
		}
		if g.Status != types.GenerationStatusCompleted && g.Status != types.GenerationStatusPartial {
			continue
		}
		nodes, nErr := s.nodeRepo.GetByGenerationID(ctx, nil, g.ID)
		if nErr != nil {
			return nil, nErr
		}
		for _, n := range nodes {
			if n != nil && n.NodeType == types.NodeTypeCode {
				names = append(names, n.Name)
			}
		}
	}
	return dedupeStrings(names), nil
}

// ExtractBrandCandidates folds raw responses into candidates keyed by an
// aggressive normalization, keeping every observed spelling with its count.
// The most frequent spelling becomes the surface form.
func ExtractBrandCandidates(generationID uuid.UUID, rows []*types.SurveyResponse) []*types.BrandCandidate {
	type group struct {
		variants map[string]int
	}
	groups := map[string]*group{}
	for _, row := range rows {
		if row == nil {
			continue
		}
		raw := strings.TrimSpace(row.Text)
		norm := strings.ReplaceAll(NormalizeText(raw), " ", "")
		if norm == "" {
			continue
		}
		g, ok := groups[norm]
		if !ok {
			g = &group{variants: map[string]int{}}
			groups[norm] = g
		}
		g.variants[raw]++
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	out := make([]*types.BrandCandidate, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		surface := ""
		bestCount := -1
		spellings := make([]string, 0, len(g.variants))
		for sp := range g.variants {
			spellings = append(spellings, sp)
		}
		sort.Strings(spellings)
		for _, sp := range spellings {
			if g.variants[sp] > bestCount {
				surface = sp
				bestCount = g.variants[sp]
			}
		}
		out = append(out, &types.BrandCandidate{
			ID:             uuid.New(),
			GenerationID:   generationID,
			SurfaceText:    surface,
			NormalizedText: NormalizeText(surface),
			Variants:       datatypes.JSON(mustJSON(g.variants)),
			Recommendation: types.RecommendationUnknown,
			State:          types.CandidateStateNeedsReview,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return out
}
