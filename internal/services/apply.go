package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/repos"
	"github.com/verbata/codeframe-backend/internal/types"
)

type ApplyResult struct {
	GenerationID uuid.UUID `json:"generation_id"`
	UpdatedCount int       `json:"updated_count"`
	SkippedCount int       `json:"skipped_count"`
}

// ApplyService writes a finished codeframe back onto the survey responses.
// Reruns are safe: rows already carrying the resolved code count as skipped,
// and rows a reviewer coded by hand are never overwritten.
type ApplyService interface {
	Apply(ctx context.Context, generationID uuid.UUID) (*ApplyResult, error)
}

type applyService struct {
	db       *gorm.DB
	log      *logger.Logger
	genRepo  repos.GenerationRepo
	nodeRepo repos.HierarchyNodeRepo
	candRepo repos.BrandCandidateRepo
	respRepo repos.SurveyResponseRepo
}

func NewApplyService(
	db *gorm.DB,
	baseLog *logger.Logger,
	genRepo repos.GenerationRepo,
	nodeRepo repos.HierarchyNodeRepo,
	candRepo repos.BrandCandidateRepo,
	respRepo repos.SurveyResponseRepo,
) ApplyService {
	return &applyService{
		db:       db,
		log:      baseLog.With("service", "ApplyService"),
		genRepo:  genRepo,
		nodeRepo: nodeRepo,
		candRepo: candRepo,
		respRepo: respRepo,
	}
}

func (s *applyService) Apply(ctx context.Context, generationID uuid.UUID) (*ApplyResult, error) {
	gen, err := s.genRepo.GetByID(ctx, nil, generationID)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, fmt.Errorf("generation %s not found", generationID)
	}
	if gen.Status != types.GenerationStatusCompleted && gen.Status != types.GenerationStatusPartial {
		return nil, fmt.Errorf("generation %s is %s; only completed or partial runs can be applied", generationID, gen.Status)
	}

	nodes, err := s.nodeRepo.GetByGenerationID(ctx, nil, generationID)
	if err != nil {
		return nil, err
	}
	codes := make([]*types.HierarchyNode, 0, len(nodes))
	for _, n := range nodes {
		if n != nil && n.NodeType == types.NodeTypeCode {
			codes = append(codes, n)
		}
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("generation %s has no code nodes to apply", generationID)
	}

	byAnswer := map[string][]*types.HierarchyNode{}
	for _, code := range codes {
		for _, id := range decodeStringList(code.AnswerIDs) {
			byAnswer[id] = append(byAnswer[id], code)
		}
	}
	byBrandText := s.brandTextIndex(ctx, gen, nodes)

	rows, err := s.respRepo.ListByScope(ctx, nil, gen.Scope)
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{GenerationID: generationID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if row == nil {
				continue
			}
			if row.ManuallyCodedAt != nil {
				res.SkippedCount++
				continue
			}
			code := resolveCode(row, byAnswer, byBrandText)
			if code == nil {
				res.SkippedCount++
				continue
			}
			if row.CodeID != nil && *row.CodeID == code.ID {
				res.SkippedCount++
				continue
			}
			if err := s.respRepo.MarkCoded(ctx, tx, row.ID, code.ID, code.Name, false); err != nil {
				return err
			}
			res.UpdatedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("codeframe applied",
		"generation_id", generationID,
		"updated", res.UpdatedCount,
		"skipped", res.SkippedCount,
	)
	return res, nil
}

// resolveCode picks the code for one response. Answer membership decides
// first; when several codes of the same cluster claim the answer, the one
// whose wording sits closest to the response text wins.
func resolveCode(
	row *types.SurveyResponse,
	byAnswer map[string][]*types.HierarchyNode,
	byBrandText map[string]*types.HierarchyNode,
) *types.HierarchyNode {
	candidates := byAnswer[row.ID.String()]
	switch len(candidates) {
	case 0:
		if node, ok := byBrandText[strings.ReplaceAll(NormalizeText(row.Text), " ", "")]; ok {
			return node
		}
		return nil
	case 1:
		return candidates[0]
	}
	best := candidates[0]
	bestScore := -1.0
	for _, c := range candidates {
		score := tokenJaccard(row.Text, c.Name+" "+c.Description+" "+strings.Join(decodeStringList(c.Examples), " "))
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// brandTextIndex maps every spelling of a verified candidate to the node the
// reviewer materialized for it.
func (s *applyService) brandTextIndex(ctx context.Context, gen *types.Generation, nodes []*types.HierarchyNode) map[string]*types.HierarchyNode {
	out := map[string]*types.HierarchyNode{}
	if gen.CodingType != types.CodingTypeBrand {
		return out
	}
	nodeByID := map[uuid.UUID]*types.HierarchyNode{}
	for _, n := range nodes {
		if n != nil {
			nodeByID[n.ID] = n
		}
	}
	cands, err := s.candRepo.GetByGenerationID(ctx, nil, gen.ID)
	if err != nil {
		s.log.Warn("candidate lookup failed during apply", "generation_id", gen.ID, "error", err.Error())
		return out
	}
	for _, c := range cands {
		if c == nil || c.State != types.CandidateStateVerified || c.NodeID == nil {
			continue
		}
		node, ok := nodeByID[*c.NodeID]
		if !ok {
			continue
		}
		out[strings.ReplaceAll(c.NormalizedText, " ", "")] = node
		var variants map[string]int
		if len(c.Variants) > 0 && json.Unmarshal(c.Variants, &variants) == nil {
			for spelling := range variants {
				out[strings.ReplaceAll(NormalizeText(spelling), " ", "")] = node
			}
		}
	}
	return out
}
