package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	CandidateStateNeedsReview = "needs_review"
	CandidateStateVerified    = "verified"
	CandidateStateSpamInvalid = "spam_invalid"
)

const (
	RecommendationApprove = "approve"
	RecommendationReject  = "reject"
	RecommendationUnknown = "unknown"
)

type BrandCandidate struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	GenerationID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"generation_id"`
	SurfaceText    string         `gorm:"column:surface_text;not null" json:"surface_text"`
	NormalizedText string         `gorm:"column:normalized_text;not null;index" json:"normalized_text"`
	Variants       datatypes.JSON `gorm:"type:jsonb;column:variants" json:"variants"` // map[spelling]count
	Confidence     int            `gorm:"column:confidence;not null;default:0" json:"confidence"`
	Recommendation string         `gorm:"column:recommendation;not null" json:"recommendation"` // approve|reject|unknown
	Reasoning      string         `gorm:"column:reasoning" json:"reasoning"`
	RiskFactors    datatypes.JSON `gorm:"type:jsonb;column:risk_factors" json:"risk_factors,omitempty"` // []string
	Evidence       datatypes.JSON `gorm:"type:jsonb;column:evidence" json:"evidence,omitempty"`         // EvidenceBundle
	State          string         `gorm:"column:state;not null;index" json:"state"`                     // needs_review|verified|spam_invalid
	NodeID         *uuid.UUID     `gorm:"type:uuid" json:"node_id,omitempty"`                           // set once verified and materialized
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (BrandCandidate) TableName() string { return "brand_candidate" }
