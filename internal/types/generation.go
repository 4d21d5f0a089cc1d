package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	GenerationStatusQueued     = "queued"
	GenerationStatusProcessing = "processing"
	GenerationStatusCompleted  = "completed"
	GenerationStatusPartial    = "partial"
	GenerationStatusFailed     = "failed"
	GenerationStatusCancelled  = "cancelled"
)

const (
	CodingTypeBrand     = "brand"
	CodingTypeOpenEnded = "open-ended"
	CodingTypeSentiment = "sentiment"
)

const (
	HierarchyFlat       = "flat"
	HierarchyTwoLevel   = "two_level"
	HierarchyThreeLevel = "three_level"
	HierarchyAdaptive   = "adaptive"
)

// AlgorithmConfig is stored on the generation row as JSON and echoed back to
// status pollers. All knobs are validated before any work is dispatched.
type AlgorithmConfig struct {
	MinClusterSize      int    `json:"min_cluster_size"`
	MinSamples          int    `json:"min_samples"`
	HierarchyPreference string `json:"hierarchy_preference"`
	TargetLanguage      string `json:"target_language"`
	MaxExamples         int    `json:"max_examples"`
	MaxConcurrency      int    `json:"max_concurrency"`
	ClusterTimeoutSec   int    `json:"cluster_timeout_sec"`
	MaxWallClockSec     int    `json:"max_wall_clock_sec"`
}

type Generation struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Scope        string         `gorm:"column:scope;not null;index" json:"scope"`
	CodingType   string         `gorm:"column:coding_type;not null" json:"coding_type"` // brand|open-ended|sentiment
	Config       datatypes.JSON `gorm:"type:jsonb;column:config" json:"config"`
	Status       string         `gorm:"column:status;not null;index" json:"status"` // queued|processing|completed|partial|failed|cancelled
	NClusters    int            `gorm:"column:n_clusters;not null;default:0" json:"n_clusters"`
	NCompleted   int            `gorm:"column:n_completed;not null;default:0" json:"n_completed"`
	NFailed      int            `gorm:"column:n_failed;not null;default:0" json:"n_failed"`
	QualityScore int            `gorm:"column:quality_score;not null;default:0" json:"quality_score"`
	ThemeCount   int            `gorm:"column:theme_count;not null;default:0" json:"theme_count"`
	CodeCount    int            `gorm:"column:code_count;not null;default:0" json:"code_count"`
	Attempts     int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error        string         `gorm:"column:error" json:"error"`
	LastErrorAt  *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	LockedAt     *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt  *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Generation) TableName() string { return "generation" }

func IsTerminalStatus(status string) bool {
	switch status {
	case GenerationStatusCompleted, GenerationStatusPartial, GenerationStatusFailed, GenerationStatusCancelled:
		return true
	}
	return false
}
