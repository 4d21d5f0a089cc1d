package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SurveyResponse is one raw free-text answer inside a coding scope. The apply
// stage writes the resolved code back onto this row; manual coding by a
// reviewer sets ManuallyCodedAt and wins over any later automated apply.
type SurveyResponse struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Scope           string         `gorm:"column:scope;not null;index" json:"scope"`
	Text            string         `gorm:"column:text;not null" json:"text"`
	Embedding       datatypes.JSON `gorm:"type:jsonb;column:embedding" json:"embedding,omitempty"` // []float32
	CodeID          *uuid.UUID     `gorm:"type:uuid;index" json:"code_id,omitempty"`
	CodeName        string         `gorm:"column:code_name" json:"code_name,omitempty"`
	CodedAt         *time.Time     `gorm:"column:coded_at" json:"coded_at,omitempty"`
	ManuallyCodedAt *time.Time     `gorm:"column:manually_coded_at" json:"manually_coded_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SurveyResponse) TableName() string { return "survey_response" }
