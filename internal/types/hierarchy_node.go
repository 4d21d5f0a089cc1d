package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	NodeTypeTheme = "theme"
	NodeTypeCode  = "code"
)

const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

type HierarchyNode struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	GenerationID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"generation_id"`
	ParentID        *uuid.UUID     `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	NodeType        string         `gorm:"column:node_type;not null;index" json:"node_type"` // theme|code
	Name            string         `gorm:"column:name;not null" json:"name"`
	Description     string         `gorm:"column:description" json:"description"`
	Confidence      string         `gorm:"column:confidence;not null" json:"confidence"` // low|medium|high
	FrequencyEst    int            `gorm:"column:frequency_est;not null;default:0" json:"frequency_est"`
	Examples        datatypes.JSON `gorm:"type:jsonb;column:examples" json:"examples"` // []string, drawn from cluster members
	DisplayOrder    int            `gorm:"column:display_order;not null;default:0" json:"display_order"`
	IsAutoGenerated bool           `gorm:"column:is_auto_generated;not null;default:true" json:"is_auto_generated"`
	IsEdited        bool           `gorm:"column:is_edited;not null;default:false" json:"is_edited"`
	EditHistory     datatypes.JSON `gorm:"type:jsonb;column:edit_history" json:"edit_history,omitempty"`
	ClusterID       *int           `gorm:"column:cluster_id" json:"cluster_id,omitempty"`
	ClusterIDs      datatypes.JSON `gorm:"type:jsonb;column:cluster_ids" json:"cluster_ids,omitempty"` // []int, accumulated by merges
	ClusterSize     int            `gorm:"column:cluster_size;not null;default:0" json:"cluster_size"`
	AnswerIDs       datatypes.JSON `gorm:"type:jsonb;column:answer_ids" json:"answer_ids,omitempty"` // representative answer ids
	Validation      datatypes.JSON `gorm:"type:jsonb;column:validation" json:"validation,omitempty"` // evidence bundle for brand-derived codes
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

func (HierarchyNode) TableName() string { return "hierarchy_node" }

// ClusterLinkage returns every cluster id the node accounts for: its own
// ClusterID plus any ids it absorbed through merges.
func (n *HierarchyNode) ClusterLinkage() []int {
	out := make([]int, 0, 1)
	if n.ClusterID != nil {
		out = append(out, *n.ClusterID)
	}
	if len(n.ClusterIDs) > 0 {
		var merged []int
		if json.Unmarshal(n.ClusterIDs, &merged) == nil {
			out = append(out, merged...)
		}
	}
	return out
}

// EditEvent is one entry in a node's edit_history JSON array.
type EditEvent struct {
	Action string    `json:"action"` // rename|merge|reparent|reorder
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// HierarchyTree is the read model handed to the editor and the API.
type HierarchyTree struct {
	GenerationID uuid.UUID        `json:"generation_id"`
	Nodes        []*HierarchyNode `json:"nodes"`
}

func (t *HierarchyTree) ByID(id uuid.UUID) *HierarchyNode {
	for _, n := range t.Nodes {
		if n != nil && n.ID == id {
			return n
		}
	}
	return nil
}

func (t *HierarchyTree) ChildrenOf(id uuid.UUID) []*HierarchyNode {
	out := make([]*HierarchyNode, 0)
	for _, n := range t.Nodes {
		if n != nil && n.ParentID != nil && *n.ParentID == id {
			out = append(out, n)
		}
	}
	return out
}

func (t *HierarchyTree) Roots() []*HierarchyNode {
	out := make([]*HierarchyNode, 0)
	for _, n := range t.Nodes {
		if n != nil && n.ParentID == nil {
			out = append(out, n)
		}
	}
	return out
}
