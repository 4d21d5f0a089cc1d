package types

import "github.com/google/uuid"

const (
	MECEIssueOverlap   = "overlap"
	MECEIssueGap       = "gap"
	MECEIssueAmbiguous = "ambiguous"
)

// MECEIssue is a diagnostic, recomputed whenever the tree changes. It is
// never persisted on its own.
type MECEIssue struct {
	Type        string      `json:"type"` // overlap|gap|ambiguous
	NodeIDs     []uuid.UUID `json:"node_ids,omitempty"`
	ClusterID   *int        `json:"cluster_id,omitempty"`
	Description string      `json:"description"`
}

type MECEReport struct {
	Score  int         `json:"score"` // 0-100, 100 = no issues
	Issues []MECEIssue `json:"issues"`
}
