package types

import "github.com/google/uuid"

// TextItem is one deduplicated text carrying its externally supplied
// embedding. Duplicate raw responses share a TextItem; DupIDs holds the ids
// of the rows folded into it.
type TextItem struct {
	ID        uuid.UUID
	Text      string
	Embedding []float32
	DupIDs    []uuid.UUID
}

// Cluster is a density-grouped set of items. ID -1 is the noise bucket.
type Cluster struct {
	ID      int
	Members []TextItem
	Noise   bool
}

func (c *Cluster) Size() int {
	n := 0
	for _, m := range c.Members {
		n += 1 + len(m.DupIDs)
	}
	return n
}

func (c *Cluster) MemberIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.ID)
		out = append(out, m.DupIDs...)
	}
	return out
}
