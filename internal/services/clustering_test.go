package services

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func item(text string, emb ...float32) types.TextItem {
	return types.TextItem{ID: uuid.New(), Text: text, Embedding: emb}
}

func twoGroupItems() []types.TextItem {
	return []types.TextItem{
		item("fast shipping", 1, 0),
		item("quick delivery", 0.98, 0.1),
		item("arrived fast", 0.95, 0.2),
		item("friendly staff", 0, 1),
		item("helpful employees", 0.1, 0.98),
		item("kind personnel", 0.2, 0.95),
		item("asdfgh", -1, -1),
	}
}

func TestClusterPartition(t *testing.T) {
	engine := NewClusteringEngine(testLogger(t), 0.35)
	items := twoGroupItems()

	clusters, err := engine.Cluster(items, 2, 2)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	var regular, noise []types.Cluster
	for _, c := range clusters {
		if c.Noise {
			noise = append(noise, c)
		} else {
			regular = append(regular, c)
		}
	}
	if len(regular) != 2 {
		t.Fatalf("regular clusters: want=2 got=%d", len(regular))
	}
	if len(noise) != 1 || noise[0].ID != -1 || len(noise[0].Members) != 1 {
		t.Fatalf("noise bucket: want one cluster id=-1 with 1 member, got %+v", noise)
	}
	for i, c := range regular {
		if c.ID != i {
			t.Fatalf("cluster ids not contiguous: want=%d got=%d", i, c.ID)
		}
		if len(c.Members) != 3 {
			t.Fatalf("cluster %d size: want=3 got=%d", c.ID, len(c.Members))
		}
	}

	// Every input must land in exactly one bucket.
	seen := map[uuid.UUID]int{}
	for _, c := range clusters {
		for _, m := range c.Members {
			seen[m.ID]++
		}
	}
	if len(seen) != len(items) {
		t.Fatalf("partition lost items: want=%d got=%d", len(items), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s assigned %d times", id, n)
		}
	}
}

func TestClusterDeterministicOverInputOrder(t *testing.T) {
	engine := NewClusteringEngine(testLogger(t), 0.35)
	items := twoGroupItems()

	first, err := engine.Cluster(items, 2, 2)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	reversed := make([]types.TextItem, len(items))
	for i, it := range items {
		reversed[len(items)-1-i] = it
	}
	second, err := engine.Cluster(reversed, 2, 2)
	if err != nil {
		t.Fatalf("Cluster reversed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("cluster count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || len(first[i].Members) != len(second[i].Members) {
			t.Fatalf("cluster %d shape differs between orderings", i)
		}
		for j := range first[i].Members {
			if first[i].Members[j].ID != second[i].Members[j].ID {
				t.Fatalf("cluster %d member %d differs: %s vs %s", i, j, first[i].Members[j].ID, second[i].Members[j].ID)
			}
		}
	}
}

func TestClusterUndersizedFoldToNoise(t *testing.T) {
	engine := NewClusteringEngine(testLogger(t), 0.35)

	clusters, err := engine.Cluster(twoGroupItems(), 4, 2)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("want only the noise bucket, got %d clusters", len(clusters))
	}
	if !clusters[0].Noise || len(clusters[0].Members) != 7 {
		t.Fatalf("noise bucket: want all 7 members, got %+v", clusters[0])
	}
}

func TestClusterDegenerateInput(t *testing.T) {
	engine := NewClusteringEngine(testLogger(t), 0.35)

	single := []types.TextItem{item("only answer", 1, 0)}
	clusters, err := engine.Cluster(single, 2, 2)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(clusters) != 1 || clusters[0].Noise || len(clusters[0].Members) != 1 {
		t.Fatalf("single item: want one regular cluster, got %+v", clusters)
	}

	if _, err := engine.Cluster(single, 0, 2); err == nil {
		t.Fatalf("expected error for min_cluster_size=0")
	}
}

func TestNormalizeText(t *testing.T) {
	cases := map[string]string{
		"  Coca-Cola!! ": "coca cola",
		"COLGATE":        "colgate",
		"don't   know":   "don t know",
	}
	for in, want := range cases {
		if got := NormalizeText(in); got != want {
			t.Fatalf("NormalizeText(%q): want=%q got=%q", in, want, got)
		}
	}
}

func TestBuildTextItemsDedupes(t *testing.T) {
	a := &types.SurveyResponse{ID: uuid.New(), Text: "Colgate", Embedding: datatypes.JSON([]byte(`[1,0]`))}
	b := &types.SurveyResponse{ID: uuid.New(), Text: "colgate!", Embedding: datatypes.JSON([]byte(`[1,0]`))}
	c := &types.SurveyResponse{ID: uuid.New(), Text: "Pepsodent", Embedding: datatypes.JSON([]byte(`[0,1]`))}

	items, err := BuildTextItems([]*types.SurveyResponse{a, b, c})
	if err != nil {
		t.Fatalf("BuildTextItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items: want=2 got=%d", len(items))
	}
	if items[0].ID != a.ID || len(items[0].DupIDs) != 1 || items[0].DupIDs[0] != b.ID {
		t.Fatalf("dup folding: want %s folded into %s, got %+v", b.ID, a.ID, items[0])
	}
	cluster := types.Cluster{Members: items}
	if got := cluster.Size(); got != 3 {
		t.Fatalf("Size counts dups: want=3 got=%d", got)
	}
}
