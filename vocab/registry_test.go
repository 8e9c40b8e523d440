//go:build cgo

package vocab

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// seedType is a pre-persisted type for registry tests.
type seedType struct {
	row store.VocabRow
	emb []float32
}

// newTestRegistry builds a registry over a temp store pre-loaded with the
// given types, bypassing the builtin seeding path. The embedder points at
// an unreachable endpoint; tests that need embeddings pass them in.
func newTestRegistry(t *testing.T, bounds Bounds, seeds []seedType) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, s := range seeds {
		if err := st.InsertVocabType(ctx, s.row, s.emb); err != nil {
			t.Fatalf("seeding %s: %v", s.row.TypeName, err)
		}
	}

	embedder, err := llm.NewEmbedder(llm.Config{
		Provider: "ollama", Model: "test-embed", BaseURL: "http://127.0.0.1:1",
	}, 4, 0.85)
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}

	r := New(st, embedder, bounds, 0.92)
	if err := r.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r, st
}

func comfortBounds() Bounds {
	return Bounds{MinComfort: 30, SoftMax: 60, HardMax: 90}
}

func defaultSeeds() []seedType {
	return []seedType{
		{store.VocabRow{TypeName: "CAUSES", Category: "causation", IsBuiltin: true}, []float32{1, 0, 0, 0}},
		{store.VocabRow{TypeName: "PART_OF", Category: "composition", SupportWeight: 0,
			Synonyms: []string{"component of"}}, []float32{0, 1, 0, 0}},
		{store.VocabRow{TypeName: "SUPPORTS", Category: "evidential", SupportWeight: 1, IsBuiltin: true},
			[]float32{0, 0, 1, 0}},
	}
}

func TestResolveExactMatch(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())

	res, err := r.Resolve(context.Background(), "causes", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TypeName != "CAUSES" || res.Created || res.Merged || res.Similarity != 1 {
		t.Errorf("exact match = %+v", res)
	}
}

func TestResolveSynonymMatch(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())

	res, err := r.Resolve(context.Background(), "component of", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TypeName != "PART_OF" || !res.Merged {
		t.Errorf("synonym match = %+v", res)
	}
}

func TestResolveFuzzyNameMatch(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())

	res, err := r.Resolve(context.Background(), "CAUSE", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TypeName != "CAUSES" || !res.Merged {
		t.Errorf("fuzzy match = %+v", res)
	}
}

func TestResolveCreatesInComfortZone(t *testing.T) {
	r, st := newTestRegistry(t, comfortBounds(), defaultSeeds())
	ctx := context.Background()

	res, err := r.Resolve(ctx, "orbits around", []float32{0, 0, 0, 1})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TypeName != "ORBITS_AROUND" || !res.Created {
		t.Errorf("new type = %+v", res)
	}
	if !r.Has("ORBITS_AROUND") {
		t.Error("registry should know the created type")
	}

	// Persisted with an llm_generated category.
	rows, err := st.ListVocabTypes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, row := range rows {
		if row.TypeName == "ORBITS_AROUND" {
			found = true
			if row.Category != "llm_generated" {
				t.Errorf("category = %s, want llm_generated", row.Category)
			}
		}
	}
	if !found {
		t.Error("created type not persisted")
	}

	// A second resolve of the same suggestion hits the fast path.
	res, err = r.Resolve(ctx, "orbits around", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || res.TypeName != "ORBITS_AROUND" {
		t.Errorf("repeat resolve = %+v", res)
	}
}

func TestResolveMergesNearDuplicateEmbedding(t *testing.T) {
	r, st := newTestRegistry(t, comfortBounds(), defaultSeeds())
	ctx := context.Background()

	// Nearly parallel to the CAUSES vector, above the merge threshold.
	res, err := r.Resolve(ctx, "brings about", []float32{0.999, 0.01, 0, 0})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TypeName != "CAUSES" || !res.Merged || res.Degraded {
		t.Errorf("near-duplicate = %+v", res)
	}
	if res.Similarity < 0.92 {
		t.Errorf("similarity = %f, want >= merge threshold", res.Similarity)
	}
	if r.Has("BRINGS_ABOUT") {
		t.Error("merged suggestion must not become a type")
	}

	// The suggestion survives as a synonym of the canonical type.
	rows, _ := st.ListVocabTypes(ctx)
	for _, row := range rows {
		if row.TypeName != "CAUSES" {
			continue
		}
		for _, syn := range row.Synonyms {
			if syn == "BRINGS_ABOUT" {
				return
			}
		}
	}
	t.Error("BRINGS_ABOUT not recorded as synonym of CAUSES")
}

func TestResolveEmergencyDegradedMerge(t *testing.T) {
	// Hard max below the current size forces the emergency zone.
	r, _ := newTestRegistry(t, Bounds{MinComfort: 1, SoftMax: 1, HardMax: 2}, defaultSeeds())

	// Too far from CAUSES to merge normally, but growth is refused.
	res, err := r.Resolve(context.Background(), "xq zk", []float32{0.8, 0.6, 0, 0})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Merged || !res.Degraded {
		t.Errorf("emergency resolution = %+v, want degraded merge", res)
	}
	if res.TypeName != "CAUSES" {
		t.Errorf("merged into %s, want the nearest type CAUSES", res.TypeName)
	}
	if r.Has("XQ_ZK") {
		t.Error("emergency zone must not grow the registry")
	}
}

func TestResolveEmergencyNoNearestFails(t *testing.T) {
	r, _ := newTestRegistry(t, Bounds{MinComfort: 1, SoftMax: 1, HardMax: 2}, defaultSeeds())

	// No embedding and no name match leaves nothing to merge into.
	_, err := r.Resolve(context.Background(), "xq zk", nil)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestResolveEmptySuggestion(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())
	_, err := r.Resolve(context.Background(), "  --  ", nil)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestMergeRefusesBuiltins(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())
	ctx := context.Background()

	if _, err := r.Merge(ctx, "CAUSES", "SUPPORTS", "dedupe"); !errors.Is(err, ErrBuiltinMerge) {
		t.Errorf("merging away a builtin: err = %v, want ErrBuiltinMerge", err)
	}
	if _, err := r.Merge(ctx, "NO_SUCH", "CAUSES", ""); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown source: err = %v, want ErrUnknownType", err)
	}
	if _, err := r.Merge(ctx, "PART_OF", "NO_SUCH", ""); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown target: err = %v, want ErrUnknownType", err)
	}
}

func TestMergeFoldsType(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())
	ctx := context.Background()

	// PART_OF is not builtin in this fixture, so it can merge away.
	if _, err := r.Merge(ctx, "PART_OF", "CAUSES", "test merge"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if r.Has("PART_OF") {
		t.Error("merged type should be gone from the registry")
	}

	res, err := r.Resolve(ctx, "part of", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.TypeName != "CAUSES" {
		t.Errorf("old name resolves to %s, want CAUSES via synonym", res.TypeName)
	}
}

func TestStatusAndWeights(t *testing.T) {
	seeds := defaultSeeds()
	// One type without an embedding makes the registry degraded.
	seeds = append(seeds, seedType{row: store.VocabRow{TypeName: "MEASURED_BY", Category: "evidential"}})
	r, _ := newTestRegistry(t, comfortBounds(), seeds)

	status, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Size != 4 || status.Zone != ZoneComfort {
		t.Errorf("status = %+v", status)
	}
	if status.EmbeddedCount != 3 || !status.Degraded {
		t.Errorf("degraded accounting = %+v", status)
	}
	if status.Categories["evidential"] != 2 {
		t.Errorf("categories = %v", status.Categories)
	}

	weights := r.Weights()
	if weights["SUPPORTS"] != 1 || weights["CAUSES"] != 0 {
		t.Errorf("weights = %v", weights)
	}
	if r.SupportWeightOf("NO_SUCH") != 0 {
		t.Error("unknown type weight should be 0")
	}
}

func TestBumpUsage(t *testing.T) {
	r, _ := newTestRegistry(t, comfortBounds(), defaultSeeds())

	r.BumpUsage("CAUSES")
	r.BumpUsage("CAUSES")
	r.BumpUsage("NO_SUCH") // ignored

	status, _ := r.Status(context.Background())
	if status.Size != 3 {
		t.Errorf("unknown bump should not add types, size = %d", status.Size)
	}
}
