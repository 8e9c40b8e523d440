//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore opens a store on a temp database with a tiny embedding
// dimension so test vectors stay readable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Errorf("EmbeddingDim() = %d, want 4", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deep", "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("New with nested path: %v", err)
	}
	s.Close()
}

func TestSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v < 1 {
		t.Errorf("SchemaVersion = %d, want >= 1 after New", v)
	}
}

// --- Fixtures ---

func sampleSource(ontology string, idx int) Source {
	return Source{
		SourceID:      fmt.Sprintf("doc_abcd1234_%04d", idx),
		Ontology:      ontology,
		DocumentLabel: "Test Document",
		ChunkIndex:    idx,
		FullText:      fmt.Sprintf("chunk text number %d", idx),
		ContentHash:   "abcd1234ffff",
	}
}

// addConcept inserts a concept with its embedding and returns the rowid.
func addConcept(t *testing.T, s *Store, conceptID, label string, emb []float32) int64 {
	t.Helper()
	var rowID int64
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		rowID, err = s.CreateConceptTx(context.Background(), tx, Concept{
			ConceptID:      conceptID,
			Label:          label,
			SearchTerms:    []string{label},
			EmbeddingModel: "test-model",
		}, emb)
		return err
	})
	if err != nil {
		t.Fatalf("creating concept %s: %v", conceptID, err)
	}
	return rowID
}

// --- Sources ---

func TestCreateSourceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := sampleSource("test-ont", 0)
	id1, err := s.CreateSource(ctx, src)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	id2, err := s.CreateSource(ctx, src)
	if err != nil {
		t.Fatalf("CreateSource second time: %v", err)
	}
	if id1 != id2 {
		t.Errorf("re-creating the same source_id gave rowid %d, want %d", id2, id1)
	}

	got, err := s.GetSource(ctx, src.SourceID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.Ontology != "test-ont" || got.ChunkIndex != 0 || got.FullText != src.FullText {
		t.Errorf("GetSource mismatch: %+v", got)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSource(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSource on missing id: err = %v, want ErrNotFound", err)
	}
}

func TestSourceChunkExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := sampleSource("test-ont", 2)
	if _, err := s.CreateSource(ctx, src); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	ok, err := s.SourceChunkExists(ctx, "test-ont", src.ContentHash, 2)
	if err != nil {
		t.Fatalf("SourceChunkExists: %v", err)
	}
	if !ok {
		t.Error("chunk should exist")
	}
	ok, err = s.SourceChunkExists(ctx, "test-ont", src.ContentHash, 3)
	if err != nil {
		t.Fatalf("SourceChunkExists other index: %v", err)
	}
	if ok {
		t.Error("chunk index 3 should not exist")
	}
	ok, _ = s.SourceChunkExists(ctx, "other-ont", src.ContentHash, 2)
	if ok {
		t.Error("chunk should not exist in another ontology")
	}
}

func TestListAndDeleteOntologies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.CreateSource(ctx, sampleSource("ont-a", i)); err != nil {
			t.Fatal(err)
		}
	}
	other := sampleSource("ont-b", 0)
	other.SourceID = "other_ffff_0000"
	if _, err := s.CreateSource(ctx, other); err != nil {
		t.Fatal(err)
	}

	onts, err := s.ListOntologies(ctx)
	if err != nil {
		t.Fatalf("ListOntologies: %v", err)
	}
	if onts["ont-a"] != 2 || onts["ont-b"] != 1 {
		t.Errorf("ListOntologies = %v, want ont-a:2 ont-b:1", onts)
	}

	exists, err := s.OntologyExists(ctx, "ont-a")
	if err != nil || !exists {
		t.Fatalf("OntologyExists(ont-a) = %v, %v", exists, err)
	}

	if err := s.DeleteOntology(ctx, "ont-a"); err != nil {
		t.Fatalf("DeleteOntology: %v", err)
	}
	exists, _ = s.OntologyExists(ctx, "ont-a")
	if exists {
		t.Error("ont-a still exists after DeleteOntology")
	}
	exists, _ = s.OntologyExists(ctx, "ont-b")
	if !exists {
		t.Error("DeleteOntology removed the wrong ontology")
	}
}

// --- Concepts ---

func TestConceptCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rowID := addConcept(t, s, "doc_gravity_abc123", "Gravity", []float32{1, 0, 0, 0})
	if rowID == 0 {
		t.Fatal("rowid should be non-zero")
	}

	c, err := s.GetConcept(ctx, "doc_gravity_abc123")
	if err != nil {
		t.Fatalf("GetConcept: %v", err)
	}
	if c.Label != "Gravity" || !c.Compatible || c.RowID != rowID {
		t.Errorf("GetConcept mismatch: %+v", c)
	}
	if len(c.SearchTerms) != 1 || c.SearchTerms[0] != "Gravity" {
		t.Errorf("SearchTerms = %v", c.SearchTerms)
	}

	_, err = s.GetConcept(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConcept on missing: err = %v, want ErrNotFound", err)
	}
}

func TestCreateConceptDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := s.CreateConceptTx(context.Background(), tx,
			Concept{ConceptID: "c1", Label: "Bad"}, []float32{1, 0})
		return err
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestGetConceptsByIDs(t *testing.T) {
	s := newTestStore(t)
	addConcept(t, s, "c_a", "Alpha", []float32{1, 0, 0, 0})
	addConcept(t, s, "c_b", "Beta", []float32{0, 1, 0, 0})

	got, err := s.GetConceptsByIDs(context.Background(), []string{"c_a", "c_b", "c_missing"})
	if err != nil {
		t.Fatalf("GetConceptsByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d concepts, want 2 (missing ids are skipped)", len(got))
	}

	got, err = s.GetConceptsByIDs(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("empty id list should yield no rows, got %v, %v", got, err)
	}
}

func TestUpdateConceptSearchTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rowID := addConcept(t, s, "c_g", "Gravity", []float32{1, 0, 0, 0})

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateConceptTx(ctx, tx, rowID,
			[]string{"Gravity", "gravitation", "gravitational pull"}, nil)
	})
	if err != nil {
		t.Fatalf("UpdateConceptTx: %v", err)
	}

	c, err := s.GetConcept(ctx, "c_g")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.SearchTerms) != 3 {
		t.Errorf("SearchTerms = %v, want 3 entries", c.SearchTerms)
	}
}

func TestVectorSearchConcepts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addConcept(t, s, "c_x", "Exact", []float32{1, 0, 0, 0})
	addConcept(t, s, "c_n", "Near", []float32{0.9, 0.1, 0, 0})
	addConcept(t, s, "c_f", "Far", []float32{0, 0, 0, 1})

	matches, err := s.VectorSearchConcepts(ctx, []float32{1, 0, 0, 0}, 3, 0.5, "")
	if err != nil {
		t.Fatalf("VectorSearchConcepts: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches above 0.5, want 2: %+v", len(matches), matches)
	}
	if matches[0].ConceptID != "c_x" {
		t.Errorf("best match = %s, want c_x", matches[0].ConceptID)
	}
	if matches[0].Similarity < 0.99 {
		t.Errorf("exact-match similarity = %f, want ~1.0", matches[0].Similarity)
	}
	if matches[1].ConceptID != "c_n" {
		t.Errorf("second match = %s, want c_n", matches[1].ConceptID)
	}
	if matches[1].Similarity >= matches[0].Similarity {
		t.Errorf("matches not ordered by similarity: %+v", matches)
	}

	// Wrong query dimension.
	_, err = s.VectorSearchConcepts(ctx, []float32{1, 0}, 3, 0, "")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short query: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestVectorSearchOntologyFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inRow := addConcept(t, s, "c_in", "Inside", []float32{1, 0, 0, 0})
	addConcept(t, s, "c_out", "Outside", []float32{0.95, 0.05, 0, 0})

	srcID, err := s.CreateSource(ctx, sampleSource("scoped", 0))
	if err != nil {
		t.Fatal(err)
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.LinkSourceTx(ctx, tx, inRow, srcID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	matches, err := s.VectorSearchConcepts(ctx, []float32{1, 0, 0, 0}, 5, 0, "scoped")
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if len(matches) != 1 || matches[0].ConceptID != "c_in" {
		t.Errorf("scoped search = %+v, want only c_in", matches)
	}
}

func TestImportConceptIncompatible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Embedding dimension 8 against a dim-4 index.
		_, err := s.ImportConceptTx(ctx, tx, Concept{
			ConceptID: "c_old", Label: "Old", EmbeddingModel: "other-model",
		}, make([]float32, 8))
		return err
	})
	if err != nil {
		t.Fatalf("ImportConceptTx: %v", err)
	}

	c, err := s.GetConcept(ctx, "c_old")
	if err != nil {
		t.Fatal(err)
	}
	if c.Compatible {
		t.Error("imported mismatched concept should be flagged incompatible")
	}

	incompat, err := s.ListIncompatibleConcepts(ctx)
	if err != nil {
		t.Fatalf("ListIncompatibleConcepts: %v", err)
	}
	if len(incompat) != 1 || incompat[0].ConceptID != "c_old" {
		t.Errorf("incompatible = %+v, want just c_old", incompat)
	}

	// Re-embedding repairs it and makes it searchable.
	if err := s.InsertConceptEmbedding(ctx, "c_old", []float32{0, 0, 1, 0}, "test-model"); err != nil {
		t.Fatalf("InsertConceptEmbedding: %v", err)
	}
	c, _ = s.GetConcept(ctx, "c_old")
	if !c.Compatible {
		t.Error("concept should be compatible after re-embedding")
	}
	matches, err := s.VectorSearchConcepts(ctx, []float32{0, 0, 1, 0}, 1, 0.9, "")
	if err != nil || len(matches) != 1 || matches[0].ConceptID != "c_old" {
		t.Errorf("re-embedded concept not searchable: %+v, %v", matches, err)
	}
}

func TestAllConceptEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addConcept(t, s, "c_a", "Alpha", []float32{1, 0, 0, 0})
	addConcept(t, s, "c_b", "Beta", []float32{0, 1, 0, 0})

	embs, err := s.AllConceptEmbeddings(ctx, "")
	if err != nil {
		t.Fatalf("AllConceptEmbeddings: %v", err)
	}
	if len(embs) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(embs))
	}
	if got := embs["c_a"]; len(got) != 4 || got[0] != 1 {
		t.Errorf("embedding for c_a = %v", got)
	}
}

func TestSetGrounding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rowID := addConcept(t, s, "c_g", "Grounded", []float32{1, 0, 0, 0})

	g := 0.75
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetGroundingTx(ctx, tx, rowID, &g)
	})
	if err != nil {
		t.Fatalf("SetGroundingTx: %v", err)
	}
	c, _ := s.GetConcept(ctx, "c_g")
	if c.Grounding == nil || *c.Grounding != 0.75 {
		t.Errorf("grounding = %v, want 0.75", c.Grounding)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetGroundingTx(ctx, tx, rowID, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetConcept(ctx, "c_g")
	if c.Grounding != nil {
		t.Errorf("grounding = %v, want nil after clearing", c.Grounding)
	}
}

// --- Links, instances, relationships ---

func TestLinkSourceAndInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conceptRow := addConcept(t, s, "c_a", "Alpha", []float32{1, 0, 0, 0})
	sourceRow, err := s.CreateSource(ctx, sampleSource("ont", 0))
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		created, err := s.LinkSourceTx(ctx, tx, conceptRow, sourceRow)
		if err != nil {
			return err
		}
		if !created {
			t.Error("first link should report created")
		}
		created, err = s.LinkSourceTx(ctx, tx, conceptRow, sourceRow)
		if err != nil {
			return err
		}
		if created {
			t.Error("duplicate link should report not created")
		}
		return s.InsertInstanceTx(ctx, tx, "inst-1", conceptRow, sourceRow, "a verbatim quote")
	})
	if err != nil {
		t.Fatal(err)
	}

	instances, err := s.GetConceptInstances(ctx, "c_a")
	if err != nil {
		t.Fatalf("GetConceptInstances: %v", err)
	}
	if len(instances) != 1 || instances[0].Quote != "a verbatim quote" {
		t.Errorf("instances = %+v", instances)
	}

	counts, err := s.EvidenceCounts(ctx, []string{"c_a"})
	if err != nil {
		t.Fatalf("EvidenceCounts: %v", err)
	}
	if counts["c_a"] != 1 {
		t.Errorf("evidence count = %d, want 1", counts["c_a"])
	}
}

func TestUpsertRelationshipAveragesConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	from := addConcept(t, s, "c_from", "From", []float32{1, 0, 0, 0})
	to := addConcept(t, s, "c_to", "To", []float32{0, 1, 0, 0})

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		created, err := s.UpsertRelationshipTx(ctx, tx, from, to, "CAUSES", 0.8)
		if err != nil {
			return err
		}
		if !created {
			t.Error("first upsert should create the edge")
		}
		created, err = s.UpsertRelationshipTx(ctx, tx, from, to, "CAUSES", 0.4)
		if err != nil {
			return err
		}
		if created {
			t.Error("second upsert should update, not create")
		}
		// Same pair, different type is a distinct edge.
		created, err = s.UpsertRelationshipTx(ctx, tx, from, to, "SUPPORTS", 0.9)
		if err != nil {
			return err
		}
		if !created {
			t.Error("different type should create a new edge")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rels, err := s.GetConceptRelationships(ctx, "c_from")
	if err != nil {
		t.Fatalf("GetConceptRelationships: %v", err)
	}
	if len(rels) != 2 {
		t.Fatalf("got %d relationships, want 2", len(rels))
	}
	for _, r := range rels {
		if r.Type == "CAUSES" && r.Confidence != 0.6 {
			t.Errorf("CAUSES confidence = %f, want averaged 0.6", r.Confidence)
		}
	}

	edges, err := s.AdjacentEdges(ctx, to)
	if err != nil {
		t.Fatalf("AdjacentEdges: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("incoming edges should count as adjacent, got %+v", edges)
	}
}

func TestAllRelationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := addConcept(t, s, "c_a", "Alpha", []float32{1, 0, 0, 0})
	b := addConcept(t, s, "c_b", "Beta", []float32{0, 1, 0, 0})
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.UpsertRelationshipTx(ctx, tx, a, b, "PART_OF", 0.7)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	rels, err := s.AllRelationships(ctx, "")
	if err != nil {
		t.Fatalf("AllRelationships: %v", err)
	}
	if len(rels) != 1 || rels[0].FromConceptID != "c_a" || rels[0].ToConceptID != "c_b" {
		t.Errorf("AllRelationships = %+v", rels)
	}
}

// --- Vocabulary ---

func TestVocabInsertSearchMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertVocabType(ctx, VocabRow{
		TypeName: "CAUSES", Category: "causal", SupportWeight: 0.8, IsBuiltin: true,
	}, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("InsertVocabType: %v", err)
	}
	if err := s.InsertVocabType(ctx, VocabRow{
		TypeName: "LEADS_TO", Category: "causal", SupportWeight: 0.8,
		Synonyms: []string{"results in"},
	}, []float32{0.95, 0.05, 0, 0}); err != nil {
		t.Fatalf("InsertVocabType second: %v", err)
	}

	matches, err := s.VectorSearchVocab(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("VectorSearchVocab: %v", err)
	}
	if len(matches) != 2 || matches[0].TypeName != "CAUSES" {
		t.Errorf("vocab search = %+v, want CAUSES first", matches)
	}

	// Edges of the merged-away type get redirected.
	from := addConcept(t, s, "c_f", "From", []float32{1, 0, 0, 0})
	to := addConcept(t, s, "c_t", "To", []float32{0, 1, 0, 0})
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.UpsertRelationshipTx(ctx, tx, from, to, "LEADS_TO", 0.9); err != nil {
			return err
		}
		return s.IncrementVocabUsageTx(ctx, tx, "LEADS_TO")
	})
	if err != nil {
		t.Fatal(err)
	}

	affected, err := s.MergeVocabTypes(ctx, "LEADS_TO", "CAUSES")
	if err != nil {
		t.Fatalf("MergeVocabTypes: %v", err)
	}
	if len(affected) != 2 {
		t.Errorf("affected rowids = %v, want both endpoints", affected)
	}

	rels, _ := s.AllRelationships(ctx, "")
	if len(rels) != 1 || rels[0].Type != "CAUSES" {
		t.Errorf("edge not redirected: %+v", rels)
	}

	types, err := s.ListVocabTypes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 1 {
		t.Fatalf("vocab types after merge = %d, want 1", len(types))
	}
	survivor := types[0]
	if survivor.TypeName != "CAUSES" || survivor.UsageCount != 1 {
		t.Errorf("survivor = %+v, want CAUSES with usage 1", survivor)
	}
	found := false
	for _, syn := range survivor.Synonyms {
		if syn == "leads_to" || syn == "LEADS_TO" {
			found = true
		}
	}
	if !found {
		t.Errorf("merged name should survive as synonym, got %v", survivor.Synonyms)
	}
}

func TestVocabDegradedInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// nil embedding keeps the type out of the vector index.
	if err := s.InsertVocabType(ctx, VocabRow{TypeName: "CONTRASTS_WITH", Category: "logical"}, nil); err != nil {
		t.Fatalf("InsertVocabType without embedding: %v", err)
	}
	n, err := s.VocabEmbeddedCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("embedded count = %d, want 0", n)
	}

	if err := s.SetVocabEmbedding(ctx, "CONTRASTS_WITH", []float32{0, 0, 1, 0}); err != nil {
		t.Fatalf("SetVocabEmbedding: %v", err)
	}
	n, _ = s.VocabEmbeddedCount(ctx)
	if n != 1 {
		t.Errorf("embedded count after backfill = %d, want 1", n)
	}

	embs, err := s.LoadVocabEmbeddings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(embs["CONTRASTS_WITH"]) != 4 {
		t.Errorf("LoadVocabEmbeddings = %v", embs)
	}
}

func TestAddVocabSynonym(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertVocabType(ctx, VocabRow{TypeName: "CAUSES"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.AddVocabSynonym(ctx, "CAUSES", "triggers"); err != nil {
		t.Fatalf("AddVocabSynonym: %v", err)
	}
	// Duplicate synonyms are absorbed.
	if err := s.AddVocabSynonym(ctx, "CAUSES", "triggers"); err != nil {
		t.Fatalf("AddVocabSynonym duplicate: %v", err)
	}

	types, _ := s.ListVocabTypes(ctx)
	if len(types) != 1 || len(types[0].Synonyms) != 1 || types[0].Synonyms[0] != "triggers" {
		t.Errorf("synonyms = %+v", types[0].Synonyms)
	}
}

// --- Jobs ---

func sampleJob(id, state string) Job {
	return Job{
		JobID:         id,
		State:         state,
		Owner:         "tester",
		Ontology:      "test-ont",
		DocumentLabel: "Doc",
		Content:       "some content",
		ContentHash:   "hash-" + id,
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertJob(ctx, sampleJob("job_1", JobPending)); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	j, err := s.GetJob(ctx, "job_1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobPending || j.Owner != "tester" || j.Content != "some content" {
		t.Errorf("GetJob mismatch: %+v", j)
	}

	_, err = s.GetJob(ctx, "job_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job: err = %v, want ErrNotFound", err)
	}

	// CAS transition: wrong from-state is refused.
	ok, err := s.TransitionJob(ctx, "job_1", JobProcessing, JobApproved)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("pending job should not transition from approved")
	}
	ok, err = s.TransitionJob(ctx, "job_1", JobApproved, JobPending, JobAwaitingApproval)
	if err != nil || !ok {
		t.Fatalf("approve transition: ok=%v err=%v", ok, err)
	}
	ok, _ = s.TransitionJob(ctx, "job_1", JobProcessing, JobApproved)
	if !ok {
		t.Fatal("processing transition refused")
	}
	j, _ = s.GetJob(ctx, "job_1")
	if j.StartedAt == nil {
		t.Error("started_at should be stamped on entering processing")
	}

	if err := s.UpdateJobProgress(ctx, "job_1", &JobProgress{ChunksDone: 3, ChunksTotal: 10}, 2); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := s.FinishJob(ctx, "job_1", &JobResult{ChunksProcessed: 10, ConceptsCreated: 4}, ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	ok, _ = s.TransitionJob(ctx, "job_1", JobCompleted, JobProcessing)
	if !ok {
		t.Fatal("completion transition refused")
	}

	j, _ = s.GetJob(ctx, "job_1")
	if j.State != JobCompleted || j.CompletedAt == nil {
		t.Errorf("final job = %+v", j)
	}
	if j.Checkpoint != 2 || j.Progress == nil || j.Progress.ChunksDone != 3 {
		t.Errorf("checkpoint/progress not persisted: %+v", j)
	}
	if j.Result == nil || j.Result.ConceptsCreated != 4 {
		t.Errorf("result not persisted: %+v", j.Result)
	}
}

func TestJobAnalysisRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertJob(ctx, sampleJob("job_a", JobPending)); err != nil {
		t.Fatal(err)
	}
	a := &JobAnalysis{WordCount: 1200, ChunkCount: 2, TokensMid: 1600, CostMidUSD: 0.01,
		Warnings: []string{"something"}}
	if err := s.UpdateJobAnalysis(ctx, "job_a", a); err != nil {
		t.Fatalf("UpdateJobAnalysis: %v", err)
	}
	j, _ := s.GetJob(ctx, "job_a")
	if j.Analysis == nil || j.Analysis.ChunkCount != 2 || len(j.Analysis.Warnings) != 1 {
		t.Errorf("analysis = %+v", j.Analysis)
	}
}

func TestFindActiveJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := sampleJob("job_active", JobAwaitingApproval)
	active.ContentHash = "same-hash"
	if err := s.InsertJob(ctx, active); err != nil {
		t.Fatal(err)
	}
	done := sampleJob("job_done", JobCompleted)
	done.ContentHash = "same-hash"
	if err := s.InsertJob(ctx, done); err != nil {
		t.Fatal(err)
	}

	j, err := s.FindActiveJob(ctx, "same-hash", "test-ont")
	if err != nil {
		t.Fatalf("FindActiveJob: %v", err)
	}
	if j.JobID != "job_active" {
		t.Errorf("found %s, want job_active (terminal jobs are not duplicates)", j.JobID)
	}

	_, err = s.FindActiveJob(ctx, "same-hash", "other-ont")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("other ontology: err = %v, want ErrNotFound", err)
	}
}

func TestNextApprovedJobOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.NextApprovedJob(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty queue: err = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"job_second", "job_first"} {
		if err := s.InsertJob(ctx, sampleJob(id, JobApproved)); err != nil {
			t.Fatal(err)
		}
	}
	// created_at defaults to now at second resolution; backdate explicitly
	// so the ordering is unambiguous.
	if _, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET created_at = ? WHERE job_id = ?",
		time.Now().UTC().Add(-2*time.Hour), "job_first"); err != nil {
		t.Fatal(err)
	}

	j, err := s.NextApprovedJob(ctx)
	if err != nil {
		t.Fatalf("NextApprovedJob: %v", err)
	}
	if j.JobID != "job_first" {
		t.Errorf("next = %s, want the earliest-created job_first", j.JobID)
	}
}

func TestListJobsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleJob("job_a", JobPending)
	b := sampleJob("job_b", JobCompleted)
	b.Owner = "other"
	b.ContentHash = "hash-b"
	for _, j := range []Job{a, b} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListJobs(ctx, JobFilter{Owner: "tester"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != "job_a" {
		t.Errorf("owner filter = %+v", jobs)
	}

	jobs, _ = s.ListJobs(ctx, JobFilter{States: []string{JobCompleted}})
	if len(jobs) != 1 || jobs[0].JobID != "job_b" {
		t.Errorf("state filter = %+v", jobs)
	}

	jobs, _ = s.ListJobs(ctx, JobFilter{Limit: 1})
	if len(jobs) != 1 {
		t.Errorf("limit ignored, got %d jobs", len(jobs))
	}
}

func TestRequeueInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertJob(ctx, sampleJob("job_p", JobProcessing)); err != nil {
		t.Fatal(err)
	}
	n, err := s.RequeueInterrupted(ctx)
	if err != nil {
		t.Fatalf("RequeueInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	j, _ := s.GetJob(ctx, "job_p")
	if j.State != JobApproved {
		t.Errorf("state = %s, want approved", j.State)
	}
}

func TestJobSweeps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertJob(ctx, sampleJob("job_stale", JobAwaitingApproval)); err != nil {
		t.Fatal(err)
	}
	ids, err := s.StaleApprovalJobs(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("StaleApprovalJobs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job_stale" {
		t.Errorf("stale jobs = %v", ids)
	}
	ids, _ = s.StaleApprovalJobs(ctx, time.Now().UTC().Add(-time.Hour))
	if len(ids) != 0 {
		t.Errorf("nothing should be stale against a past cutoff, got %v", ids)
	}

	old := sampleJob("job_old", JobCompleted)
	old.ContentHash = "hash-old"
	if err := s.InsertJob(ctx, old); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteTerminalJobsBefore(ctx, []string{JobCompleted}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalJobsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, "job_stale"); err != nil {
		t.Error("non-terminal job should survive the sweep")
	}
}

// --- Embedding configs ---

func TestEmbeddingConfigSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ActiveEmbeddingConfig(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh db: err = %v, want ErrNotFound", err)
	}

	id1, err := s.CreateEmbeddingConfig(ctx, EmbeddingConfigRow{
		Provider: "openai", ModelName: "text-embedding-3-small", Dimensions: 4,
		SimilarityThreshold: 0.85, UpdatedBy: "test",
	}, true)
	if err != nil {
		t.Fatalf("CreateEmbeddingConfig: %v", err)
	}
	id2, err := s.CreateEmbeddingConfig(ctx, EmbeddingConfigRow{
		Provider: "openai", ModelName: "text-embedding-3-large", Dimensions: 4,
		SimilarityThreshold: 0.85, UpdatedBy: "test",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveEmbeddingConfig(ctx)
	if err != nil {
		t.Fatalf("ActiveEmbeddingConfig: %v", err)
	}
	if active.ID != id1 {
		t.Errorf("active = %d, want %d", active.ID, id1)
	}

	dimChanged, err := s.ActivateEmbeddingConfig(ctx, id2, false)
	if err != nil {
		t.Fatalf("ActivateEmbeddingConfig: %v", err)
	}
	if dimChanged {
		t.Error("same dimension should not report a dim change")
	}

	configs, err := s.ListEmbeddingConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	activeCount := 0
	for _, c := range configs {
		if c.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active configs = %d, want exactly 1", activeCount)
	}
}

func TestActivateDimensionChangeNeedsForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateEmbeddingConfig(ctx, EmbeddingConfigRow{
		Provider: "openai", ModelName: "small", Dimensions: 4, UpdatedBy: "test",
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.CreateEmbeddingConfig(ctx, EmbeddingConfigRow{
		Provider: "openai", ModelName: "large", Dimensions: 8, UpdatedBy: "test",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.ActivateEmbeddingConfig(ctx, id2, false)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("unforced dim change: err = %v, want ErrDimensionMismatch", err)
	}

	dimChanged, err := s.ActivateEmbeddingConfig(ctx, id2, true)
	if err != nil {
		t.Fatalf("forced activation: %v", err)
	}
	if !dimChanged {
		t.Error("forced dim change should report dimChanged")
	}

	// Change protection on the now-active config blocks switching back.
	cp := true
	if err := s.SetEmbeddingConfigProtection(ctx, id2, nil, &cp); err != nil {
		t.Fatalf("SetEmbeddingConfigProtection: %v", err)
	}
	_, err = s.ActivateEmbeddingConfig(ctx, id1, false)
	if !errors.Is(err, ErrConfigProtected) {
		t.Errorf("protected switch: err = %v, want ErrConfigProtected", err)
	}
}

func TestDeleteEmbeddingConfigRefusals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateEmbeddingConfig(ctx, EmbeddingConfigRow{
		Provider: "openai", ModelName: "small", Dimensions: 4, UpdatedBy: "test",
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.CreateEmbeddingConfig(ctx, EmbeddingConfigRow{
		Provider: "openai", ModelName: "spare", Dimensions: 4,
		DeleteProtected: true, UpdatedBy: "test",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteEmbeddingConfig(ctx, id1); !errors.Is(err, ErrActiveConfig) {
		t.Errorf("deleting active config: err = %v, want ErrActiveConfig", err)
	}
	if err := s.DeleteEmbeddingConfig(ctx, id2); !errors.Is(err, ErrConfigProtected) {
		t.Errorf("deleting protected config: err = %v, want ErrConfigProtected", err)
	}

	dp := false
	if err := s.SetEmbeddingConfigProtection(ctx, id2, &dp, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEmbeddingConfig(ctx, id2); err != nil {
		t.Errorf("unprotected inactive config should delete: %v", err)
	}
}

func TestRebuildVectorIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addConcept(t, s, "c_a", "Alpha", []float32{1, 0, 0, 0})
	if err := s.RebuildVectorIndexes(ctx, 8); err != nil {
		t.Fatalf("RebuildVectorIndexes: %v", err)
	}
	if s.EmbeddingDim() != 8 {
		t.Errorf("EmbeddingDim after rebuild = %d, want 8", s.EmbeddingDim())
	}

	incompat, err := s.ListIncompatibleConcepts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(incompat) != 1 {
		t.Errorf("all concepts should be flagged incompatible, got %+v", incompat)
	}

	matches, err := s.VectorSearchConcepts(ctx, make([]float32, 8), 5, 0, "")
	if err != nil {
		t.Fatalf("search after rebuild: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("rebuilt index should be empty, got %+v", matches)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addConcept(t, s, "c_a", "Alpha", []float32{1, 0, 0, 0})
	if _, err := s.CreateSource(ctx, sampleSource("ont", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertJob(ctx, sampleJob("job_1", JobPending)); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Concepts != 1 || stats.Sources != 1 || stats.Jobs != 1 || stats.Embeddings != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}
