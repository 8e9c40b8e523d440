//go:build cgo

package kgraph

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

const testEmbedDim = 64

// newEmbedServer serves Ollama's embed endpoint, giving every distinct
// input its own basis vector. Both engines in a test share one server so
// the same text always maps to the same vector.
func newEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	axes := map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float32, len(req.Input))
		mu.Lock()
		for i, text := range req.Input {
			idx, ok := axes[text]
			if !ok {
				idx = len(axes)
				axes[text] = idx
			}
			vec := make([]float32, testEmbedDim)
			if idx < testEmbedDim {
				vec[idx] = 1
			}
			out[i] = vec
		}
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, baseURL string) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "kgraph.db")
	cfg.EmbeddingDim = testEmbedDim
	cfg.Embedding = LLMConfig{Provider: "ollama", Model: "test-embed", BaseURL: baseURL}
	cfg.Extraction = LLMConfig{Provider: "ollama", Model: "test-chat", BaseURL: baseURL}

	e, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// basisVec is a one-hot test embedding. High indexes stay clear of the
// axes the embed server hands out for vocabulary seeding.
func basisVec(idx int) []float32 {
	v := make([]float32, testEmbedDim)
	v[idx] = 1
	return v
}

func TestBackupRoundTrip(t *testing.T) {
	srv := newEmbedServer(t)
	source := newTestEngine(t, srv.URL)
	ctx := context.Background()

	// Seed a small graph: two concepts, one evidence quote, one typed
	// edge between them.
	st := source.Store()
	entangleVec := basisVec(60)
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		srcRow, err := st.CreateSourceTx(ctx, tx, store.Source{
			SourceID: "survey_cafe0001_0000", Ontology: "physics",
			DocumentLabel: "Survey",
			FullText:      "Entanglement survives distance. Decoherence destroys it.",
			ContentHash:   "cafe0001",
		})
		if err != nil {
			return err
		}
		entangle, err := st.CreateConceptTx(ctx, tx, store.Concept{
			ConceptID: "survey_cafe0001_0000_entanglement_ab12cd34",
			Label:     "Entanglement", SearchTerms: []string{"entanglement"},
			EmbeddingModel: "test-embed", EmbeddingDim: testEmbedDim, Compatible: true,
		}, entangleVec)
		if err != nil {
			return err
		}
		deco, err := st.CreateConceptTx(ctx, tx, store.Concept{
			ConceptID: "survey_cafe0001_0000_decoherence_ef56ab78",
			Label:     "Decoherence", SearchTerms: []string{"decoherence"},
			EmbeddingModel: "test-embed", EmbeddingDim: testEmbedDim, Compatible: true,
		}, basisVec(61))
		if err != nil {
			return err
		}
		for _, row := range []int64{entangle, deco} {
			if _, err := st.LinkSourceTx(ctx, tx, row, srcRow); err != nil {
				return err
			}
		}
		if err := st.InsertInstanceTx(ctx, tx, "inst-0001", entangle, srcRow,
			"Entanglement survives distance."); err != nil {
			return err
		}
		_, err = st.UpsertRelationshipTx(ctx, tx, deco, entangle, "SUPPORTS", 0.8)
		return err
	})
	if err != nil {
		t.Fatalf("seeding graph: %v", err)
	}

	var buf bytes.Buffer
	if err := source.Export(ctx, &buf, "physics"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	data := buf.Bytes()

	target := newTestEngine(t, srv.URL)
	report, err := target.Import(ctx, bytes.NewReader(data), false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if report.ConceptsCreated != 2 || report.Sources != 1 ||
		report.Instances != 1 || report.Relationships != 1 || report.Skipped != 0 {
		t.Fatalf("report = %+v", report)
	}

	details, err := target.GetConcept(ctx, "survey_cafe0001_0000_entanglement_ab12cd34")
	if err != nil {
		t.Fatalf("GetConcept: %v", err)
	}
	if len(details.Instances) != 1 || details.Instances[0].Quote != "Entanglement survives distance." {
		t.Errorf("instances = %+v", details.Instances)
	}
	if len(details.Relationships) != 1 || details.Relationships[0].Type != "SUPPORTS" {
		t.Errorf("relationships = %+v", details.Relationships)
	}
	// Grounding is recomputed on restore: one SUPPORTS edge at 0.8 gives
	// (0.8 + 1) / 2.
	if details.Concept.Grounding == nil {
		t.Fatal("grounding not recomputed on import")
	}
	if diff := *details.Concept.Grounding - 0.9; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("grounding = %v, want 0.9", *details.Concept.Grounding)
	}

	// Same model and dimension, so the embeddings travel with the backup.
	embeddings, err := target.Store().AllConceptEmbeddings(ctx, "physics")
	if err != nil {
		t.Fatalf("AllConceptEmbeddings: %v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("restored %d embeddings, want 2", len(embeddings))
	}
	got := embeddings["survey_cafe0001_0000_entanglement_ab12cd34"]
	if len(got) != testEmbedDim || got[60] != 1 {
		t.Errorf("restored embedding lost its vector, got[60] = %v", got[60])
	}

	// Without merge, restoring over a populated ontology is refused.
	if _, err := target.Import(ctx, bytes.NewReader(data), false); !errors.Is(err, ErrOntologyExists) {
		t.Errorf("second import: err = %v, want ErrOntologyExists", err)
	}
}
