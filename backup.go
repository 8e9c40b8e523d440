package kgraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aaronsb/knowledge-graph-system-sub013/graph"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// backupVersion is bumped when the envelope layout changes.
const backupVersion = 1

// Backup is the portable JSON envelope holding a full or per-ontology
// graph export, embeddings included.
type Backup struct {
	Version       int                  `json:"version"`
	CreatedAt     time.Time            `json:"created_at"`
	Ontology      string               `json:"ontology,omitempty"`
	EmbedModel    string               `json:"embedding_model"`
	EmbedDim      int                  `json:"embedding_dim"`
	Concepts      []store.Concept      `json:"concepts"`
	Embeddings    map[string][]float32 `json:"embeddings"`
	Sources       []store.Source       `json:"sources"`
	Instances     []store.Instance     `json:"instances"`
	Relationships []store.Relationship `json:"relationships"`
	VocabTypes    []store.VocabRow     `json:"vocab_types"`
}

// Export writes a JSON backup of the graph to w. Empty ontology exports
// everything; otherwise only the concepts, sources, and edges evidenced
// in that ontology.
func (e *Engine) Export(ctx context.Context, w io.Writer, ontology string) error {
	if ontology != "" {
		ok, err := e.st.OntologyExists(ctx, ontology)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: ontology %q", ErrNotFound, ontology)
		}
	}

	concepts, err := e.st.AllConcepts(ctx, ontology)
	if err != nil {
		return err
	}
	embeddings, err := e.st.AllConceptEmbeddings(ctx, ontology)
	if err != nil {
		return err
	}
	sources, err := e.st.AllSources(ctx, ontology)
	if err != nil {
		return err
	}
	instances, err := e.st.AllInstances(ctx, ontology)
	if err != nil {
		return err
	}
	relationships, err := e.st.AllRelationships(ctx, ontology)
	if err != nil {
		return err
	}
	vocabTypes, err := e.registry.ListTypes(ctx)
	if err != nil {
		return err
	}

	info := e.embedder.Info()
	b := Backup{
		Version:       backupVersion,
		CreatedAt:     time.Now().UTC(),
		Ontology:      ontology,
		EmbedModel:    info.Model,
		EmbedDim:      info.Dimensions,
		Concepts:      concepts,
		Embeddings:    embeddings,
		Sources:       sources,
		Instances:     instances,
		Relationships: relationships,
		VocabTypes:    vocabTypes,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&b); err != nil {
		return fmt.Errorf("encoding backup: %w", err)
	}
	e.log.Info("backup exported",
		"ontology", ontology, "concepts", len(concepts), "sources", len(sources),
		"relationships", len(relationships))
	return nil
}

// Import restores a backup into the graph. With merge set, existing
// concepts are kept by id, duplicate edges averaged, and new rows created
// around them; without it the backup's ontology must not already exist.
// Embeddings from a different model or dimension are dropped and the
// concepts flagged for RegenerateEmbeddings. Grounding is recomputed for
// the whole graph afterwards.
func (e *Engine) Import(ctx context.Context, r io.Reader, merge bool) (*ImportReport, error) {
	var b Backup
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: decoding backup: %v", ErrInvalidInput, err)
	}
	if b.Version != backupVersion {
		return nil, fmt.Errorf("%w: unsupported backup version %d", ErrInvalidInput, b.Version)
	}

	if !merge {
		ontologies := map[string]struct{}{}
		for _, src := range b.Sources {
			ontologies[src.Ontology] = struct{}{}
		}
		for ont := range ontologies {
			exists, err := e.st.OntologyExists(ctx, ont)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, fmt.Errorf("%w: %q", ErrOntologyExists, ont)
			}
		}
	}

	info := e.embedder.Info()
	embeddingsUsable := b.EmbedDim == info.Dimensions && b.EmbedModel == info.Model
	if !embeddingsUsable {
		e.log.Warn("backup embeddings do not match the active model, dropping them",
			"backup_model", b.EmbedModel, "backup_dim", b.EmbedDim,
			"active_model", info.Model, "active_dim", info.Dimensions)
	}

	// Vocabulary first so restored edges always reference known types.
	for _, v := range b.VocabTypes {
		if e.registry.Has(v.TypeName) {
			continue
		}
		v.RowID = 0
		if err := e.st.InsertVocabType(ctx, v, nil); err != nil {
			return nil, fmt.Errorf("restoring vocab type %s: %w", v.TypeName, err)
		}
	}
	if err := e.registry.Init(ctx); err != nil {
		return nil, err
	}

	report := &ImportReport{}
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		conceptRows := map[string]int64{}
		for _, c := range b.Concepts {
			existing, err := e.st.GetConceptTx(ctx, tx, c.ConceptID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if existing != nil {
				conceptRows[c.ConceptID] = existing.RowID
				report.ConceptsMerged++
				continue
			}
			var vec []float32
			if embeddingsUsable {
				vec = b.Embeddings[c.ConceptID]
			}
			c.RowID = 0
			rowID, err := e.st.ImportConceptTx(ctx, tx, c, vec)
			if err != nil {
				return fmt.Errorf("restoring concept %s: %w", c.ConceptID, err)
			}
			conceptRows[c.ConceptID] = rowID
			report.ConceptsCreated++
		}

		sourceRows := map[string]int64{}
		for _, src := range b.Sources {
			src.RowID = 0
			rowID, err := e.st.CreateSourceTx(ctx, tx, src)
			if err != nil {
				return fmt.Errorf("restoring source %s: %w", src.SourceID, err)
			}
			sourceRows[src.SourceID] = rowID
			report.Sources++
		}

		for _, in := range b.Instances {
			cRow, ok1 := conceptRows[in.ConceptID]
			sRow, ok2 := sourceRows[in.SourceID]
			if !ok1 || !ok2 {
				report.Skipped++
				continue
			}
			if _, err := e.st.LinkSourceTx(ctx, tx, cRow, sRow); err != nil {
				return err
			}
			if err := e.st.InsertInstanceTx(ctx, tx, in.InstanceID, cRow, sRow, in.Quote); err != nil {
				return fmt.Errorf("restoring instance %s: %w", in.InstanceID, err)
			}
			report.Instances++
		}

		for _, rel := range b.Relationships {
			fromRow, err := conceptRowID(ctx, e.st, tx, conceptRows, rel.FromConceptID)
			if err != nil {
				return err
			}
			toRow, err := conceptRowID(ctx, e.st, tx, conceptRows, rel.ToConceptID)
			if err != nil {
				return err
			}
			if fromRow == 0 || toRow == 0 {
				report.Skipped++
				continue
			}
			if _, err := e.st.UpsertRelationshipTx(ctx, tx, fromRow, toRow, rel.Type, rel.Confidence); err != nil {
				return fmt.Errorf("restoring relationship: %w", err)
			}
			report.Relationships++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := graph.RecomputeGrounding(ctx, e.st, e.registry); err != nil {
		return nil, err
	}
	e.log.Info("backup imported",
		"concepts_created", report.ConceptsCreated, "concepts_merged", report.ConceptsMerged,
		"sources", report.Sources, "relationships", report.Relationships,
		"skipped", report.Skipped)
	return report, nil
}

// ImportReport summarizes a restore.
type ImportReport struct {
	ConceptsCreated int `json:"concepts_created"`
	ConceptsMerged  int `json:"concepts_merged"`
	Sources         int `json:"sources"`
	Instances       int `json:"instances"`
	Relationships   int `json:"relationships"`
	Skipped         int `json:"skipped"`
}

// conceptRowID resolves a concept rowid from the restore map, falling back
// to the store for concepts that predate the backup. Returns 0 when the
// concept is unknown.
func conceptRowID(ctx context.Context, st *store.Store, tx *sql.Tx, known map[string]int64, conceptID string) (int64, error) {
	if rowID, ok := known[conceptID]; ok {
		return rowID, nil
	}
	c, err := st.GetConceptTx(ctx, tx, conceptID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	known[conceptID] = c.RowID
	return c.RowID, nil
}
