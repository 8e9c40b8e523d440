package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so graph operations can
// run standalone or inside a caller-owned transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Source operations ---

// CreateSource inserts a source chunk. Returns the rowid.
func (s *Store) CreateSource(ctx context.Context, src Source) (int64, error) {
	return s.createSource(ctx, s.db, src)
}

// CreateSourceTx is CreateSource inside a caller-owned transaction.
func (s *Store) CreateSourceTx(ctx context.Context, tx *sql.Tx, src Source) (int64, error) {
	return s.createSource(ctx, tx, src)
}

func (s *Store) createSource(ctx context.Context, q dbtx, src Source) (int64, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO sources (source_id, ontology, document_label, chunk_index, full_text, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET full_text = excluded.full_text
	`, src.SourceID, src.Ontology, src.DocumentLabel, src.ChunkIndex, src.FullText, src.ContentHash); err != nil {
		return 0, err
	}
	var id int64
	row := q.QueryRowContext(ctx, "SELECT id FROM sources WHERE source_id = ?", src.SourceID)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetSource retrieves a source by its string ID.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	src := &Source{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, ontology, document_label, chunk_index, full_text, content_hash, created_at
		FROM sources WHERE source_id = ?
	`, sourceID).Scan(&src.RowID, &src.SourceID, &src.Ontology, &src.DocumentLabel,
		&src.ChunkIndex, &src.FullText, &src.ContentHash, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// SourceChunkExists reports whether a chunk of a document is already
// committed, used to skip chunks when resuming a failed job.
func (s *Store) SourceChunkExists(ctx context.Context, ontology, contentHash string, chunkIndex int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sources
		WHERE ontology = ? AND content_hash = ? AND chunk_index = ?
	`, ontology, contentHash, chunkIndex).Scan(&n)
	return n > 0, err
}

// OntologyExists reports whether any sources exist in the ontology.
func (s *Store) OntologyExists(ctx context.Context, ontology string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sources WHERE ontology = ?", ontology).Scan(&n)
	return n > 0, err
}

// ListOntologies returns all ontology names with their source counts.
func (s *Store) ListOntologies(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ontology, COUNT(*) FROM sources GROUP BY ontology")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

// DeleteOntology removes all sources in an ontology, cascading to
// instances and source links, then removes concepts left without any
// source. Orphaned concept embeddings leave the vector index as well.
func (s *Store) DeleteOntology(ctx context.Context, ontology string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sources WHERE ontology = ?", ontology); err != nil {
			return fmt.Errorf("deleting sources: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_concepts WHERE concept_rowid IN (
				SELECT id FROM concepts WHERE id NOT IN (SELECT concept_rowid FROM concept_sources)
			)`); err != nil {
			return fmt.Errorf("deleting orphan embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM concepts WHERE id NOT IN (SELECT concept_rowid FROM concept_sources)
		`); err != nil {
			return fmt.Errorf("deleting orphan concepts: %w", err)
		}
		return nil
	})
}

// --- Concept operations ---

// GetConcept retrieves a concept by its string ID.
func (s *Store) GetConcept(ctx context.Context, conceptID string) (*Concept, error) {
	return s.getConcept(ctx, s.db, conceptID)
}

// GetConceptTx is GetConcept inside a caller-owned transaction.
func (s *Store) GetConceptTx(ctx context.Context, tx *sql.Tx, conceptID string) (*Concept, error) {
	return s.getConcept(ctx, tx, conceptID)
}

func (s *Store) getConcept(ctx context.Context, q dbtx, conceptID string) (*Concept, error) {
	c := &Concept{}
	var terms sql.NullString
	var model sql.NullString
	var dim sql.NullInt64
	var grounding sql.NullFloat64
	err := q.QueryRowContext(ctx, `
		SELECT id, concept_id, label, search_terms, embedding_model, embedding_dim,
			compatible, grounding, created_at, updated_at
		FROM concepts WHERE concept_id = ?
	`, conceptID).Scan(&c.RowID, &c.ConceptID, &c.Label, &terms, &model, &dim,
		&c.Compatible, &grounding, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.SearchTerms = unmarshalStrings(terms)
	c.EmbeddingModel = model.String
	c.EmbeddingDim = int(dim.Int64)
	if grounding.Valid {
		v := grounding.Float64
		c.Grounding = &v
	}
	return c, nil
}

// GetConceptsByIDs returns concepts for the given string IDs. Missing IDs
// are silently absent from the result.
func (s *Store) GetConceptsByIDs(ctx context.Context, conceptIDs []string) ([]Concept, error) {
	if len(conceptIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(conceptIDs))
	for i, id := range conceptIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, concept_id, label, search_terms FROM concepts
		WHERE concept_id IN (%s)
	`, repeatPlaceholders(len(conceptIDs))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Concept
	for rows.Next() {
		var c Concept
		var terms sql.NullString
		if err := rows.Scan(&c.RowID, &c.ConceptID, &c.Label, &terms); err != nil {
			return nil, err
		}
		c.SearchTerms = unmarshalStrings(terms)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateConceptTx inserts a concept with its embedding in a caller-owned
// transaction. The embedding dimension must match the active index.
func (s *Store) CreateConceptTx(ctx context.Context, tx *sql.Tx, c Concept, embedding []float32) (int64, error) {
	if len(embedding) != s.embeddingDim {
		return 0, fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO concepts (concept_id, label, search_terms, embedding_model, embedding_dim, compatible)
		VALUES (?, ?, ?, ?, ?, 1)
	`, c.ConceptID, c.Label, marshalStrings(c.SearchTerms), c.EmbeddingModel, len(embedding))
	if err != nil {
		return 0, fmt.Errorf("inserting concept: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO vec_concepts (concept_rowid, embedding) VALUES (?, ?)",
		rowID, serializeFloat32(embedding)); err != nil {
		return 0, fmt.Errorf("inserting concept embedding: %w", err)
	}
	return rowID, nil
}

// ImportConceptTx inserts a concept during restore. A nil embedding, or
// one whose dimension does not match the active index, inserts the row
// flagged incompatible with no vector; RegenerateEmbeddings repairs it.
func (s *Store) ImportConceptTx(ctx context.Context, tx *sql.Tx, c Concept, embedding []float32) (int64, error) {
	if len(embedding) == s.embeddingDim {
		return s.CreateConceptTx(ctx, tx, c, embedding)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO concepts (concept_id, label, search_terms, embedding_model, embedding_dim, compatible)
		VALUES (?, ?, ?, ?, ?, 0)
	`, c.ConceptID, c.Label, marshalStrings(c.SearchTerms), c.EmbeddingModel, len(embedding))
	if err != nil {
		return 0, fmt.Errorf("importing concept: %w", err)
	}
	return res.LastInsertId()
}

// AllConceptEmbeddings returns the stored embedding per concept id,
// optionally filtered to concepts evidenced in one ontology.
func (s *Store) AllConceptEmbeddings(ctx context.Context, ontology string) (map[string][]float32, error) {
	query := `
		SELECT c.concept_id, v.embedding
		FROM vec_concepts v JOIN concepts c ON c.id = v.concept_rowid`
	var args []any
	if ontology != "" {
		query += `
		WHERE EXISTS (
			SELECT 1 FROM concept_sources cs
			JOIN sources s ON s.id = cs.source_rowid
			WHERE cs.concept_rowid = c.id AND s.ontology = ?
		)`
		args = append(args, ontology)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]float32{}
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = deserializeFloat32(blob)
	}
	return out, rows.Err()
}

// UpdateConceptTx refreshes a matched concept's search terms and embedding.
func (s *Store) UpdateConceptTx(ctx context.Context, tx *sql.Tx, rowID int64, searchTerms []string, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE concepts SET search_terms = ?, embedding_dim = ?, compatible = 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, marshalStrings(searchTerms), len(embedding), rowID); err != nil {
		return fmt.Errorf("updating concept: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM vec_concepts WHERE concept_rowid = ?", rowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO vec_concepts (concept_rowid, embedding) VALUES (?, ?)",
		rowID, serializeFloat32(embedding)); err != nil {
		return fmt.Errorf("updating concept embedding: %w", err)
	}
	return nil
}

// InsertConceptEmbedding writes or replaces a concept's vector index row
// and marks it compatible. Used by bulk re-embedding.
func (s *Store) InsertConceptEmbedding(ctx context.Context, conceptID string, embedding []float32, model string) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var rowID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM concepts WHERE concept_id = ?", conceptID).Scan(&rowID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE concepts SET embedding_model = ?, embedding_dim = ?, compatible = 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, model, len(embedding), rowID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_concepts WHERE concept_rowid = ?", rowID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO vec_concepts (concept_rowid, embedding) VALUES (?, ?)",
			rowID, serializeFloat32(embedding))
		return err
	})
}

// ListIncompatibleConcepts returns concept IDs flagged incompatible with
// the active embedding dimension, with their labels and search terms.
func (s *Store) ListIncompatibleConcepts(ctx context.Context) ([]Concept, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, concept_id, label, search_terms FROM concepts WHERE compatible = 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Concept
	for rows.Next() {
		var c Concept
		var terms sql.NullString
		if err := rows.Scan(&c.RowID, &c.ConceptID, &c.Label, &terms); err != nil {
			return nil, err
		}
		c.SearchTerms = unmarshalStrings(terms)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetGroundingTx writes the derived grounding strength (nil clears it).
func (s *Store) SetGroundingTx(ctx context.Context, tx *sql.Tx, rowID int64, grounding *float64) error {
	var v any
	if grounding != nil {
		v = *grounding
	}
	_, err := tx.ExecContext(ctx,
		"UPDATE concepts SET grounding = ? WHERE id = ?", v, rowID)
	return err
}

// --- Vector search ---

// VectorSearchConcepts performs a KNN search over concept embeddings,
// filtered to a minimum cosine similarity and optionally to one ontology.
func (s *Store) VectorSearchConcepts(ctx context.Context, queryEmbedding []float32, k int, minSimilarity float64, ontology string) ([]ConceptMatch, error) {
	return s.vectorSearchConcepts(ctx, s.db, queryEmbedding, k, minSimilarity, ontology)
}

// VectorSearchConceptsTx is VectorSearchConcepts inside a caller-owned
// transaction, used by the deduplication critical section.
func (s *Store) VectorSearchConceptsTx(ctx context.Context, tx *sql.Tx, queryEmbedding []float32, k int, minSimilarity float64, ontology string) ([]ConceptMatch, error) {
	return s.vectorSearchConcepts(ctx, tx, queryEmbedding, k, minSimilarity, ontology)
}

func (s *Store) vectorSearchConcepts(ctx context.Context, q dbtx, queryEmbedding []float32, k int, minSimilarity float64, ontology string) ([]ConceptMatch, error) {
	if len(queryEmbedding) != s.embeddingDim {
		return nil, fmt.Errorf("%w: query is %d, index is %d", ErrDimensionMismatch, len(queryEmbedding), s.embeddingDim)
	}

	// Over-fetch when filtering by ontology since the KNN clause cannot
	// see the join.
	fetchK := k
	if ontology != "" {
		fetchK = k * 4
	}

	query := `
		SELECT c.concept_id, c.label, v.distance
		FROM vec_concepts v
		JOIN concepts c ON c.id = v.concept_rowid
		WHERE v.embedding MATCH ? AND k = ?`
	args := []any{serializeFloat32(queryEmbedding), fetchK}
	if ontology != "" {
		query += `
		AND EXISTS (
			SELECT 1 FROM concept_sources cs
			JOIN sources src ON src.id = cs.source_rowid
			WHERE cs.concept_rowid = c.id AND src.ontology = ?
		)`
		args = append(args, ontology)
	}
	query += `
		ORDER BY v.distance`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConceptMatch
	for rows.Next() {
		var m ConceptMatch
		var distance float64
		if err := rows.Scan(&m.ConceptID, &m.Label, &distance); err != nil {
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine)
		m.Similarity = 1.0 - distance
		if m.Similarity < minSimilarity {
			continue
		}
		results = append(results, m)
		if len(results) == k {
			break
		}
	}
	return results, rows.Err()
}

// --- Links, instances, relationships ---

// LinkSourceTx records that a concept appears in a source. Returns true
// if a new link was created.
func (s *Store) LinkSourceTx(ctx context.Context, tx *sql.Tx, conceptRowID, sourceRowID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO concept_sources (concept_rowid, source_rowid) VALUES (?, ?)
	`, conceptRowID, sourceRowID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertInstanceTx records an evidence quote.
func (s *Store) InsertInstanceTx(ctx context.Context, tx *sql.Tx, instanceID string, conceptRowID, sourceRowID int64, quote string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instances (instance_id, concept_rowid, source_rowid, quote) VALUES (?, ?, ?, ?)
	`, instanceID, conceptRowID, sourceRowID, quote)
	return err
}

// UpsertRelationshipTx inserts an edge, or on an existing (from, to, type)
// edge averages the stored confidence with the new one. Returns true when
// a new edge was created.
func (s *Store) UpsertRelationshipTx(ctx context.Context, tx *sql.Tx, fromRowID, toRowID int64, relType string, confidence float64) (bool, error) {
	var existing float64
	err := tx.QueryRowContext(ctx, `
		SELECT confidence FROM relationships WHERE from_rowid = ? AND to_rowid = ? AND rel_type = ?
	`, fromRowID, toRowID, relType).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (from_rowid, to_rowid, rel_type, confidence) VALUES (?, ?, ?, ?)
		`, fromRowID, toRowID, relType, confidence)
		return true, err
	case err != nil:
		return false, err
	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE relationships SET confidence = ?, updated_at = CURRENT_TIMESTAMP
			WHERE from_rowid = ? AND to_rowid = ? AND rel_type = ?
		`, (existing+confidence)/2, fromRowID, toRowID, relType)
		return false, err
	}
}

// AdjacentEdge is one edge touching a concept, in either direction.
type AdjacentEdge struct {
	Type       string
	Confidence float64
}

// AdjacentEdgesTx returns every edge touching a concept, both directions,
// for the grounding computation.
func (s *Store) AdjacentEdgesTx(ctx context.Context, tx *sql.Tx, conceptRowID int64) ([]AdjacentEdge, error) {
	return s.adjacentEdges(ctx, tx, conceptRowID)
}

// AdjacentEdges is AdjacentEdgesTx outside a transaction, used by bulk
// grounding repair.
func (s *Store) AdjacentEdges(ctx context.Context, conceptRowID int64) ([]AdjacentEdge, error) {
	return s.adjacentEdges(ctx, s.db, conceptRowID)
}

func (s *Store) adjacentEdges(ctx context.Context, q dbtx, conceptRowID int64) ([]AdjacentEdge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rel_type, confidence FROM relationships WHERE from_rowid = ? OR to_rowid = ?
	`, conceptRowID, conceptRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []AdjacentEdge
	for rows.Next() {
		var e AdjacentEdge
		if err := rows.Scan(&e.Type, &e.Confidence); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Query surface reads ---

// ConceptEvidence summarizes a concept's instances.
type ConceptEvidence struct {
	Count  int      `json:"count"`
	Sample []string `json:"sample,omitempty"`
}

// GetConceptInstances returns all evidence quotes for a concept.
func (s *Store) GetConceptInstances(ctx context.Context, conceptID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.instance_id, c.concept_id, src.source_id, i.quote, i.created_at
		FROM instances i
		JOIN concepts c ON c.id = i.concept_rowid
		JOIN sources src ON src.id = i.source_rowid
		WHERE c.concept_id = ?
		ORDER BY i.created_at
	`, conceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.InstanceID, &inst.ConceptID, &inst.SourceID, &inst.Quote, &inst.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetConceptRelationships returns all edges touching a concept, with
// endpoint concept IDs resolved.
func (s *Store) GetConceptRelationships(ctx context.Context, conceptID string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.concept_id, t.concept_id, r.rel_type, r.confidence
		FROM relationships r
		JOIN concepts f ON f.id = r.from_rowid
		JOIN concepts t ON t.id = r.to_rowid
		WHERE f.concept_id = ? OR t.concept_id = ?
	`, conceptID, conceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.FromConceptID, &r.ToConceptID, &r.Type, &r.Confidence); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EvidenceCounts returns instance counts for a set of concept IDs.
func (s *Store) EvidenceCounts(ctx context.Context, conceptIDs []string) (map[string]int, error) {
	if len(conceptIDs) == 0 {
		return map[string]int{}, nil
	}
	args := make([]any, len(conceptIDs))
	for i, id := range conceptIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.concept_id, COUNT(i.instance_id)
		FROM concepts c
		LEFT JOIN instances i ON i.concept_rowid = c.id
		WHERE c.concept_id IN (%s)
		GROUP BY c.concept_id
	`, repeatPlaceholders(len(conceptIDs))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// AllRelationships returns every edge with resolved endpoint IDs, used by
// graph traversal and backup.
func (s *Store) AllRelationships(ctx context.Context, ontology string) ([]Relationship, error) {
	query := `
		SELECT f.concept_id, t.concept_id, r.rel_type, r.confidence
		FROM relationships r
		JOIN concepts f ON f.id = r.from_rowid
		JOIN concepts t ON t.id = r.to_rowid`
	var args []any
	if ontology != "" {
		query += `
		WHERE EXISTS (
			SELECT 1 FROM concept_sources cs
			JOIN sources src ON src.id = cs.source_rowid
			WHERE cs.concept_rowid = r.from_rowid AND src.ontology = ?
		)`
		args = append(args, ontology)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.FromConceptID, &r.ToConceptID, &r.Type, &r.Confidence); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllConcepts returns every concept, optionally restricted to one ontology.
func (s *Store) AllConcepts(ctx context.Context, ontology string) ([]Concept, error) {
	query := `
		SELECT id, concept_id, label, search_terms, embedding_model, embedding_dim,
			compatible, grounding, created_at, updated_at
		FROM concepts c`
	var args []any
	if ontology != "" {
		query += `
		WHERE EXISTS (
			SELECT 1 FROM concept_sources cs
			JOIN sources src ON src.id = cs.source_rowid
			WHERE cs.concept_rowid = c.id AND src.ontology = ?
		)`
		args = append(args, ontology)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Concept
	for rows.Next() {
		var c Concept
		var terms, model sql.NullString
		var dim sql.NullInt64
		var grounding sql.NullFloat64
		if err := rows.Scan(&c.RowID, &c.ConceptID, &c.Label, &terms, &model, &dim,
			&c.Compatible, &grounding, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.SearchTerms = unmarshalStrings(terms)
		c.EmbeddingModel = model.String
		c.EmbeddingDim = int(dim.Int64)
		if grounding.Valid {
			v := grounding.Float64
			c.Grounding = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AllSources returns every source, optionally restricted to one ontology.
func (s *Store) AllSources(ctx context.Context, ontology string) ([]Source, error) {
	query := `
		SELECT id, source_id, ontology, document_label, chunk_index, full_text, content_hash, created_at
		FROM sources`
	var args []any
	if ontology != "" {
		query += " WHERE ontology = ?"
		args = append(args, ontology)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.RowID, &src.SourceID, &src.Ontology, &src.DocumentLabel,
			&src.ChunkIndex, &src.FullText, &src.ContentHash, &src.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// AllInstances returns every instance, optionally restricted to one ontology.
func (s *Store) AllInstances(ctx context.Context, ontology string) ([]Instance, error) {
	query := `
		SELECT i.instance_id, c.concept_id, src.source_id, i.quote, i.created_at
		FROM instances i
		JOIN concepts c ON c.id = i.concept_rowid
		JOIN sources src ON src.id = i.source_rowid`
	var args []any
	if ontology != "" {
		query += " WHERE src.ontology = ?"
		args = append(args, ontology)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.InstanceID, &inst.ConceptID, &inst.SourceID, &inst.Quote, &inst.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
