package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// VocabMatch is a vector search hit against the vocabulary index.
type VocabMatch struct {
	TypeName   string
	Similarity float64
}

// ListVocabTypes returns every vocabulary type row.
func (s *Store) ListVocabTypes(ctx context.Context) ([]VocabRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type_name, category, support_weight, is_builtin, synonyms, usage_count, created_at
		FROM vocab_types ORDER BY type_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VocabRow
	for rows.Next() {
		var v VocabRow
		var synonyms sql.NullString
		if err := rows.Scan(&v.RowID, &v.TypeName, &v.Category, &v.SupportWeight,
			&v.IsBuiltin, &synonyms, &v.UsageCount, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Synonyms = unmarshalStrings(synonyms)
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertVocabType persists a new type with its embedding. A nil embedding
// leaves the type out of the vector index (degraded, searchable by name only).
func (s *Store) InsertVocabType(ctx context.Context, v VocabRow, embedding []float32) error {
	if embedding != nil && len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO vocab_types (type_name, category, support_weight, is_builtin, synonyms)
			VALUES (?, ?, ?, ?, ?)
		`, v.TypeName, v.Category, v.SupportWeight, v.IsBuiltin, marshalStrings(v.Synonyms))
		if err != nil {
			return fmt.Errorf("inserting vocab type: %w", err)
		}
		if embedding == nil {
			return nil
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO vec_vocab (vocab_rowid, embedding) VALUES (?, ?)",
			rowID, serializeFloat32(embedding))
		return err
	})
}

// SetVocabEmbedding writes or replaces a type's vector index row.
func (s *Store) SetVocabEmbedding(ctx context.Context, typeName string, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var rowID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM vocab_types WHERE type_name = ?", typeName).Scan(&rowID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_vocab WHERE vocab_rowid = ?", rowID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO vec_vocab (vocab_rowid, embedding) VALUES (?, ?)",
			rowID, serializeFloat32(embedding))
		return err
	})
}

// LoadVocabEmbeddings returns the embedding for every type present in
// the vector index, keyed by type name.
func (s *Store) LoadVocabEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.type_name, v.embedding
		FROM vec_vocab v
		JOIN vocab_types t ON t.id = v.vocab_rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]float32{}
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, err
		}
		out[name] = deserializeFloat32(blob)
	}
	return out, rows.Err()
}

// VocabEmbeddedCount reports how many types are present in the vector
// index; compared against the type count for the degraded health signal.
func (s *Store) VocabEmbeddedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_vocab").Scan(&n)
	return n, err
}

// AddVocabSynonym appends a synonym to a type if not already present.
func (s *Store) AddVocabSynonym(ctx context.Context, typeName, synonym string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT synonyms FROM vocab_types WHERE type_name = ?", typeName).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		synonyms := unmarshalStrings(raw)
		for _, s := range synonyms {
			if s == synonym {
				return nil
			}
		}
		synonyms = append(synonyms, synonym)
		_, err = tx.ExecContext(ctx,
			"UPDATE vocab_types SET synonyms = ? WHERE type_name = ?",
			marshalStrings(synonyms), typeName)
		return err
	})
}

// IncrementVocabUsageTx bumps a type's usage counter inside an upsert
// transaction.
func (s *Store) IncrementVocabUsageTx(ctx context.Context, tx *sql.Tx, typeName string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE vocab_types SET usage_count = usage_count + 1 WHERE type_name = ?", typeName)
	return err
}

// VectorSearchVocab performs a KNN search over vocabulary-type embeddings.
func (s *Store) VectorSearchVocab(ctx context.Context, queryEmbedding []float32, k int) ([]VocabMatch, error) {
	if len(queryEmbedding) != s.embeddingDim {
		return nil, fmt.Errorf("%w: query is %d, index is %d", ErrDimensionMismatch, len(queryEmbedding), s.embeddingDim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.type_name, v.distance
		FROM vec_vocab v
		JOIN vocab_types t ON t.id = v.vocab_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []VocabMatch
	for rows.Next() {
		var m VocabMatch
		var distance float64
		if err := rows.Scan(&m.TypeName, &distance); err != nil {
			return nil, err
		}
		m.Similarity = 1.0 - distance
		results = append(results, m)
	}
	return results, rows.Err()
}

// MergeVocabTypes redirects every edge of type a onto type b, folds a's
// synonyms (plus a itself) into b, sums usage counts, and deletes a.
// Returns the rowids of concepts whose edges were redirected so callers
// can recompute grounding.
func (s *Store) MergeVocabTypes(ctx context.Context, a, b string) ([]int64, error) {
	var affected []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Concepts touched by redirected edges.
		rows, err := tx.QueryContext(ctx,
			"SELECT from_rowid, to_rowid FROM relationships WHERE rel_type = ?", a)
		if err != nil {
			return err
		}
		seen := map[int64]bool{}
		for rows.Next() {
			var from, to int64
			if err := rows.Scan(&from, &to); err != nil {
				rows.Close()
				return err
			}
			for _, id := range []int64{from, to} {
				if !seen[id] {
					seen[id] = true
					affected = append(affected, id)
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// Where an edge of type b already exists for the same pair,
		// average the confidences and drop the a edge.
		if _, err := tx.ExecContext(ctx, `
			UPDATE relationships SET confidence = (confidence + (
				SELECT ra.confidence FROM relationships ra
				WHERE ra.from_rowid = relationships.from_rowid
				  AND ra.to_rowid = relationships.to_rowid
				  AND ra.rel_type = ?1
			)) / 2, updated_at = CURRENT_TIMESTAMP
			WHERE rel_type = ?2 AND EXISTS (
				SELECT 1 FROM relationships ra
				WHERE ra.from_rowid = relationships.from_rowid
				  AND ra.to_rowid = relationships.to_rowid
				  AND ra.rel_type = ?1
			)`, a, b); err != nil {
			return fmt.Errorf("averaging duplicate edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE rel_type = ?1 AND EXISTS (
				SELECT 1 FROM relationships rb
				WHERE rb.from_rowid = relationships.from_rowid
				  AND rb.to_rowid = relationships.to_rowid
				  AND rb.rel_type = ?2
			)`, a, b); err != nil {
			return fmt.Errorf("dropping merged edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE relationships SET rel_type = ?, updated_at = CURRENT_TIMESTAMP WHERE rel_type = ?",
			b, a); err != nil {
			return fmt.Errorf("redirecting edges: %w", err)
		}

		// Fold a's row into b's.
		var aRow, bRow int64
		var aSyn, bSyn sql.NullString
		var aUsage, bUsage int
		if err := tx.QueryRowContext(ctx,
			"SELECT id, synonyms, usage_count FROM vocab_types WHERE type_name = ?", a).
			Scan(&aRow, &aSyn, &aUsage); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT id, synonyms, usage_count FROM vocab_types WHERE type_name = ?", b).
			Scan(&bRow, &bSyn, &bUsage); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		merged := unmarshalStrings(bSyn)
		contains := func(ss []string, v string) bool {
			for _, s := range ss {
				if s == v {
					return true
				}
			}
			return false
		}
		for _, syn := range append(unmarshalStrings(aSyn), a) {
			if !contains(merged, syn) {
				merged = append(merged, syn)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE vocab_types SET synonyms = ?, usage_count = ? WHERE id = ?",
			marshalStrings(merged), aUsage+bUsage, bRow); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_vocab WHERE vocab_rowid = ?", aRow); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vocab_types WHERE id = ?", aRow); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}
