package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EmbeddingConfigRow is a persisted embedding model configuration.
// Exactly one row is active at any time.
type EmbeddingConfigRow struct {
	ID                  int64     `json:"id"`
	Provider            string    `json:"provider"`
	ModelName           string    `json:"model_name"`
	Dimensions          int       `json:"dimensions"`
	Active              bool      `json:"active"`
	DeleteProtected     bool      `json:"delete_protected"`
	ChangeProtected     bool      `json:"change_protected"`
	SimilarityThreshold float64   `json:"similarity_threshold"`
	UpdatedBy           string    `json:"updated_by"`
	CreatedAt           time.Time `json:"created_at"`
}

const embeddingConfigColumns = `id, provider, model_name, dimensions, active,
	delete_protected, change_protected, similarity_threshold, updated_by, created_at`

func scanEmbeddingConfig(row interface{ Scan(...any) error }) (*EmbeddingConfigRow, error) {
	c := &EmbeddingConfigRow{}
	err := row.Scan(&c.ID, &c.Provider, &c.ModelName, &c.Dimensions, &c.Active,
		&c.DeleteProtected, &c.ChangeProtected, &c.SimilarityThreshold,
		&c.UpdatedBy, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ActiveEmbeddingConfig returns the single active config, or ErrNotFound
// when none has been created yet.
func (s *Store) ActiveEmbeddingConfig(ctx context.Context) (*EmbeddingConfigRow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+embeddingConfigColumns+" FROM embedding_configs WHERE active = 1")
	c, err := scanEmbeddingConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetEmbeddingConfig retrieves a config by ID.
func (s *Store) GetEmbeddingConfig(ctx context.Context, id int64) (*EmbeddingConfigRow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+embeddingConfigColumns+" FROM embedding_configs WHERE id = ?", id)
	c, err := scanEmbeddingConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListEmbeddingConfigs returns all configs, active first.
func (s *Store) ListEmbeddingConfigs(ctx context.Context) ([]EmbeddingConfigRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+embeddingConfigColumns+" FROM embedding_configs ORDER BY active DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddingConfigRow
	for rows.Next() {
		c, err := scanEmbeddingConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CreateEmbeddingConfig inserts a config. When activate is set, any
// previously active config is deactivated in the same transaction.
func (s *Store) CreateEmbeddingConfig(ctx context.Context, c EmbeddingConfigRow, activate bool) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if activate {
			if _, err := tx.ExecContext(ctx,
				"UPDATE embedding_configs SET active = 0 WHERE active = 1"); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_configs (provider, model_name, dimensions, active,
				delete_protected, change_protected, similarity_threshold, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.Provider, c.ModelName, c.Dimensions, activate,
			c.DeleteProtected, c.ChangeProtected, c.SimilarityThreshold, c.UpdatedBy)
		if err != nil {
			return fmt.Errorf("inserting embedding config: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ActivateEmbeddingConfig makes the given config the single active one.
// A dimension or provider change against a change-protected active config
// is refused unless forced; any dimension change at all requires force
// since it invalidates the vector indexes. Returns whether the active
// dimension changed, so the caller can rebuild indexes and re-embed.
func (s *Store) ActivateEmbeddingConfig(ctx context.Context, id int64, force bool) (bool, error) {
	var dimChanged bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		target, err := scanEmbeddingConfig(tx.QueryRowContext(ctx,
			"SELECT "+embeddingConfigColumns+" FROM embedding_configs WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if target.Active {
			return nil
		}

		current, err := scanEmbeddingConfig(tx.QueryRowContext(ctx,
			"SELECT "+embeddingConfigColumns+" FROM embedding_configs WHERE active = 1"))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if current != nil {
			changes := current.Provider != target.Provider || current.Dimensions != target.Dimensions
			if changes && current.ChangeProtected && !force {
				return fmt.Errorf("%w: active config %d is change-protected", ErrConfigProtected, current.ID)
			}
			if current.Dimensions != target.Dimensions {
				if !force {
					return fmt.Errorf("%w: active dimension is %d, config %d has %d (use force)",
						ErrDimensionMismatch, current.Dimensions, target.ID, target.Dimensions)
				}
				dimChanged = true
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE embedding_configs SET active = 0 WHERE active = 1"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE embedding_configs SET active = 1 WHERE id = ?", id)
		return err
	})
	if err != nil {
		return false, err
	}
	return dimChanged, nil
}

// DeactivateEmbeddingConfig is refused for the active config; activate a
// replacement instead so exactly one config stays active.
func (s *Store) DeactivateEmbeddingConfig(ctx context.Context, id int64) error {
	c, err := s.GetEmbeddingConfig(ctx, id)
	if err != nil {
		return err
	}
	if c.Active {
		return fmt.Errorf("%w: activate another config instead", ErrActiveConfig)
	}
	return nil
}

// SetEmbeddingConfigProtection updates protection flags. Nil leaves a
// flag unchanged.
func (s *Store) SetEmbeddingConfigProtection(ctx context.Context, id int64, deleteProtected, changeProtected *bool) error {
	c, err := s.GetEmbeddingConfig(ctx, id)
	if err != nil {
		return err
	}
	if deleteProtected != nil {
		c.DeleteProtected = *deleteProtected
	}
	if changeProtected != nil {
		c.ChangeProtected = *changeProtected
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE embedding_configs SET delete_protected = ?, change_protected = ? WHERE id = ?",
		c.DeleteProtected, c.ChangeProtected, id)
	return err
}

// DeleteEmbeddingConfig removes an inactive, unprotected config.
func (s *Store) DeleteEmbeddingConfig(ctx context.Context, id int64) error {
	c, err := s.GetEmbeddingConfig(ctx, id)
	if err != nil {
		return err
	}
	if c.Active {
		return fmt.Errorf("%w: cannot delete the active config", ErrActiveConfig)
	}
	if c.DeleteProtected {
		return fmt.Errorf("%w: config %d is delete-protected", ErrConfigProtected, id)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM embedding_configs WHERE id = ?", id)
	return err
}
