package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDimensionMismatch is returned when a vector's dimension differs
	// from the index dimension. Never falls back to a silent partial search.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

	// ErrConfigProtected is returned when a protection flag blocks an
	// embedding config operation.
	ErrConfigProtected = errors.New("store: embedding config is protected")

	// ErrActiveConfig is returned when deactivating or deleting the only
	// active embedding config.
	ErrActiveConfig = errors.New("store: exactly one embedding config must be active")
)

// Concept represents a row in the concepts table.
type Concept struct {
	RowID          int64     `json:"-"`
	ConceptID      string    `json:"concept_id"`
	Label          string    `json:"label"`
	SearchTerms    []string  `json:"search_terms"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	EmbeddingDim   int       `json:"embedding_dim,omitempty"`
	Compatible     bool      `json:"compatible"`
	Grounding      *float64  `json:"grounding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Source represents an ingested document chunk.
type Source struct {
	RowID         int64     `json:"-"`
	SourceID      string    `json:"source_id"`
	Ontology      string    `json:"ontology"`
	DocumentLabel string    `json:"document_label"`
	ChunkIndex    int       `json:"chunk_index"`
	FullText      string    `json:"full_text"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Instance is a verbatim evidence quote linking a concept to a source.
type Instance struct {
	InstanceID string    `json:"instance_id"`
	ConceptID  string    `json:"concept_id"`
	SourceID   string    `json:"source_id"`
	Quote      string    `json:"quote"`
	CreatedAt  time.Time `json:"created_at"`
}

// Relationship is a typed, directed edge between two concepts.
type Relationship struct {
	ID            int64   `json:"-"`
	FromConceptID string  `json:"from_concept_id"`
	ToConceptID   string  `json:"to_concept_id"`
	Type          string  `json:"relationship_type"`
	Confidence    float64 `json:"confidence"`
}

// VocabRow is the persisted form of a vocabulary type.
type VocabRow struct {
	RowID         int64     `json:"-"`
	TypeName      string    `json:"type_name"`
	Category      string    `json:"category"`
	SupportWeight float64   `json:"support_weight"`
	IsBuiltin     bool      `json:"is_builtin"`
	Synonyms      []string  `json:"synonyms"`
	UsageCount    int       `json:"usage_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConceptMatch is a vector search hit.
type ConceptMatch struct {
	ConceptID  string  `json:"concept_id"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

// Store wraps the SQLite database for all persistence: operational tables,
// the property graph, and the sqlite-vec indexes.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	// Run pending migrations before opening for traffic.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the dimension of the active vector indexes.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// WithTx runs fn inside a transaction, committing on nil return and
// rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.inTx(ctx, fn)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// RebuildVectorIndexes drops and recreates both vec0 tables at a new
// dimension and flags every concept embedding as incompatible. Used when
// the active embedding config changes dimensions; concepts become
// searchable again only after a bulk re-embed.
func (s *Store) RebuildVectorIndexes(ctx context.Context, newDim int) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DROP TABLE IF EXISTS vec_concepts",
			"DROP TABLE IF EXISTS vec_vocab",
			fmt.Sprintf("CREATE VIRTUAL TABLE vec_concepts USING vec0(concept_rowid INTEGER PRIMARY KEY, embedding float[%d] distance_metric=cosine)", newDim),
			fmt.Sprintf("CREATE VIRTUAL TABLE vec_vocab USING vec0(vocab_rowid INTEGER PRIMARY KEY, embedding float[%d] distance_metric=cosine)", newDim),
			"UPDATE concepts SET compatible = 0",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rebuilding vector index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.embeddingDim = newDim
	return nil
}

// DBStats holds row counts for the status endpoint.
type DBStats struct {
	Concepts      int `json:"concepts"`
	Sources       int `json:"sources"`
	Instances     int `json:"instances"`
	Relationships int `json:"relationships"`
	VocabTypes    int `json:"vocab_types"`
	Jobs          int `json:"jobs"`
	Embeddings    int `json:"embeddings"`
}

// Stats returns row counts across all tables.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	for _, q := range []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM concepts", &stats.Concepts},
		{"SELECT COUNT(*) FROM sources", &stats.Sources},
		{"SELECT COUNT(*) FROM instances", &stats.Instances},
		{"SELECT COUNT(*) FROM relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM vocab_types", &stats.VocabTypes},
		{"SELECT COUNT(*) FROM jobs", &stats.Jobs},
		{"SELECT COUNT(*) FROM vec_concepts", &stats.Embeddings},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}
	return stats, nil
}

// --- helpers ---

// serializeFloat32 converts a vector to the little-endian byte layout
// sqlite-vec expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeFloat32 is the inverse of serializeFloat32.
func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// repeatPlaceholders returns "?, ?, ..., ?" with n placeholders.
func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw.String), &ss); err != nil {
		return nil
	}
	return ss
}
