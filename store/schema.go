package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Deduplicated concept nodes
CREATE TABLE IF NOT EXISTS concepts (
    id INTEGER PRIMARY KEY,
    concept_id TEXT NOT NULL UNIQUE,
    label TEXT NOT NULL,
    search_terms JSON NOT NULL DEFAULT '[]',
    embedding_model TEXT,
    embedding_dim INTEGER,
    compatible INTEGER NOT NULL DEFAULT 1,
    grounding REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Ingested document chunks
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY,
    source_id TEXT NOT NULL UNIQUE,
    ontology TEXT NOT NULL,
    document_label TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    full_text TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Concept APPEARS_IN Source
CREATE TABLE IF NOT EXISTS concept_sources (
    concept_rowid INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    source_rowid INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    PRIMARY KEY (concept_rowid, source_rowid)
);

-- Verbatim evidence quotes
CREATE TABLE IF NOT EXISTS instances (
    instance_id TEXT PRIMARY KEY,
    concept_rowid INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    source_rowid INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    quote TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Typed, directed concept-to-concept edges
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    from_rowid INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    to_rowid INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    rel_type TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (from_rowid, to_rowid, rel_type)
);

-- Relationship-type vocabulary
CREATE TABLE IF NOT EXISTS vocab_types (
    id INTEGER PRIMARY KEY,
    type_name TEXT NOT NULL UNIQUE,
    category TEXT NOT NULL DEFAULT 'uncategorized',
    support_weight REAL NOT NULL DEFAULT 0,
    is_builtin INTEGER NOT NULL DEFAULT 0,
    synonyms JSON NOT NULL DEFAULT '[]',
    usage_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Durable ingestion jobs
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    state TEXT NOT NULL DEFAULT 'pending',
    owner TEXT NOT NULL DEFAULT '',
    ontology TEXT NOT NULL,
    document_label TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    auto_approve INTEGER NOT NULL DEFAULT 0,
    analysis JSON,
    progress JSON,
    result JSON,
    error TEXT,
    checkpoint INTEGER NOT NULL DEFAULT -1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME
);

-- Embedding model configurations; exactly one active
CREATE TABLE IF NOT EXISTS embedding_configs (
    id INTEGER PRIMARY KEY,
    provider TEXT NOT NULL,
    model_name TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    delete_protected INTEGER NOT NULL DEFAULT 0,
    change_protected INTEGER NOT NULL DEFAULT 0,
    similarity_threshold REAL NOT NULL DEFAULT 0.85,
    updated_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_embedding_active
    ON embedding_configs(active) WHERE active = 1;

-- Vector index over active-dimension concept embeddings
CREATE VIRTUAL TABLE IF NOT EXISTS vec_concepts USING vec0(
    concept_rowid INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Vector index over vocabulary-type embeddings
CREATE VIRTUAL TABLE IF NOT EXISTS vec_vocab USING vec0(
    vocab_rowid INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_sources_ontology ON sources(ontology);
CREATE INDEX IF NOT EXISTS idx_sources_hash ON sources(content_hash);
CREATE INDEX IF NOT EXISTS idx_instances_concept ON instances(concept_rowid);
CREATE INDEX IF NOT EXISTS idx_instances_source ON instances(source_rowid);
CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_rowid);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_rowid);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(rel_type);
CREATE INDEX IF NOT EXISTS idx_concept_sources_source ON concept_sources(source_rowid);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_hash ON jobs(content_hash, ontology);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`, embeddingDim)
}
