package kgraph

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the knowledge graph engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.kgraph/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "kgraph".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.kgraph/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Extraction LLMConfig `json:"extraction" yaml:"extraction"`
	Embedding  LLMConfig `json:"embedding" yaml:"embedding"`

	// Chunking
	Chunker ChunkerConfig `json:"chunker" yaml:"chunker"`

	// Vocabulary growth bounds
	Vocab VocabConfig `json:"vocab" yaml:"vocab"`

	// Job queue and scheduler
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// SimilarityThreshold is the cosine similarity above which an extracted
	// concept merges into an existing one. Applied globally; the persisted
	// active embedding config may override it.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// LLMTimeoutSec bounds a single extraction or embedding call.
	LLMTimeoutSec int `json:"llm_timeout_sec" yaml:"llm_timeout_sec"`

	// ChunkTimeoutSec bounds the full extract+upsert cycle for one chunk.
	ChunkTimeoutSec int `json:"chunk_timeout_sec" yaml:"chunk_timeout_sec"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openai
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// ChunkerConfig bounds chunk sizes in words.
type ChunkerConfig struct {
	TargetWords  int `json:"target_words" yaml:"target_words"`
	MinWords     int `json:"min_words" yaml:"min_words"`
	MaxWords     int `json:"max_words" yaml:"max_words"`
	OverlapWords int `json:"overlap_words" yaml:"overlap_words"`
}

// VocabConfig bounds relationship-vocabulary growth.
type VocabConfig struct {
	MinComfort     int     `json:"min_comfort" yaml:"min_comfort"`
	SoftMax        int     `json:"soft_max" yaml:"soft_max"`
	HardMax        int     `json:"hard_max" yaml:"hard_max"`
	MergeThreshold float64 `json:"merge_threshold" yaml:"merge_threshold"`
}

// QueueConfig configures the scheduler and retention sweeps.
type QueueConfig struct {
	Workers int `json:"workers" yaml:"workers"` // concurrent ingestion jobs

	CleanupIntervalSec int `json:"cleanup_interval_sec" yaml:"cleanup_interval_sec"`
	ApprovalTimeoutHrs int `json:"approval_timeout_hrs" yaml:"approval_timeout_hrs"`
	CompletedRetainHrs int `json:"completed_retain_hrs" yaml:"completed_retain_hrs"`
	FailedRetainHrs    int `json:"failed_retain_hrs" yaml:"failed_retain_hrs"`
	JobTimeoutSec      int `json:"job_timeout_sec" yaml:"job_timeout_sec"` // 0 = unbounded
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.kgraph/kgraph.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "kgraph",
		StorageDir: "home",
		Extraction: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Chunker: ChunkerConfig{
			TargetWords:  1000,
			MinWords:     800,
			MaxWords:     1500,
			OverlapWords: 200,
		},
		Vocab: VocabConfig{
			MinComfort:     30,
			SoftMax:        90,
			HardMax:        200,
			MergeThreshold: 0.92,
		},
		Queue: QueueConfig{
			Workers:            1,
			CleanupIntervalSec: 3600,
			ApprovalTimeoutHrs: 24,
			CompletedRetainHrs: 48,
			FailedRetainHrs:    168,
		},
		SimilarityThreshold: 0.85,
		EmbeddingDim:        768,
		LLMTimeoutSec:       120,
		ChunkTimeoutSec:     300,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "kgraph"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".kgraph")
		return filepath.Join(dir, name+".db")
	}
}
