// Package kgraph builds knowledge graphs from documents: an LLM extracts
// concepts, evidence quotes, and typed relationships from each chunk, and
// embedding similarity folds repeated concepts together across documents.
// Ingestion runs as durable jobs with a cost-approval gate.
package kgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aaronsb/knowledge-graph-system-sub013/chunker"
	"github.com/aaronsb/knowledge-graph-system-sub013/graph"
	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/parser"
	"github.com/aaronsb/knowledge-graph-system-sub013/queue"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
	"github.com/aaronsb/knowledge-graph-system-sub013/vocab"
)

// Engine is the main entry point. Construct with New, call Start to run
// the job scheduler, Close to shut down.
type Engine struct {
	cfg       Config
	st        *store.Store
	embedder  *llm.Embedder
	extractor *graph.Extractor
	registry  *vocab.Registry
	chunks    *chunker.Chunker
	parsers   *parser.Registry
	jobs      *queue.Queue
	scheduler *queue.Scheduler

	cancel context.CancelFunc
	log    *slog.Logger
}

// New opens the store, wires the providers, and seeds the relationship
// vocabulary. The persisted active embedding config, when present, takes
// precedence over the embedding fields in cfg so restarts keep using the
// model the graph was built with.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.85
	}

	st, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	embedCfg := llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	}
	dim := cfg.EmbeddingDim
	threshold := cfg.SimilarityThreshold
	active, err := st.ActiveEmbeddingConfig(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		st.Close()
		return nil, err
	}
	if active != nil {
		embedCfg.Provider = active.Provider
		embedCfg.Model = active.ModelName
		embedCfg.BaseURL = cfg.Embedding.BaseURL
		dim = active.Dimensions
		if active.SimilarityThreshold > 0 {
			threshold = active.SimilarityThreshold
		}
	}

	embedder, err := llm.NewEmbedder(embedCfg, dim, threshold)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	chatProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Extraction.Provider,
		Model:    cfg.Extraction.Model,
		BaseURL:  cfg.Extraction.BaseURL,
		APIKey:   cfg.Extraction.APIKey,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating extraction provider: %w", err)
	}
	extractor := graph.NewExtractor(chatProvider, cfg.Extraction.Model)

	registry := vocab.New(st, embedder, vocab.Bounds{
		MinComfort: cfg.Vocab.MinComfort,
		SoftMax:    cfg.Vocab.SoftMax,
		HardMax:    cfg.Vocab.HardMax,
	}, cfg.Vocab.MergeThreshold)
	if err := registry.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing vocabulary: %w", err)
	}

	chunks := chunker.New(chunker.Config{
		TargetWords:  cfg.Chunker.TargetWords,
		MinWords:     cfg.Chunker.MinWords,
		MaxWords:     cfg.Chunker.MaxWords,
		OverlapWords: cfg.Chunker.OverlapWords,
	})

	upsert := graph.NewUpsertEngine(st, embedder, registry)
	worker := graph.NewWorker(st, embedder, extractor, upsert,
		time.Duration(cfg.ChunkTimeoutSec)*time.Second)

	analyzer := &queue.Analysis{
		TargetWords:     cfg.Chunker.TargetWords,
		ExtractionModel: cfg.Extraction.Model,
		EmbeddingModel:  embedCfg.Model,
		LocalExtraction: isLocalProvider(cfg.Extraction.Provider),
		LocalEmbedding:  isLocalProvider(embedCfg.Provider),
	}
	jobs := queue.New(st, analyzer)
	scheduler := queue.NewScheduler(jobs, st, worker, chunks, queue.SchedulerConfig{
		Workers:         cfg.Queue.Workers,
		CleanupInterval: time.Duration(cfg.Queue.CleanupIntervalSec) * time.Second,
		ApprovalTimeout: time.Duration(cfg.Queue.ApprovalTimeoutHrs) * time.Hour,
		CompletedRetain: time.Duration(cfg.Queue.CompletedRetainHrs) * time.Hour,
		FailedRetain:    time.Duration(cfg.Queue.FailedRetainHrs) * time.Hour,
		JobTimeout:      time.Duration(cfg.Queue.JobTimeoutSec) * time.Second,
	})

	return &Engine{
		cfg:       cfg,
		st:        st,
		embedder:  embedder,
		extractor: extractor,
		registry:  registry,
		chunks:    chunks,
		parsers:   parser.NewRegistry(),
		jobs:      jobs,
		scheduler: scheduler,
		log:       slog.Default().With("stage", "engine"),
	}, nil
}

// Start launches the job scheduler. Jobs interrupted by a previous
// shutdown are requeued for processing.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	return e.scheduler.Start(ctx)
}

// Close stops the scheduler, waits for running jobs to reach a chunk
// boundary, and closes the store.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		e.scheduler.Wait()
	}
	return e.st.Close()
}

// Store exposes the underlying store for diagnostics and tooling.
func (e *Engine) Store() *store.Store {
	return e.st
}

// --- Ingestion ---

// Submit enqueues raw text for ingestion. The returned job carries the
// cost analysis; unless AutoApprove was set it waits for Approve.
func (e *Engine) Submit(ctx context.Context, req queue.SubmitRequest) (*store.Job, error) {
	return e.jobs.Submit(ctx, req)
}

// SubmitFile parses a document file and enqueues its text. Format is
// detected from the extension; txt, md, pdf, docx, and xlsx are built in.
func (e *Engine) SubmitFile(ctx context.Context, path string, req queue.SubmitRequest) (*store.Job, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	doc, err := e.parsers.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	req.Content = doc.Text()
	if req.DocumentLabel == "" {
		req.DocumentLabel = doc.Label
	}
	return e.jobs.Submit(ctx, req)
}

// ApproveJob releases a job from the approval gate.
func (e *Engine) ApproveJob(ctx context.Context, jobID string) (*store.Job, error) {
	return e.jobs.Approve(ctx, jobID)
}

// CancelJob cancels a job. Running jobs stop at the next chunk boundary
// and keep the chunks already committed.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (*store.Job, error) {
	return e.jobs.Cancel(ctx, jobID)
}

// GetJob returns one job with its analysis, progress, and result.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return e.jobs.Get(ctx, jobID)
}

// ListJobs returns jobs matching the filter, newest first.
func (e *Engine) ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error) {
	return e.jobs.List(ctx, f)
}

// DeleteJob removes a job's record. A processing job is cancelled first
// and the call waits for its worker to stop at a chunk boundary.
func (e *Engine) DeleteJob(ctx context.Context, jobID string) error {
	return e.jobs.Delete(ctx, jobID)
}

// DeleteAllJobs clears the queue, returning the number of rows removed.
func (e *Engine) DeleteAllJobs(ctx context.Context) (int64, error) {
	return e.jobs.DeleteAll(ctx)
}

// WatchJob streams progress updates for a job until it finishes. The
// cancel function releases the subscription.
func (e *Engine) WatchJob(jobID string) (<-chan store.JobProgress, func()) {
	return e.scheduler.Subscribe(jobID)
}

// --- Query surface ---

// SearchConcepts finds concepts semantically similar to the query text.
// Empty ontology searches the whole graph.
func (e *Engine) SearchConcepts(ctx context.Context, query string, limit int, minSimilarity float64, ontology string) ([]store.ConceptMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	vec, err := e.embedder.EmbedOne(ctx, query, llm.RoleQuery)
	if err != nil {
		return nil, err
	}
	return e.st.VectorSearchConcepts(ctx, vec, limit, minSimilarity, ontology)
}

// ConceptDetails is a concept with its evidence and edges.
type ConceptDetails struct {
	Concept       store.Concept        `json:"concept"`
	Instances     []store.Instance     `json:"instances"`
	Relationships []store.Relationship `json:"relationships"`
}

// GetConcept returns a concept with its evidence quotes and relationships.
func (e *Engine) GetConcept(ctx context.Context, conceptID string) (*ConceptDetails, error) {
	c, err := e.st.GetConcept(ctx, conceptID)
	if err != nil {
		return nil, err
	}
	instances, err := e.st.GetConceptInstances(ctx, conceptID)
	if err != nil {
		return nil, err
	}
	rels, err := e.st.GetConceptRelationships(ctx, conceptID)
	if err != nil {
		return nil, err
	}
	return &ConceptDetails{Concept: *c, Instances: instances, Relationships: rels}, nil
}

// FindConnection returns up to five shortest undirected paths between two
// concepts within maxHops edges.
func (e *Engine) FindConnection(ctx context.Context, fromID, toID string, maxHops int) ([]graph.Path, error) {
	return graph.FindConnection(ctx, e.st, fromID, toID, maxHops)
}

// FindRelated returns concepts within maxDepth hops of a concept, with
// distances and path relationship types.
func (e *Engine) FindRelated(ctx context.Context, conceptID string, maxDepth int) ([]graph.RelatedConcept, error) {
	return graph.FindRelated(ctx, e.st, conceptID, maxDepth)
}

// ListOntologies returns ontology names with their source counts.
func (e *Engine) ListOntologies(ctx context.Context) (map[string]int, error) {
	return e.st.ListOntologies(ctx)
}

// DeleteOntology removes an ontology's sources and any concepts left
// without evidence.
func (e *Engine) DeleteOntology(ctx context.Context, ontology string) error {
	ok, err := e.st.OntologyExists(ctx, ontology)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ontology %q", ErrNotFound, ontology)
	}
	return e.st.DeleteOntology(ctx, ontology)
}

// Stats returns row counts for the main tables.
func (e *Engine) Stats(ctx context.Context) (*store.DBStats, error) {
	return e.st.Stats(ctx)
}

// --- Vocabulary ---

// VocabStatus reports registry size, growth zone, and embedding health.
func (e *Engine) VocabStatus(ctx context.Context) (*vocab.Status, error) {
	return e.registry.Status(ctx)
}

// ListVocabTypes returns all relationship types with usage counts.
func (e *Engine) ListVocabTypes(ctx context.Context) ([]store.VocabRow, error) {
	return e.registry.ListTypes(ctx)
}

// MergeVocabTypes folds type a into type b, redirecting its edges, then
// recomputes grounding for the affected concepts.
func (e *Engine) MergeVocabTypes(ctx context.Context, a, b, reason string) error {
	affected, err := e.registry.Merge(ctx, a, b, reason)
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}
	return graph.RecomputeGrounding(ctx, e.st, e.registry)
}

// --- Embedding configuration ---

// ListEmbeddingConfigs returns all persisted embedding configurations.
func (e *Engine) ListEmbeddingConfigs(ctx context.Context) ([]store.EmbeddingConfigRow, error) {
	return e.st.ListEmbeddingConfigs(ctx)
}

// CreateEmbeddingConfig persists a configuration, optionally activating it
// immediately.
func (e *Engine) CreateEmbeddingConfig(ctx context.Context, row store.EmbeddingConfigRow, activate bool) (int64, error) {
	id, err := e.st.CreateEmbeddingConfig(ctx, row, activate)
	if err != nil {
		return 0, err
	}
	if activate {
		if err := e.applyEmbeddingConfig(ctx, id, true); err != nil {
			return id, err
		}
	}
	return id, nil
}

// ActivateEmbeddingConfig switches the live embedding configuration
// without a restart. Changing dimensions requires force and invalidates
// every stored concept embedding; RegenerateEmbeddings rebuilds them.
func (e *Engine) ActivateEmbeddingConfig(ctx context.Context, id int64, force bool) error {
	if _, err := e.st.ActivateEmbeddingConfig(ctx, id, force); err != nil {
		return err
	}
	return e.applyEmbeddingConfig(ctx, id, false)
}

// applyEmbeddingConfig hot-swaps the embedder to an already-persisted
// config and rebuilds the vector indexes when dimensions changed.
func (e *Engine) applyEmbeddingConfig(ctx context.Context, id int64, fresh bool) error {
	row, err := e.st.GetEmbeddingConfig(ctx, id)
	if err != nil {
		return err
	}
	threshold := row.SimilarityThreshold
	if threshold == 0 {
		threshold = e.cfg.SimilarityThreshold
	}
	dimChanged := row.Dimensions != e.embedder.Info().Dimensions
	if err := e.embedder.Reload(llm.Config{
		Provider: row.Provider,
		Model:    row.ModelName,
		BaseURL:  e.cfg.Embedding.BaseURL,
		APIKey:   e.cfg.Embedding.APIKey,
	}, row.Dimensions, threshold); err != nil {
		return err
	}
	if dimChanged && !fresh {
		if err := e.st.RebuildVectorIndexes(ctx, row.Dimensions); err != nil {
			return err
		}
		e.log.Warn("embedding dimensions changed, stored embeddings invalidated",
			"dimensions", row.Dimensions, "action", "run RegenerateEmbeddings")
	}
	if err := e.registry.ReloadEmbeddings(ctx); err != nil {
		e.log.Warn("vocabulary re-embedding failed, registry degraded", "error", err)
	}
	return nil
}

// SetEmbeddingConfigProtection updates a config's protection flags. Nil
// leaves a flag unchanged.
func (e *Engine) SetEmbeddingConfigProtection(ctx context.Context, id int64, deleteProtected, changeProtected *bool) error {
	return e.st.SetEmbeddingConfigProtection(ctx, id, deleteProtected, changeProtected)
}

// DeleteEmbeddingConfig removes an inactive, unprotected config.
func (e *Engine) DeleteEmbeddingConfig(ctx context.Context, id int64) error {
	return e.st.DeleteEmbeddingConfig(ctx, id)
}

// RegenerateEmbeddings re-embeds every concept whose stored embedding does
// not match the active model. Batches run concurrently up to the queue's
// worker count. Returns the number regenerated.
func (e *Engine) RegenerateEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	incompatible, err := e.st.ListIncompatibleConcepts(ctx)
	if err != nil {
		return 0, err
	}
	info := e.embedder.Info()

	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Queue.Workers, 1))
	for start := 0; start < len(incompatible); start += batchSize {
		end := min(start+batchSize, len(incompatible))
		batch := incompatible[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Label
				if len(c.SearchTerms) > 0 {
					texts[i] = c.Label + " " + strings.Join(c.SearchTerms, " ")
				}
			}
			vecs, err := e.embedder.Embed(ctx, texts, llm.RoleDocument)
			if err != nil {
				return err
			}
			for i, c := range batch {
				if err := e.st.InsertConceptEmbedding(ctx, c.ConceptID, vecs[i], info.Model); err != nil {
					return err
				}
				done.Add(1)
			}
			e.log.Info("regenerated embeddings", "done", done.Load(), "total", len(incompatible))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}

// --- Health ---

// Health reports readiness and any degraded subsystems.
type Health struct {
	OK           bool     `json:"ok"`
	Degraded     []string `json:"degraded,omitempty"`
	DBPath       string   `json:"db_path"`
	EmbedModel   string   `json:"embedding_model"`
	EmbedDim     int      `json:"embedding_dim"`
	VocabSize    int      `json:"vocab_size"`
	VocabZone    string   `json:"vocab_zone"`
	Incompatible int      `json:"incompatible_concepts"`
}

// CheckHealth verifies the store is reachable and reports degraded
// subsystems: unembedded vocabulary types or concepts invalidated by a
// dimension change.
func (e *Engine) CheckHealth(ctx context.Context) (*Health, error) {
	h := &Health{OK: true, DBPath: e.cfg.resolveDBPath()}
	info := e.embedder.Info()
	h.EmbedModel = info.Model
	h.EmbedDim = info.Dimensions

	if _, err := e.st.Stats(ctx); err != nil {
		h.OK = false
		h.Degraded = append(h.Degraded, "store: "+err.Error())
		return h, nil
	}

	status, err := e.registry.Status(ctx)
	if err != nil {
		h.OK = false
		h.Degraded = append(h.Degraded, "vocab: "+err.Error())
	} else {
		h.VocabSize = status.Size
		h.VocabZone = string(status.Zone)
		if status.Degraded {
			h.Degraded = append(h.Degraded, "vocab: types without embeddings, semantic merge disabled for them")
		}
	}

	incompatible, err := e.st.ListIncompatibleConcepts(ctx)
	if err == nil && len(incompatible) > 0 {
		h.Incompatible = len(incompatible)
		h.Degraded = append(h.Degraded, "concepts: stored embeddings do not match the active model")
	}
	return h, nil
}

func isLocalProvider(provider string) bool {
	return provider == "ollama" || provider == "lmstudio" || provider == ""
}
