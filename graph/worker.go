package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aaronsb/knowledge-graph-system-sub013/chunker"
	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// ErrCancelled aborts a run when the job's cancel flag is observed at a
// chunk boundary.
var ErrCancelled = errors.New("graph: run cancelled")

// contextSearchK is how many existing concepts are offered to the
// extraction model per chunk.
const contextSearchK = 50

// Worker processes one job's chunks sequentially: retrieve context,
// extract, upsert, report progress.
type Worker struct {
	st           *store.Store
	embedder     *llm.Embedder
	extractor    *Extractor
	upsert       *UpsertEngine
	chunkTimeout time.Duration
	log          *slog.Logger
}

// NewWorker wires a worker. chunkTimeout bounds the extraction call for a
// single chunk; zero means no per-chunk timeout.
func NewWorker(st *store.Store, embedder *llm.Embedder, extractor *Extractor, upsert *UpsertEngine, chunkTimeout time.Duration) *Worker {
	return &Worker{
		st:           st,
		embedder:     embedder,
		extractor:    extractor,
		upsert:       upsert,
		chunkTimeout: chunkTimeout,
		log:          slog.Default().With("stage", "worker"),
	}
}

// RunOptions controls a single job run.
type RunOptions struct {
	// StartIndex is the first chunk index to process. Resumed jobs set it
	// to the persisted checkpoint plus one.
	StartIndex int
	// Progress is invoked after every chunk boundary with the cumulative
	// progress and the index of the last committed chunk.
	Progress func(p store.JobProgress, checkpoint int)
	// Cancelled is polled at chunk boundaries.
	Cancelled func() bool
}

// Run processes the job's chunks in order. Chunks below StartIndex, and
// chunks whose source row already exists, are skipped so an interrupted job
// resumes without duplicating work. A chunk whose extraction stays
// malformed after retry is skipped and counted as failed; provider and
// store errors abort the run.
func (w *Worker) Run(ctx context.Context, job *store.Job, chunks []chunker.Chunk, opts RunOptions) (*store.JobResult, error) {
	start := time.Now()
	total := len(chunks)
	progress := store.JobProgress{ChunksTotal: total}
	report := &UpsertReport{}
	failed := 0

	for _, ch := range chunks {
		if opts.Cancelled != nil && opts.Cancelled() {
			return nil, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if ch.Index < opts.StartIndex {
			progress.ChunksDone++
			continue
		}
		done, err := w.st.SourceChunkExists(ctx, job.Ontology, ch.ContentHash, ch.Index)
		if err != nil {
			return nil, err
		}
		if done {
			w.log.Debug("chunk already ingested, skipping", "job", job.JobID, "chunk", ch.Index)
			progress.ChunksDone++
			continue
		}

		chunkReport, err := w.processChunk(ctx, job, ch)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				w.log.Warn("chunk extraction failed, skipping chunk",
					"job", job.JobID, "chunk", ch.Index, "error", err)
				failed++
			} else {
				return nil, fmt.Errorf("chunk %d: %w", ch.Index, err)
			}
		} else {
			report.Add(*chunkReport)
		}

		progress.ChunksDone++
		progress.ConceptsCreated = report.ConceptsCreated
		progress.ConceptsUpdated = report.ConceptsUpdated
		progress.InstancesCreated = report.InstancesCreated
		progress.RelationshipsCreated = report.RelationshipsCreated
		progress.FailedChunks = failed
		progress.ElapsedMS = time.Since(start).Milliseconds()
		progress.ETAMS = etaMS(start, progress.ChunksDone, total)
		if opts.Progress != nil {
			opts.Progress(progress, ch.Index)
		}
	}

	return &store.JobResult{
		ChunksProcessed:      progress.ChunksDone,
		ConceptsCreated:      report.ConceptsCreated,
		ConceptsUpdated:      report.ConceptsUpdated,
		InstancesCreated:     report.InstancesCreated,
		RelationshipsCreated: report.RelationshipsCreated,
		FailedChunks:         failed,
	}, nil
}

func (w *Worker) processChunk(ctx context.Context, job *store.Job, ch chunker.Chunk) (*UpsertReport, error) {
	if w.chunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.chunkTimeout)
		defer cancel()
	}

	known, err := w.contextConcepts(ctx, job.Ontology, ch.Body())
	if err != nil {
		return nil, err
	}
	ext, err := w.extractor.Extract(ctx, ch.Text, known)
	if err != nil {
		return nil, err
	}

	src := store.Source{
		SourceID:      sourceID(job.DocumentLabel, job.ContentHash, ch.Index),
		Ontology:      job.Ontology,
		DocumentLabel: job.DocumentLabel,
		ChunkIndex:    ch.Index,
		FullText:      ch.Text,
		ContentHash:   ch.ContentHash,
	}
	return w.upsert.Apply(ctx, ext, src)
}

// contextConcepts retrieves the concepts most similar to the chunk body so
// the model reuses their ids instead of minting duplicates.
func (w *Worker) contextConcepts(ctx context.Context, ontology, body string) ([]ContextConcept, error) {
	vec, err := w.embedder.EmbedOne(ctx, body, llm.RoleQuery)
	if err != nil {
		return nil, fmt.Errorf("embed chunk: %w", err)
	}
	matches, err := w.st.VectorSearchConcepts(ctx, vec, contextSearchK, 0, ontology)
	if err != nil {
		return nil, fmt.Errorf("context search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ConceptID
	}
	concepts, err := w.st.GetConceptsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ContextConcept, len(concepts))
	for i, c := range concepts {
		out[i] = ContextConcept{ConceptID: c.ConceptID, Label: c.Label, SearchTerms: c.SearchTerms}
	}
	return out, nil
}

func etaMS(start time.Time, done, total int) int64 {
	if done == 0 || done >= total {
		return 0
	}
	perChunk := time.Since(start).Milliseconds() / int64(done)
	return perChunk * int64(total-done)
}

// sourceID derives a stable per-chunk source id from the document identity.
func sourceID(documentLabel, contentHash string, chunkIndex int) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(documentLabel), "_"), "_")
	if slug == "" {
		slug = "doc"
	}
	hash := contentHash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%s_%s_%04d", slug, hash, chunkIndex)
}
