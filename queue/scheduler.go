package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aaronsb/knowledge-graph-system-sub013/chunker"
	"github.com/aaronsb/knowledge-graph-system-sub013/graph"
	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// progressBuffer is the per-subscriber channel depth. Slow subscribers
// lose the oldest update, never block the worker.
const progressBuffer = 16

// unavailableRetries is how many times a job is retried when the model
// provider is unreachable before the job fails.
const unavailableRetries = 3

// SchedulerConfig tunes the dispatch and cleanup loops.
type SchedulerConfig struct {
	Workers         int
	PollInterval    time.Duration
	CleanupInterval time.Duration
	ApprovalTimeout time.Duration
	CompletedRetain time.Duration
	FailedRetain    time.Duration
	// JobTimeout bounds one job's total run; zero disables it.
	JobTimeout time.Duration
}

// Scheduler pulls approved jobs off the queue and runs them on a bounded
// worker pool. It also expires stale approvals and prunes old terminal
// jobs.
type Scheduler struct {
	q      *Queue
	st     *store.Store
	worker *graph.Worker
	chunks *chunker.Chunker
	cfg    SchedulerConfig
	log    *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	subMu sync.Mutex
	subs  map[string][]chan store.JobProgress
}

// NewScheduler wires the scheduler. Zero config fields get sane defaults.
func NewScheduler(q *Queue, st *store.Store, worker *graph.Worker, chunks *chunker.Chunker, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 24 * time.Hour
	}
	if cfg.CompletedRetain <= 0 {
		cfg.CompletedRetain = 48 * time.Hour
	}
	if cfg.FailedRetain <= 0 {
		cfg.FailedRetain = 168 * time.Hour
	}
	return &Scheduler{
		q:      q,
		st:     st,
		worker: worker,
		chunks: chunks,
		cfg:    cfg,
		log:    slog.Default().With("stage", "scheduler"),
		sem:    make(chan struct{}, cfg.Workers),
		subs:   map[string][]chan store.JobProgress{},
	}
}

// Start requeues jobs interrupted by a previous shutdown and launches the
// dispatch and cleanup loops. Both stop when ctx is cancelled; Wait blocks
// until in-flight jobs drain.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.st.RequeueInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("requeued interrupted jobs", "count", n)
	}

	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.cleanupLoop(ctx)
	return nil
}

// Wait blocks until the loops and all running jobs have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchReady(ctx)
		}
	}
}

// dispatchReady claims approved jobs while worker slots are free.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			return
		}

		job, err := s.st.NextApprovedJob(ctx)
		if errors.Is(err, store.ErrNotFound) {
			<-s.sem
			return
		}
		if err != nil {
			s.log.Error("dispatch poll failed", "error", err)
			<-s.sem
			return
		}

		claimed, err := s.st.TransitionJob(ctx, job.JobID, store.JobProcessing, store.JobApproved)
		if err != nil || !claimed {
			<-s.sem
			continue
		}

		s.wg.Add(1)
		go func(j *store.Job) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runJob(ctx, j)
		}(job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *store.Job) {
	log := s.log.With("job", job.JobID, "ontology", job.Ontology)
	log.Info("job started", "resume_from", job.Checkpoint+1)

	release := s.q.markRunning(job.JobID)
	defer release()

	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	chunks := s.chunks.Chunk(job.Content)
	opts := graph.RunOptions{
		StartIndex: job.Checkpoint + 1,
		Cancelled:  s.q.cancelFlag(job.JobID).Load,
		Progress: func(p store.JobProgress, checkpoint int) {
			if err := s.st.UpdateJobProgress(ctx, job.JobID, &p, checkpoint); err != nil {
				log.Warn("progress update failed", "error", err)
			}
			s.publish(job.JobID, p)
		},
	}

	// A provider outage is worth waiting out; anything else fails the
	// job immediately.
	var result *store.JobResult
	run := func() error {
		r, err := s.worker.Run(ctx, job, chunks, opts)
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), unavailableRetries)
	err := backoff.Retry(run, backoff.WithContext(bo, ctx))

	defer s.q.dropCancelFlag(job.JobID)
	defer s.closeSubs(job.JobID)

	switch {
	case err == nil:
		if ferr := s.st.FinishJob(ctx, job.JobID, result, ""); ferr != nil {
			log.Error("result write failed", "error", ferr)
		}
		if _, terr := s.st.TransitionJob(ctx, job.JobID, store.JobCompleted, store.JobProcessing); terr != nil {
			log.Error("completion transition failed", "error", terr)
		}
		log.Info("job completed",
			"chunks", result.ChunksProcessed, "failed_chunks", result.FailedChunks,
			"concepts_created", result.ConceptsCreated, "relationships", result.RelationshipsCreated)

	case errors.Is(err, graph.ErrCancelled):
		// Cancel already moved the row to cancelled; committed chunks
		// stay in the graph.
		log.Info("job stopped on cancel")

	case errors.Is(err, context.DeadlineExceeded) && s.cfg.JobTimeout > 0:
		// Hard timeout takes the cancellation path: the job ends
		// cancelled with its committed chunks intact.
		finishCtx := context.WithoutCancel(ctx)
		if ferr := s.st.FinishJob(finishCtx, job.JobID, nil, "job timeout exceeded"); ferr != nil {
			log.Error("error write failed", "error", ferr)
		}
		if _, terr := s.st.TransitionJob(finishCtx, job.JobID, store.JobCancelled, store.JobProcessing); terr != nil {
			log.Error("timeout transition failed", "error", terr)
		}
		log.Warn("job hit hard timeout, cancelled", "timeout", s.cfg.JobTimeout)

	case errors.Is(err, context.Canceled):
		// Scheduler shutdown. The row stays in processing so
		// RequeueInterrupted resumes it from the checkpoint next start.
		log.Info("job interrupted by shutdown, will resume")

	default:
		finishCtx := context.WithoutCancel(ctx)
		if ferr := s.st.FinishJob(finishCtx, job.JobID, nil, err.Error()); ferr != nil {
			log.Error("error write failed", "error", ferr)
		}
		if _, terr := s.st.TransitionJob(finishCtx, job.JobID, store.JobFailed, store.JobProcessing); terr != nil {
			log.Error("failure transition failed", "error", terr)
		}
		log.Error("job failed", "error", err)
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep expires stale approvals and prunes old terminal jobs per the
// retention policy.
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()

	stale, err := s.st.StaleApprovalJobs(ctx, now.Add(-s.cfg.ApprovalTimeout))
	if err != nil {
		s.log.Error("stale approval scan failed", "error", err)
	}
	for _, jobID := range stale {
		if _, err := s.st.TransitionJob(ctx, jobID, store.JobCancelled, store.JobAwaitingApproval); err != nil {
			s.log.Error("approval expiry failed", "job", jobID, "error", err)
			continue
		}
		s.log.Info("approval window expired, job cancelled", "job", jobID)
	}

	completed, err := s.st.DeleteTerminalJobsBefore(ctx,
		[]string{store.JobCompleted}, now.Add(-s.cfg.CompletedRetain))
	if err != nil {
		s.log.Error("completed job pruning failed", "error", err)
	}
	failed, err := s.st.DeleteTerminalJobsBefore(ctx,
		[]string{store.JobFailed, store.JobCancelled}, now.Add(-s.cfg.FailedRetain))
	if err != nil {
		s.log.Error("failed job pruning failed", "error", err)
	}
	if completed+failed > 0 {
		s.log.Info("pruned old jobs", "completed", completed, "failed_or_cancelled", failed)
	}
}

// Subscribe streams progress updates for a job. The returned cancel
// function must be called when the subscriber is done. The channel closes
// when the job finishes.
func (s *Scheduler) Subscribe(jobID string) (<-chan store.JobProgress, func()) {
	ch := make(chan store.JobProgress, progressBuffer)
	s.subMu.Lock()
	s.subs[jobID] = append(s.subs[jobID], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subs[jobID]
		for i, c := range subs {
			if c == ch {
				s.subs[jobID] = append(subs[:i], subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// publish fans a progress update out to subscribers, dropping the oldest
// buffered update for any subscriber that has fallen behind.
func (s *Scheduler) publish(jobID string, p store.JobProgress) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[jobID] {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

func (s *Scheduler) closeSubs(jobID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[jobID] {
		close(ch)
	}
	delete(s.subs, jobID)
}
