// Package queue manages the durable ingestion job lifecycle: submission
// with duplicate detection, cost analysis, the approval gate, scheduling
// onto workers, and retention cleanup.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

var (
	// ErrDuplicate means an active job already covers the same content
	// and ontology. The existing job is returned alongside it.
	ErrDuplicate = errors.New("queue: duplicate submission")
	// ErrBadTransition means the requested state change is not allowed
	// from the job's current state.
	ErrBadTransition = errors.New("queue: invalid state transition")
)

// SubmitRequest describes a document submitted for ingestion.
type SubmitRequest struct {
	Owner         string
	Ontology      string
	DocumentLabel string
	Content       string
	// AutoApprove skips the approval gate.
	AutoApprove bool
	// Force submits even when an active duplicate exists.
	Force bool
}

// Analyzer estimates cost and chunking for submitted content. Satisfied by
// Analysis in this package; an interface so submission does not depend on
// model pricing directly.
type Analyzer interface {
	Analyze(content string) *store.JobAnalysis
}

// Queue owns job rows and their state machine. It does not run jobs; the
// Scheduler picks approved jobs off it.
type Queue struct {
	st       *store.Store
	analyzer Analyzer
	log      *slog.Logger

	mu        sync.Mutex
	cancelled map[string]*atomic.Bool
	running   map[string]chan struct{}
}

// New builds a queue over the store.
func New(st *store.Store, analyzer Analyzer) *Queue {
	return &Queue{
		st:        st,
		analyzer:  analyzer,
		log:       slog.Default().With("stage", "queue"),
		cancelled: map[string]*atomic.Bool{},
		running:   map[string]chan struct{}{},
	}
}

// Submit creates a job for the document and runs the cost analysis. Unless
// AutoApprove is set the job waits in awaiting_approval until Approve is
// called. When an active job already holds the same content hash in the
// same ontology, the existing job is returned with ErrDuplicate; Force
// overrides the check.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("queue: empty content")
	}
	if strings.TrimSpace(req.Ontology) == "" {
		return nil, fmt.Errorf("queue: ontology is required")
	}

	hash := contentHash(req.Content)
	if !req.Force {
		existing, err := q.st.FindActiveJob(ctx, hash, req.Ontology)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, fmt.Errorf("%w: job %s", ErrDuplicate, existing.JobID)
		}
	}

	job := store.Job{
		JobID:         newJobID(),
		State:         store.JobPending,
		Owner:         req.Owner,
		Ontology:      req.Ontology,
		DocumentLabel: req.DocumentLabel,
		Content:       req.Content,
		ContentHash:   hash,
		AutoApprove:   req.AutoApprove,
		Checkpoint:    -1,
	}
	if job.DocumentLabel == "" {
		job.DocumentLabel = "document"
	}
	if err := q.st.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	analysis := q.analyzer.Analyze(req.Content)
	if err := q.st.UpdateJobAnalysis(ctx, job.JobID, analysis); err != nil {
		return nil, err
	}

	next := store.JobAwaitingApproval
	if req.AutoApprove {
		next = store.JobApproved
	}
	if _, err := q.st.TransitionJob(ctx, job.JobID, next, store.JobPending); err != nil {
		return nil, err
	}

	q.log.Info("job submitted",
		"job", job.JobID, "ontology", job.Ontology, "label", job.DocumentLabel,
		"chunks", analysis.ChunkCount, "auto_approve", req.AutoApprove)
	return q.st.GetJob(ctx, job.JobID)
}

// Approve releases a job from the approval gate. Only a job in
// awaiting_approval can be approved.
func (q *Queue) Approve(ctx context.Context, jobID string) (*store.Job, error) {
	ok, err := q.st.TransitionJob(ctx, jobID, store.JobApproved,
		store.JobAwaitingApproval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.transitionErr(ctx, jobID, store.JobApproved)
	}
	q.log.Info("job approved", "job", jobID)
	return q.st.GetJob(ctx, jobID)
}

// Cancel moves a job to cancelled from any non-terminal state. A job that
// is already processing keeps running until its worker observes the cancel
// flag at the next chunk boundary; work committed before that stays.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	ok, err := q.st.TransitionJob(ctx, jobID, store.JobCancelled,
		store.JobPending, store.JobAwaitingApproval, store.JobApproved, store.JobProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.transitionErr(ctx, jobID, store.JobCancelled)
	}
	q.cancelFlag(jobID).Store(true)
	q.log.Info("job cancelled", "job", jobID)
	return q.st.GetJob(ctx, jobID)
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return q.st.GetJob(ctx, jobID)
}

// List returns jobs matching the filter, newest first.
func (q *Queue) List(ctx context.Context, f store.JobFilter) ([]*store.Job, error) {
	return q.st.ListJobs(ctx, f)
}

// Delete removes a job row. A processing job is first cancelled, and the
// delete waits for its worker to stop at the next chunk boundary; other
// non-terminal jobs are refused.
func (q *Queue) Delete(ctx context.Context, jobID string) error {
	job, err := q.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.State == store.JobProcessing:
		if _, err := q.Cancel(ctx, jobID); err != nil {
			return err
		}
		select {
		case <-q.runningDone(jobID):
		case <-ctx.Done():
			return ctx.Err()
		}
	case !isTerminal(job.State):
		return fmt.Errorf("%w: cannot delete job in state %s", ErrBadTransition, job.State)
	}
	return q.st.DeleteJob(ctx, jobID)
}

// DeleteAll clears every job row and returns the number removed. Cancel
// flags are set for processing jobs first so their workers stop at the
// next chunk boundary instead of writing to vanished rows.
func (q *Queue) DeleteAll(ctx context.Context) (int64, error) {
	processing, err := q.st.ListJobs(ctx, store.JobFilter{States: []string{store.JobProcessing}})
	if err != nil {
		return 0, err
	}
	for _, j := range processing {
		q.cancelFlag(j.JobID).Store(true)
	}
	n, err := q.st.DeleteAllJobs(ctx)
	if err != nil {
		return 0, err
	}
	q.log.Info("queue cleared", "deleted", n)
	return n, nil
}

// cancelFlag returns the in-memory cancel flag for a job, creating it on
// first use. The scheduler polls it at chunk boundaries.
func (q *Queue) cancelFlag(jobID string) *atomic.Bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.cancelled[jobID]
	if !ok {
		f = &atomic.Bool{}
		q.cancelled[jobID] = f
	}
	return f
}

// dropCancelFlag releases a finished job's flag.
func (q *Queue) dropCancelFlag(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancelled, jobID)
}

// markRunning records that a worker owns the job. The returned release
// function unblocks any Delete waiting for the worker to stop.
func (q *Queue) markRunning(jobID string) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan struct{})
	q.running[jobID] = ch
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		close(ch)
		delete(q.running, jobID)
	}
}

// runningDone returns a channel closed when the job's worker has stopped.
// A job with no live worker yields an already-closed channel.
func (q *Queue) runningDone(jobID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.running[jobID]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// transitionErr builds a descriptive ErrBadTransition from the job's
// actual current state.
func (q *Queue) transitionErr(ctx context.Context, jobID, to string) error {
	job, err := q.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s for job %s", ErrBadTransition, job.State, to, jobID)
}

func isTerminal(state string) bool {
	for _, s := range store.TerminalJobStates {
		if s == state {
			return true
		}
	}
	return false
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newJobID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "job_" + raw[:12]
}
