package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job states. Terminal states are completed, failed, and cancelled.
const (
	JobPending          = "pending"
	JobAwaitingApproval = "awaiting_approval"
	JobApproved         = "approved"
	JobProcessing       = "processing"
	JobCompleted        = "completed"
	JobFailed           = "failed"
	JobCancelled        = "cancelled"
)

// TerminalJobStates lists the states a job can never leave.
var TerminalJobStates = []string{JobCompleted, JobFailed, JobCancelled}

// ActiveJobStates lists the states considered for duplicate detection.
var ActiveJobStates = []string{JobPending, JobAwaitingApproval, JobApproved, JobProcessing}

// JobAnalysis is the dry-run cost estimate attached before approval.
type JobAnalysis struct {
	WordCount        int      `json:"word_count"`
	ChunkCount       int      `json:"chunk_count"`
	TokensMid        int      `json:"tokens_mid"`
	TokensHigh       int      `json:"tokens_high"`
	EmbeddingTokens  int      `json:"embedding_tokens"`
	CostMidUSD       float64  `json:"cost_mid_usd"`
	CostHighUSD      float64  `json:"cost_high_usd"`
	EmbeddingCostUSD float64  `json:"embedding_cost_usd"`
	ExtractionModel  string   `json:"extraction_model"`
	EmbeddingModel   string   `json:"embedding_model"`
	Warnings         []string `json:"warnings,omitempty"`
}

// JobProgress is updated at every chunk boundary.
type JobProgress struct {
	ChunksDone           int   `json:"chunks_done"`
	ChunksTotal          int   `json:"chunks_total"`
	ConceptsCreated      int   `json:"concepts_created"`
	ConceptsUpdated      int   `json:"concepts_updated"`
	InstancesCreated     int   `json:"instances_created"`
	RelationshipsCreated int   `json:"relationships_created"`
	FailedChunks         int   `json:"failed_count"`
	ElapsedMS            int64 `json:"elapsed_ms"`
	ETAMS                int64 `json:"eta_ms"`
}

// JobResult carries final counts and actual cost after completion.
type JobResult struct {
	ChunksProcessed      int     `json:"chunks_processed"`
	ConceptsCreated      int     `json:"concepts_created"`
	ConceptsUpdated      int     `json:"concepts_updated"`
	InstancesCreated     int     `json:"instances_created"`
	RelationshipsCreated int     `json:"relationships_created"`
	FailedChunks         int     `json:"failed_count"`
	CostActualUSD        float64 `json:"cost_actual_usd"`
}

// Job represents a row in the jobs table.
type Job struct {
	JobID         string       `json:"job_id"`
	State         string       `json:"state"`
	Owner         string       `json:"owner"`
	Ontology      string       `json:"ontology"`
	DocumentLabel string       `json:"document_label"`
	Content       string       `json:"-"`
	ContentHash   string       `json:"content_hash"`
	AutoApprove   bool         `json:"auto_approve"`
	Analysis      *JobAnalysis `json:"analysis,omitempty"`
	Progress      *JobProgress `json:"progress,omitempty"`
	Result        *JobResult   `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	Checkpoint    int          `json:"checkpoint"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Owner    string
	Ontology string
	States   []string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// InsertJob persists a freshly submitted job.
func (s *Store) InsertJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, state, owner, ontology, document_label, content, content_hash, auto_approve)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.JobID, j.State, j.Owner, j.Ontology, j.DocumentLabel, j.Content, j.ContentHash, j.AutoApprove)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

const jobColumns = `job_id, state, owner, ontology, document_label, content, content_hash,
	auto_approve, analysis, progress, result, error, checkpoint,
	created_at, updated_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var analysis, progress, result, errMsg sql.NullString
	var started, completed sql.NullTime
	err := row.Scan(&j.JobID, &j.State, &j.Owner, &j.Ontology, &j.DocumentLabel,
		&j.Content, &j.ContentHash, &j.AutoApprove,
		&analysis, &progress, &result, &errMsg, &j.Checkpoint,
		&j.CreatedAt, &j.UpdatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if analysis.Valid {
		j.Analysis = &JobAnalysis{}
		if err := json.Unmarshal([]byte(analysis.String), j.Analysis); err != nil {
			j.Analysis = nil
		}
	}
	if progress.Valid {
		j.Progress = &JobProgress{}
		if err := json.Unmarshal([]byte(progress.String), j.Progress); err != nil {
			j.Progress = nil
		}
	}
	if result.Valid {
		j.Result = &JobResult{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			j.Result = nil
		}
	}
	j.Error = errMsg.String
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// FindActiveJob returns a non-terminal job with the same content hash and
// ontology, used for duplicate submission detection.
func (s *Store) FindActiveJob(ctx context.Context, contentHash, ontology string) (*Job, error) {
	query := fmt.Sprintf(
		"SELECT "+jobColumns+" FROM jobs WHERE content_hash = ? AND ontology = ? AND state IN (%s) ORDER BY created_at LIMIT 1",
		repeatPlaceholders(len(ActiveJobStates)))
	args := []any{contentHash, ontology}
	for _, st := range ActiveJobStates {
		args = append(args, st)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	var conds []string
	var args []any
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Ontology != "" {
		conds = append(conds, "ontology = ?")
		args = append(args, f.Ontology)
	}
	if len(f.States) > 0 {
		conds = append(conds, fmt.Sprintf("state IN (%s)", repeatPlaceholders(len(f.States))))
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TransitionJob atomically moves a job from any of the given states to a
// new state. Returns false when the job was not in an allowed state.
// started_at and completed_at are stamped on entry to processing and to
// any terminal state respectively.
func (s *Store) TransitionJob(ctx context.Context, jobID, to string, from ...string) (bool, error) {
	set := "state = ?, updated_at = CURRENT_TIMESTAMP"
	switch to {
	case JobProcessing:
		set += ", started_at = CURRENT_TIMESTAMP"
	case JobCompleted, JobFailed, JobCancelled:
		set += ", completed_at = CURRENT_TIMESTAMP"
	}
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = ? AND state IN (%s)",
		set, repeatPlaceholders(len(from)))
	args := []any{to, jobID}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateJobAnalysis attaches the dry-run analysis and its chunk totals.
func (s *Store) UpdateJobAnalysis(ctx context.Context, jobID string, a *JobAnalysis) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE jobs SET analysis = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?",
		string(b), jobID)
	return err
}

// UpdateJobProgress persists the per-chunk checkpoint and progress counts.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, p *JobProgress, checkpoint int) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE jobs SET progress = ?, checkpoint = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?",
		string(b), checkpoint, jobID)
	return err
}

// FinishJob records the final result or error message on a job row. The
// state transition itself goes through TransitionJob.
func (s *Store) FinishJob(ctx context.Context, jobID string, result *JobResult, errMsg string) error {
	var resJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET result = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?",
		resJSON, errMsg, jobID)
	return err
}

// NextApprovedJob returns the earliest-created approved job, or ErrNotFound.
func (s *Store) NextApprovedJob(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE state = ? ORDER BY created_at LIMIT 1",
		JobApproved)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// DeleteJob removes a job row.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllJobs clears the queue. Returns the number of rows removed.
func (s *Store) DeleteAllJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StaleApprovalJobs returns awaiting-approval jobs created before the
// cutoff, for the approval-timeout sweep.
func (s *Store) StaleApprovalJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id FROM jobs WHERE state = ? AND created_at < ?",
		JobAwaitingApproval, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalJobsBefore removes jobs in the given terminal states whose
// completion predates the cutoff. Returns the number deleted.
func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, states []string, cutoff time.Time) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		"DELETE FROM jobs WHERE state IN (%s) AND COALESCE(completed_at, updated_at) < ?",
		repeatPlaceholders(len(states)))
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, cutoff)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueInterrupted returns processing jobs back to approved. Called once
// at startup so jobs interrupted by a crash are picked up again.
func (s *Store) RequeueInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE state = ?",
		JobApproved, JobProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
