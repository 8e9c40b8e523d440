package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	kgraph "github.com/aaronsb/knowledge-graph-system-sub013"
	"github.com/aaronsb/knowledge-graph-system-sub013/queue"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

type handler struct {
	engine *kgraph.Engine
}

func newHandler(e *kgraph.Engine) *handler {
	return &handler{engine: e}
}

// POST /jobs
// Accepts a multipart file upload or JSON with inline content.
func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)
			tmpPath := filepath.Join(os.TempDir(), safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()
			defer os.Remove(tmpPath)

			req := queue.SubmitRequest{
				Owner:       r.FormValue("owner"),
				Ontology:    r.FormValue("ontology"),
				AutoApprove: r.FormValue("auto_approve") == "true",
				Force:       r.FormValue("force") == "true",
			}
			job, err := h.engine.SubmitFile(r.Context(), tmpPath, req)
			if err != nil {
				writeEngineError(w, err, job)
				return
			}
			writeJSON(w, http.StatusAccepted, job)
			return
		}
	}

	var req struct {
		Owner         string `json:"owner"`
		Ontology      string `json:"ontology"`
		DocumentLabel string `json:"document_label"`
		Content       string `json:"content"`
		Path          string `json:"path"`
		AutoApprove   bool   `json:"auto_approve"`
		Force         bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON body")
		return
	}

	sub := queue.SubmitRequest{
		Owner:         req.Owner,
		Ontology:      req.Ontology,
		DocumentLabel: req.DocumentLabel,
		Content:       req.Content,
		AutoApprove:   req.AutoApprove,
		Force:         req.Force,
	}

	var job *store.Job
	var err error
	switch {
	case req.Content != "":
		job, err = h.engine.Submit(r.Context(), sub)
	case req.Path != "":
		var absPath string
		absPath, err = filepath.Abs(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		job, err = h.engine.SubmitFile(r.Context(), absPath, sub)
	default:
		writeError(w, http.StatusBadRequest, "content or path is required")
		return
	}
	if err != nil {
		writeEngineError(w, err, job)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// GET /jobs
func (h *handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := jobFilterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := h.engine.ListJobs(r.Context(), f)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// jobFilterFromQuery maps the job list query parameters onto a store
// filter. Timestamps take RFC 3339.
func jobFilterFromQuery(q url.Values) (store.JobFilter, error) {
	f := store.JobFilter{
		Owner:    q.Get("owner"),
		Ontology: q.Get("ontology"),
	}
	if states := q.Get("state"); states != "" {
		f.States = []string{states}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, errors.New("since must be RFC 3339")
		}
		f.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return f, errors.New("until must be RFC 3339")
		}
		f.Until = t
	}
	return f, nil
}

// GET /jobs/{id}
func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /jobs/{id}/stream
// Server-sent events with progress updates until the job finishes.
func (h *handler) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := h.engine.GetJob(r.Context(), jobID); err != nil {
		writeEngineError(w, err, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := h.engine.WatchJob(jobID)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, open := <-updates:
			if !open {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// POST /jobs/{id}/approve
func (h *handler) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.ApproveJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// POST /jobs/{id}/cancel
func (h *handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.CancelJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DELETE /jobs
func (h *handler) handleDeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.DeleteAllJobs(r.Context())
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// DELETE /jobs/{id}
func (h *handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query         string  `json:"query"`
		Limit         int     `json:"limit,omitempty"`
		MinSimilarity float64 `json:"min_similarity,omitempty"`
		Ontology      string  `json:"ontology,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Limit < 0 || req.Limit > 100 {
		req.Limit = 0
	}
	matches, err := h.engine.SearchConcepts(r.Context(), req.Query, req.Limit, req.MinSimilarity, req.Ontology)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// GET /concepts/{id}
func (h *handler) handleGetConcept(w http.ResponseWriter, r *http.Request) {
	details, err := h.engine.GetConcept(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// GET /concepts/{id}/related?depth=N
func (h *handler) handleRelated(w http.ResponseWriter, r *http.Request) {
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	related, err := h.engine.FindRelated(r.Context(), r.PathValue("id"), depth)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related})
}

// POST /connect
func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		MaxHops int    `json:"max_hops,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	paths, err := h.engine.FindConnection(r.Context(), req.From, req.To, req.MaxHops)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

// GET /ontologies
func (h *handler) handleListOntologies(w http.ResponseWriter, r *http.Request) {
	onts, err := h.engine.ListOntologies(r.Context())
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ontologies": onts})
}

// DELETE /ontologies/{name}
func (h *handler) handleDeleteOntology(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteOntology(r.Context(), r.PathValue("name")); err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /vocab
func (h *handler) handleListVocab(w http.ResponseWriter, r *http.Request) {
	types, err := h.engine.ListVocabTypes(r.Context())
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

// GET /vocab/status
func (h *handler) handleVocabStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.VocabStatus(r.Context())
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// POST /vocab/merge
func (h *handler) handleVocabMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		Into   string `json:"into"`
		Reason string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.From == "" || req.Into == "" {
		writeError(w, http.StatusBadRequest, "from and into are required")
		return
	}
	if err := h.engine.MergeVocabTypes(r.Context(), req.From, req.Into, req.Reason); err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged"})
}

// GET /embedding-configs
func (h *handler) handleListEmbedConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.engine.ListEmbeddingConfigs(r.Context())
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": configs})
}

// POST /embedding-configs
func (h *handler) handleCreateEmbedConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		store.EmbeddingConfigRow
		Activate bool `json:"activate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := h.engine.CreateEmbeddingConfig(r.Context(), req.EmbeddingConfigRow, req.Activate)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// POST /embedding-configs/{id}/activate?force=true
func (h *handler) handleActivateEmbedConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.engine.ActivateEmbeddingConfig(r.Context(), id, force); err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// PATCH /embedding-configs/{id}
func (h *handler) handleProtectEmbedConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	var req struct {
		DeleteProtected *bool `json:"delete_protected"`
		ChangeProtected *bool `json:"change_protected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.engine.SetEmbeddingConfigProtection(r.Context(), id, req.DeleteProtected, req.ChangeProtected); err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DELETE /embedding-configs/{id}
func (h *handler) handleDeleteEmbedConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	if err := h.engine.DeleteEmbeddingConfig(r.Context(), id); err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /embeddings/regenerate
func (h *handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize int `json:"batch_size,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	done, err := h.engine.RegenerateEmbeddings(r.Context(), req.BatchSize)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regenerated": done})
}

// GET /backup?ontology=name
func (h *handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	ontology := r.URL.Query().Get("ontology")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=kgraph-backup-%s.json", time.Now().UTC().Format("20060102-150405")))
	if err := h.engine.Export(r.Context(), w, ontology); err != nil {
		slog.Error("backup export failed", "error", err)
	}
}

// POST /restore?merge=true
func (h *handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	merge := r.URL.Query().Get("merge") == "true"
	report, err := h.engine.Import(r.Context(), r.Body, merge)
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.engine.CheckHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "health check failed")
		return
	}
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeEngineError maps engine sentinels onto HTTP status codes. A
// duplicate submission returns the conflicting job in the body.
func writeEngineError(w http.ResponseWriter, err error, job *store.Job) {
	switch {
	case errors.Is(err, kgraph.ErrDuplicateJob):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        err.Error(),
			"existing_job": job,
		})
	case errors.Is(err, kgraph.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, kgraph.ErrInvalidInput),
		errors.Is(err, kgraph.ErrJobState),
		errors.Is(err, kgraph.ErrUnsupportedFormat),
		errors.Is(err, kgraph.ErrDimensionMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, kgraph.ErrConfigProtected),
		errors.Is(err, kgraph.ErrOntologyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, kgraph.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
