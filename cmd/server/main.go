package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kgraph "github.com/aaronsb/knowledge-graph-system-sub013"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := kgraph.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	// Override from environment variables.
	if v := os.Getenv("KGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KGRAPH_EXTRACT_PROVIDER"); v != "" {
		cfg.Extraction.Provider = v
	}
	if v := os.Getenv("KGRAPH_EXTRACT_MODEL"); v != "" {
		cfg.Extraction.Model = v
	}
	if v := os.Getenv("KGRAPH_EXTRACT_BASE_URL"); v != "" {
		cfg.Extraction.BaseURL = v
	}
	if v := os.Getenv("KGRAPH_EXTRACT_API_KEY"); v != "" {
		cfg.Extraction.APIKey = v
	}
	if v := os.Getenv("KGRAPH_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("KGRAPH_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("KGRAPH_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("KGRAPH_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	// Fallback: well-known provider env var for API keys.
	if cfg.Extraction.APIKey == "" && cfg.Extraction.Provider == "openai" {
		cfg.Extraction.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	apiKey := os.Getenv("KGRAPH_API_KEY")
	corsOrigins := os.Getenv("KGRAPH_CORS_ORIGINS")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := kgraph.New(ctx, cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		slog.Error("starting scheduler", "error", err)
		engine.Close()
		os.Exit(1)
	}

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", h.handleSubmit)
	mux.HandleFunc("GET /jobs", h.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/stream", h.handleStreamJob)
	mux.HandleFunc("POST /jobs/{id}/approve", h.handleApproveJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.handleCancelJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.handleDeleteJob)
	mux.HandleFunc("DELETE /jobs", h.handleDeleteAllJobs)

	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("GET /concepts/{id}", h.handleGetConcept)
	mux.HandleFunc("GET /concepts/{id}/related", h.handleRelated)
	mux.HandleFunc("POST /connect", h.handleConnect)

	mux.HandleFunc("GET /ontologies", h.handleListOntologies)
	mux.HandleFunc("DELETE /ontologies/{name}", h.handleDeleteOntology)

	mux.HandleFunc("GET /vocab", h.handleListVocab)
	mux.HandleFunc("GET /vocab/status", h.handleVocabStatus)
	mux.HandleFunc("POST /vocab/merge", h.handleVocabMerge)

	mux.HandleFunc("GET /embedding-configs", h.handleListEmbedConfigs)
	mux.HandleFunc("POST /embedding-configs", h.handleCreateEmbedConfig)
	mux.HandleFunc("POST /embedding-configs/{id}/activate", h.handleActivateEmbedConfig)
	mux.HandleFunc("PATCH /embedding-configs/{id}", h.handleProtectEmbedConfig)
	mux.HandleFunc("DELETE /embedding-configs/{id}", h.handleDeleteEmbedConfig)
	mux.HandleFunc("POST /embeddings/regenerate", h.handleRegenerate)

	mux.HandleFunc("GET /backup", h.handleBackup)
	mux.HandleFunc("POST /restore", h.handleRestore)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // progress streams stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := engine.Close(); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
