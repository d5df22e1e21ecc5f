package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/reporag/internal/ai"
	"github.com/seanblong/reporag/internal/config"
	"github.com/seanblong/reporag/internal/fetcher"
	"github.com/seanblong/reporag/internal/indexer"
	"github.com/seanblong/reporag/internal/jobs"
	"github.com/seanblong/reporag/internal/search"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
	"github.com/spf13/pflag"
)

type indexRequest struct {
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref,omitempty"`
}

type chatRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

func main() {
	// Local development secrets; missing .env is fine.
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("reporag-api", pflag.ExitOnError)
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting reporag api")

	client, err := ai.NewClient(clientConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", client.Dim()).Msg("AI client initialized")

	st, err := store.New(store.Config{
		Host:   cfg.VectorHost,
		Port:   cfg.VectorPort,
		APIKey: cfg.VectorAPIKey,
		UseTLS: cfg.VectorTLS,
		Prefix: cfg.VectorIndexName,
	})
	if err != nil {
		log.Fatalf("Failed to connect to vector store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close vector store")
		}
	}()

	ix := indexer.New(st, client, &fetcher.Fetcher{Token: cfg.GithubToken})
	ix.Scanner.MaxFileBytes = cfg.MaxFileBytes
	ix.BatchSize = cfg.BatchSize
	ix.MaxInFlight = cfg.MaxInFlight

	corpora := search.NewManager(st)
	svc := search.NewService(st, client, corpora)
	controller := jobs.NewController(ix)

	mux := http.NewServeMux()

	mux.HandleFunc("/index_repo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req indexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.RepoURL) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "repo_url is required"})
			return
		}
		if err := controller.Start(req.RepoURL, req.Ref); err != nil {
			if errors.Is(err, jobs.ErrConflict) {
				writeJSON(w, http.StatusConflict, map[string]string{"detail": "indexing in progress"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
			return
		}
		// The lexical index for this namespace is stale once re-indexing
		// starts; it rebuilds lazily on the next query.
		corpora.Invalidate(models.RepoID(req.RepoURL))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message":  "Indexing started",
			"repo_url": req.RepoURL,
			"status":   "accepted",
		})
	})

	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		snap := controller.Progress()
		resp := map[string]any{
			"progress":    snap.Progress,
			"stage":       snap.Stage,
			"in_progress": snap.InProgress,
		}
		if snap.RepoURL != "" {
			resp["repo_url"] = snap.RepoURL
		}
		if snap.Result != nil {
			resp["result"] = map[string]any{
				"success":      snap.Result.Success,
				"fileCount":    snap.Result.FileCount,
				"chunkCount":   snap.Result.ChunkCount,
				"skippedCount": snap.Result.Skipped,
			}
		}
		if snap.Error != nil {
			resp["error"] = fmt.Sprintf("%s: %s", snap.Error.Kind, snap.Error.Message)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "query is required"})
			return
		}
		namespace := controller.LastIndexed()
		if namespace == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "no repository indexed yet"})
			return
		}

		start := time.Now()
		ans, err := svc.Answer(r.Context(), namespace, req.Query, req.Model)
		if err != nil {
			var ae *ai.AnswerError
			if errors.As(err, &ae) {
				writeJSON(w, http.StatusBadGateway, map[string]string{"detail": "answer generation failed"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
			return
		}
		hlog.FromRequest(r).Info().Str("intent", string(ans.Intent)).Int("sources", len(ans.Sources)).Dur("dur", time.Since(start)).Msg("answered")
		writeJSON(w, http.StatusOK, ans)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"env_configured": cfg.EnvConfigured(),
			"services": map[string]string{
				"ingestion": "available",
				"rag":       "available",
			},
		})
	})

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "google":
		return &ai.ClientConfig{
			EmbedAPIKey: cfg.EmbedAPIKey,
			LLMAPIKey:   cfg.LLMAPIKey,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.ChatModel,
			Dim:         cfg.Dim,
			Provider:    ai.ProviderGemini,
		}
	case "openai", "groq":
		return &ai.ClientConfig{
			EmbedAPIKey: cfg.EmbedAPIKey,
			LLMAPIKey:   cfg.LLMAPIKey,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.ChatModel,
			Dim:         cfg.Dim,
			BaseURL:     cfg.LLMBaseURL,
			Provider:    ai.ProviderOpenAI,
		}
	default:
		return &ai.ClientConfig{Dim: cfg.Dim, Provider: ai.ProviderStub}
	}
}
