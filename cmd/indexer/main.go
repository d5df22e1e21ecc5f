package main

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/seanblong/reporag/internal/ai"
	"github.com/seanblong/reporag/internal/config"
	"github.com/seanblong/reporag/internal/fetcher"
	"github.com/seanblong/reporag/internal/indexer"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
	"github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("reporag-indexer", pflag.ExitOnError)
	deleteNS := fs.String("delete-namespace", "", "Delete the namespace for this repository URL and exit")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

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
			log.Printf("Failed to close vector store: %v", err)
		}
	}()

	ctx := context.Background()

	if *deleteNS != "" {
		ns := models.RepoID(*deleteNS)
		if err := st.DeleteNamespace(ctx, ns); err != nil {
			log.Fatalf("Failed to delete namespace %s: %v", ns, err)
		}
		log.Printf("Deleted namespace %s", ns)
		return
	}

	if strings.TrimSpace(cfg.RepoURL) == "" {
		log.Fatal("a repository URL is required (--git-repo or REPORAG_REPO_URL)")
	}

	var clientConfig *ai.ClientConfig
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "google":
		clientConfig = &ai.ClientConfig{
			EmbedAPIKey: cfg.EmbedAPIKey,
			LLMAPIKey:   cfg.LLMAPIKey,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.ChatModel,
			Dim:         cfg.Dim,
			Provider:    ai.ProviderGemini,
		}
	case "openai", "groq":
		clientConfig = &ai.ClientConfig{
			EmbedAPIKey: cfg.EmbedAPIKey,
			LLMAPIKey:   cfg.LLMAPIKey,
			EmbedModel:  cfg.EmbedModel,
			ChatModel:   cfg.ChatModel,
			Dim:         cfg.Dim,
			BaseURL:     cfg.LLMBaseURL,
			Provider:    ai.ProviderOpenAI,
		}
	case "stub":
		clientConfig = &ai.ClientConfig{Dim: cfg.Dim, Provider: ai.ProviderStub}
	default:
		log.Fatalf("unsupported provider: %s", cfg.Provider)
	}

	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	if client.Dim() == 0 {
		log.Fatal("embedding dimension must be set")
	}

	ix := indexer.New(st, client, &fetcher.Fetcher{Token: cfg.GithubToken})
	ix.Scanner.MaxFileBytes = cfg.MaxFileBytes
	ix.BatchSize = cfg.BatchSize
	ix.MaxInFlight = cfg.MaxInFlight

	res, err := ix.Run(ctx, cfg.RepoURL, cfg.GitRef, func(pct int, stage string) {
		log.Printf("[%3d%%] %s", pct, stage)
	})
	if err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}
	log.Printf("Indexed %s: %d files, %d chunks, %d skipped",
		res.Repository.ID, res.FileCount, res.ChunkCount, res.Skipped)
}
