package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/internal/ai"
	"github.com/seanblong/reporag/internal/fetcher"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
	"golang.org/x/sync/semaphore"
)

// IndexError is an aggregated ingestion failure: too many chunks failed in
// a row for the result to be trustworthy.
type IndexError struct {
	Consecutive int
	Err         error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("indexing aborted after %d consecutive failures: %v", e.Consecutive, e.Err)
}
func (e *IndexError) Unwrap() error { return e.Err }

// Result summarizes one completed ingestion.
type Result struct {
	Repository models.Repository
	FileCount  int
	ChunkCount int
	Skipped    int
}

// ProgressFunc receives pipeline checkpoints as percent [0,100] plus a
// human-readable stage string.
type ProgressFunc func(percent int, stage string)

// Indexer runs the ingestion pipeline: fetch, scan, chunk, enrich, embed,
// upsert.
type Indexer struct {
	Store   store.VectorStore
	Client  ai.Client
	Fetcher *fetcher.Fetcher
	Scanner *Scanner
	Chunker *Chunker

	// BatchSize is the embed/upsert micro-batch size; zero picks an
	// adaptive default from the host's CPU count.
	BatchSize int
	// MaxInFlight bounds concurrent upserts, default 4.
	MaxInFlight int
	// MaxConsecutiveFailures aborts the job when this many chunks fail
	// back to back, default 50.
	MaxConsecutiveFailures int
}

// New creates an Indexer with default pipeline stages.
func New(s store.VectorStore, client ai.Client, f *fetcher.Fetcher) *Indexer {
	return &Indexer{
		Store:   s,
		Client:  client,
		Fetcher: f,
		Scanner: NewScanner(),
		Chunker: NewChunker(),
	}
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// ChunkID derives the stable chunk identifier. It is a name-based UUID over
// (repoId, path, line span, content hash), so re-ingesting unchanged
// content reproduces the same id.
func ChunkID(repoID, path string, startLine, endLine int, contentHash string) string {
	name := fmt.Sprintf("%s|%s|%d:%d|%s", repoID, path, startLine, endLine, contentHash)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Progress checkpoints for the fixed pipeline stages. Embedding and
// indexing interpolate between embedStart and done.
const (
	progressFetch = 5
	progressScan  = 20
	progressChunk = 30
	progressEmbed = 40
	progressDone  = 100
)

// Run ingests the repository at repoURL and returns counts. Progress
// checkpoints are delivered via onProgress (may be nil).
func (ix *Indexer) Run(ctx context.Context, repoURL, ref string, onProgress ProgressFunc) (*Result, error) {
	report := func(pct int, stage string) {
		if onProgress != nil {
			onProgress(pct, stage)
		}
	}
	repoID := models.RepoID(repoURL)

	report(progressFetch, "Cloning repository...")
	snap, err := ix.Fetcher.Fetch(ctx, repoURL, ref)
	if err != nil {
		return nil, err
	}
	defer snap.Cleanup()

	report(progressScan, "Scanning files...")
	files, err := ix.Scanner.Scan(snap.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	log.Info().Int("files", len(files)).Str("repo", repoID).Msg("scanned repository")

	report(progressChunk, "Chunking files...")
	chunks := ix.chunkAll(repoID, files)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(progressEmbed, "Generating embeddings...")
	if err := ix.Store.EnsureNamespace(ctx, repoID, ix.Client.Dim()); err != nil {
		return nil, fmt.Errorf("ensure namespace: %w", err)
	}
	indexed, skipped, err := ix.indexChunks(ctx, repoID, chunks, report)
	if err != nil {
		return nil, err
	}

	report(progressDone, "Indexing complete")
	return &Result{
		Repository: models.Repository{
			ID:         repoID,
			URL:        repoURL,
			Revision:   snap.Revision,
			Namespace:  repoID,
			FileCount:  len(files),
			ChunkCount: indexed,
			IndexedAt:  time.Now().UTC(),
		},
		FileCount:  len(files),
		ChunkCount: indexed,
		Skipped:    skipped,
	}, nil
}

// chunkAll splits every file and enriches the resulting chunks. Chunk ids
// are assigned here, in file-enumeration order.
func (ix *Indexer) chunkAll(repoID string, files []FileRecord) []models.Chunk {
	var chunks []models.Chunk
	for _, f := range files {
		for _, sp := range ix.Chunker.Chunk(f.Content, f.Language) {
			c := models.Chunk{
				RepoID:    repoID,
				Path:      f.Path,
				Text:      sp.Text,
				StartLine: sp.StartLine,
				EndLine:   sp.EndLine,
				Language:  f.Language,
				Category:  f.Category,
				Depth:     f.Depth,
			}
			Enrich(&c)
			c.ID = ChunkID(repoID, f.Path, sp.StartLine, sp.EndLine, hashContent(sp.Text))
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// batchSize picks the micro-batch size: adaptive on CPU count, clamped to
// [1, 32].
func (ix *Indexer) batchSize() int {
	b := ix.BatchSize
	if b <= 0 {
		b = runtime.NumCPU() * 4
	}
	if b < 1 {
		b = 1
	}
	if b > 32 {
		b = 32
	}
	return b
}

// indexChunks embeds and upserts chunks in micro-batches, with bounded
// in-flight upserts. A batch that fails permanently is skipped; too many
// consecutive skips abort the job.
func (ix *Indexer) indexChunks(ctx context.Context, namespace string, chunks []models.Chunk, report ProgressFunc) (indexed, skipped int, err error) {
	total := len(chunks)
	if total == 0 {
		return 0, 0, nil
	}
	batchSize := ix.batchSize()
	inFlight := ix.MaxInFlight
	if inFlight <= 0 {
		inFlight = 4
	}
	maxConsecutive := ix.MaxConsecutiveFailures
	if maxConsecutive <= 0 {
		maxConsecutive = 50
	}

	sem := semaphore.NewWeighted(int64(inFlight))
	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		processed   int
		consecutive int
		abortErr    error
	)

	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			break
		}
		mu.Lock()
		stop := abortErr != nil
		mu.Unlock()
		if stop {
			break
		}

		end := start + batchSize
		if end > total {
			end = total
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, embErr := ix.Client.Embed(ctx, texts)
		if embErr != nil {
			mu.Lock()
			skipped += len(batch)
			consecutive += len(batch)
			if consecutive >= maxConsecutive {
				abortErr = &IndexError{Consecutive: consecutive, Err: embErr}
			}
			mu.Unlock()
			log.Error().Err(embErr).Int("batch", len(batch)).Msg("embedding batch failed, skipping")
			continue
		}

		records := make([]store.Record, 0, len(batch))
		for i, c := range batch {
			if !validVector(vectors[i], ix.Client.Dim()) {
				mu.Lock()
				skipped++
				consecutive++
				mu.Unlock()
				log.Warn().Str("path", c.Path).Str("id", c.ID).Msg("invalid embedding, skipping chunk")
				continue
			}
			records = append(records, store.Record{Chunk: c, Vector: vectors[i]})
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(records []store.Record, batchLen int) {
			defer wg.Done()
			defer sem.Release(1)
			upErr := ix.Store.Upsert(ctx, namespace, records)

			mu.Lock()
			defer mu.Unlock()
			processed += batchLen
			if upErr != nil {
				skipped += len(records)
				consecutive += len(records)
				if consecutive >= maxConsecutive && abortErr == nil {
					abortErr = &IndexError{Consecutive: consecutive, Err: upErr}
				}
				log.Error().Err(upErr).Int("batch", len(records)).Msg("upsert batch failed, skipping")
			} else {
				indexed += len(records)
				consecutive = 0
			}
			report(embedProgress(processed, total), fmt.Sprintf("Indexing chunks... (%d/%d)", processed, total))
		}(records, len(batch))

		// Encourage the runtime to give freed embedding buffers back
		// between micro-batches; matters on small hosts.
		runtime.GC()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return indexed, skipped, err
	}
	if abortErr != nil {
		return indexed, skipped, abortErr
	}
	return indexed, skipped, nil
}

// embedProgress maps processed/total into the embed..done progress band,
// saturating at 99 until the job fully completes.
func embedProgress(processed, total int) int {
	if total == 0 {
		return progressEmbed
	}
	pct := progressEmbed + (progressDone-progressEmbed)*processed/total
	if pct >= progressDone {
		pct = progressDone - 1
	}
	return pct
}

func validVector(vec []float32, dim int) bool {
	if len(vec) == 0 || (dim > 0 && len(vec) != dim) {
		return false
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
