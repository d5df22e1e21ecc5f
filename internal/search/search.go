package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/internal/ai"
	"github.com/seanblong/reporag/internal/query"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
)

// Fusion and assembly defaults.
const (
	rrfK            = 60
	minAfterFilter  = 5
	contextBudget   = 8000 // tokens
	answerMaxTokens = 1024
	answerTemp      = 0.3
	cacheTTL        = 5 * time.Minute
)

const noInfoAnswer = "No relevant information found."

// Service answers questions over an indexed namespace with hybrid
// retrieval: dense ANN plus lexical BM25, fused by reciprocal rank.
type Service struct {
	Store   store.VectorStore
	Client  ai.Client
	Corpora *Manager
	Planner *query.Planner

	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	answer  models.Answer
	expires time.Time
}

// NewService wires a Service; the planner's selectivity probes run against
// the same corpus manager used for lexical search.
func NewService(s store.VectorStore, client ai.Client, corpora *Manager) *Service {
	return &Service{
		Store:   s,
		Client:  client,
		Corpora: corpora,
		Planner: query.NewPlanner(corpora),
		cache:   make(map[string]cacheEntry),
	}
}

// fused is one candidate after rank fusion. score is the fused RRF
// score; ranked additionally carries the intent boost and orders context
// assembly. Confidence and citations use score only.
type fused struct {
	chunk  models.Chunk
	score  float64
	ranked float64
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "ok": true, "okay": true,
}

// Answer runs the full query pipeline and returns a grounded, cited
// answer.
func (s *Service) Answer(ctx context.Context, namespace, queryText, model string) (models.Answer, error) {
	trimmed := strings.ToLower(strings.TrimSpace(strings.Trim(queryText, "!.?")))
	if greetings[trimmed] {
		return models.Answer{
			Answer:     "Hello! Ask me anything about the indexed repository.",
			Sources:    []models.Source{},
			Confidence: models.Confidence{Score: 1, Level: "high"},
			Intent:     models.IntentGeneral,
		}, nil
	}

	if ans, ok := s.cached(namespace, queryText, model); ok {
		return ans, nil
	}

	plan := s.Planner.Plan(ctx, namespace, queryText)
	log.Debug().Str("intent", string(plan.Intent)).Int("pre", len(plan.PreFilters)).Int("post", len(plan.PostFilters)).Msg("query planned")

	candidates, err := s.retrieve(ctx, namespace, plan)
	if err != nil {
		return models.Answer{}, err
	}
	if len(candidates) == 0 {
		return models.Answer{
			Answer:     noInfoAnswer,
			Sources:    []models.Source{},
			Confidence: models.Confidence{Score: 0, Level: "none"},
			Intent:     plan.Intent,
		}, nil
	}

	conf := confidence(candidates, plan)
	candidates = rerank(candidates, plan.Intent)

	top := candidates
	if len(top) > plan.TopCtx {
		top = top[:plan.TopCtx]
	}
	contextText, used := s.assembleContext(top)

	text, err := s.Client.Complete(ctx, ai.CompleteRequest{
		System:      systemPrompt(plan.Intent),
		User:        fmt.Sprintf("Context from the repository:\n\n%s\n\nQuestion: %s", contextText, queryText),
		Model:       model,
		Temperature: answerTemp,
		MaxTokens:   answerMaxTokens,
	})
	if err != nil {
		return models.Answer{}, err
	}

	ans := models.Answer{
		Answer:     text,
		Sources:    citations(used),
		Confidence: conf,
		Intent:     plan.Intent,
	}
	s.remember(namespace, queryText, model, ans)
	return ans, nil
}

// retrieve runs dense and sparse retrieval, fuses, post-filters with the
// recall fallback, and returns candidates sorted by fused score.
func (s *Service) retrieve(ctx context.Context, namespace string, plan query.Plan) ([]fused, error) {
	vecs, err := s.Client.Embed(ctx, []string{plan.Rewritten})
	if err != nil {
		return nil, err
	}

	var (
		dense    []store.Hit
		denseErr error
		sparse   []models.SearchResult
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dense, denseErr = s.Store.Query(ctx, namespace, vecs[0], plan.TopKDense, plan.PreFilters)
	}()
	go func() {
		defer wg.Done()
		corpus, err := s.Corpora.Corpus(ctx, namespace)
		if err != nil {
			log.Warn().Err(err).Str("namespace", namespace).Msg("lexical index unavailable")
			return
		}
		sparse = corpus.Search(plan.Rewritten, plan.TopKSparse)
	}()
	wg.Wait()
	if denseErr != nil {
		// A pre-filter the store cannot evaluate should degrade, not fail.
		if len(plan.PreFilters) > 0 {
			log.Warn().Err(denseErr).Msg("filtered dense query failed, retrying unfiltered")
			dense, denseErr = s.Store.Query(ctx, namespace, vecs[0], plan.TopKDense, nil)
		}
		if denseErr != nil {
			return nil, denseErr
		}
	}

	all := fuse(dense, sparse, plan)
	if len(all) == 0 {
		return nil, nil
	}

	if len(plan.PostFilters) > 0 {
		kept := make([]fused, 0, len(all))
		for _, f := range all {
			if plan.PostFilters.Matches(f.chunk) {
				kept = append(kept, f)
			}
		}
		// Filtering must never empty the result set; below the floor we
		// fall back to the full fused list.
		if len(kept) >= minAfterFilter {
			return kept, nil
		}
		log.Debug().Int("kept", len(kept)).Msg("post-filter below floor, using full fused set")
	}
	return all, nil
}

// fuse merges the dense and sparse rankings with reciprocal rank fusion:
// score(id) = Σ w_list / (k + rank).
func fuse(dense []store.Hit, sparse []models.SearchResult, plan query.Plan) []fused {
	byID := make(map[string]*fused)
	for rank, h := range dense {
		f, ok := byID[h.ID]
		if !ok {
			f = &fused{chunk: h.Chunk}
			byID[h.ID] = f
		}
		f.score += plan.DenseWeight / float64(rrfK+rank+1)
	}
	for rank, r := range sparse {
		f, ok := byID[r.Chunk.ID]
		if !ok {
			f = &fused{chunk: r.Chunk}
			byID[r.Chunk.ID] = f
		}
		f.score += plan.SparseWeight / float64(rrfK+rank+1)
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		f.ranked = f.score
		out = append(out, *f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// rerank applies the intent weight table and stable-sorts descending. The
// boost affects ordering only; the fused score is left untouched.
func rerank(candidates []fused, intent models.Intent) []fused {
	out := make([]fused, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].ranked = out[i].score * intentBoost(out[i].chunk, intent)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ranked > out[j].ranked })
	return out
}

func intentBoost(c models.Chunk, intent models.Intent) float64 {
	switch intent {
	case models.IntentImplementation:
		if c.Category == models.CategoryCode && c.HasFnDef {
			return 1.25
		}
	case models.IntentArchitecture:
		if c.Depth <= 2 {
			return 1.20
		}
	case models.IntentDebugging:
		if c.Category == models.CategoryCode || c.Category == models.CategoryTest {
			return 1.15
		}
	case models.IntentDocumentation:
		if c.Category == models.CategoryDocs {
			return 1.20
		}
	}
	return 1.0
}

// confidence averages the top-5 fused scores and normalizes by the best
// attainable fused score, (wd+ws)/(k+1), then buckets the result.
func confidence(candidates []fused, plan query.Plan) models.Confidence {
	n := len(candidates)
	if n == 0 {
		return models.Confidence{Score: 0, Level: "none"}
	}
	if n > 5 {
		n = 5
	}
	sum := 0.0
	for _, f := range candidates[:n] {
		sum += f.score
	}
	best := (plan.DenseWeight + plan.SparseWeight) / float64(rrfK+1)
	score := (sum / float64(n)) / best
	if score > 1 {
		score = 1
	}
	level := "low"
	switch {
	case score >= 0.7:
		level = "high"
	case score >= 0.4:
		level = "medium"
	}
	return models.Confidence{Score: score, Level: level}
}

func (s *Service) encoding() *tiktoken.Tiktoken {
	s.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			s.enc = enc
		}
	})
	return s.enc
}

func (s *Service) countTokens(text string) int {
	if enc := s.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// assembleContext renders the top candidates into the prompt, dropping
// from the tail once the token budget is spent. Returns the context text
// and the candidates that actually made it in.
func (s *Service) assembleContext(top []fused) (string, []fused) {
	var b strings.Builder
	var used []fused
	budget := contextBudget
	for i, f := range top {
		block := fmt.Sprintf("[S%d] %s (L%d-%d):\n%s\n", i+1, f.chunk.Path, f.chunk.StartLine, f.chunk.EndLine, f.chunk.Text)
		if len(used) > 0 {
			block = "---\n" + block
		}
		cost := s.countTokens(block)
		if cost > budget {
			break
		}
		budget -= cost
		b.WriteString(block)
		used = append(used, f)
	}
	return b.String(), used
}

// citations deduplicates the context sources by (path, line span),
// ordered by descending fused score regardless of the context order.
func citations(used []fused) []models.Source {
	ordered := make([]fused, len(used))
	copy(ordered, used)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	seen := make(map[string]bool)
	out := make([]models.Source, 0, len(ordered))
	for _, f := range ordered {
		key := fmt.Sprintf("%s:%d-%d", f.chunk.Path, f.chunk.StartLine, f.chunk.EndLine)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, models.Source{
			File:     f.chunk.Path,
			Lines:    fmt.Sprintf("L%d-L%d", f.chunk.StartLine, f.chunk.EndLine),
			Score:    f.score,
			Category: string(f.chunk.Category),
		})
	}
	return out
}

func systemPrompt(intent models.Intent) string {
	base := "You are a code assistant answering questions about a specific repository. " +
		"Answer only from the provided context. Cite sources by their [S#] markers. " +
		"If the context does not contain the answer, say so plainly. Never invent files, paths or line numbers."
	switch intent {
	case models.IntentImplementation:
		return base + " Focus on how the code works: walk through the relevant functions and their call flow."
	case models.IntentDebugging:
		return base + " Focus on likely failure points, error handling paths and edge cases visible in the context."
	case models.IntentArchitecture:
		return base + " Focus on the high-level structure: major components, their responsibilities and how they connect."
	case models.IntentDocumentation:
		return base + " Prefer documentation sources and quote usage instructions where available."
	}
	return base
}

func cacheKey(namespace, queryText, model string) string {
	return namespace + "\x00" + strings.ToLower(strings.TrimSpace(queryText)) + "\x00" + model
}

func (s *Service) cached(namespace, queryText, model string) (models.Answer, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, ok := s.cache[cacheKey(namespace, queryText, model)]
	if !ok || time.Now().After(e.expires) {
		return models.Answer{}, false
	}
	return e.answer, true
}

func (s *Service) remember(namespace, queryText, model string, ans models.Answer) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	// Opportunistic expiry sweep keeps the map bounded.
	now := time.Now()
	for k, e := range s.cache {
		if now.After(e.expires) {
			delete(s.cache, k)
		}
	}
	s.cache[cacheKey(namespace, queryText, model)] = cacheEntry{answer: ans, expires: now.Add(cacheTTL)}
}
