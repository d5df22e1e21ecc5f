package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// refreshDrift triggers a corpus rebuild when the stored chunk count moves
// more than this fraction from the indexed snapshot.
const refreshDrift = 0.05

// Corpus is the in-memory lexical index over one namespace: an inverted
// index with term frequencies plus the raw chunks for post-filtering and
// selectivity probes. Read-mostly; rebuilt under the write lock.
type Corpus struct {
	mu       sync.RWMutex
	chunks   []models.Chunk
	postings map[string]map[int]int // term -> doc ordinal -> tf
	docLens  []int
	avgLen   float64
}

// Manager caches one Corpus per active namespace, building each lazily
// from a full export of the vector store.
type Manager struct {
	store store.VectorStore

	mu      sync.Mutex
	corpora map[string]*Corpus
}

// NewManager creates a Manager over the given store.
func NewManager(s store.VectorStore) *Manager {
	return &Manager{store: s, corpora: make(map[string]*Corpus)}
}

// Corpus returns the lexical index for the namespace, building or
// refreshing it as needed.
func (m *Manager) Corpus(ctx context.Context, namespace string) (*Corpus, error) {
	m.mu.Lock()
	c, ok := m.corpora[namespace]
	if !ok {
		c = &Corpus{}
		m.corpora[namespace] = c
	}
	m.mu.Unlock()

	if err := c.refresh(ctx, m.store, namespace); err != nil {
		return nil, err
	}
	return c, nil
}

// Invalidate drops the cached corpus for a namespace, forcing a rebuild
// on next use. Called after an ingest completes.
func (m *Manager) Invalidate(namespace string) {
	m.mu.Lock()
	delete(m.corpora, namespace)
	m.mu.Unlock()
}

// Selectivity estimates the fraction of the namespace's corpus matching
// the filter.
func (m *Manager) Selectivity(ctx context.Context, namespace string, f store.Filter) (float64, error) {
	c, err := m.Corpus(ctx, namespace)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return f.Selectivity(c.chunks), nil
}

// refresh rebuilds the index when it is empty or the stored count has
// drifted past the threshold.
func (c *Corpus) refresh(ctx context.Context, s store.VectorStore, namespace string) error {
	count, err := s.Count(ctx, namespace)
	if err != nil {
		return err
	}

	c.mu.RLock()
	have := len(c.chunks)
	c.mu.RUnlock()
	if have > 0 && !drifted(have, count) {
		return nil
	}

	chunks, err := s.Scroll(ctx, namespace)
	if err != nil {
		return err
	}
	c.rebuild(chunks)
	log.Info().Str("namespace", namespace).Int("chunks", len(chunks)).Msg("rebuilt lexical index")
	return nil
}

func drifted(have, stored int) bool {
	if have == stored {
		return false
	}
	base := have
	if base == 0 {
		return true
	}
	return math.Abs(float64(stored-have))/float64(base) > refreshDrift
}

func (c *Corpus) rebuild(chunks []models.Chunk) {
	postings := make(map[string]map[int]int)
	docLens := make([]int, len(chunks))
	total := 0
	for i, ch := range chunks {
		terms := Tokenize(ch.Text)
		docLens[i] = len(terms)
		total += len(terms)
		for _, t := range terms {
			pl, ok := postings[t]
			if !ok {
				pl = make(map[int]int)
				postings[t] = pl
			}
			pl[i]++
		}
	}
	avg := 0.0
	if len(chunks) > 0 {
		avg = float64(total) / float64(len(chunks))
	}

	c.mu.Lock()
	c.chunks = chunks
	c.postings = postings
	c.docLens = docLens
	c.avgLen = avg
	c.mu.Unlock()
}

// Search scores the query with BM25 and returns the topK chunks.
func (c *Corpus) Search(query string, topK int) []models.SearchResult {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.chunks)
	if n == 0 {
		return nil
	}

	scores := make(map[int]float64)
	for _, t := range terms {
		pl, ok := c.postings[t]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(pl))+0.5)/(float64(len(pl))+0.5))
		for doc, tf := range pl {
			dl := float64(c.docLens[doc])
			norm := 1 - bm25B + bm25B*dl/c.avgLen
			scores[doc] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	results := make([]models.SearchResult, 0, len(scores))
	for doc, score := range scores {
		results = append(results, models.SearchResult{Chunk: c.chunks[doc], Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Size reports the number of indexed chunks.
func (c *Corpus) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks)
}

// Tokenize lowercases and splits on non-alphanumeric runes, keeping terms
// of length two or more.
func Tokenize(text string) []string {
	var terms []string
	var b strings.Builder
	flush := func() {
		if b.Len() >= 2 {
			terms = append(terms, b.String())
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return terms
}
