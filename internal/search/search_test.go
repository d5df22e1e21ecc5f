package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/seanblong/reporag/internal/ai"
	"github.com/seanblong/reporag/internal/query"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
)

// MockAIClient implements the ai.Client interface for testing
type MockAIClient struct {
	EmbedFunc    func(ctx context.Context, texts []string) ([][]float32, error)
	CompleteFunc func(ctx context.Context, req ai.CompleteRequest) (string, error)
}

func (m *MockAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (m *MockAIClient) Complete(ctx context.Context, req ai.CompleteRequest) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return "mock answer", nil
}

func (m *MockAIClient) Dim() int { return 3 }

func codeChunk(id, path string, depth int) models.Chunk {
	return models.Chunk{
		ID:        id,
		Path:      path,
		Text:      "def " + id + "(): authenticate user login session",
		StartLine: 1,
		EndLine:   5,
		Language:  "python",
		Category:  models.CategoryCode,
		Depth:     depth,
		HasFnDef:  true,
	}
}

func defaultPlan() query.Plan {
	return query.Plan{
		Intent:       models.IntentGeneral,
		TopKDense:    40,
		TopKSparse:   40,
		TopCtx:       10,
		DenseWeight:  1.0,
		SparseWeight: 0.5,
	}
}

func newTestService(st *MockVectorStore, client ai.Client) *Service {
	return NewService(st, client, NewManager(st))
}

func TestFuse(t *testing.T) {
	a := codeChunk("a", "src/a.py", 1)
	b := codeChunk("b", "src/b.py", 1)
	c := codeChunk("c", "src/c.py", 1)

	dense := []store.Hit{
		{ID: "a", Score: 0.9, Chunk: a},
		{ID: "b", Score: 0.8, Chunk: b},
	}
	sparse := []models.SearchResult{
		{Chunk: b, Score: 5.0},
		{Chunk: c, Score: 4.0},
	}

	fusedSet := fuse(dense, sparse, defaultPlan())
	if len(fusedSet) != 3 {
		t.Fatalf("expected 3 fused candidates, got %d", len(fusedSet))
	}

	scores := make(map[string]float64)
	for _, f := range fusedSet {
		scores[f.chunk.ID] = f.score
	}
	// a: dense rank 1 only; b: dense rank 2 + sparse rank 1; c: sparse rank 2.
	wantA := 1.0 / 61
	wantB := 1.0/62 + 0.5/61
	wantC := 0.5 / 62
	for id, want := range map[string]float64{"a": wantA, "b": wantB, "c": wantC} {
		if diff := scores[id] - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("score[%s] = %v, want %v", id, scores[id], want)
		}
	}
	// b appears highly in both lists and must lead.
	if fusedSet[0].chunk.ID != "b" {
		t.Errorf("top fused candidate = %s, want b", fusedSet[0].chunk.ID)
	}
}

func TestRerankIntentBoosts(t *testing.T) {
	fn := codeChunk("fn", "src/fn.py", 3)
	doc := models.Chunk{ID: "doc", Path: "README.md", Category: models.CategoryDocs, Depth: 0, Text: "docs"}

	candidates := []fused{
		{chunk: doc, score: 0.010},
		{chunk: fn, score: 0.009},
	}

	// Implementation intent boosts code with function definitions past
	// the slightly higher-scored doc chunk.
	out := rerank(candidates, models.IntentImplementation)
	if out[0].chunk.ID != "fn" {
		t.Errorf("implementation rerank top = %s, want fn", out[0].chunk.ID)
	}

	// Architecture intent boosts shallow files.
	out = rerank([]fused{
		{chunk: fn, score: 0.010},
		{chunk: doc, score: 0.009},
	}, models.IntentArchitecture)
	if out[0].chunk.ID != "doc" {
		t.Errorf("architecture rerank top = %s, want doc", out[0].chunk.ID)
	}

	// General intent leaves the order alone.
	out = rerank(candidates, models.IntentGeneral)
	if out[0].chunk.ID != "doc" {
		t.Errorf("general rerank top = %s, want doc", out[0].chunk.ID)
	}
}

func TestConfidence(t *testing.T) {
	plan := defaultPlan()
	best := (plan.DenseWeight + plan.SparseWeight) / 61

	tests := []struct {
		name  string
		score float64
		level string
	}{
		{"high", best * 0.9, "high"},
		{"medium", best * 0.5, "medium"},
		{"low", best * 0.1, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates := []fused{{score: tt.score}}
			conf := confidence(candidates, plan)
			if conf.Level != tt.level {
				t.Errorf("level = %q (score %v), want %q", conf.Level, conf.Score, tt.level)
			}
		})
	}

	if conf := confidence(nil, plan); conf.Level != "none" || conf.Score != 0 {
		t.Errorf("empty candidates should be none, got %+v", conf)
	}

	// Monotonicity: uniformly better scores never lower confidence.
	lo := confidence([]fused{{score: 0.001}, {score: 0.001}}, plan)
	hi := confidence([]fused{{score: 0.002}, {score: 0.002}}, plan)
	if hi.Score < lo.Score {
		t.Errorf("confidence decreased when scores increased: %v -> %v", lo.Score, hi.Score)
	}
}

func TestCitationsDedupe(t *testing.T) {
	a := codeChunk("a", "src/a.py", 1)
	dupe := a
	dupe.ID = "a2"
	b := codeChunk("b", "src/b.py", 1)

	sources := citations([]fused{
		{chunk: a, score: 0.9},
		{chunk: dupe, score: 0.8},
		{chunk: b, score: 0.7},
	})
	if len(sources) != 2 {
		t.Fatalf("expected dedupe to 2 sources, got %d", len(sources))
	}
	if sources[0].File != "src/a.py" || sources[1].File != "src/b.py" {
		t.Errorf("unexpected citation order: %+v", sources)
	}
	if sources[0].Lines != "L1-L5" {
		t.Errorf("lines = %q, want L1-L5", sources[0].Lines)
	}
}

func TestCitationsFusedScoreOrder(t *testing.T) {
	a := codeChunk("a", "src/a.py", 1)
	b := codeChunk("b", "src/b.py", 1)

	// Context order follows the intent-boosted ranking, citations follow
	// the fused score.
	sources := citations([]fused{
		{chunk: a, score: 0.4, ranked: 0.9},
		{chunk: b, score: 0.7, ranked: 0.8},
	})
	if len(sources) != 2 || sources[0].File != "src/b.py" {
		t.Fatalf("expected the higher fused score first, got %+v", sources)
	}
	if sources[0].Score != 0.7 {
		t.Errorf("citation score = %v, want the fused score 0.7", sources[0].Score)
	}
}

func TestAssembleContextBudget(t *testing.T) {
	svc := newTestService(&MockVectorStore{}, &MockAIClient{})

	var top []fused
	for i := 0; i < 30; i++ {
		c := codeChunk(fmt.Sprintf("c%d", i), fmt.Sprintf("src/f%d.py", i), 1)
		c.Text = strings.Repeat("tokenized content word ", 300)
		top = append(top, fused{chunk: c, score: 1})
	}
	text, used := svc.assembleContext(top)
	if len(used) == 0 || len(used) == len(top) {
		t.Fatalf("budget should admit some but not all oversized chunks, used %d of %d", len(used), len(top))
	}
	if got := svc.countTokens(text); got > contextBudget {
		t.Errorf("assembled context is %d tokens, budget %d", got, contextBudget)
	}
	for i, f := range used {
		marker := fmt.Sprintf("[S%d] %s", i+1, f.chunk.Path)
		if !strings.Contains(text, marker) {
			t.Errorf("context missing marker %q", marker)
		}
	}
}

func TestAnswerGreeting(t *testing.T) {
	svc := newTestService(&MockVectorStore{}, &MockAIClient{})
	ans, err := svc.Answer(context.Background(), "ns", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 0 {
		t.Error("greeting should carry no sources")
	}
	if ans.Answer == noInfoAnswer {
		t.Error("greeting should not be the no-information answer")
	}
}

func TestAnswerNoResults(t *testing.T) {
	st := &MockVectorStore{}
	svc := newTestService(st, &MockAIClient{})

	ans, err := svc.Answer(context.Background(), "ns", "find the authentication logic", "")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Answer != noInfoAnswer {
		t.Errorf("answer = %q, want the no-information answer", ans.Answer)
	}
	if len(ans.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(ans.Sources))
	}
	if ans.Confidence.Level != "none" {
		t.Errorf("confidence = %q, want none", ans.Confidence.Level)
	}
	if ans.Intent != models.IntentImplementation {
		t.Errorf("intent = %q, want implementation", ans.Intent)
	}
}

func TestAnswerGrounded(t *testing.T) {
	chunks := []models.Chunk{
		codeChunk("a", "src/auth.py", 1),
		codeChunk("b", "src/session.py", 1),
	}
	st := &MockVectorStore{}
	st.setChunks(chunks)
	st.QueryFunc = func(ctx context.Context, namespace string, vector []float32, topK int, filter store.Filter) ([]store.Hit, error) {
		return []store.Hit{
			{ID: "a", Score: 0.9, Chunk: chunks[0]},
			{ID: "b", Score: 0.7, Chunk: chunks[1]},
		}, nil
	}

	var promptedContext string
	client := &MockAIClient{
		CompleteFunc: func(ctx context.Context, req ai.CompleteRequest) (string, error) {
			promptedContext = req.User
			if req.Temperature > 0.3 {
				t.Errorf("temperature = %v, want <= 0.3", req.Temperature)
			}
			return "The login flow lives in src/auth.py [S1].", nil
		},
	}
	svc := newTestService(st, client)

	ans, err := svc.Answer(context.Background(), "ns", "how does user login work", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) == 0 {
		t.Fatal("expected cited sources")
	}
	// Citation faithfulness: every source was actually in the prompt.
	for _, s := range ans.Sources {
		if !strings.Contains(promptedContext, s.File) {
			t.Errorf("source %q not present in the LLM context", s.File)
		}
	}
	if ans.Answer == "" || ans.Answer == noInfoAnswer {
		t.Errorf("unexpected answer %q", ans.Answer)
	}
}

func TestAnswerCached(t *testing.T) {
	chunks := []models.Chunk{codeChunk("a", "src/auth.py", 1)}
	st := &MockVectorStore{}
	st.setChunks(chunks)
	st.QueryFunc = func(ctx context.Context, namespace string, vector []float32, topK int, filter store.Filter) ([]store.Hit, error) {
		return []store.Hit{{ID: "a", Score: 0.9, Chunk: chunks[0]}}, nil
	}
	completions := 0
	client := &MockAIClient{
		CompleteFunc: func(ctx context.Context, req ai.CompleteRequest) (string, error) {
			completions++
			return "answer", nil
		},
	}
	svc := newTestService(st, client)

	ctx := context.Background()
	if _, err := svc.Answer(ctx, "ns", "how does login work", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Answer(ctx, "ns", "how does login work", ""); err != nil {
		t.Fatal(err)
	}
	if completions != 1 {
		t.Errorf("expected 1 completion (second served from cache), got %d", completions)
	}
}

func TestAnswerModelOverride(t *testing.T) {
	chunks := []models.Chunk{codeChunk("a", "src/auth.py", 1)}
	st := &MockVectorStore{}
	st.setChunks(chunks)
	st.QueryFunc = func(ctx context.Context, namespace string, vector []float32, topK int, filter store.Filter) ([]store.Hit, error) {
		return []store.Hit{{ID: "a", Score: 0.9, Chunk: chunks[0]}}, nil
	}
	var gotModel string
	client := &MockAIClient{
		CompleteFunc: func(ctx context.Context, req ai.CompleteRequest) (string, error) {
			gotModel = req.Model
			return "answer", nil
		},
	}
	svc := newTestService(st, client)

	ctx := context.Background()
	if _, err := svc.Answer(ctx, "ns", "how does login work", "llama-3.3-70b"); err != nil {
		t.Fatal(err)
	}
	if gotModel != "llama-3.3-70b" {
		t.Errorf("completion model = %q, want the requested override", gotModel)
	}

	// An empty model leaves the choice to the provider's configured
	// default.
	if _, err := svc.Answer(ctx, "ns", "how are sessions stored", ""); err != nil {
		t.Fatal(err)
	}
	if gotModel != "" {
		t.Errorf("completion model = %q, want empty for the default", gotModel)
	}
}

func TestAnswerLLMErrorPropagates(t *testing.T) {
	chunks := []models.Chunk{codeChunk("a", "src/auth.py", 1)}
	st := &MockVectorStore{}
	st.setChunks(chunks)
	st.QueryFunc = func(ctx context.Context, namespace string, vector []float32, topK int, filter store.Filter) ([]store.Hit, error) {
		return []store.Hit{{ID: "a", Score: 0.9, Chunk: chunks[0]}}, nil
	}
	client := &MockAIClient{
		CompleteFunc: func(ctx context.Context, req ai.CompleteRequest) (string, error) {
			return "", &ai.AnswerError{Err: errors.New("model timeout")}
		},
	}
	svc := newTestService(st, client)

	_, err := svc.Answer(context.Background(), "ns", "how does login work", "")
	var ae *ai.AnswerError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AnswerError, got %v", err)
	}
}

func TestRetrievePostFilterFallback(t *testing.T) {
	// Every candidate violates the post-filter; the floor keeps recall by
	// falling back to the full fused set.
	var chunks []models.Chunk
	for i := 0; i < 8; i++ {
		c := codeChunk(fmt.Sprintf("c%d", i), fmt.Sprintf("src/f%d.py", i), 1)
		c.HasClassDef = false
		chunks = append(chunks, c)
	}
	st := &MockVectorStore{}
	st.setChunks(chunks)
	st.QueryFunc = func(ctx context.Context, namespace string, vector []float32, topK int, filter store.Filter) ([]store.Hit, error) {
		hits := make([]store.Hit, len(chunks))
		for i, c := range chunks {
			hits[i] = store.Hit{ID: c.ID, Score: 0.9, Chunk: c}
		}
		return hits, nil
	}
	svc := newTestService(st, &MockAIClient{})

	plan := defaultPlan()
	plan.PostFilters = store.Filter{"hasClassDef": store.Eq(true)}
	got, err := svc.retrieve(context.Background(), "ns", plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(chunks) {
		t.Errorf("fallback should return the full fused set, got %d of %d", len(got), len(chunks))
	}
}

func TestRetrievePostFilterKept(t *testing.T) {
	var chunks []models.Chunk
	for i := 0; i < 8; i++ {
		c := codeChunk(fmt.Sprintf("c%d", i), fmt.Sprintf("src/f%d.py", i), 1)
		c.HasClassDef = i < 6
		chunks = append(chunks, c)
	}
	st := &MockVectorStore{}
	st.setChunks(chunks)
	st.QueryFunc = func(ctx context.Context, namespace string, vector []float32, topK int, filter store.Filter) ([]store.Hit, error) {
		hits := make([]store.Hit, len(chunks))
		for i, c := range chunks {
			hits[i] = store.Hit{ID: c.ID, Score: 0.9, Chunk: c}
		}
		return hits, nil
	}
	svc := newTestService(st, &MockAIClient{})

	plan := defaultPlan()
	plan.PostFilters = store.Filter{"hasClassDef": store.Eq(true)}
	got, err := svc.retrieve(context.Background(), "ns", plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Errorf("post-filter should keep the 6 matching candidates, got %d", len(got))
	}
	for _, f := range got {
		if !f.chunk.HasClassDef {
			t.Errorf("chunk %s violates the post-filter", f.chunk.ID)
		}
	}
}
