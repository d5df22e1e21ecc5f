package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
)

// MockEstimator implements SelectivityEstimator for testing
type MockEstimator struct {
	SelectivityFunc func(ctx context.Context, namespace string, f store.Filter) (float64, error)
}

func (m *MockEstimator) Selectivity(ctx context.Context, namespace string, f store.Filter) (float64, error) {
	if m.SelectivityFunc != nil {
		return m.SelectivityFunc(ctx, namespace, f)
	}
	return 0.3, nil
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		query    string
		expected models.Intent
	}{
		{"How is authentication implemented?", models.IntentImplementation},
		{"Find authentication logic", models.IntentImplementation},
		{"Where is the session handler defined?", models.IntentImplementation},
		{"Why does this throw an error?", models.IntentDebugging},
		{"Help me debug the stack trace", models.IntentDebugging},
		{"The build is failing", models.IntentDebugging},
		{"Give me the architecture overview", models.IntentArchitecture},
		{"What is the high-level design?", models.IntentArchitecture},
		{"Show me the readme", models.IntentDocumentation},
		{"How to use this library?", models.IntentDocumentation},
		{"tell me about widgets", models.IntentGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := ClassifyIntent(tt.query); got != tt.expected {
				t.Errorf("ClassifyIntent(%q) = %q, want %q", tt.query, got, tt.expected)
			}
		})
	}
}

func TestExtractFilters(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		intent       models.Intent
		wantLanguage string
		wantCategory string
		wantDepth    bool
		wantClass    bool
		wantFn       bool
	}{
		{
			name:         "language and code hint",
			query:        "Python authentication code",
			intent:       models.IntentImplementation,
			wantLanguage: "python",
			wantCategory: "code",
		},
		{
			name:         "category token",
			query:        "show me the tests for parsing",
			intent:       models.IntentImplementation,
			wantCategory: "test",
		},
		{
			name:      "top level hint",
			query:     "what does the main entry point do",
			intent:    models.IntentGeneral,
			wantDepth: true,
		},
		{
			name:      "class post filter",
			query:     "list the classes in this project",
			intent:    models.IntentGeneral,
			wantClass: true,
		},
		{
			name:   "function post filter",
			query:  "which functions handle retries",
			intent: models.IntentGeneral,
			wantFn: true,
		},
		{
			name:         "go alias",
			query:        "golang worker pool implementation",
			intent:       models.IntentImplementation,
			wantLanguage: "go",
			wantCategory: "code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pre, post := extractFilters(tt.query, tt.intent)
			if tt.wantLanguage != "" && pre["language"].Eq != tt.wantLanguage {
				t.Errorf("language filter = %v, want %q", pre["language"].Eq, tt.wantLanguage)
			}
			if tt.wantLanguage == "" {
				if _, ok := pre["language"]; ok {
					t.Errorf("unexpected language filter: %v", pre["language"].Eq)
				}
			}
			if tt.wantCategory != "" && pre["category"].Eq != tt.wantCategory {
				t.Errorf("category filter = %v, want %q", pre["category"].Eq, tt.wantCategory)
			}
			if _, ok := pre["depth"]; ok != tt.wantDepth {
				t.Errorf("depth filter present = %v, want %v", ok, tt.wantDepth)
			}
			if _, ok := post["hasClassDef"]; ok != tt.wantClass {
				t.Errorf("hasClassDef filter present = %v, want %v", ok, tt.wantClass)
			}
			if _, ok := post["hasFnDef"]; ok != tt.wantFn {
				t.Errorf("hasFnDef filter present = %v, want %v", ok, tt.wantFn)
			}
		})
	}
}

func TestArchitectureIntentAddsDepthFilter(t *testing.T) {
	pre, _ := extractFilters("describe the architecture", models.IntentArchitecture)
	cond, ok := pre["depth"]
	if !ok {
		t.Fatal("architecture intent should add a depth pre-filter")
	}
	if cond.Lte == nil || *cond.Lte != 2 {
		t.Errorf("depth condition = %+v, want lte 2", cond)
	}
}

func TestSelectivityGate(t *testing.T) {
	tests := []struct {
		name        string
		selectivity float64
		keepFilter  bool
	}{
		{"too restrictive", 0.05, false},
		{"lower bound", 0.10, true},
		{"mid range", 0.45, true},
		{"upper bound", 0.50, true},
		{"too broad", 0.80, false},
		{"nothing matches", 0.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanner(&MockEstimator{
				SelectivityFunc: func(ctx context.Context, namespace string, f store.Filter) (float64, error) {
					return tt.selectivity, nil
				},
			})
			plan := p.Plan(context.Background(), "ns", "Python authentication code")
			if got := len(plan.PreFilters) > 0; got != tt.keepFilter {
				t.Errorf("pre-filter kept = %v, want %v (selectivity %v)", got, tt.keepFilter, tt.selectivity)
			}
		})
	}
}

func TestEstimatorFailureDisablesFilters(t *testing.T) {
	p := NewPlanner(&MockEstimator{
		SelectivityFunc: func(ctx context.Context, namespace string, f store.Filter) (float64, error) {
			return 0, errors.New("corpus unavailable")
		},
	})
	plan := p.Plan(context.Background(), "ns", "Python classes with functions")
	if len(plan.PreFilters) != 0 || len(plan.PostFilters) != 0 {
		t.Errorf("estimator failure should disable all filters, got pre=%v post=%v", plan.PreFilters, plan.PostFilters)
	}
}

func TestPlanDefaults(t *testing.T) {
	p := NewPlanner(nil)
	plan := p.Plan(context.Background(), "ns", "tell me about widgets")
	if plan.TopKDense != 40 || plan.TopKSparse != 40 {
		t.Errorf("retrieval depths = %d/%d, want 40/40", plan.TopKDense, plan.TopKSparse)
	}
	if plan.DenseWeight != 1.0 || plan.SparseWeight != 0.5 {
		t.Errorf("fusion weights = %v/%v, want 1.0/0.5", plan.DenseWeight, plan.SparseWeight)
	}
	if plan.TopCtx != 10 {
		t.Errorf("TopCtx = %d, want 10", plan.TopCtx)
	}
	if plan.Intent != models.IntentGeneral {
		t.Errorf("intent = %q, want general", plan.Intent)
	}
}

func TestRewrite(t *testing.T) {
	out := Rewrite("how does auth work", models.IntentImplementation)
	if !strings.Contains(out, "authentication") {
		t.Errorf("expected synonym expansion, got %q", out)
	}
	if !strings.HasPrefix(out, "how does auth work") {
		t.Errorf("rewrite must preserve the original query prefix, got %q", out)
	}

	plain := Rewrite("widgets overview", models.IntentGeneral)
	if plain != "widgets overview" {
		t.Errorf("no expansions should leave the query untouched, got %q", plain)
	}
}
