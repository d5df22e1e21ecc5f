package query

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/internal/store"
	"github.com/seanblong/reporag/pkg/models"
)

// FilterError reports a malformed or unevaluable filter plan. The caller
// drops the filters and continues unfiltered.
type FilterError struct {
	Err error
}

func (e *FilterError) Error() string { return "filter: " + e.Err.Error() }
func (e *FilterError) Unwrap() error { return e.Err }

// Plan is a complete retrieval plan for one query.
type Plan struct {
	Intent      models.Intent
	Rewritten   string // expanded query text fed to both retrievers
	PreFilters  store.Filter
	PostFilters store.Filter

	TopKDense    int
	TopKSparse   int
	TopCtx       int
	DenseWeight  float64
	SparseWeight float64
}

// SelectivityEstimator estimates the fraction of a namespace's corpus
// matching a filter.
type SelectivityEstimator interface {
	Selectivity(ctx context.Context, namespace string, f store.Filter) (float64, error)
}

// Planner turns a natural-language query into a Plan: intent, implicit
// filters gated by selectivity, retrieval depths and fusion weights.
type Planner struct {
	Estimator SelectivityEstimator

	// Selectivity gate bounds; pre-filters outside (MinSelectivity,
	// MaxSelectivity) are dropped.
	MinSelectivity float64
	MaxSelectivity float64
}

// NewPlanner creates a Planner with the default selectivity gate.
func NewPlanner(est SelectivityEstimator) *Planner {
	return &Planner{
		Estimator:      est,
		MinSelectivity: 0.10,
		MaxSelectivity: 0.50,
	}
}

var intentTriggers = []struct {
	intent models.Intent
	re     *regexp.Regexp
}{
	{models.IntentDebugging, regexp.MustCompile(`\b(debug|bug|error|exception|stack trace|traceback|crash|fail(s|ing|ure)?|broken|fix|issue)\b`)},
	{models.IntentArchitecture, regexp.MustCompile(`\b(architecture|architectural|structure|design|overview|diagram|flow|organi[sz]ed|high.level|component)s?\b`)},
	{models.IntentDocumentation, regexp.MustCompile(`\b(readme|documentation|docs?|changelog|license|contributing|usage|getting started|how to use|install)\b`)},
	{models.IntentImplementation, regexp.MustCompile(`\b(implement(s|ed|ation)?|how does|how is|where is|written|defined?|logic|algorithm|code|function|method|class|handler)\b`)},
}

// ClassifyIntent maps a query onto the closed intent set. First trigger
// wins; debugging and architecture outrank implementation since their
// keywords are more specific.
func ClassifyIntent(query string) models.Intent {
	q := strings.ToLower(query)
	for _, t := range intentTriggers {
		if t.re.MatchString(q) {
			return t.intent
		}
	}
	return models.IntentGeneral
}

// languageTokens maps query words onto language pre-filter values.
var languageTokens = map[string]string{
	"python": "python", "py": "python",
	"javascript": "javascript", "js": "javascript",
	"typescript": "typescript", "ts": "typescript",
	"java": "java", "golang": "go", "go": "go",
	"rust": "rust", "ruby": "ruby", "php": "php",
	"c++": "cpp", "cpp": "cpp",
	"yaml": "yaml", "json": "json", "markdown": "markdown",
	"shell": "shell", "bash": "shell", "haskell": "haskell",
	"kotlin": "kotlin", "swift": "swift", "scala": "scala",
}

var categoryTokens = map[string]models.FileCategory{
	"test":   models.CategoryTest,
	"tests":  models.CategoryTest,
	"spec":   models.CategoryTest,
	"specs":  models.CategoryTest,
	"config": models.CategoryConfig,
	"doc":    models.CategoryDocs,
	"docs":   models.CategoryDocs,
	"readme": models.CategoryDocs,
	"build":  models.CategoryBuild,
}

var (
	topLevelRe = regexp.MustCompile(`\b(main|root|top.level|entry\s?point)\b`)
	classRe    = regexp.MustCompile(`\bclass(es)?\b`)
	funcRe     = regexp.MustCompile(`\b(functions?|methods?)\b`)
	codeHintRe = regexp.MustCompile(`\b(code|implementation|logic|source)\b`)
)

// extractFilters scans the query for implicit filter hints.
func extractFilters(query string, intent models.Intent) (pre, post store.Filter) {
	pre = store.Filter{}
	post = store.Filter{}
	q := strings.ToLower(query)
	words := tokenizeQuery(q)

	for _, w := range words {
		if lang, ok := languageTokens[w]; ok {
			pre["language"] = store.Eq(lang)
			break
		}
	}
	for _, w := range words {
		if cat, ok := categoryTokens[w]; ok {
			pre["category"] = store.Eq(string(cat))
			break
		}
	}
	if _, ok := pre["category"]; !ok && codeHintRe.MatchString(q) {
		pre["category"] = store.Eq(string(models.CategoryCode))
	}
	if topLevelRe.MatchString(q) || intent == models.IntentArchitecture {
		pre["depth"] = store.Lte(2)
	}

	if classRe.MatchString(q) {
		post["hasClassDef"] = store.Eq(true)
	}
	if funcRe.MatchString(q) {
		post["hasFnDef"] = store.Eq(true)
	}
	return pre, post
}

var splitRe = regexp.MustCompile(`[^a-z0-9+]+`)

func tokenizeQuery(q string) []string {
	// keep "+" so c++ survives tokenization
	return splitRe.Split(q, -1)
}

// techExpansions appends well-known synonyms to the query so the lexical
// retriever matches codebase vocabulary.
var techExpansions = map[string][]string{
	"auth":     {"authentication", "login", "credential"},
	"db":       {"database", "storage"},
	"api":      {"endpoint", "route", "handler"},
	"config":   {"configuration", "settings"},
	"error":    {"exception", "failure"},
	"test":     {"spec", "assertion"},
	"frontend": {"ui", "client"},
	"backend":  {"server", "service"},
	"deploy":   {"deployment", "release"},
	"cache":    {"caching", "memoization"},
}

// Rewrite expands the query with technical synonyms and an intent hint.
// The rewritten text goes to the retrievers; the original is what the
// user sees echoed back.
func Rewrite(query string, intent models.Intent) string {
	var extra []string
	seen := map[string]bool{}
	for _, w := range tokenizeQuery(strings.ToLower(query)) {
		for _, syn := range techExpansions[w] {
			if !seen[syn] && !strings.Contains(strings.ToLower(query), syn) {
				seen[syn] = true
				extra = append(extra, syn)
			}
		}
	}
	switch intent {
	case models.IntentImplementation:
		extra = append(extra, "implementation")
	case models.IntentDebugging:
		extra = append(extra, "error handling")
	case models.IntentArchitecture:
		extra = append(extra, "structure overview")
	}
	if len(extra) == 0 {
		return query
	}
	return query + " " + strings.Join(extra, " ")
}

// Plan builds a retrieval plan for the query against the namespace. A
// pre-filter whose estimated selectivity falls outside the gate is
// dropped; an estimator failure disables filtering entirely rather than
// failing the query.
func (p *Planner) Plan(ctx context.Context, namespace, query string) Plan {
	intent := ClassifyIntent(query)
	pre, post := extractFilters(query, intent)

	if len(pre) > 0 && p.Estimator != nil {
		sel, err := p.Estimator.Selectivity(ctx, namespace, pre)
		if err != nil {
			log.Warn().Err(err).Str("namespace", namespace).Msg("selectivity probe failed, disabling filters")
			pre = store.Filter{}
			post = store.Filter{}
		} else if sel < p.MinSelectivity || sel > p.MaxSelectivity {
			log.Debug().Float64("selectivity", sel).Msg("pre-filter outside gate, dropped")
			pre = store.Filter{}
		}
	}

	plan := Plan{
		Intent:       intent,
		Rewritten:    Rewrite(query, intent),
		PreFilters:   pre,
		PostFilters:  post,
		TopKDense:    40,
		TopKSparse:   40,
		TopCtx:       contextDepth(intent),
		DenseWeight:  1.0,
		SparseWeight: 0.5,
	}
	return plan
}

// contextDepth adapts how many chunks reach the prompt to the intent.
// Architecture questions benefit from breadth, debugging from precision.
func contextDepth(intent models.Intent) int {
	switch intent {
	case models.IntentArchitecture:
		return 12
	case models.IntentDebugging:
		return 8
	default:
		return 10
	}
}
