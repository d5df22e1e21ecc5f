package models

import (
	"regexp"
	"strings"
	"time"
)

// FileCategory classifies a file by its role in the repository.
type FileCategory string

const (
	CategoryCode   FileCategory = "code"
	CategoryTest   FileCategory = "test"
	CategoryConfig FileCategory = "config"
	CategoryDocs   FileCategory = "docs"
	CategoryBuild  FileCategory = "build"
	CategoryOther  FileCategory = "other"
)

// SizeCategory buckets a chunk by word count.
type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
)

// Intent is the coarse semantic class of a query.
type Intent string

const (
	IntentImplementation Intent = "implementation"
	IntentDebugging      Intent = "debugging"
	IntentArchitecture   Intent = "architecture"
	IntentDocumentation  Intent = "documentation"
	IntentGeneral        Intent = "general"
)

// Chunk is a bounded, line-annotated slice of a single file with derived
// metadata. StartLine/EndLine are 1-indexed and inclusive.
type Chunk struct {
	ID          string       `json:"id"`
	RepoID      string       `json:"repo_id"`
	Path        string       `json:"path"`
	Text        string       `json:"text"`
	StartLine   int          `json:"start_line"`
	EndLine     int          `json:"end_line"`
	Language    string       `json:"language"`
	Category    FileCategory `json:"category"`
	Depth       int          `json:"depth"`
	SizeClass   SizeCategory `json:"size_category"`
	HasClassDef bool         `json:"has_class_def"`
	HasFnDef    bool         `json:"has_fn_def"`
	HasImports  bool         `json:"has_imports"`
	HasTests    bool         `json:"has_tests"`
	Complexity  int          `json:"complexity"`
	WordCount   int          `json:"word_count"`
}

// Repository describes one indexed repository. Its Namespace scopes all of
// the repository's chunks in the vector store.
type Repository struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Revision   string    `json:"revision"`
	Namespace  string    `json:"namespace"`
	FileCount  int       `json:"file_count"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// SearchResult pairs a chunk with a retrieval score.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Source is a citation returned alongside an answer.
type Source struct {
	File     string  `json:"file"`
	Lines    string  `json:"lines"`
	Score    float64 `json:"score"`
	Category string  `json:"category"`
}

// Confidence is the bucketed aggregate of top fused similarity scores.
// Level is one of "high", "medium", "low" or "none".
type Confidence struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`
}

// Answer is the grounded, cited response to a query.
type Answer struct {
	Answer     string     `json:"answer"`
	Sources    []Source   `json:"sources"`
	Confidence Confidence `json:"confidence"`
	Intent     Intent     `json:"intent"`
}

var repoIDStrip = regexp.MustCompile(`[^a-z0-9]+`)

// RepoID derives a stable, case-folded identifier from a repository URL.
// The same URL always maps to the same id; the id doubles as the vector
// store namespace.
func RepoID(url string) string {
	s := strings.ToLower(strings.TrimSpace(url))
	for _, p := range []string{"https://", "http://", "git@", "ssh://"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	s = repoIDStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// SizeClassFor buckets a word count into small (<200), medium (200..800)
// or large (>800).
func SizeClassFor(words int) SizeCategory {
	switch {
	case words < 200:
		return SizeSmall
	case words <= 800:
		return SizeMedium
	default:
		return SizeLarge
	}
}
