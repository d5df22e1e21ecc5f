package indexer

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Span is a piece of a file with a 1-indexed, inclusive line range.
type Span struct {
	Text      string
	StartLine int
	EndLine   int
}

// Chunker splits file contents into overlapping, token-bounded spans.
// Split points prefer declaration headers, then blank lines, then any
// line boundary near the target. Lines are never split.
type Chunker struct {
	TargetTokens int // soft boundary, default 512
	MaxTokens    int // hard boundary, default 1024
	OverlapChars int // trailing context carried into the next span, default 200
	MinBytes     int // files below this yield a single span, default 100

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewChunker creates a Chunker with the default budgets.
func NewChunker() *Chunker {
	return &Chunker{
		TargetTokens: 512,
		MaxTokens:    1024,
		OverlapChars: 200,
		MinBytes:     100,
	}
}

func (c *Chunker) encoding() *tiktoken.Tiktoken {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

// countTokens returns the token count of s, falling back to a bytes/4
// estimate if the encoding is unavailable.
func (c *Chunker) countTokens(s string) int {
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return len(s)/4 + 1
}

// declPatterns matches top-level declaration headers per language. Used to
// bias split points toward semantic boundaries.
var declPatterns = map[string]*regexp.Regexp{
	"python":     regexp.MustCompile(`^\s*(def|class|async\s+def)\s+\w`),
	"javascript": regexp.MustCompile(`^\s*(function\s+\w|class\s+\w|const\s+\w+\s*=\s*(async\s*)?\(|export\s+(default\s+)?(function|class|const))`),
	"typescript": regexp.MustCompile(`^\s*(function\s+\w|class\s+\w|interface\s+\w|type\s+\w|export\s+(default\s+)?(function|class|interface|const))`),
	"go":         regexp.MustCompile(`^(func|type)\s+\w`),
	"java":       regexp.MustCompile(`^\s*(public|private|protected|static|final|abstract)?\s*(class|interface|enum|void|\w+(<[\w,\s]+>)?)\s+\w+\s*[({]`),
	"rust":       regexp.MustCompile(`^\s*(pub\s+)?(fn|struct|enum|trait|impl|mod)\s`),
	"c":          regexp.MustCompile(`^\w[\w\s\*]*\([^;]*$|^\s*(struct|enum|union|typedef)\s`),
	"cpp":        regexp.MustCompile(`^\w[\w\s\*:<>]*\([^;]*$|^\s*(class|struct|namespace|template)\s`),
	"ruby":       regexp.MustCompile(`^\s*(def|class|module)\s+\w`),
	"php":        regexp.MustCompile(`^\s*(function|class|interface|trait)\s+\w`),
	"markdown":   regexp.MustCompile(`^#{1,6}\s`),
}

func isDeclBoundary(lang, line string) bool {
	re, ok := declPatterns[lang]
	if !ok {
		return false
	}
	return re.MatchString(line)
}

// Chunk splits content into spans of roughly TargetTokens tokens.
// Whitespace-only content yields nothing; content under MinBytes yields a
// single span.
func (c *Chunker) Chunk(content, lang string) []Span {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(content) < c.MinBytes {
		return []Span{{Text: content, StartLine: 1, EndLine: len(lines)}}
	}

	lineTokens := make([]int, len(lines))
	for i, l := range lines {
		lineTokens[i] = c.countTokens(l) + 1 // count the newline
	}

	var spans []Span
	start := 0
	for start < len(lines) {
		end := start
		tokens := 0
		splitAt := -1
		for end < len(lines) {
			tokens += lineTokens[end]
			if tokens >= c.TargetTokens {
				// Look ahead a short window for a nicer boundary.
				splitAt = c.findBoundary(lines, lang, end)
				break
			}
			end++
		}
		if end >= len(lines) {
			end = len(lines) - 1
		} else if splitAt >= 0 {
			// The lookahead must not push the span past the hard cap. Trim
			// back toward the line that crossed the target, never below it.
			for i := end + 1; i <= splitAt; i++ {
				tokens += lineTokens[i]
			}
			for splitAt > end && tokens > c.MaxTokens {
				tokens -= lineTokens[splitAt]
				splitAt--
			}
			end = splitAt
		}

		text := strings.Join(lines[start:end+1], "\n")
		if strings.TrimSpace(text) != "" {
			spans = append(spans, Span{
				Text:      text,
				StartLine: start + 1,
				EndLine:   end + 1,
			})
		}
		if end+1 >= len(lines) {
			break
		}
		next := end + 1
		// Back up so the next span repeats the last OverlapChars of context.
		overlap := 0
		back := next
		for back > start+1 && overlap < c.OverlapChars {
			back--
			overlap += len(lines[back]) + 1
		}
		if back > start {
			next = back
		}
		start = next
	}
	return spans
}

const boundaryLookahead = 10

// findBoundary searches up to boundaryLookahead lines after at for a
// declaration header (split just before it) or a blank line. Falls back
// to at itself.
func (c *Chunker) findBoundary(lines []string, lang string, at int) int {
	limit := at + boundaryLookahead
	if limit >= len(lines) {
		limit = len(lines) - 1
	}
	for i := at + 1; i <= limit; i++ {
		if isDeclBoundary(lang, lines[i]) {
			return i - 1
		}
	}
	for i := at; i <= limit; i++ {
		if strings.TrimSpace(lines[i]) == "" {
			return i
		}
	}
	return at
}
