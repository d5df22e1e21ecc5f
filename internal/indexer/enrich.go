package indexer

import (
	"math"
	"regexp"
	"strings"

	"github.com/seanblong/reporag/pkg/models"
)

// flagPatterns holds the language-specific regexes behind the boolean
// chunk flags. The "any" row is the fallback for unknown languages.
type flagPatterns struct {
	classDef *regexp.Regexp
	fnDef    *regexp.Regexp
	imports  *regexp.Regexp
	tests    *regexp.Regexp
}

var flagTables = map[string]flagPatterns{
	"python": {
		classDef: regexp.MustCompile(`(?m)^\s*class\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)^\s*(async\s+)?def\s+\w`),
		imports:  regexp.MustCompile(`(?m)^\s*(import|from)\s`),
		tests:    regexp.MustCompile(`\bunittest\b|\bpytest\b|(?m)^\s*def\s+test_`),
	},
	"javascript": {
		classDef: regexp.MustCompile(`(?m)^\s*(export\s+)?(default\s+)?class\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)(function\s+\w|=>\s*[{(]|^\s*(async\s+)?\w+\s*\([^)]*\)\s*{)`),
		imports:  regexp.MustCompile(`(?m)^\s*(import\s|const\s+.*=\s*require\()`),
		tests:    regexp.MustCompile(`\b(describe|it|test|expect)\s*\(`),
	},
	"typescript": {
		classDef: regexp.MustCompile(`(?m)^\s*(export\s+)?(abstract\s+)?(class|interface)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)(function\s+\w|=>\s*[{(]|^\s*(async\s+)?\w+\s*\([^)]*\)\s*[:{])`),
		imports:  regexp.MustCompile(`(?m)^\s*import\s`),
		tests:    regexp.MustCompile(`\b(describe|it|test|expect)\s*\(`),
	},
	"java": {
		classDef: regexp.MustCompile(`(?m)^\s*(public\s+|private\s+|protected\s+)?(abstract\s+|final\s+)?(class|interface|enum)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)^\s*(public|private|protected|static).*\([^)]*\)\s*({|throws)`),
		imports:  regexp.MustCompile(`(?m)^\s*import\s`),
		tests:    regexp.MustCompile(`@Test\b|\bjunit\b`),
	},
	"go": {
		classDef: regexp.MustCompile(`(?m)^type\s+\w+\s+(struct|interface)\b`),
		fnDef:    regexp.MustCompile(`(?m)^func\s+(\(\w+\s+\*?\w+\)\s+)?\w`),
		imports:  regexp.MustCompile(`(?m)^import\s|^\t"`),
		tests:    regexp.MustCompile(`(?m)^func\s+Test\w|\btesting\.T\b`),
	},
	"rust": {
		classDef: regexp.MustCompile(`(?m)^\s*(pub\s+)?(struct|enum|trait)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)^\s*(pub\s+)?(async\s+)?fn\s+\w`),
		imports:  regexp.MustCompile(`(?m)^\s*use\s`),
		tests:    regexp.MustCompile(`#\[test\]|#\[cfg\(test\)\]`),
	},
	"c": {
		classDef: regexp.MustCompile(`(?m)^\s*(struct|enum|union|typedef)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)^\w[\w\s\*]*\([^;]*\)\s*{`),
		imports:  regexp.MustCompile(`(?m)^\s*#include\s`),
		tests:    regexp.MustCompile(`\bassert\s*\(`),
	},
	"cpp": {
		classDef: regexp.MustCompile(`(?m)^\s*(class|struct|enum|union)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)^\w[\w\s\*:<>]*\([^;]*\)\s*{`),
		imports:  regexp.MustCompile(`(?m)^\s*#include\s`),
		tests:    regexp.MustCompile(`\bTEST(_F)?\s*\(|\bassert\s*\(`),
	},
	"ruby": {
		classDef: regexp.MustCompile(`(?m)^\s*(class|module)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)^\s*def\s+\w`),
		imports:  regexp.MustCompile(`(?m)^\s*require(_relative)?\s`),
		tests:    regexp.MustCompile(`\b(describe|it|expect|RSpec)\b`),
	},
	"php": {
		classDef: regexp.MustCompile(`(?m)^\s*(abstract\s+|final\s+)?(class|interface|trait)\s+\w`),
		fnDef:    regexp.MustCompile(`(?m)function\s+\w+\s*\(`),
		imports:  regexp.MustCompile(`(?m)^\s*(use\s|require|include)`),
		tests:    regexp.MustCompile(`\bPHPUnit\b|\bTestCase\b`),
	},
}

var genericFlags = flagPatterns{
	classDef: regexp.MustCompile(`(?m)^\s*class\s+\w`),
	fnDef:    regexp.MustCompile(`(?m)(function\s+\w|^\s*def\s+\w|^func\s+\w)`),
	imports:  regexp.MustCompile(`(?m)^\s*(import|from|use|require|#include)\b`),
	tests:    regexp.MustCompile(`\b(test|spec|assert)\b`),
}

var (
	branchRe = regexp.MustCompile(`\b(if|for|while|switch|case|catch|elif|when|match)\b`)
	callRe   = regexp.MustCompile(`\w+\s*\(`)
)

// Enrich fills in a chunk's derived metadata fields from its text and the
// file's language. ID, path and span fields are left untouched.
func Enrich(c *models.Chunk) {
	table, ok := flagTables[c.Language]
	if !ok {
		table = genericFlags
	}
	c.HasClassDef = table.classDef.MatchString(c.Text)
	c.HasFnDef = table.fnDef.MatchString(c.Text)
	c.HasImports = table.imports.MatchString(c.Text)
	c.HasTests = c.Category == models.CategoryTest || table.tests.MatchString(c.Text)

	c.WordCount = len(strings.Fields(c.Text))
	c.SizeClass = models.SizeClassFor(c.WordCount)
	c.Complexity = complexityScore(c.Text)
}

// complexityScore is a monotone proxy for chunk complexity, derived from
// cheap regex counts of branches, loops and function calls.
func complexityScore(text string) int {
	branches := len(branchRe.FindAllStringIndex(text, -1))
	calls := len(callRe.FindAllStringIndex(text, -1))
	score := 1 + int(math.Floor(math.Log2(1+float64(branches)+float64(calls)/4)))
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}
