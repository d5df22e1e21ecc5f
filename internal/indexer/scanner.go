package indexer

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// FileRecord is one accepted file, classified and ready for chunking. It
// lives only for the duration of an ingestion.
type FileRecord struct {
	Path     string // relative to the repo root, forward slashes
	Language string
	Category models.FileCategory
	Depth    int
	Content  string
}

// Scanner enumerates and classifies candidate files under a repo root.
type Scanner struct {
	Walker     FileSystemWalker
	FileReader FileReader
	// MaxFileBytes rejects files above this size; zero means 1 MiB.
	MaxFileBytes int64
}

// NewScanner creates a Scanner with OS-backed walking and reading.
func NewScanner() *Scanner {
	return &Scanner{
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

const defaultMaxFileBytes = 1 << 20

// Scan walks root and returns the classified text files worth indexing.
// Binary files, oversize files and denylisted paths are skipped.
func (s *Scanner) Scan(root string) ([]FileRecord, error) {
	maxBytes := s.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}

	var files []FileRecord
	err := s.Walker.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de != nil && de.IsDir() {
				if shouldSkipDir(de.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if shouldSkip(path) {
				return nil
			}
			if fi, err := os.Stat(path); err == nil && fi.Size() > maxBytes {
				log.Debug().Str("path", path).Int64("size", fi.Size()).Msg("skipping oversize file")
				return nil
			}

			b, err := s.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if int64(len(b)) > maxBytes || !looksLikeText(b) {
				return nil
			}

			relPath := rel(root, path)
			files = append(files, FileRecord{
				Path:     relPath,
				Language: guessLang(relPath),
				Category: classify(relPath),
				Depth:    pathDepth(relPath),
				Content:  string(b),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// looksLikeText checks UTF-8 validity of the first 8 KiB. Truncating can
// split a trailing multi-byte rune, so incomplete tail bytes are forgiven.
func looksLikeText(b []byte) bool {
	sniff := b
	if len(sniff) > 8192 {
		sniff = sniff[:8192]
	}
	for len(sniff) > 0 {
		r, size := utf8.DecodeRune(sniff)
		if r == utf8.RuneError && size == 1 {
			if len(sniff) < utf8.UTFMax && len(b) > 8192 {
				return true
			}
			return false
		}
		if r == 0 {
			return false
		}
		sniff = sniff[size:]
	}
	return true
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true, "build": true,
	"__pycache__": true, ".venv": true, "venv": true, "target": true,
	"vendor": true, ".terraform": true, ".pytest_cache": true,
	".gradle": true, ".idea": true, "coverage": true, ".cache": true,
	"out": true, "bin": true, "obj": true,
}

func shouldSkipDir(name string) bool {
	return skipDirs[strings.ToLower(name)]
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(path string) bool {
	p := strings.ToLower(filepath.ToSlash(path))
	for dir := range skipDirs {
		if strings.Contains(p, "/"+dir+"/") {
			return true
		}
	}
	switch filepath.Ext(p) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".ico", ".zip",
		".tar", ".gz", ".svg", ".exe", ".dll", ".so", ".dylib", ".lock",
		".sum", ".woff", ".woff2", ".ttf", ".eot", ".map":
		return true
	}
	base := filepath.Base(p)
	if base == "package-lock.json" || base == "yarn.lock" || base == "go.sum" {
		return true
	}
	// filepath.Ext sees only the last dot, so minified bundles need a
	// suffix check.
	return strings.HasSuffix(base, ".min.js")
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(r)
}

// pathDepth counts path separators from the repo root; a root-level file
// has depth 0.
func pathDepth(relPath string) int {
	return strings.Count(filepath.ToSlash(relPath), "/")
}

var langByExt = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".go":    "go",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".php":   "php",
	".md":    "markdown",
	".rst":   "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".tf":    "terraform",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".cs":    "csharp",
}

func guessLang(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := langByExt[ext]; ok {
		return lang
	}
	return "unknown"
}

var buildFiles = map[string]bool{
	"makefile": true, "dockerfile": true, "cmakelists.txt": true,
	"build.gradle": true, "pom.xml": true, "setup.py": true,
	"pyproject.toml": true, "package.json": true, "go.mod": true,
	"cargo.toml": true, "gemfile": true, "rakefile": true,
	"justfile": true, "build.sh": true,
}

var configExts = map[string]bool{
	".yaml": true, ".yml": true, ".json": true, ".toml": true,
	".ini": true, ".cfg": true, ".conf": true, ".env": true,
	".properties": true,
}

// classify assigns a file category by path conventions. Test markers win
// over everything, then build scripts, config and docs.
func classify(relPath string) models.FileCategory {
	p := strings.ToLower(filepath.ToSlash(relPath))
	base := filepath.Base(p)
	ext := filepath.Ext(p)

	if strings.Contains(p, "test") || strings.Contains(p, "spec") {
		return models.CategoryTest
	}
	if buildFiles[base] {
		return models.CategoryBuild
	}
	switch ext {
	case ".md", ".rst", ".txt":
		return models.CategoryDocs
	}
	if configExts[ext] || strings.HasPrefix(base, ".") {
		return models.CategoryConfig
	}
	if _, ok := langByExt[ext]; ok {
		return models.CategoryCode
	}
	return models.CategoryOther
}
