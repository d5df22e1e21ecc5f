package indexer

import (
	"strings"
	"testing"

	"github.com/seanblong/reporag/pkg/models"
)

func TestEnrichPythonFlags(t *testing.T) {
	c := models.Chunk{
		Language: "python",
		Category: models.CategoryCode,
		Text: `import os
from typing import Optional

class SessionStore:
    def get(self, key):
        if key in self.data:
            return self.data[key]
        return None
`,
	}
	Enrich(&c)

	if !c.HasClassDef {
		t.Error("expected HasClassDef")
	}
	if !c.HasFnDef {
		t.Error("expected HasFnDef")
	}
	if !c.HasImports {
		t.Error("expected HasImports")
	}
	if c.HasTests {
		t.Error("did not expect HasTests")
	}
	if c.WordCount == 0 {
		t.Error("expected a non-zero word count")
	}
	if c.SizeClass != models.SizeSmall {
		t.Errorf("SizeClass = %q, want small", c.SizeClass)
	}
}

func TestEnrichGoFlags(t *testing.T) {
	c := models.Chunk{
		Language: "go",
		Category: models.CategoryCode,
		Text: `package store

import "context"

type Store struct {
	client *Client
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key)
}
`,
	}
	Enrich(&c)

	if !c.HasClassDef {
		t.Error("expected HasClassDef for a struct type")
	}
	if !c.HasFnDef {
		t.Error("expected HasFnDef for a method")
	}
	if !c.HasImports {
		t.Error("expected HasImports")
	}
}

func TestEnrichTestDetection(t *testing.T) {
	tests := []struct {
		name string
		c    models.Chunk
		want bool
	}{
		{
			name: "pytest import",
			c:    models.Chunk{Language: "python", Text: "import pytest\n\ndef helper():\n    pass\n"},
			want: true,
		},
		{
			name: "go test function",
			c:    models.Chunk{Language: "go", Text: "func TestParse(t *testing.T) {\n}\n"},
			want: true,
		},
		{
			name: "test category wins regardless of text",
			c:    models.Chunk{Language: "python", Category: models.CategoryTest, Text: "x = 1\n"},
			want: true,
		},
		{
			name: "plain code",
			c:    models.Chunk{Language: "python", Text: "x = compute()\n"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Enrich(&tt.c)
			if tt.c.HasTests != tt.want {
				t.Errorf("HasTests = %v, want %v", tt.c.HasTests, tt.want)
			}
		})
	}
}

func TestComplexityScore(t *testing.T) {
	trivial := complexityScore("x = 1")
	if trivial < 1 || trivial > 10 {
		t.Errorf("complexity out of range: %d", trivial)
	}

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("if check(x):\n    for y in items:\n        process(y)\n")
	}
	busy := complexityScore(b.String())
	if busy <= trivial {
		t.Errorf("busy code should score higher: trivial=%d busy=%d", trivial, busy)
	}
	if busy > 10 {
		t.Errorf("complexity must clip at 10, got %d", busy)
	}
}

func TestEnrichSizeCategories(t *testing.T) {
	small := models.Chunk{Language: "python", Text: "one two three"}
	Enrich(&small)
	if small.SizeClass != models.SizeSmall {
		t.Errorf("SizeClass = %q, want small", small.SizeClass)
	}

	large := models.Chunk{Language: "python", Text: strings.Repeat("word ", 900)}
	Enrich(&large)
	if large.SizeClass != models.SizeLarge {
		t.Errorf("SizeClass = %q, want large", large.SizeClass)
	}
}
