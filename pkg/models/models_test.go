package models

import "testing"

func TestRepoID(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{
			name:     "https url",
			url:      "https://github.com/acme/widgets",
			expected: "github-com-acme-widgets",
		},
		{
			name:     "trailing .git is stripped",
			url:      "https://github.com/acme/widgets.git",
			expected: "github-com-acme-widgets",
		},
		{
			name:     "case folded",
			url:      "https://GitHub.com/Acme/Widgets",
			expected: "github-com-acme-widgets",
		},
		{
			name:     "ssh url",
			url:      "git@github.com:acme/widgets.git",
			expected: "github-com-acme-widgets",
		},
		{
			name:     "trailing slash",
			url:      "https://github.com/acme/widgets/",
			expected: "github-com-acme-widgets",
		},
		{
			name:     "surrounding whitespace",
			url:      "  https://github.com/acme/widgets  ",
			expected: "github-com-acme-widgets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RepoID(tt.url); got != tt.expected {
				t.Errorf("RepoID(%q) = %q, want %q", tt.url, got, tt.expected)
			}
		})
	}
}

func TestRepoIDStable(t *testing.T) {
	a := RepoID("https://github.com/acme/widgets")
	b := RepoID("https://github.com/acme/widgets")
	if a != b {
		t.Errorf("RepoID is not stable: %q != %q", a, b)
	}
}

func TestSizeClassFor(t *testing.T) {
	tests := []struct {
		words    int
		expected SizeCategory
	}{
		{0, SizeSmall},
		{199, SizeSmall},
		{200, SizeMedium},
		{800, SizeMedium},
		{801, SizeLarge},
		{10000, SizeLarge},
	}
	for _, tt := range tests {
		if got := SizeClassFor(tt.words); got != tt.expected {
			t.Errorf("SizeClassFor(%d) = %q, want %q", tt.words, got, tt.expected)
		}
	}
}
