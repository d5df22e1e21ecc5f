package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchError reports a failed repository acquisition (bad URL, auth,
// unreachable remote, timeout).
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return "fetch " + e.URL + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// DefaultTimeout bounds a single clone.
const DefaultTimeout = 120 * time.Second

// Fetcher materializes a repository snapshot into a local temp directory.
type Fetcher struct {
	// Token optionally authenticates https clones (e.g. a GitHub PAT).
	Token string
	// Timeout bounds the clone; zero means DefaultTimeout.
	Timeout time.Duration
}

// Result describes a fetched snapshot. Cleanup removes the checkout and is
// safe to call more than once.
type Result struct {
	Dir      string
	Revision string
	Cleanup  func()
}

// Fetch shallow-clones the repository at the given ref into a fresh temp
// directory. An empty ref clones the remote default branch.
func (f *Fetcher) Fetch(ctx context.Context, repoURL, ref string) (*Result, error) {
	if strings.TrimSpace(repoURL) == "" {
		return nil, &FetchError{URL: repoURL, Err: fmt.Errorf("empty repository URL")}
	}
	dir, err := os.MkdirTemp("", "reporag-*")
	if err != nil {
		return nil, &FetchError{URL: repoURL, Err: err}
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove temp directory")
		}
	}

	timeout := f.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	cloneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := repoURL
	if f.Token != "" && strings.HasPrefix(url, "https://") {
		url = "https://" + f.Token + ":x-oauth-basic@" + strings.TrimPrefix(url, "https://")
	}
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url, dir)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(cloneCtx, "git", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		cleanup()
		if cloneCtx.Err() == context.DeadlineExceeded {
			return nil, &FetchError{URL: repoURL, Err: fmt.Errorf("clone timed out after %s", timeout)}
		}
		msg := sanitize(stderr.String(), f.Token)
		if msg != "" {
			return nil, &FetchError{URL: repoURL, Err: fmt.Errorf("git clone: %w: %s", err, msg)}
		}
		return nil, &FetchError{URL: repoURL, Err: fmt.Errorf("git clone: %w", err)}
	}

	rev, err := headRevision(cloneCtx, dir)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve HEAD revision")
	}
	return &Result{Dir: dir, Revision: rev, Cleanup: cleanup}, nil
}

func headRevision(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// sanitize strips the auth token from git output before it reaches logs or
// error responses.
func sanitize(s, token string) string {
	s = strings.TrimSpace(s)
	if token != "" {
		s = strings.ReplaceAll(s, token, "***")
	}
	return s
}
