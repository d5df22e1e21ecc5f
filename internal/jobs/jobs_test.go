package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seanblong/reporag/internal/fetcher"
	"github.com/seanblong/reporag/internal/indexer"
	"github.com/seanblong/reporag/pkg/models"
)

// MockRunner implements Runner for testing
type MockRunner struct {
	RunFunc func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error)
}

func (m *MockRunner) Run(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, repoURL, ref, onProgress)
	}
	return &indexer.Result{}, nil
}

func waitIdle(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Progress()
		if !snap.InProgress {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return Snapshot{}
}

func TestStartConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := &MockRunner{
		RunFunc: func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
			close(started)
			<-release
			return &indexer.Result{FileCount: 1, ChunkCount: 1}, nil
		},
	}
	c := NewController(runner)

	if err := c.Start("https://github.com/acme/one", ""); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	<-started

	before := c.Progress()
	if err := c.Start("https://github.com/acme/two", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("second start = %v, want ErrConflict", err)
	}
	after := c.Progress()
	if after.RepoURL != before.RepoURL {
		t.Error("a rejected start must not mutate the running job's state")
	}

	close(release)
	snap := waitIdle(t, c)
	if snap.Result == nil || !snap.Result.Success {
		t.Errorf("expected a successful terminal result, got %+v", snap)
	}
	if snap.Progress != 100 {
		t.Errorf("terminal progress = %d, want 100", snap.Progress)
	}
}

func TestProgressMonotone(t *testing.T) {
	runner := &MockRunner{
		RunFunc: func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
			// Out-of-order reports must never move progress backwards.
			for _, pct := range []int{5, 20, 30, 40, 35, 60, 55, 99} {
				onProgress(pct, "working")
				time.Sleep(time.Millisecond)
			}
			return &indexer.Result{FileCount: 2, ChunkCount: 10}, nil
		},
	}
	c := NewController(runner)

	var mu sync.Mutex
	var observed []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap := c.Progress()
			mu.Lock()
			observed = append(observed, snap.Progress)
			mu.Unlock()
			if !snap.InProgress && snap.Progress == 100 {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := c.Start("https://github.com/acme/widgets", ""); err != nil {
		t.Fatal(err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Fatalf("progress regressed: %d after %d", observed[i], observed[i-1])
		}
	}
}

func TestTerminalErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"fetch", &fetcher.FetchError{URL: "u", Err: errors.New("unreachable")}, KindFetch},
		{"index", &indexer.IndexError{Consecutive: 50, Err: errors.New("rejected")}, KindIndex},
		{"cancelled", context.Canceled, KindCancelled},
		{"timeout", context.DeadlineExceeded, KindCancelled},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockRunner{
				RunFunc: func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
					return nil, tt.err
				},
			}
			c := NewController(runner)
			if err := c.Start("https://github.com/acme/widgets", ""); err != nil {
				t.Fatal(err)
			}
			snap := waitIdle(t, c)
			if snap.Error == nil {
				t.Fatal("expected a terminal error")
			}
			if snap.Error.Kind != tt.kind {
				t.Errorf("error kind = %q, want %q", snap.Error.Kind, tt.kind)
			}
			if snap.Result != nil {
				t.Error("failed job must not carry a result")
			}
		})
	}
}

func TestPanicReachesTerminalState(t *testing.T) {
	runner := &MockRunner{
		RunFunc: func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
			panic("unexpected")
		},
	}
	c := NewController(runner)
	if err := c.Start("https://github.com/acme/widgets", ""); err != nil {
		t.Fatal(err)
	}
	snap := waitIdle(t, c)
	if snap.Error == nil || snap.Error.Kind != KindInternal {
		t.Errorf("expected an internal terminal error, got %+v", snap.Error)
	}

	// The controller accepts new work after a panic.
	if err := c.Start("https://github.com/acme/next", ""); err != nil {
		t.Errorf("start after panic failed: %v", err)
	}
	waitIdle(t, c)
}

func TestLastIndexed(t *testing.T) {
	runner := &MockRunner{
		RunFunc: func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
			return &indexer.Result{
				Repository: models.Repository{ID: "github-com-acme-widgets", Namespace: "github-com-acme-widgets"},
				FileCount:  1,
				ChunkCount: 1,
			}, nil
		},
	}
	c := NewController(runner)
	if c.LastIndexed() != "" {
		t.Error("LastIndexed should be empty before any ingest")
	}
	if err := c.Start("https://github.com/acme/widgets", ""); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c)
	if got := c.LastIndexed(); got != "github-com-acme-widgets" {
		t.Errorf("LastIndexed = %q", got)
	}
}

func TestCancel(t *testing.T) {
	runner := &MockRunner{
		RunFunc: func(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := NewController(runner)
	if err := c.Start("https://github.com/acme/widgets", ""); err != nil {
		t.Fatal(err)
	}
	c.Cancel()
	snap := waitIdle(t, c)
	if snap.Error == nil || snap.Error.Kind != KindCancelled {
		t.Errorf("expected Cancelled, got %+v", snap.Error)
	}
}
