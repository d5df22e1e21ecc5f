package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/internal/ai"
	"github.com/seanblong/reporag/internal/fetcher"
	"github.com/seanblong/reporag/internal/indexer"
)

// ErrConflict is returned by Start while another ingestion is running.
var ErrConflict = errors.New("indexing in progress")

// ErrorKind classifies a terminal job failure.
type ErrorKind string

const (
	KindFetch     ErrorKind = "FetchError"
	KindEmbed     ErrorKind = "EmbedError"
	KindIndex     ErrorKind = "IndexError"
	KindCancelled ErrorKind = "Cancelled"
	KindInternal  ErrorKind = "InternalError"
)

// JobError is the redacted terminal error of a failed job. Stack traces
// are logged, never stored here.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// JobResult is the terminal outcome of a successful job.
type JobResult struct {
	Success    bool `json:"success"`
	FileCount  int  `json:"fileCount"`
	ChunkCount int  `json:"chunkCount"`
	Skipped    int  `json:"skippedCount"`
}

// Snapshot is an immutable copy of the job state.
type Snapshot struct {
	InProgress bool
	RepoURL    string
	Progress   int
	Stage      string
	StartedAt  time.Time
	Result     *JobResult
	Error      *JobError
}

// Runner executes one ingestion; satisfied by *indexer.Indexer.
type Runner interface {
	Run(ctx context.Context, repoURL, ref string, onProgress indexer.ProgressFunc) (*indexer.Result, error)
}

// Controller serializes ingestion to a single running job and publishes
// progress checkpoints. All state is guarded by a mutex; reads return
// copies.
type Controller struct {
	runner Runner
	// Timeout bounds a whole ingestion, default 10 minutes.
	Timeout time.Duration

	mu         sync.Mutex
	inProgress bool
	repoURL    string
	progress   int
	stage      string
	startedAt  time.Time
	result     *JobResult
	jobErr     *JobError
	cancel     context.CancelFunc

	// lastIndexed is the namespace of the most recent successful ingest,
	// the default target for queries.
	lastIndexed string
}

// NewController creates a Controller around the given runner.
func NewController(runner Runner) *Controller {
	return &Controller{runner: runner, Timeout: 10 * time.Minute}
}

// Start schedules an ingestion of repoURL and returns immediately. Returns
// ErrConflict if a job is already running; the running job's state is not
// touched.
func (c *Controller) Start(repoURL, ref string) error {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return ErrConflict
	}
	c.inProgress = true
	c.repoURL = repoURL
	c.progress = 0
	c.stage = "Starting..."
	c.startedAt = time.Now().UTC()
	c.result = nil
	c.jobErr = nil

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, cancel, repoURL, ref)
	return nil
}

// Progress returns a copy of the current job state.
func (c *Controller) Progress() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		InProgress: c.inProgress,
		RepoURL:    c.repoURL,
		Progress:   c.progress,
		Stage:      c.stage,
		StartedAt:  c.startedAt,
	}
	if c.result != nil {
		r := *c.result
		snap.Result = &r
	}
	if c.jobErr != nil {
		e := *c.jobErr
		snap.Error = &e
	}
	return snap
}

// LastIndexed returns the namespace of the most recent successful ingest,
// or "" if nothing has been indexed yet.
func (c *Controller) LastIndexed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIndexed
}

// Cancel stops the running job, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, repoURL, ref string) {
	defer cancel()
	defer func() {
		// The job must always reach a terminal state, even on panic.
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("ingestion panicked")
			c.finish(nil, &JobError{Kind: KindInternal, Message: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	res, err := c.runner.Run(ctx, repoURL, ref, c.report)
	if err != nil {
		log.Error().Err(err).Str("repo", repoURL).Msg("ingestion failed")
		c.finish(nil, classify(err))
		return
	}
	log.Info().Str("repo", repoURL).Int("files", res.FileCount).Int("chunks", res.ChunkCount).Msg("ingestion complete")
	c.finish(res, nil)
}

// report is the ProgressFunc handed to the pipeline. Progress is clamped
// monotone non-decreasing within the job.
func (c *Controller) report(pct int, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress {
		return
	}
	if pct > c.progress {
		c.progress = pct
	}
	if stage != "" {
		c.stage = stage
	}
}

func (c *Controller) finish(res *indexer.Result, jobErr *JobError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inProgress = false
	c.cancel = nil
	if jobErr != nil {
		c.jobErr = jobErr
		c.stage = "Failed"
		return
	}
	c.result = &JobResult{
		Success:    true,
		FileCount:  res.FileCount,
		ChunkCount: res.ChunkCount,
		Skipped:    res.Skipped,
	}
	c.progress = 100
	c.stage = "Indexing complete"
	c.lastIndexed = res.Repository.Namespace
}

func classify(err error) *JobError {
	var fe *fetcher.FetchError
	var ee *ai.EmbedError
	var ie *indexer.IndexError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &JobError{Kind: KindCancelled, Message: "ingestion cancelled or timed out"}
	case errors.As(err, &fe):
		return &JobError{Kind: KindFetch, Message: fe.Error()}
	case errors.As(err, &ee):
		return &JobError{Kind: KindEmbed, Message: ee.Error()}
	case errors.As(err, &ie):
		return &JobError{Kind: KindIndex, Message: ie.Error()}
	default:
		return &JobError{Kind: KindInternal, Message: err.Error()}
	}
}
