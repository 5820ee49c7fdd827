package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cliptile/pkg/transcript"
)

// maxFinishedJobs is the number of finished jobs kept for polling. Older
// finished jobs are forgotten first.
const maxFinishedJobs = 256

var (
	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("app: job not found")

	// ErrJobsClosed is returned by Submit after Close.
	ErrJobsClosed = errors.New("app: job manager closed")
)

// JobStatus is the lifecycle state of a [JobInfo].
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// JobInfo is a snapshot of one background segmentation run.
type JobInfo struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Status     JobStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Rounds counts agglomeration rounds completed so far.
	Rounds int `json:"rounds"`

	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

type job struct {
	info   JobInfo
	cancel context.CancelFunc
}

// Jobs runs segmentations in the background so HTTP clients can poll for
// long transcripts instead of holding a request open.
// All exported methods are safe for concurrent use.
type Jobs struct {
	app *App

	mu       sync.Mutex
	jobs     map[string]*job
	finished []string
	closed   bool

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobs creates a job manager that runs segmentations through a.
func NewJobs(a *App) *Jobs {
	base, cancel := context.WithCancel(context.Background())
	return &Jobs{
		app:    a,
		jobs:   make(map[string]*job),
		base:   base,
		cancel: cancel,
	}
}

// Submit starts segmenting tr in the background and returns the new job.
func (j *Jobs) Submit(source string, tr *transcript.Transcript) (JobInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return JobInfo{}, ErrJobsClosed
	}

	ctx, cancel := context.WithCancel(j.base)
	jb := &job{
		info: JobInfo{
			ID:        uuid.NewString(),
			Source:    source,
			Status:    JobRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	j.jobs[jb.info.ID] = jb

	j.wg.Add(1)
	go j.run(ctx, jb, tr)

	slog.Info("job started", "job_id", jb.info.ID, "source", source)
	return jb.info, nil
}

func (j *Jobs) run(ctx context.Context, jb *job, tr *transcript.Transcript) {
	defer j.wg.Done()
	defer jb.cancel()

	res, err := j.app.Segment(ctx, jb.info.Source, tr, WithEvents(func(e Event) {
		if e.Type != EventRound {
			return
		}
		j.mu.Lock()
		jb.info.Rounds++
		j.mu.Unlock()
	}))

	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now().UTC()
	jb.info.FinishedAt = &now
	switch {
	case err == nil:
		jb.info.Status = JobDone
		jb.info.Result = res
	case errors.Is(err, context.Canceled):
		jb.info.Status = JobCanceled
		jb.info.Error = err.Error()
	default:
		jb.info.Status = JobFailed
		jb.info.Error = err.Error()
		slog.Warn("job failed", "job_id", jb.info.ID, "source", jb.info.Source, "err", err)
	}
	j.finished = append(j.finished, jb.info.ID)
	j.evictLocked()
}

// evictLocked drops the oldest finished jobs beyond maxFinishedJobs. Must be
// called with j.mu held.
func (j *Jobs) evictLocked() {
	for len(j.finished) > maxFinishedJobs {
		delete(j.jobs, j.finished[0])
		j.finished = j.finished[1:]
	}
}

// Get returns a snapshot of the job with the given ID.
func (j *Jobs) Get(id string) (JobInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	jb, ok := j.jobs[id]
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return jb.info, nil
}

// List returns snapshots of every known job, newest first.
func (j *Jobs) List() []JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JobInfo, 0, len(j.jobs))
	for _, jb := range j.jobs {
		out = append(out, jb.info)
	}
	slices.SortFunc(out, func(a, b JobInfo) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

// Cancel stops a running job. Cancelling a finished job is a no-op.
func (j *Jobs) Cancel(id string) error {
	j.mu.Lock()
	jb, ok := j.jobs[id]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	jb.cancel()
	return nil
}

// Close cancels every running job and waits for them to finish or for ctx to
// expire. Submit fails afterwards.
func (j *Jobs) Close(ctx context.Context) error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	j.cancel()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
