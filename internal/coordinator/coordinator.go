// Package coordinator owns the lifecycle of batch jobs: creation, start,
// pause/resume and completion. Each task runs in its own unit goroutine,
// admitted through the job's concurrency gate; the coordinator keeps a handle
// for every live unit so a batch can be awaited, counted, and resumed
// deterministically.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sku-render-pipeline/internal/logging"
	"sku-render-pipeline/internal/models"
	"sku-render-pipeline/internal/ratelimit"
	"sku-render-pipeline/internal/store"
	"sku-render-pipeline/internal/worker"
)

// Runner executes one task to a terminal state
type Runner interface {
	Run(ctx context.Context, h worker.TaskHandle) models.Task
}

// Options configures a Coordinator
type Options struct {
	Store              *store.JobStore
	Runner             Runner
	Logger             *logging.Logger
	DefaultConcurrency int
	DefaultMaxRetries  int
	// OnComplete runs once per job after it reaches completed
	OnComplete func(job models.Job, tasks []models.Task)
}

// Coordinator is the batch control surface
type Coordinator struct {
	store      *store.JobStore
	runner     Runner
	log        *logging.Logger
	onComplete func(models.Job, []models.Task)
	now        func() time.Time

	mu                 sync.Mutex
	batches            map[string]*batch
	defaultConcurrency int
	defaultMaxRetries  int
}

type batch struct {
	gate     *ratelimit.Gate
	units    map[int]*unit // keyed by task index
	done     chan struct{}
	doneOnce sync.Once
}

type unit struct {
	taskID  string
	index   int
	started time.Time
	ran     bool // reached the runner; only touched by the unit's goroutine
}

// New creates a Coordinator
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:              opts.Store,
		runner:             opts.Runner,
		log:                opts.Logger,
		onComplete:         opts.OnComplete,
		now:                time.Now,
		batches:            make(map[string]*batch),
		defaultConcurrency: opts.DefaultConcurrency,
		defaultMaxRetries:  opts.DefaultMaxRetries,
	}
	if c.store == nil {
		c.store = store.New()
	}
	if c.log == nil {
		c.log = logging.NopLogger()
	}
	if c.defaultConcurrency <= 0 {
		c.defaultConcurrency = ratelimit.DefaultConcurrency
	}
	if c.defaultMaxRetries < 0 {
		c.defaultMaxRetries = 0
	}
	return c
}

// SetDefaults updates the concurrency and retry budget used when a caller passes none
func (c *Coordinator) SetDefaults(concurrency, maxRetries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if concurrency > 0 {
		c.defaultConcurrency = concurrency
	}
	if maxRetries >= 0 {
		c.defaultMaxRetries = maxRetries
	}
}

// CreateJob registers a job with one pending task per record and returns its ID.
// A negative maxRetries selects the configured default.
func (c *Coordinator) CreateJob(records []models.Descriptor, maxRetries int) (string, error) {
	if len(records) == 0 {
		return "", models.ErrEmptyBatch
	}

	c.mu.Lock()
	if maxRetries < 0 {
		maxRetries = c.defaultMaxRetries
	}
	c.mu.Unlock()

	id := uuid.NewString()
	job := models.Job{
		ID:            id,
		MaxRetries:    maxRetries,
		OutputDirName: "batch_" + id[:8],
		CreatedAt:     c.now(),
	}
	if _, err := c.store.Create(job, records); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.batches[id] = &batch{units: make(map[int]*unit), done: make(chan struct{})}
	c.mu.Unlock()

	c.log.WithJob(id).Info("[SUBMIT]", "total", len(records), "max_retries", maxRetries)
	return id, nil
}

// Start moves a pending job to running and spawns one unit per task.
// It returns once the units are spawned; use Wait to block until completion.
// Units inherit ctx, so it should outlive the caller's request.
func (c *Coordinator) Start(ctx context.Context, jobID string, concurrency int) error {
	rec, b, err := c.lookup(jobID)
	if err != nil {
		return err
	}

	switch rec.Status() {
	case models.StatusCompleted:
		return fmt.Errorf("%w: %s", models.ErrJobCompleted, jobID)
	case models.StatusRunning, models.StatusPaused:
		return fmt.Errorf("%w: %s is %s", models.ErrJobStarted, jobID, rec.Status())
	}

	c.mu.Lock()
	if concurrency <= 0 {
		concurrency = c.defaultConcurrency
	}
	if err := rec.SetJobStatus(models.StatusRunning); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", models.ErrJobStarted, err)
	}
	b.gate = ratelimit.NewGate(concurrency)
	c.mu.Unlock()

	rec.SetConcurrency(concurrency)
	c.log.WithJob(jobID).Info("[START]", "concurrency", concurrency)

	c.spawn(ctx, rec, b)
	return nil
}

// Run starts a job and blocks until it completes or ctx is done
func (c *Coordinator) Run(ctx context.Context, jobID string, concurrency int) error {
	if err := c.Start(ctx, jobID, concurrency); err != nil {
		return err
	}
	return c.Wait(ctx, jobID)
}

// Wait blocks until the job reaches completed
func (c *Coordinator) Wait(ctx context.Context, jobID string) error {
	_, b, err := c.lookup(jobID)
	if err != nil {
		return err
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops further gate admissions. Units already holding a slot finish normally.
func (c *Coordinator) Pause(jobID string) error {
	rec, _, err := c.lookup(jobID)
	if err != nil {
		return err
	}
	if rec.Status() != models.StatusRunning {
		return fmt.Errorf("%w: %s", models.ErrJobNotRunning, jobID)
	}
	if err := rec.SetJobStatus(models.StatusPaused); err != nil {
		return fmt.Errorf("%w: %v", models.ErrJobNotRunning, err)
	}
	c.log.WithJob(jobID).Info("[PAUSE]", "in_flight", c.inFlight(jobID))
	return nil
}

// Resume restarts a paused job, spawning units only for non-terminal tasks
// that have no live unit.
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	rec, b, err := c.lookup(jobID)
	if err != nil {
		return err
	}
	if rec.Status() != models.StatusPaused {
		return fmt.Errorf("%w: %s", models.ErrJobNotPaused, jobID)
	}
	if err := rec.SetJobStatus(models.StatusRunning); err != nil {
		return fmt.Errorf("%w: %v", models.ErrJobNotPaused, err)
	}

	spawned := c.spawn(ctx, rec, b)
	c.log.WithJob(jobID).Info("[RESUME]", "respawned", spawned)
	return nil
}

// GetStatus returns a snapshot of the job and its tasks
func (c *Coordinator) GetStatus(jobID string) (models.JobStatusView, error) {
	rec, err := c.store.Get(jobID)
	if err != nil {
		return models.JobStatusView{}, err
	}
	return rec.Snapshot(), nil
}

// ListJobs returns summaries of every job, newest first
func (c *Coordinator) ListJobs() []models.JobSummary {
	return c.store.List()
}

// InFlight returns the number of live units for a job
func (c *Coordinator) InFlight(jobID string) (int, error) {
	if _, _, err := c.lookup(jobID); err != nil {
		return 0, err
	}
	return c.inFlight(jobID), nil
}

// LiveTasks returns the IDs of tasks that currently have a unit
func (c *Coordinator) LiveTasks(jobID string) ([]string, error) {
	_, b, err := c.lookup(jobID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(b.units))
	for _, u := range b.units {
		out = append(out, u.taskID)
	}
	return out, nil
}

// Export lists the successful artifacts of a job with their public URLs
func (c *Coordinator) Export(jobID string) ([]models.ExportedResult, error) {
	rec, err := c.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	job := rec.Job()
	var out []models.ExportedResult
	for _, t := range rec.Tasks() {
		if t.Status != models.TaskSuccess || t.ArtifactRef == "" {
			continue
		}
		out = append(out, models.ExportedResult{
			TaskID:      t.ID,
			ProductName: t.Descriptor.ProductName,
			DownloadURL: path.Join("/outputs", job.OutputDirName, filepath.Base(t.ArtifactRef)),
			OutputPath:  t.ArtifactRef,
		})
	}
	return out, nil
}

// Artifacts returns the artifact paths of a completed job
func (c *Coordinator) Artifacts(jobID string) ([]string, error) {
	rec, err := c.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status() != models.StatusCompleted {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotCompleted, jobID)
	}
	var out []string
	for _, t := range rec.Tasks() {
		if t.Status == models.TaskSuccess && t.ArtifactRef != "" {
			out = append(out, t.ArtifactRef)
		}
	}
	return out, nil
}

// Delete forgets a completed job
func (c *Coordinator) Delete(jobID string) error {
	if err := c.store.Delete(jobID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.batches, jobID)
	c.mu.Unlock()
	return nil
}

// Prune forgets completed jobs that finished more than retain ago
func (c *Coordinator) Prune(retain time.Duration) int {
	removed := c.store.PruneCompleted(c.now().Add(-retain))
	if removed == 0 {
		return 0
	}
	c.mu.Lock()
	for id := range c.batches {
		if _, err := c.store.Get(id); err != nil {
			delete(c.batches, id)
		}
	}
	c.mu.Unlock()
	c.log.Info("[PRUNE]", "removed", removed)
	return removed
}

func (c *Coordinator) lookup(jobID string) (*store.Record, *batch, error) {
	rec, err := c.store.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	b, ok := c.batches[jobID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return rec, b, nil
}

func (c *Coordinator) inFlight(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.batches[jobID]; ok {
		return len(b.units)
	}
	return 0
}

// spawn registers and launches a unit for every non-terminal task without one
func (c *Coordinator) spawn(ctx context.Context, rec *store.Record, b *batch) int {
	pending := rec.NonTerminal()

	c.mu.Lock()
	spawned := 0
	for _, i := range pending {
		if _, live := b.units[i]; live {
			continue
		}
		u := &unit{taskID: rec.Task(i).ID, index: i, started: c.now()}
		b.units[i] = u
		spawned++
		go c.runUnit(ctx, rec, b, u)
	}
	live := len(b.units)
	c.mu.Unlock()

	if live == 0 {
		c.maybeComplete(rec, b)
	}
	return spawned
}

func (c *Coordinator) runUnit(ctx context.Context, rec *store.Record, b *batch, u *unit) {
	defer c.finishUnit(ctx, rec, b, u)

	if rec.Status() != models.StatusRunning {
		return
	}
	if err := b.gate.Acquire(ctx); err != nil {
		c.log.WithJob(rec.ID()).WithTask(u.taskID).Warn("[GATE] admission abandoned", "error", err.Error())
		return
	}
	defer b.gate.Release()

	// paused while queued at the gate
	if rec.Status() != models.StatusRunning {
		return
	}

	u.ran = true
	c.runner.Run(ctx, rec.Handle(u.index))
}

// finishUnit retires u. A unit that skipped its task because the job was
// paused may race a Resume whose spawn saw u still live; the task is then
// handed to a fresh unit here, under the same lock spawn uses.
func (c *Coordinator) finishUnit(ctx context.Context, rec *store.Record, b *batch, u *unit) {
	c.mu.Lock()
	delete(b.units, u.index)
	respawn := !u.ran && ctx.Err() == nil &&
		rec.Status() == models.StatusRunning &&
		!rec.Task(u.index).Status.Terminal()
	if respawn {
		next := &unit{taskID: u.taskID, index: u.index, started: c.now()}
		b.units[u.index] = next
		go c.runUnit(ctx, rec, b, next)
	}
	live := len(b.units)
	c.mu.Unlock()

	log := c.log.WithJob(rec.ID()).WithTask(u.taskID)
	if respawn {
		log.Debug("[UNIT] respawned after resume")
		return
	}
	log.Debug("[UNIT] done", "elapsed", c.now().Sub(u.started).String(), "live", live)
	if live == 0 {
		c.maybeComplete(rec, b)
	}
}

func (c *Coordinator) maybeComplete(rec *store.Record, b *batch) {
	if !rec.Complete(c.now()) {
		return
	}
	b.doneOnce.Do(func() {
		job := rec.Job()
		c.log.WithJob(job.ID).Info("[COMPLETE]",
			"total", job.TotalCount, "success", job.SuccessCount, "failed", job.FailedCount)
		if c.onComplete != nil {
			c.onComplete(job, rec.Tasks())
		}
		close(b.done)
	})
}

// IsConflict reports whether err is a job state conflict rather than a missing job or bad input
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrJobStarted) ||
		errors.Is(err, models.ErrJobNotRunning) ||
		errors.Is(err, models.ErrJobNotPaused) ||
		errors.Is(err, models.ErrJobCompleted) ||
		errors.Is(err, models.ErrJobNotCompleted)
}
