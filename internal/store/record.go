package store

import (
	"fmt"
	"math"
	"sync"
	"time"

	"sku-render-pipeline/internal/models"
)

var jobTransitions = map[string]map[string]struct{}{
	models.StatusPending:   {models.StatusRunning: {}},
	models.StatusRunning:   {models.StatusPaused: {}, models.StatusCompleted: {}},
	models.StatusPaused:    {models.StatusRunning: {}},
	models.StatusCompleted: {},
}

// Record is one Job aggregate together with the tasks it owns
type Record struct {
	store *JobStore
	mu    sync.RWMutex
	job   models.Job
	tasks []models.Task
}

// ID returns the job ID
func (r *Record) ID() string {
	return r.job.ID
}

// Job returns a copy of the job aggregate
func (r *Record) Job() models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job := r.job
	if r.job.CompletedAt != nil {
		t := *r.job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}

// Status returns the job status
func (r *Record) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.Status
}

// Len returns the number of tasks
func (r *Record) Len() int {
	return len(r.tasks)
}

// Task returns a deep copy of task i
func (r *Record) Task(i int) models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyTask(r.tasks[i])
}

// Tasks returns deep copies of all tasks in input order
func (r *Record) Tasks() []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Task, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = copyTask(t)
	}
	return out
}

// NonTerminal returns the indexes of tasks that have not reached success or failed
func (r *Record) NonTerminal() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for i, t := range r.tasks {
		if !t.Status.Terminal() {
			out = append(out, i)
		}
	}
	return out
}

// SetJobStatus moves the job along pending -> running -> completed, running <-> paused
func (r *Record) SetJobStatus(to string) error {
	r.mu.Lock()
	from := r.job.Status
	if _, ok := jobTransitions[from][to]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}
	r.job.Status = to
	r.mu.Unlock()

	r.changed()
	return nil
}

// SetConcurrency records the gate size the job runs with
func (r *Record) SetConcurrency(k int) {
	r.mu.Lock()
	r.job.Concurrency = k
	r.mu.Unlock()
}

// Complete marks a running job completed once every task is terminal.
// It reports whether the job is completed after the call.
func (r *Record) Complete(now time.Time) bool {
	r.mu.Lock()
	if r.job.Status == models.StatusCompleted {
		r.mu.Unlock()
		return true
	}
	if r.job.Status != models.StatusRunning || r.job.CompletedCount < r.job.TotalCount {
		r.mu.Unlock()
		return false
	}
	r.job.Status = models.StatusCompleted
	r.job.CompletedAt = &now
	r.mu.Unlock()

	r.changed()
	return true
}

// TransitionTask validates and applies a task state change. mutate, if set,
// runs under the same lock before the new status is written. Reaching a
// terminal status increments the job counters exactly once.
func (r *Record) TransitionTask(i int, to models.TaskStatus, mutate func(*models.Task)) error {
	r.mu.Lock()
	task := &r.tasks[i]
	if err := models.ValidateTransition(task.Status, to); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	if mutate != nil {
		mutate(task)
	}
	task.Status = to
	if to.Terminal() {
		now := time.Now()
		task.CompletedAt = &now
		r.job.CompletedCount++
		if to == models.TaskSuccess {
			r.job.SuccessCount++
		} else {
			r.job.FailedCount++
		}
	}
	r.mu.Unlock()

	r.changed()
	return nil
}

// UpdateTask applies mutate to task i without a status change.
// Status and counters cannot be changed this way.
func (r *Record) UpdateTask(i int, mutate func(*models.Task)) {
	r.mu.Lock()
	task := &r.tasks[i]
	status := task.Status
	mutate(task)
	task.Status = status
	r.mu.Unlock()

	r.changed()
}

// Summary returns the compact listing row
func (r *Record) Summary() models.JobSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.JobSummary{
		ID:        r.job.ID,
		Status:    r.job.Status,
		Total:     r.job.TotalCount,
		Success:   r.job.SuccessCount,
		Failed:    r.job.FailedCount,
		CreatedAt: r.job.CreatedAt,
	}
}

// Snapshot returns the status view of the job and its tasks
func (r *Record) Snapshot() models.JobStatusView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := models.JobStatusView{
		ID:            r.job.ID,
		Status:        r.job.Status,
		Total:         r.job.TotalCount,
		Completed:     r.job.CompletedCount,
		Success:       r.job.SuccessCount,
		Failed:        r.job.FailedCount,
		OutputDirName: r.job.OutputDirName,
		CreatedAt:     r.job.CreatedAt,
		Tasks:         make([]models.TaskView, len(r.tasks)),
	}
	if r.job.CompletedAt != nil {
		t := *r.job.CompletedAt
		view.CompletedAt = &t
	}
	if r.job.TotalCount > 0 {
		pct := float64(r.job.CompletedCount) / float64(r.job.TotalCount) * 100
		view.Progress = math.Round(pct*10) / 10
	}
	for i, t := range r.tasks {
		view.Tasks[i] = models.TaskView{
			ID:          t.ID,
			ProductName: t.Descriptor.ProductName,
			Status:      t.Status,
			RetryCount:  t.RetryCount,
			Error:       t.ErrorMessage,
			ArtifactRef: t.ArtifactRef,
		}
	}
	return view
}

// Handle returns the mutation handle for task i, handed to the single unit running it
func (r *Record) Handle(i int) *TaskRef {
	return &TaskRef{rec: r, index: i}
}

func (r *Record) changed() {
	if r.store != nil {
		r.store.notify(r.job.ID)
	}
}

// TaskRef is the only way a task unit mutates its task
type TaskRef struct {
	rec   *Record
	index int
}

func (t *TaskRef) JobID() string { return t.rec.ID() }

func (t *TaskRef) OutputDirName() string { return t.rec.job.OutputDirName }

func (t *TaskRef) Task() models.Task { return t.rec.Task(t.index) }

func (t *TaskRef) Transition(to models.TaskStatus, mutate func(*models.Task)) error {
	return t.rec.TransitionTask(t.index, to, mutate)
}

func (t *TaskRef) Update(mutate func(*models.Task)) {
	t.rec.UpdateTask(t.index, mutate)
}

func copyTask(t models.Task) models.Task {
	out := t
	if t.Descriptor.Extra != nil {
		out.Descriptor.Extra = make(map[string]string, len(t.Descriptor.Extra))
		for k, v := range t.Descriptor.Extra {
			out.Descriptor.Extra[k] = v
		}
	}
	if t.LastVerdict != nil {
		v := copyVerdict(*t.LastVerdict)
		out.LastVerdict = &v
	}
	if t.Attempts != nil {
		out.Attempts = make([]models.AttemptRecord, len(t.Attempts))
		for i, a := range t.Attempts {
			out.Attempts[i] = a
			if a.Verdict != nil {
				v := copyVerdict(*a.Verdict)
				out.Attempts[i].Verdict = &v
			}
		}
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

func copyVerdict(v models.QualityVerdict) models.QualityVerdict {
	if v.Checks != nil {
		checks := make(map[string]string, len(v.Checks))
		for k, val := range v.Checks {
			checks[k] = val
		}
		v.Checks = checks
	}
	return v
}
