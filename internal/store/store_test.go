package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sku-render-pipeline/internal/models"
)

func newJob(id string, maxRetries int) models.Job {
	return models.Job{ID: id, MaxRetries: maxRetries, CreatedAt: time.Now()}
}

func descriptors(names ...string) []models.Descriptor {
	out := make([]models.Descriptor, len(names))
	for i, n := range names {
		out[i] = models.Descriptor{ID: n, ProductName: n}
	}
	return out
}

func TestCreate(t *testing.T) {
	s := New()

	rec, err := s.Create(newJob("job-1", 2), descriptors("a", "b", "c"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	job := rec.Job()
	if job.Status != models.StatusPending || job.TotalCount != 3 {
		t.Fatalf("job = %+v, want pending with 3 tasks", job)
	}
	for i, task := range rec.Tasks() {
		if task.Index != i || task.Status != models.TaskPending || task.MaxRetries != 2 {
			t.Errorf("task %d = %+v", i, task)
		}
	}
	if rec.Tasks()[1].ID != "b" {
		t.Error("tasks must keep input order")
	}
}

func TestCreateRejectsEmptyAndDuplicate(t *testing.T) {
	s := New()
	if _, err := s.Create(newJob("job-1", 2), nil); !errors.Is(err, models.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if _, err := s.Create(newJob("job-1", 2), descriptors("a")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(newJob("job-1", 2), descriptors("a")); err == nil {
		t.Fatal("expected duplicate job id to fail")
	}

	var validation *models.ValidationError
	if _, err := s.Create(newJob("job-2", 2), descriptors("a", "b", "a")); !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for duplicate task id, got %v", err)
	}
	if _, err := s.Get("job-2"); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("job with duplicate task ids was stored: %v", err)
	}
}

func TestCreateFillsMissingTaskIDs(t *testing.T) {
	s := New()
	rec, err := s.Create(newJob("job-1", 0), []models.Descriptor{{ProductName: "x"}, {ProductName: "y"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := rec.Task(1).ID; got != "item_2" {
		t.Errorf("ID = %q, want item_2", got)
	}
}

func TestGetNotFound(t *testing.T) {
	if _, err := New().Get("missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTransitionTaskUpdatesCountersOnce(t *testing.T) {
	s := New()
	rec, _ := s.Create(newJob("job-1", 1), descriptors("a", "b"))

	steps := []models.TaskStatus{models.TaskCompiling, models.TaskGenerating, models.TaskInspecting, models.TaskSuccess}
	for _, to := range steps {
		if err := rec.TransitionTask(0, to, nil); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := rec.TransitionTask(0, models.TaskFailed, nil); err == nil {
		t.Fatal("terminal task accepted another transition")
	}
	if err := rec.TransitionTask(1, models.TaskFailed, func(task *models.Task) {
		task.ErrorMessage = "validation failed"
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	job := rec.Job()
	if job.CompletedCount != 2 || job.SuccessCount != 1 || job.FailedCount != 1 {
		t.Fatalf("counters = %d/%d/%d, want 2/1/1", job.CompletedCount, job.SuccessCount, job.FailedCount)
	}
	if rec.Task(1).ErrorMessage != "validation failed" {
		t.Error("mutate was not applied")
	}
	if rec.Task(1).CompletedAt == nil {
		t.Error("terminal task should have CompletedAt")
	}
}

func TestUpdateTaskCannotChangeStatus(t *testing.T) {
	rec, _ := New().Create(newJob("job-1", 1), descriptors("a"))
	rec.UpdateTask(0, func(task *models.Task) {
		task.Status = models.TaskSuccess
		task.PromptUsed = "prompt"
	})
	task := rec.Task(0)
	if task.Status != models.TaskPending {
		t.Errorf("Status = %s, want pending", task.Status)
	}
	if task.PromptUsed != "prompt" {
		t.Error("non-status fields should be updated")
	}
}

func TestJobLifecycle(t *testing.T) {
	rec, _ := New().Create(newJob("job-1", 0), descriptors("a"))

	if err := rec.SetJobStatus(models.StatusPaused); err == nil {
		t.Fatal("pending job cannot be paused")
	}
	if err := rec.SetJobStatus(models.StatusRunning); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Complete(time.Now()) {
		t.Fatal("job with pending tasks must not complete")
	}
	if err := rec.SetJobStatus(models.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := rec.SetJobStatus(models.StatusRunning); err != nil {
		t.Fatalf("resume: %v", err)
	}
	_ = rec.TransitionTask(0, models.TaskFailed, nil)
	if !rec.Complete(time.Now()) {
		t.Fatal("job with all tasks terminal should complete")
	}

	job := rec.Job()
	if job.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if job.CompletedCount != job.SuccessCount+job.FailedCount || job.CompletedCount != job.TotalCount {
		t.Fatalf("counter invariant broken: %+v", job)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	rec, _ := New().Create(newJob("job-1", 0), descriptors("a", "b"))
	_ = rec.TransitionTask(0, models.TaskFailed, func(task *models.Task) {
		task.ErrorMessage = "boom"
		task.LastVerdict = &models.QualityVerdict{Status: models.VerdictRetry, Checks: map[string]string{"clarity": "No"}}
	})

	view := rec.Snapshot()
	if view.Progress != 50 {
		t.Errorf("Progress = %v, want 50", view.Progress)
	}
	if view.Tasks[0].Error != "boom" || view.Tasks[0].ProductName != "a" {
		t.Errorf("task view = %+v", view.Tasks[0])
	}

	task := rec.Task(0)
	task.LastVerdict.Checks["clarity"] = "Yes"
	if rec.Task(0).LastVerdict.Checks["clarity"] != "No" {
		t.Error("Task() must return a deep copy")
	}
}

func TestListNewestFirst(t *testing.T) {
	s := New()
	old := newJob("old", 0)
	old.CreatedAt = time.Now().Add(-time.Hour)
	_, _ = s.Create(old, descriptors("a"))
	_, _ = s.Create(newJob("new", 0), descriptors("a"))

	list := s.List()
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("List() = %+v", list)
	}
}

func TestDeleteAndPrune(t *testing.T) {
	s := New()
	rec, _ := s.Create(newJob("job-1", 0), descriptors("a"))
	if err := s.Delete("job-1"); !errors.Is(err, models.ErrJobNotCompleted) {
		t.Fatalf("expected ErrJobNotCompleted, got %v", err)
	}

	_ = rec.SetJobStatus(models.StatusRunning)
	_ = rec.TransitionTask(0, models.TaskFailed, nil)
	rec.Complete(time.Now().Add(-2 * time.Hour))

	_, _ = s.Create(newJob("job-2", 0), descriptors("a"))

	if n := s.PruneCompleted(time.Now().Add(-time.Hour)); n != 1 {
		t.Fatalf("PruneCompleted removed %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestOnChangeFires(t *testing.T) {
	s := New()
	var calls atomic.Int64
	s.SetOnChange(func(string) { calls.Add(1) })

	rec, _ := s.Create(newJob("job-1", 0), descriptors("a"))
	_ = rec.SetJobStatus(models.StatusRunning)
	_ = rec.TransitionTask(0, models.TaskCompiling, nil)

	if calls.Load() != 2 {
		t.Fatalf("onChange called %d times, want 2", calls.Load())
	}
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	const n = 50
	names := make([]string, n)
	for i := range names {
		names[i] = string(rune('a'+i%26)) + "-" + time.Duration(i).String()
	}
	rec, _ := New().Create(newJob("job-1", 0), descriptors(names...))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := models.TaskFailed
			if i%2 == 0 {
				_ = rec.TransitionTask(i, models.TaskCompiling, nil)
				_ = rec.TransitionTask(i, models.TaskGenerating, nil)
				_ = rec.TransitionTask(i, models.TaskInspecting, nil)
				to = models.TaskSuccess
			}
			_ = rec.TransitionTask(i, to, nil)
			_ = rec.Snapshot()
		}(i)
	}
	wg.Wait()

	job := rec.Job()
	if job.CompletedCount != n || job.SuccessCount != n/2 || job.FailedCount != n/2 {
		t.Fatalf("counters = %+v", job)
	}
}
