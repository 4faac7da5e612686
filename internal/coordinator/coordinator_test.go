package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sku-render-pipeline/internal/models"
	"sku-render-pipeline/internal/ratelimit"
	"sku-render-pipeline/internal/worker"
)

type idCompiler struct{}

func (idCompiler) Compile(_ context.Context, d models.Descriptor) (models.GenerationSpec, error) {
	return models.GenerationSpec{Prompt: d.ID, Source: models.SourceTemplate}, nil
}

// scriptedGenerator tracks calls per task and the peak number of concurrent calls
type scriptedGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	hold    chan struct{}
	started chan string
	delay   time.Duration
	active  atomic.Int64
	peak    atomic.Int64
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
}

func (g *scriptedGenerator) Generate(ctx context.Context, spec models.GenerationSpec, _ int64) (models.Artifact, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	g.mu.Lock()
	g.calls[spec.Prompt]++
	fail := g.fail[spec.Prompt]
	g.mu.Unlock()

	if g.started != nil {
		g.started <- spec.Prompt
	}
	if g.hold != nil {
		select {
		case <-g.hold:
		case <-ctx.Done():
			return models.Artifact{}, ctx.Err()
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if fail {
		return models.Artifact{}, &models.GeneratorError{Message: "service unavailable"}
	}
	return models.Artifact{Data: []byte(spec.Prompt), MimeType: "image/png"}, nil
}

func (g *scriptedGenerator) Calls(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

// scriptedInspector returns verdicts per task, indexed by attempt
type scriptedInspector struct {
	verdicts map[string][]models.VerdictStatus
	delay    time.Duration
}

func (i *scriptedInspector) Inspect(_ context.Context, path string, _ models.Artifact) (models.QualityVerdict, error) {
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	sep := strings.LastIndex(base, "_")
	taskID := base[:sep]
	attempt, _ := strconv.Atoi(base[sep+1:])

	script := i.verdicts[taskID]
	if len(script) == 0 {
		return models.QualityVerdict{Status: models.VerdictPass}, nil
	}
	if attempt >= len(script) {
		attempt = len(script) - 1
	}
	return models.QualityVerdict{Status: script[attempt], Reason: "scripted"}, nil
}

type memStager struct {
	mu        sync.Mutex
	discarded []string
}

func (s *memStager) Stage(jobDir string, _ int, taskID string, attempt int, art models.Artifact) (string, error) {
	return filepath.Join("/tmp/out", jobDir, fmt.Sprintf("%s_%d%s", taskID, attempt, art.Ext())), nil
}

func (s *memStager) Discard(path string) error {
	s.mu.Lock()
	s.discarded = append(s.discarded, path)
	s.mu.Unlock()
	return nil
}

func newCoordinator(gen *scriptedGenerator, insp *scriptedInspector) *Coordinator {
	orch := worker.New(worker.Options{
		Fallback:  idCompiler{},
		Generator: gen,
		Inspector: insp,
		Stager:    &memStager{},
	})
	return New(Options{Runner: orch, DefaultConcurrency: 3, DefaultMaxRetries: 2})
}

func records(ids ...string) []models.Descriptor {
	out := make([]models.Descriptor, len(ids))
	for i, id := range ids {
		out[i] = models.Descriptor{ID: id, ProductName: "Product " + id}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateJob(t *testing.T) {
	c := newCoordinator(newScriptedGenerator(), &scriptedInspector{})

	if _, err := c.CreateJob(nil, 2); !errors.Is(err, models.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}

	id, err := c.CreateJob(records("a", "b"), -1)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	view, err := c.GetStatus(id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Status != models.StatusPending || view.Total != 2 || view.Completed != 0 {
		t.Fatalf("view = %+v", view)
	}
	if view.OutputDirName != "batch_"+id[:8] {
		t.Errorf("OutputDirName = %q", view.OutputDirName)
	}
	for _, task := range view.Tasks {
		if task.Status != models.TaskPending || task.RetryCount != 0 {
			t.Errorf("task = %+v, want pending with retry_count 0", task)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	c := newCoordinator(newScriptedGenerator(), &scriptedInspector{})
	ctx := context.Background()

	checks := map[string]error{
		"status": func() error { _, err := c.GetStatus("nope"); return err }(),
		"start":  c.Start(ctx, "nope", 1),
		"pause":  c.Pause("nope"),
		"resume": c.Resume(ctx, "nope"),
		"wait":   c.Wait(ctx, "nope"),
	}
	for name, err := range checks {
		t.Run(name, func(t *testing.T) {
			if !errors.Is(err, models.ErrJobNotFound) {
				t.Fatalf("expected ErrJobNotFound, got %v", err)
			}
		})
	}
}

func TestRunMixedBatch(t *testing.T) {
	gen := newScriptedGenerator()
	gen.fail["C"] = true
	insp := &scriptedInspector{verdicts: map[string][]models.VerdictStatus{
		"B": {models.VerdictRetry, models.VerdictRetry, models.VerdictPass},
	}}
	c := newCoordinator(gen, insp)

	id, err := c.CreateJob(records("A", "B", "C"), 2)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, id, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}

	view, _ := c.GetStatus(id)
	if view.Status != models.StatusCompleted || view.CompletedAt == nil {
		t.Fatalf("job = %+v, want completed", view)
	}
	if view.Total != 3 || view.Completed != 3 || view.Success != 2 || view.Failed != 1 {
		t.Fatalf("counters = %d/%d/%d/%d, want 3/3/2/1", view.Total, view.Completed, view.Success, view.Failed)
	}
	if view.Progress != 100 {
		t.Errorf("Progress = %v, want 100", view.Progress)
	}

	want := map[string]struct {
		status models.TaskStatus
		retry  int
	}{
		"A": {models.TaskSuccess, 0},
		"B": {models.TaskSuccess, 2},
		"C": {models.TaskFailed, 2},
	}
	for _, task := range view.Tasks {
		w := want[task.ID]
		if task.Status != w.status || task.RetryCount != w.retry {
			t.Errorf("task %s = %s/%d, want %s/%d", task.ID, task.Status, task.RetryCount, w.status, w.retry)
		}
	}
	if gen.Calls("C") != 3 {
		t.Errorf("C generator calls = %d, want 3", gen.Calls("C"))
	}
	if gen.peak.Load() > 2 {
		t.Errorf("peak concurrent generations = %d, want <= 2", gen.peak.Load())
	}

	exported, err := c.Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("exported %d results, want 2", len(exported))
	}
	if !strings.HasPrefix(exported[0].DownloadURL, "/outputs/"+view.OutputDirName+"/") {
		t.Errorf("DownloadURL = %q", exported[0].DownloadURL)
	}
}

func TestConcurrencyBound(t *testing.T) {
	gen := newScriptedGenerator()
	gen.delay = 10 * time.Millisecond
	c := newCoordinator(gen, &scriptedInspector{delay: 10 * time.Millisecond})

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = "sku-" + strconv.Itoa(i)
	}
	id, _ := c.CreateJob(records(ids...), 0)

	// sample task states while the batch runs: at most K may be generating or inspecting
	var busyPeak atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			view, err := c.GetStatus(id)
			if err == nil {
				busy := int64(0)
				for _, task := range view.Tasks {
					if task.Status == models.TaskGenerating || task.Status == models.TaskInspecting {
						busy++
					}
				}
				if busy > busyPeak.Load() {
					busyPeak.Store(busy)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx, id, 3)
	close(stop)
	<-sampled
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := gen.peak.Load(); peak > 3 || peak < 1 {
		t.Fatalf("generator peak = %d, want 1..3", peak)
	}
	if peak := busyPeak.Load(); peak > 3 || peak < 1 {
		t.Fatalf("tasks generating or inspecting peaked at %d, want 1..3", peak)
	}
	view, _ := c.GetStatus(id)
	if view.Success != 12 {
		t.Fatalf("Success = %d, want 12", view.Success)
	}
}

func TestCreateJobRejectsDuplicateTaskIDs(t *testing.T) {
	c := newCoordinator(newScriptedGenerator(), &scriptedInspector{})

	tests := []struct {
		name    string
		records []models.Descriptor
	}{
		{"same sku twice", records("SKU1", "SKU1")},
		{"explicit id matches generated one", []models.Descriptor{{ProductName: "x"}, {ID: "item_1", ProductName: "y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateJob(tt.records, 0)
			var validation *models.ValidationError
			if !errors.As(err, &validation) || validation.Field != "id" {
				t.Fatalf("expected id ValidationError, got %v", err)
			}
		})
	}
	if jobs := c.ListJobs(); len(jobs) != 0 {
		t.Fatalf("rejected batches were stored: %+v", jobs)
	}
}

func TestSkippedUnitRacingResumeStillRunsTask(t *testing.T) {
	gen := newScriptedGenerator()
	c := newCoordinator(gen, &scriptedInspector{})
	id, _ := c.CreateJob(records("A"), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, b, err := c.lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.SetJobStatus(models.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := rec.SetJobStatus(models.StatusPaused); err != nil {
		t.Fatal(err)
	}

	// a unit that saw the pause and skipped A, but has not yet retired
	stale := &unit{taskID: "A", index: 0, started: time.Now()}
	c.mu.Lock()
	b.gate = ratelimit.NewGate(1)
	b.units[0] = stale
	c.mu.Unlock()

	if err := c.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if live, _ := c.LiveTasks(id); len(live) != 1 || gen.Calls("A") != 0 {
		t.Fatalf("resume should have left A to the live unit: live=%v calls=%d", live, gen.Calls("A"))
	}

	c.finishUnit(ctx, rec, b, stale)

	if err := c.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	view, _ := c.GetStatus(id)
	if view.Status != models.StatusCompleted || view.Success != 1 {
		t.Fatalf("view = %+v", view)
	}
	if n := gen.Calls("A"); n != 1 {
		t.Errorf("A generated %d times, want 1", n)
	}
}

func TestEveryTaskReachesTerminalOnce(t *testing.T) {
	gen := newScriptedGenerator()
	gen.fail["x"] = true
	var completions atomic.Int64
	orch := worker.New(worker.Options{
		Fallback:  idCompiler{},
		Generator: gen,
		Inspector: &scriptedInspector{},
		Stager:    &memStager{},
	})
	c := New(Options{
		Runner:     orch,
		OnComplete: func(models.Job, []models.Task) { completions.Add(1) },
	})

	id, _ := c.CreateJob(records("x", "y", "z"), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, id, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := c.Wait(ctx, id); err != nil {
		t.Fatalf("second Wait: %v", err)
	}

	view, _ := c.GetStatus(id)
	if view.Completed != view.Success+view.Failed || view.Completed != view.Total {
		t.Fatalf("counter invariant broken: %+v", view)
	}
	for _, task := range view.Tasks {
		if !task.Status.Terminal() {
			t.Errorf("task %s not terminal: %s", task.ID, task.Status)
		}
		if task.RetryCount > 1 {
			t.Errorf("task %s retry_count = %d, exceeds max_retries", task.ID, task.RetryCount)
		}
	}
	if completions.Load() != 1 {
		t.Errorf("OnComplete called %d times, want 1", completions.Load())
	}
	if n, _ := c.InFlight(id); n != 0 {
		t.Errorf("InFlight = %d after completion", n)
	}
	if err := c.Start(ctx, id, 1); !errors.Is(err, models.ErrJobCompleted) {
		t.Errorf("restart of completed job: got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	gen := newScriptedGenerator()
	gen.hold = make(chan struct{})
	gen.started = make(chan string, 8)
	c := newCoordinator(gen, &scriptedInspector{})

	id, _ := c.CreateJob(records("A", "B", "C"), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Resume(ctx, id); !errors.Is(err, models.ErrJobNotPaused) {
		t.Fatalf("Resume before start: got %v", err)
	}
	if err := c.Pause(id); !errors.Is(err, models.ErrJobNotRunning) {
		t.Fatalf("Pause before start: got %v", err)
	}

	// concurrency 1: one task holds the only slot while the other two wait at the gate
	if err := c.Start(ctx, id, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := <-gen.started

	if err := c.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(gen.hold)

	waitFor(t, func() bool {
		n, _ := c.InFlight(id)
		return n == 0
	})

	view, _ := c.GetStatus(id)
	if view.Status != models.StatusPaused {
		t.Fatalf("Status = %s, want paused", view.Status)
	}
	for _, task := range view.Tasks {
		want := models.TaskPending
		if task.ID == first {
			want = models.TaskSuccess
		}
		if task.Status != want {
			t.Fatalf("%s = %s, want %s while paused", task.ID, task.Status, want)
		}
	}
	if view.Success != 1 || view.Completed != 1 {
		t.Fatalf("counters while paused = %+v", view)
	}

	if err := c.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := c.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	view, _ = c.GetStatus(id)
	if view.Status != models.StatusCompleted || view.Success != 3 || view.Completed != 3 {
		t.Fatalf("after resume = %+v", view)
	}
	for _, sku := range []string{"A", "B", "C"} {
		if n := gen.Calls(sku); n != 1 {
			t.Errorf("%s generated %d times, want 1", sku, n)
		}
	}
}

func TestResumeWithEverythingTerminalCompletes(t *testing.T) {
	gen := newScriptedGenerator()
	gen.hold = make(chan struct{})
	gen.started = make(chan string, 1)
	c := newCoordinator(gen, &scriptedInspector{})

	id, _ := c.CreateJob(records("A"), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = c.Start(ctx, id, 1)
	<-gen.started
	if err := c.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(gen.hold)
	waitFor(t, func() bool {
		n, _ := c.InFlight(id)
		return n == 0
	})

	if view, _ := c.GetStatus(id); view.Status != models.StatusPaused {
		t.Fatalf("paused job completed on its own: %s", view.Status)
	}
	if err := c.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := c.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestArtifactsRequiresCompletedJob(t *testing.T) {
	c := newCoordinator(newScriptedGenerator(), &scriptedInspector{})
	id, _ := c.CreateJob(records("A", "B"), 0)

	if _, err := c.Artifacts(id); !errors.Is(err, models.ErrJobNotCompleted) {
		t.Fatalf("expected ErrJobNotCompleted, got %v", err)
	}
	if !IsConflict(models.ErrJobNotCompleted) || IsConflict(models.ErrJobNotFound) {
		t.Fatal("IsConflict misclassifies errors")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, id, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	paths, err := c.Artifacts(id)
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Artifacts = %v", paths)
	}
}

func TestDeleteAndPrune(t *testing.T) {
	c := newCoordinator(newScriptedGenerator(), &scriptedInspector{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	running, _ := c.CreateJob(records("A"), 0)
	if err := c.Delete(running); !errors.Is(err, models.ErrJobNotCompleted) {
		t.Fatalf("Delete of pending job: got %v", err)
	}

	first, _ := c.CreateJob(records("A"), 0)
	second, _ := c.CreateJob(records("B"), 0)
	for _, id := range []string{first, second} {
		if err := c.Run(ctx, id, 1); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	if err := c.Delete(first); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.GetStatus(first); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("deleted job still visible: %v", err)
	}

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := c.Prune(time.Minute); n != 1 {
		t.Fatalf("Prune removed %d, want 1", n)
	}
	if _, err := c.InFlight(second); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("pruned job still registered: %v", err)
	}
	if len(c.ListJobs()) != 1 {
		t.Fatalf("ListJobs = %+v, want only the pending job", c.ListJobs())
	}
}
