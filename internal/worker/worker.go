package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sku-render-pipeline/internal/logging"
	"sku-render-pipeline/internal/models"
	"sku-render-pipeline/internal/retry"
)

// Compiler turns a descriptor into a generation spec
type Compiler interface {
	Compile(ctx context.Context, d models.Descriptor) (models.GenerationSpec, error)
}

// Generator produces one candidate artifact. Failures should be *models.GeneratorError.
type Generator interface {
	Generate(ctx context.Context, spec models.GenerationSpec, seed int64) (models.Artifact, error)
}

// Inspector judges a staged artifact
type Inspector interface {
	Inspect(ctx context.Context, stagedPath string, art models.Artifact) (models.QualityVerdict, error)
}

// Stager writes and removes per-attempt artifacts
type Stager interface {
	// Stage writes one attempt's artifact. index is the task's position in
	// the batch and keeps names unique when task ids sanitize alike.
	Stage(jobDir string, index int, taskID string, attempt int, art models.Artifact) (string, error)
	Discard(path string) error
}

// TaskHandle is the task a run owns. Only the orchestrator running the task mutates it.
type TaskHandle interface {
	JobID() string
	OutputDirName() string
	Task() models.Task
	Transition(to models.TaskStatus, mutate func(*models.Task)) error
	Update(mutate func(*models.Task))
}

// Options configures an Orchestrator
type Options struct {
	Compiler  Compiler
	Fallback  Compiler
	Generator Generator
	Inspector Inspector
	Stager    Stager
	Logger    *logging.Logger

	GeneratorBackoff time.Duration
	CompileTimeout   time.Duration
	GenerateTimeout  time.Duration
	InspectTimeout   time.Duration
}

// Orchestrator drives one task from pending to success or failed
type Orchestrator struct {
	compiler  Compiler
	fallback  Compiler
	generator Generator
	inspector Inspector
	stager    Stager
	log       *logging.Logger

	backoff         time.Duration
	compileTimeout  time.Duration
	generateTimeout time.Duration
	inspectTimeout  time.Duration
	now             func() time.Time
}

// New creates an Orchestrator. Zero timeouts get defaults sized for slow remote models.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		compiler:        opts.Compiler,
		fallback:        opts.Fallback,
		generator:       opts.Generator,
		inspector:       opts.Inspector,
		stager:          opts.Stager,
		log:             opts.Logger,
		backoff:         opts.GeneratorBackoff,
		compileTimeout:  opts.CompileTimeout,
		generateTimeout: opts.GenerateTimeout,
		inspectTimeout:  opts.InspectTimeout,
		now:             time.Now,
	}
	if o.log == nil {
		o.log = logging.NopLogger()
	}
	if o.compiler == nil {
		o.compiler = o.fallback
	}
	if o.compileTimeout <= 0 {
		o.compileTimeout = 60 * time.Second
	}
	if o.generateTimeout <= 0 {
		o.generateTimeout = 180 * time.Second
	}
	if o.inspectTimeout <= 0 {
		o.inspectTimeout = 60 * time.Second
	}
	return o
}

// Run executes the task's state machine and returns the terminal task.
// Errors never escape: anything unexpected marks the task failed.
func (o *Orchestrator) Run(ctx context.Context, h TaskHandle) (result models.Task) {
	task := h.Task()
	log := o.log.WithJob(h.JobID()).WithTask(task.ID)

	defer func() {
		if r := recover(); r != nil {
			o.fail(h, log, &models.OrchestratorError{TaskID: task.ID, Cause: fmt.Errorf("panic: %v", r)})
		}
		result = h.Task()
	}()

	if err := o.run(ctx, h, task, log); err != nil {
		o.fail(h, log, err)
	}
	return h.Task()
}

func (o *Orchestrator) run(ctx context.Context, h TaskHandle, task models.Task, log *logging.Logger) error {
	if err := task.Descriptor.Validate(); err != nil {
		return err
	}

	started := o.now()
	if err := h.Transition(models.TaskCompiling, func(t *models.Task) { t.StartedAt = &started }); err != nil {
		return &models.OrchestratorError{TaskID: task.ID, Cause: err}
	}
	log.Info("[START]", "product", task.Descriptor.ProductName, "max_retries", task.MaxRetries)

	spec, err := o.compile(ctx, task.Descriptor, log)
	if err != nil {
		return &models.OrchestratorError{TaskID: task.ID, Cause: err}
	}
	h.Update(func(t *models.Task) { t.PromptUsed = spec.Prompt })

	_, err = retry.Do(ctx, retry.Policy{
		MaxRetries: task.MaxRetries,
		Retryable:  models.IsRetryable,
		Backoff: func(_ int, err error) time.Duration {
			var genErr *models.GeneratorError
			if errors.As(err, &genErr) {
				return o.backoff
			}
			return 0
		},
		OnRetry: func(attempt int, err error) {
			log.Info("[RETRY]", "attempt", attempt, "next", attempt+1, "max_retries", task.MaxRetries, "error", err.Error())
		},
	}, func(ctx context.Context, attempt int) error {
		return o.attempt(ctx, h, spec, attempt, log)
	})
	if err == nil {
		final := h.Task()
		log.Info("[FINISH]", "status", final.Status, "retry_count", final.RetryCount, "artifact", final.ArtifactRef)
		return nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhaustedReason(exhausted, task.MaxRetries)
	}
	return err
}

// attempt runs one generate -> stage -> inspect cycle. Every failed attempt
// leaves the task in retrying; the caller decides whether another follows.
func (o *Orchestrator) attempt(ctx context.Context, h TaskHandle, spec models.GenerationSpec, attempt int, log *logging.Logger) error {
	task := h.Task()
	rec := models.AttemptRecord{Index: attempt, Seed: o.seed(attempt), StartedAt: o.now()}

	if err := h.Transition(models.TaskGenerating, func(t *models.Task) { t.RetryCount = attempt }); err != nil {
		return &models.OrchestratorError{TaskID: task.ID, Cause: err}
	}

	genCtx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	art, err := o.generator.Generate(genCtx, spec, rec.Seed)
	cancel()
	if err != nil {
		genErr := asGeneratorError(err)
		rec.Error = genErr.Error()
		rec.FinishedAt = o.now()
		log.Warn("[GENERATE]", "attempt", attempt, "seed", rec.Seed, "error", genErr.Error())
		if terr := h.Transition(models.TaskRetrying, func(t *models.Task) {
			t.Attempts = append(t.Attempts, rec)
			t.ErrorMessage = genErr.Error()
		}); terr != nil {
			return &models.OrchestratorError{TaskID: task.ID, Cause: terr}
		}
		return genErr
	}

	path, err := o.stager.Stage(h.OutputDirName(), task.Index, task.ID, attempt, art)
	if err != nil {
		return &models.OrchestratorError{TaskID: task.ID, Cause: fmt.Errorf("stage artifact: %w", err)}
	}
	rec.StagedPath = path

	if err := h.Transition(models.TaskInspecting, nil); err != nil {
		return &models.OrchestratorError{TaskID: task.ID, Cause: err}
	}
	verdict := o.inspect(ctx, path, art, log)
	rec.Verdict = &verdict
	rec.FinishedAt = o.now()
	log.Info("[INSPECT]", "attempt", attempt, "verdict", verdict.Status, "reason", verdict.Reason)

	if verdict.Passed() {
		return h.Transition(models.TaskSuccess, func(t *models.Task) {
			t.Attempts = append(t.Attempts, rec)
			t.LastVerdict = &verdict
			t.ArtifactRef = path
			t.ErrorMessage = ""
		})
	}

	if err := o.stager.Discard(path); err != nil {
		log.Warn("[DISCARD]", "path", path, "error", err.Error())
	}
	if err := h.Transition(models.TaskRetrying, func(t *models.Task) {
		t.Attempts = append(t.Attempts, rec)
		t.LastVerdict = &verdict
		t.ErrorMessage = verdict.Reason
	}); err != nil {
		return &models.OrchestratorError{TaskID: task.ID, Cause: err}
	}
	return &models.QualityError{Verdict: verdict}
}

func (o *Orchestrator) compile(ctx context.Context, d models.Descriptor, log *logging.Logger) (models.GenerationSpec, error) {
	if req := strings.TrimSpace(d.Requirements); req != "" {
		return models.GenerationSpec{Prompt: req, Source: models.SourceRequirements}, nil
	}

	if o.compiler != nil {
		cctx, cancel := context.WithTimeout(ctx, o.compileTimeout)
		spec, err := o.compiler.Compile(cctx, d)
		cancel()
		if err == nil && strings.TrimSpace(spec.Prompt) != "" {
			return spec, nil
		}
		log.Warn("[COMPILE] falling back to template", "error", fmt.Sprint(err))
	}
	if o.fallback == nil {
		return models.GenerationSpec{}, errors.New("no compiler configured")
	}
	return o.fallback.Compile(ctx, d)
}

// inspect applies the quality gate policy: an inspector call error or a
// verdict with an unknown status is treated as retry, keeping the error as the reason.
func (o *Orchestrator) inspect(ctx context.Context, path string, art models.Artifact, log *logging.Logger) models.QualityVerdict {
	ictx, cancel := context.WithTimeout(ctx, o.inspectTimeout)
	defer cancel()

	verdict, err := o.inspector.Inspect(ictx, path, art)
	if err != nil {
		log.Warn("[INSPECT] inspector error treated as retry", "error", err.Error())
		return models.RetryVerdict("inspection failed: " + err.Error())
	}
	switch verdict.Status {
	case models.VerdictPass, models.VerdictRetry, models.VerdictReject:
		return verdict
	default:
		log.Warn("[INSPECT] unknown verdict treated as retry", "status", string(verdict.Status))
		verdict.Reason = fmt.Sprintf("unknown verdict status %q: %s", verdict.Status, verdict.Reason)
		verdict.Status = models.VerdictRetry
		return verdict
	}
}

func (o *Orchestrator) fail(h TaskHandle, log *logging.Logger, cause error) {
	if h.Task().Status.Terminal() {
		return
	}
	msg := cause.Error()
	if err := h.Transition(models.TaskFailed, func(t *models.Task) { t.ErrorMessage = msg }); err != nil {
		log.Error("[ERROR] could not mark task failed", "error", err.Error())
		return
	}
	log.Warn("[FAILED]", "error", msg)
}

// seed varies per attempt so retries do not reproduce the rejected image
func (o *Orchestrator) seed(attempt int) int64 {
	return o.now().UnixMilli()%1_000_000 + int64(attempt)*1000
}

func asGeneratorError(err error) *models.GeneratorError {
	var genErr *models.GeneratorError
	if errors.As(err, &genErr) {
		return genErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.GeneratorError{Message: "generation timed out", Timeout: true, Cause: err}
	}
	return &models.GeneratorError{Message: "generation failed", Cause: err}
}

func exhaustedReason(e *retry.ExhaustedError, maxRetries int) error {
	var qualityErr *models.QualityError
	if errors.As(e.Last, &qualityErr) {
		return fmt.Errorf("quality check failed after %d retries: %s", maxRetries, qualityErr.Verdict.Reason)
	}
	return e.Last
}
