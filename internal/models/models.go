package models

import (
	"strings"
	"time"
)

// Job represents one batch submission and its aggregate counters
type Job struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"` // pending, running, paused, completed
	TotalCount     int        `json:"total_count"`
	CompletedCount int        `json:"completed_count"`
	SuccessCount   int        `json:"success_count"`
	FailedCount    int        `json:"failed_count"`
	MaxRetries     int        `json:"max_retries"`
	Concurrency    int        `json:"concurrency"`
	OutputDirName  string     `json:"output_dir_name"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Task is one unit of work inside a Job
type Task struct {
	ID           string          `json:"id"`
	Index        int             `json:"index"`
	Descriptor   Descriptor      `json:"descriptor"`
	Status       TaskStatus      `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ArtifactRef  string          `json:"artifact_ref,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LastVerdict  *QualityVerdict `json:"last_verdict,omitempty"`
	PromptUsed   string          `json:"prompt_used,omitempty"`
	Attempts     []AttemptRecord `json:"attempts,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// AttemptRecord is the audit entry for one generate/inspect attempt
type AttemptRecord struct {
	Index      int             `json:"index"`
	Seed       int64           `json:"seed"`
	StagedPath string          `json:"staged_path,omitempty"`
	Verdict    *QualityVerdict `json:"verdict,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Descriptor is the product record a task renders
type Descriptor struct {
	ID           string            `json:"id" yaml:"id"`
	ProductName  string            `json:"product_name" yaml:"product_name"`
	SellingPoint string            `json:"selling_point,omitempty" yaml:"selling_point"`
	Color        string            `json:"color,omitempty" yaml:"color"`
	Category     string            `json:"category,omitempty" yaml:"category"`
	CustomText   string            `json:"custom_text,omitempty" yaml:"custom_text"`
	Requirements string            `json:"requirements,omitempty" yaml:"requirements"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// RequiredFields lists the descriptor fields a task cannot start without
var RequiredFields = []string{"product_name"}

// Validate reports the first missing required field
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ProductName) == "" {
		return &ValidationError{Field: "product_name", Message: "missing required field"}
	}
	return nil
}

// GenerationSpec is the compiled prompt handed to the generator
type GenerationSpec struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
	Source         string   `json:"source"`
}

// Compilation sources
const (
	SourceEnhanced     = "enhanced"
	SourceTemplate     = "template"
	SourceRequirements = "requirements"
)

// Artifact is one generated candidate image
type Artifact struct {
	Data     []byte `json:"-"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type"`
}

// Ext returns the file extension for the artifact's mime type
func (a Artifact) Ext() string {
	switch {
	case strings.Contains(a.MimeType, "png"):
		return ".png"
	case strings.Contains(a.MimeType, "webp"):
		return ".webp"
	case strings.Contains(a.MimeType, "jpeg"), strings.Contains(a.MimeType, "jpg"):
		return ".jpg"
	default:
		return ".png"
	}
}

// QualityVerdict is the result of one inspection
type QualityVerdict struct {
	Status VerdictStatus     `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Raw    string            `json:"raw,omitempty"`
}

// VerdictStatus is the inspector's decision
type VerdictStatus string

const (
	VerdictPass  VerdictStatus = "pass"
	VerdictRetry VerdictStatus = "retry"
	// VerdictReject is reserved; the orchestrator treats it like retry.
	VerdictReject VerdictStatus = "reject"
)

// Passed reports whether the verdict lets the artifact through
func (v QualityVerdict) Passed() bool {
	return v.Status == VerdictPass
}

// RetryVerdict builds the fail-safe verdict used when inspection cannot decide
func RetryVerdict(reason string) QualityVerdict {
	return QualityVerdict{Status: VerdictRetry, Checks: map[string]string{}, Reason: reason}
}

// JobSubmitRequest represents a job submission request. A nil MaxRetries selects the configured default.
type JobSubmitRequest struct {
	Records    []Descriptor `json:"records"`
	MaxRetries *int         `json:"max_retries,omitempty"`
}

// JobSubmitResponse is returned when a job is created
type JobSubmitResponse struct {
	ID            string `json:"job_id"`
	Total         int    `json:"total"`
	OutputDirName string `json:"output_dir_name"`
	Status        string `json:"status"`
}

// JobStatusView is the read-only snapshot served by the status surface
type JobStatusView struct {
	ID            string     `json:"job_id"`
	Status        string     `json:"status"`
	Total         int        `json:"total"`
	Completed     int        `json:"completed"`
	Success       int        `json:"success"`
	Failed        int        `json:"failed"`
	Progress      float64    `json:"progress"`
	OutputDirName string     `json:"output_dir_name"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Tasks         []TaskView `json:"tasks"`
}

// TaskView is one task row of a JobStatusView
type TaskView struct {
	ID          string     `json:"id"`
	ProductName string     `json:"product_name"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	ArtifactRef string     `json:"artifact_ref,omitempty"`
}

// JobSummary is the compact row returned by ListJobs
type JobSummary struct {
	ID        string    `json:"job_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportedResult is one successful artifact in an export listing
type ExportedResult struct {
	TaskID      string `json:"task_id"`
	ProductName string `json:"product_name"`
	DownloadURL string `json:"download_url"`
	OutputPath  string `json:"output_path"`
}

// Metrics holds archive metrics
type Metrics struct {
	TotalJobs      int64 `json:"total_jobs"`
	CompletedJobs  int64 `json:"completed_jobs"`
	TotalTasks     int64 `json:"total_tasks"`
	SucceededTasks int64 `json:"succeeded_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	TotalAttempts  int64 `json:"total_attempts"`
	TotalRetries   int64 `json:"total_retries"`
}

// Job status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)
