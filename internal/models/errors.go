package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for job lifecycle operations
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrEmptyBatch        = errors.New("record list is empty")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrJobNotRunning     = errors.New("job is not running")
	ErrJobNotPaused      = errors.New("job is not paused")
	ErrJobCompleted      = errors.New("job already completed")
	ErrJobStarted        = errors.New("job already started")
	ErrJobNotCompleted   = errors.New("job has not completed")
)

// ValidationError marks a malformed or incomplete descriptor. Fatal to the task, no attempts used.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// GeneratorError is a failed or timed out generation call
type GeneratorError struct {
	Message string
	Timeout bool
	Cause   error
}

func (e *GeneratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("generator: %s: %v", e.Message, e.Cause)
	}
	return "generator: " + e.Message
}

func (e *GeneratorError) Unwrap() error {
	return e.Cause
}

// QualityError carries a non-pass verdict through the retry loop
type QualityError struct {
	Verdict QualityVerdict
}

func (e *QualityError) Error() string {
	if e.Verdict.Reason == "" {
		return fmt.Sprintf("quality verdict %s", e.Verdict.Status)
	}
	return fmt.Sprintf("quality verdict %s: %s", e.Verdict.Status, e.Verdict.Reason)
}

// ParseError means an inspector answer could not be read as a verdict
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return "unparsable verdict: " + e.Reason
}

// OrchestratorError wraps anything unexpected raised inside a task run
type OrchestratorError struct {
	TaskID string
	Cause  error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Cause)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err may succeed on another attempt within the budget
func IsRetryable(err error) bool {
	var genErr *GeneratorError
	var qualityErr *QualityError
	return errors.As(err, &genErr) || errors.As(err, &qualityErr)
}
