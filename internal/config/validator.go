package config

import (
	"fmt"
	"slices"
	"strings"

	"sku-render-pipeline/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pipeline.concurrency")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

const (
	maxConcurrency = 64
	maxRetries     = 10
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError
	if strings.TrimSpace(c.Server.Addr) == "" {
		errors = append(errors, ValidationError{Field: "server.addr", Value: c.Server.Addr, Message: "must not be empty"})
	}
	if c.Server.SubmitPerMinute < 0 {
		errors = append(errors, ValidationError{Field: "server.submit_per_minute", Value: c.Server.SubmitPerMinute, Message: "must be non-negative"})
	}
	if c.Server.RetainCompletedMinutes < 0 {
		errors = append(errors, ValidationError{Field: "server.retain_completed_minutes", Value: c.Server.RetainCompletedMinutes, Message: "must be non-negative"})
	}
	return errors
}

func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError
	p := c.Pipeline

	if p.Concurrency < 1 || p.Concurrency > maxConcurrency {
		errors = append(errors, ValidationError{
			Field:   "pipeline.concurrency",
			Value:   p.Concurrency,
			Message: fmt.Sprintf("must be between 1 and %d", maxConcurrency),
		})
	}
	if p.MaxRetries < 0 || p.MaxRetries > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_retries",
			Value:   p.MaxRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxRetries),
		})
	}
	if p.GeneratorBackoffMs < 0 {
		errors = append(errors, ValidationError{Field: "pipeline.generator_backoff_ms", Value: p.GeneratorBackoffMs, Message: "must be non-negative"})
	}

	timeouts := map[string]int{
		"pipeline.compile_timeout_seconds":  p.CompileTimeoutSeconds,
		"pipeline.generate_timeout_seconds": p.GenerateTimeoutSeconds,
		"pipeline.inspect_timeout_seconds":  p.InspectTimeoutSeconds,
	}
	fields := make([]string, 0, len(timeouts))
	for f := range timeouts {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	for _, f := range fields {
		if timeouts[f] <= 0 {
			errors = append(errors, ValidationError{Field: f, Value: timeouts[f], Message: "must be positive"})
		}
	}
	return errors
}

func (c *Config) validateStorage() []ValidationError {
	if strings.TrimSpace(c.Storage.OutputDir) == "" {
		return []ValidationError{{Field: "storage.output_dir", Value: c.Storage.OutputDir, Message: "must not be empty"}}
	}
	return nil
}

func (c *Config) validateLLM() []ValidationError {
	var errors []ValidationError
	if c.LLM.ImageModel == "" {
		errors = append(errors, ValidationError{Field: "llm.image_model", Value: c.LLM.ImageModel, Message: "must not be empty"})
	}
	if c.LLM.VisionModel == "" {
		errors = append(errors, ValidationError{Field: "llm.vision_model", Value: c.LLM.VisionModel, Message: "must not be empty"})
	}
	if c.Pipeline.EnhancePrompts && c.LLM.TextModel == "" {
		errors = append(errors, ValidationError{Field: "llm.text_model", Value: c.LLM.TextModel, Message: "required when pipeline.enhance_prompts is set"})
	}
	if c.LLM.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{Field: "llm.timeout_seconds", Value: c.LLM.TimeoutSeconds, Message: "must be non-negative"})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	level := strings.ToUpper(c.Logging.Level)
	if level != "" && !slices.Contains(logging.ValidLevels(), level) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %s", strings.Join(logging.ValidLevels(), ", ")),
		}}
	}
	return nil
}
