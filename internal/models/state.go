package models

import "fmt"

// TaskStatus is a state of the per-task pipeline
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskCompiling  TaskStatus = "compiling"
	TaskGenerating TaskStatus = "generating"
	TaskInspecting TaskStatus = "inspecting"
	TaskRetrying   TaskStatus = "retrying"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskCompiling: {},
		TaskFailed:    {},
	},
	TaskCompiling: {
		TaskGenerating: {},
		TaskFailed:     {},
	},
	TaskGenerating: {
		TaskInspecting: {},
		TaskRetrying:   {},
		TaskFailed:     {},
	},
	TaskInspecting: {
		TaskSuccess:  {},
		TaskRetrying: {},
		TaskFailed:   {},
	},
	TaskRetrying: {
		TaskGenerating: {},
		TaskFailed:     {},
	},
	TaskSuccess: {},
	TaskFailed:  {},
}

// Terminal reports whether no further transitions are possible
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// Active reports whether the task is inside its generate/inspect phase
func (s TaskStatus) Active() bool {
	return s == TaskGenerating || s == TaskInspecting
}

func ValidateTaskStatus(status TaskStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("invalid task status: %q", status)
	}
	return nil
}

func ValidateTransition(from, to TaskStatus) error {
	if err := ValidateTaskStatus(from); err != nil {
		return err
	}
	if err := ValidateTaskStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
