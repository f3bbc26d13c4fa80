// Package trigger holds the trigger-task pipeline: formatting triggered
// tasks into prompts, the per-project trigger task queue with its
// execution mappings, and the trigger configuration cache.
package trigger

import (
	"context"
	"encoding/json"
	"time"
)

// Type is the kind of trigger that produced a task.
type Type string

const (
	TypeWebhook  Type = "webhook"
	TypeSchedule Type = "schedule"
)

// ExecutionStatus is the status of a backend execution as reported upstream.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// TriggeredTask is a task initiated by a trigger rather than a human.
type TriggeredTask struct {
	ID               string          `json:"id"`
	TriggerID        string          `json:"trigger_id"`
	TriggerName      string          `json:"trigger_name"`
	TaskPrompt       string          `json:"task_prompt"`
	ExecutionID      string          `json:"execution_id"`
	TriggerType      Type            `json:"trigger_type"`
	TargetProjectID  string          `json:"target_project_id,omitempty"`
	InputPayload     json.RawMessage `json:"input_payload,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	FormattedMessage string          `json:"formatted_message"`
	Running          bool            `json:"running"`
}

// ExecutionMapping links a local task to the backend execution it serves.
type ExecutionMapping struct {
	LocalTaskID   string `json:"local_task_id"`
	ExecutionID   string `json:"execution_id"`
	TriggerTaskID string `json:"trigger_task_id"`
	ProjectID     string `json:"project_id"`
	Reported      bool   `json:"reported"`
}

// Config is a trigger definition as served by the backend.
type Config struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       Type   `json:"trigger_type"`
	ProjectID  string `json:"project_id"`
	TaskPrompt string `json:"task_prompt"`
	Enabled    bool   `json:"enabled"`
}

// Reporter pushes execution status to the backend.
type Reporter interface {
	UpdateExecution(ctx context.Context, executionID string, status ExecutionStatus, reason string) error
}

// ConfigFetcher loads trigger definitions for a project.
type ConfigFetcher interface {
	TriggerConfigs(ctx context.Context, projectID string) ([]Config, error)
}

// FailureRecorder records a swallowed best-effort failure.
type FailureRecorder interface {
	Record(ctx context.Context, kind, subject string, err error)
}
