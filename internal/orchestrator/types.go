package orchestrator

import (
	"context"
	"time"

	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// Backend is the part of the backend client the orchestrator drives.
type Backend interface {
	StartChat(ctx context.Context, req backend.StartRequest) (*backend.Stream, error)
	Improve(ctx context.Context, projectID string, req backend.ImproveRequest) (*backend.Stream, error)
	Playback(ctx context.Context, threadID string, delay time.Duration) (*backend.Stream, error)
	HumanReply(ctx context.Context, projectID, agent, reply string) error
	TakeControl(ctx context.Context, projectID string, action backend.ControlAction) error
	ConfirmPlan(ctx context.Context, projectID string, plan []backend.PlanItem) error
	AddTask(ctx context.Context, projectID, taskID, content string) error
	RemoveTask(ctx context.Context, projectID, taskID string) error
	CreateHistory(ctx context.Context, rec backend.HistoryRecord) (string, error)
	UpdateHistory(ctx context.Context, id string, rec backend.HistoryRecord) error
}

// Runtime is the local runtime bridge consulted when a session starts and
// when its logs are collected.
type Runtime interface {
	EnvPath(projectID string) string
	InstalledTools() ([]string, error)
	AutomationPort() int
	LogFiles(projectID string) ([]string, error)
}

// Artifacts uploads local files under a key prefix.
type Artifacts interface {
	Upload(ctx context.Context, prefix string, paths []string) error
}

// FailureRecorder records a swallowed best-effort failure.
type FailureRecorder interface {
	Record(ctx context.Context, kind, subject string, err error)
}

// Model carries the model and credential parameters sent with every start.
type Model struct {
	Language string
	Platform string
	Type     string
	APIKey   string
	APIURL   string
}

// QueuedMessage is input held back while the project's active thread is busy.
type QueuedMessage struct {
	TaskID      string                `json:"task_id"`
	Content     string                `json:"content"`
	Timestamp   time.Time             `json:"timestamp"`
	Attachments []timeline.Attachment `json:"attachments,omitempty"`
	Origin      timeline.Origin       `json:"origin"`
}

// ProjectKind distinguishes interactive projects from replays.
type ProjectKind string

const (
	ProjectNormal ProjectKind = "normal"
	ProjectReplay ProjectKind = "replay"
)

// Project groups the threads of one piece of work. Its fields are guarded by
// the orchestrator's registry lock.
type Project struct {
	ID             string
	Name           string
	Kind           ProjectKind
	HistoryID      string
	CreatedAt      time.Time
	ActiveThreadID string

	threads map[string]*timeline.Timeline
	order   []string
	queue   []QueuedMessage
}

// empty reports whether the project can be reused by a new creation: one
// thread, still in its default state, and nothing queued.
func (p *Project) empty() bool {
	if len(p.threads) != 1 || len(p.queue) != 0 {
		return false
	}
	return p.threads[p.ActiveThreadID].IsDefault()
}

// ProjectView is a point-in-time copy of a project for readers.
type ProjectView struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           ProjectKind     `json:"kind"`
	HistoryID      string          `json:"history_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ActiveThreadID string          `json:"active_thread_id"`
	Active         bool            `json:"active"`
	Threads        []timeline.Task `json:"threads"`
	Queue          []QueuedMessage `json:"queue"`
}

// ChangeKind names what changed in a Change notification.
type ChangeKind string

const (
	ChangeProjectCreated ChangeKind = "project_created"
	ChangeProjectRemoved ChangeKind = "project_removed"
	ChangeProjectActive  ChangeKind = "project_active"
	ChangeThreadAdded    ChangeKind = "thread_added"
	ChangeThreadActive   ChangeKind = "thread_active"
	ChangeTask           ChangeKind = "task"
	ChangeQueue          ChangeKind = "queue"
	ChangeSessionStarted ChangeKind = "session_started"
	ChangeSessionEnded   ChangeKind = "session_ended"
)

// SessionResult is how a session ended.
type SessionResult string

const (
	ResultFinished SessionResult = "finished"
	ResultFailed   SessionResult = "failed"
	ResultStopped  SessionResult = "stopped"
	ResultAnswered SessionResult = "answered" // stream ended after a simple answer
	ResultDetached SessionResult = "detached" // stream ended without a terminal event
)

// Change is a project-level notification.
type Change struct {
	Kind      ChangeKind
	ProjectID string
	ThreadID  string
	// Set for ChangeSessionStarted and ChangeSessionEnded.
	SessionID string
	// Set for ChangeSessionEnded.
	Result  SessionResult
	Summary string
	Reason  string
}
