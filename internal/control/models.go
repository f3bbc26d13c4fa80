package control

import (
	"context"

	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/store"
	"github.com/p-blackswan/taskpilot/internal/subscription"
	"github.com/p-blackswan/taskpilot/internal/timeline"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// Orchestrator is the project/thread registry driven by the API.
type Orchestrator interface {
	Projects() []orchestrator.ProjectView
	Project(projectID string) (orchestrator.ProjectView, error)
	CreateProject(name string, opts ...orchestrator.ProjectOption) string
	RemoveProject(projectID string) error
	SetActiveProject(projectID string) error
	AppendThread(projectID string) (string, error)
	SetActiveThread(projectID, threadID string) error
	Thread(projectID, threadID string) (*timeline.Timeline, error)
	Submit(ctx context.Context, in orchestrator.Input) (orchestrator.Result, error)
	Pause(ctx context.Context, projectID string) error
	Resume(ctx context.Context, projectID string) error
	Stop(ctx context.Context, projectID string) (bool, error)
	Confirm(ctx context.Context, projectID string) error
	EditProposals(projectID string, proposals []timeline.Proposal) error
	EnqueueTriggerMessage(projectID, content string, attachments []timeline.Attachment, origin timeline.Origin) (string, error)
	RemoveTriggerMessage(projectID, taskID string) error
	Replay(ctx context.Context, threadIDs []string, label, projectID string) (string, error)
}

// Subscription is the execution subscription channel.
type Subscription interface {
	State() subscription.State
	AuthFailed() bool
	Reconnect() error
}

// DeadLetters lists and resolves recorded side-effect failures.
type DeadLetters interface {
	ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*store.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string) error
}

// TriggerConfigs serves cached trigger definitions.
type TriggerConfigs interface {
	Get(ctx context.Context, projectID string) ([]trigger.Config, error)
}

// TriggerQueue exposes the trigger task queue.
type TriggerQueue interface {
	Pending() []trigger.TriggeredTask
	Projects() []string
}

// ArtifactLister lists uploaded artifacts.
type ArtifactLister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Deps are the components behind the API. Only Orchestrator is required;
// routes whose dependency is nil answer 503.
type Deps struct {
	Orchestrator Orchestrator
	Subscription Subscription
	DeadLetters  DeadLetters
	Triggers     TriggerConfigs
	TriggerQueue TriggerQueue
	Artifacts    ArtifactLister
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// ProjectResponse wraps a single project.
type ProjectResponse struct {
	Project orchestrator.ProjectView `json:"project"`
}

// ProjectListResponse is the body of GET /projects.
type ProjectListResponse struct {
	Projects []orchestrator.ProjectView `json:"projects"`
	ActiveID string                     `json:"active_id"`
}

// ThreadResponse identifies a thread.
type ThreadResponse struct {
	ProjectID string         `json:"project_id"`
	ThreadID  string         `json:"thread_id"`
	Task      *timeline.Task `json:"task,omitempty"`
}

// InputRequest is the body of POST /projects/:id/input.
type InputRequest struct {
	Content     string                `json:"content"`
	Attachments []timeline.Attachment `json:"attachments,omitempty"`
	NewAgents   []backend.AgentSpec   `json:"new_agents,omitempty"`
}

// StopResponse reports whether the backend acknowledged a stop.
type StopResponse struct {
	Stopped  bool `json:"stopped"`
	Degraded bool `json:"degraded"`
}

// ProposalsRequest is the body of PUT /projects/:id/proposals.
type ProposalsRequest struct {
	Proposals []timeline.Proposal `json:"proposals"`
}

// QueueRequest is the body of POST /projects/:id/queue.
type QueueRequest struct {
	Content     string                `json:"content"`
	Attachments []timeline.Attachment `json:"attachments,omitempty"`
}

// QueueResponse carries the id of a queued message.
type QueueResponse struct {
	TaskID string `json:"task_id"`
}

// ReplayRequest is the body of POST /replay.
type ReplayRequest struct {
	ThreadIDs []string `json:"thread_ids"`
	Label     string   `json:"label"`
	ProjectID string   `json:"project_id,omitempty"`
}

// ReplayResponse carries the replay project id.
type ReplayResponse struct {
	ProjectID string `json:"project_id"`
	Error     string `json:"error,omitempty"`
}

// TriggerListResponse is the body of GET /projects/:id/triggers.
type TriggerListResponse struct {
	Triggers []trigger.Config `json:"triggers"`
}

// TriggerQueueResponse is the body of GET /triggers/queue.
type TriggerQueueResponse struct {
	Tasks []trigger.TriggeredTask `json:"tasks"`
	// WaitingProjects lists projects with tasks not yet dispatched.
	WaitingProjects []string `json:"waiting_projects"`
}

// ArtifactListResponse is the body of GET /projects/:id/artifacts.
type ArtifactListResponse struct {
	Artifacts []string `json:"artifacts"`
}

// DeadLetterListResponse is the body of GET /dead-letters.
type DeadLetterListResponse struct {
	DeadLetters []*store.DeadLetter `json:"dead_letters"`
}

// SubscriptionResponse describes the subscription channel.
type SubscriptionResponse struct {
	State      string `json:"state"`
	AuthFailed bool   `json:"auth_failed"`
}

// HealthDetailResponse is the body of GET /api/v1/health.
type HealthDetailResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Uptime string            `json:"uptime"`
}
