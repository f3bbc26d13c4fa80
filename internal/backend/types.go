package backend

import "github.com/p-blackswan/taskpilot/internal/timeline"

// AgentSpec describes a custom worker agent sent with a task start.
type AgentSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools,omitempty"`
}

// StartRequest opens a new streaming session for a thread.
type StartRequest struct {
	ProjectID     string      `json:"project_id"`
	TaskID        string      `json:"task_id"`
	Question      string      `json:"question"`
	Attachments   []string    `json:"attaches,omitempty"`
	InstalledMCP  []string    `json:"installed_mcp,omitempty"`
	Language      string      `json:"language,omitempty"`
	ModelPlatform string      `json:"model_platform,omitempty"`
	ModelType     string      `json:"model_type,omitempty"`
	APIKey        string      `json:"api_key,omitempty"`
	APIURL        string      `json:"api_url,omitempty"`
	EnvPath       string      `json:"env_path,omitempty"`
	BrowserPort   int         `json:"browser_port,omitempty"`
	NewAgents     []AgentSpec `json:"new_agents,omitempty"`
	Summary       string      `json:"summary_prompt,omitempty"`
}

// ImproveRequest continues a finished conversation.
type ImproveRequest struct {
	TaskID      string   `json:"task_id"`
	Question    string   `json:"question"`
	Attachments []string `json:"attaches,omitempty"`
}

// ControlAction is the action of a take-control request.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionStop   ControlAction = "stop"
)

// PlanItem is one sub-task of a confirmed plan.
type PlanItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// PlanFromProposals converts proposals into the plan shape the backend expects.
func PlanFromProposals(ps []timeline.Proposal) []PlanItem {
	out := make([]PlanItem, 0, len(ps))
	for _, p := range ps {
		out = append(out, PlanItem{ID: p.ID, Content: p.Content})
	}
	return out
}

// HistoryRecord is the persisted summary of a project.
type HistoryRecord struct {
	TaskID        string `json:"task_id"`
	ProjectID     string `json:"project_id"`
	Question      string `json:"question"`
	Summary       string `json:"summary,omitempty"`
	Status        int    `json:"status"`
	Tokens        int64  `json:"tokens"`
	Language      string `json:"language,omitempty"`
	ModelPlatform string `json:"model_platform,omitempty"`
	ModelType     string `json:"model_type,omitempty"`
}

// History statuses as stored by the backend.
const (
	HistoryOngoing = 1
	HistoryDone    = 2
)
