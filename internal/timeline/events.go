package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step names an event in the backend's streaming contract.
type Step string

const (
	StepConfirmed         Step = "confirmed"
	StepToSubTasks        Step = "to_sub_tasks"
	StepCreateAgent       Step = "create_agent"
	StepWaitConfirm       Step = "wait_confirm"
	StepTaskState         Step = "task_state"
	StepAssignTask        Step = "assign_task"
	StepActivateAgent     Step = "activate_agent"
	StepDeactivateAgent   Step = "deactivate_agent"
	StepActivateToolkit   Step = "activate_toolkit"
	StepDeactivateToolkit Step = "deactivate_toolkit"
	StepTerminal          Step = "terminal"
	StepWriteFile         Step = "write_file"
	StepNotice            Step = "notice"
	StepAsk               Step = "ask"
	StepBudgetNotEnough   Step = "budget_not_enough"
	StepContextTooLong    Step = "context_too_long"
	StepError             Step = "error"
	StepAddTask           Step = "add_task"
	StepRemoveTask        Step = "remove_task"
	StepEnd               Step = "end"
	StepSummary           Step = "summary"
	StepNewTaskState      Step = "new_task_state"
)

// Event is one element of the ordered event stream: {"step": ..., "data": ...}.
type Event struct {
	Step Step            `json:"step"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes a single wire event.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if ev.Step == "" {
		return Event{}, fmt.Errorf("parse event: missing step")
	}
	return ev, nil
}

// NewEvent builds an event from a step and a payload value.
func NewEvent(step Step, payload any) Event {
	ev := Event{Step: step}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Data = b
		}
	}
	return ev
}

// ConfirmedData is the payload of a confirmed event.
type ConfirmedData struct {
	Question string `json:"question"`
}

// ProposedSubTask is a sub-task as sent in to_sub_tasks. Nested sub-tasks
// are flattened in document order.
type ProposedSubTask struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	State    SubTaskStatus     `json:"state,omitempty"`
	SubTasks []ProposedSubTask `json:"subtasks,omitempty"`
}

type ToSubTasksData struct {
	SummaryTask string            `json:"summary_task"`
	SubTasks    []ProposedSubTask `json:"sub_tasks"`
}

type CreateAgentData struct {
	AgentID   string   `json:"agent_id"`
	AgentName string   `json:"agent_name"`
	Tools     []string `json:"tools,omitempty"`
}

type WaitConfirmData struct {
	Content  string `json:"content"`
	Question string `json:"question"`
}

type TaskStateData struct {
	TaskID       string        `json:"task_id"`
	State        SubTaskStatus `json:"state"`
	Result       string        `json:"result,omitempty"`
	FailureCount int           `json:"failure_count,omitempty"`
}

type AssignTaskData struct {
	AssigneeID   string        `json:"assignee_id"`
	TaskID       string        `json:"task_id"`
	Content      string        `json:"content"`
	State        SubTaskStatus `json:"state"`
	FailureCount int           `json:"failure_count,omitempty"`
}

// AgentActivityData is shared by the agent, toolkit, terminal, write_file
// and notice events. Fields that do not apply to a step are left empty.
type AgentActivityData struct {
	AgentID       string `json:"agent_id,omitempty"`
	AgentName     string `json:"agent_name,omitempty"`
	ProcessTaskID string `json:"process_task_id,omitempty"`
	ToolkitName   string `json:"toolkit_name,omitempty"`
	MethodName    string `json:"method_name,omitempty"`
	Message       string `json:"message,omitempty"`
	Output        string `json:"output,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	Tokens        int64  `json:"tokens,omitempty"`
}

type AskData struct {
	Agent    string `json:"agent"`
	Question string `json:"question"`
}

type MessageData struct {
	Message string `json:"message"`
}

type QueueTaskData struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Content   string `json:"content,omitempty"`
}

type SummaryData struct {
	Content string `json:"content"`
}

// Decode unmarshals the event's payload into v. An empty payload leaves v
// untouched.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Step, err)
	}
	return nil
}

// RawText returns the payload as text: a JSON string is unquoted, anything
// else is returned as-is.
func (e Event) RawText() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Data))
}

// flatten returns the proposed sub-tasks in document order, nested
// sub-tasks following their parent.
func flatten(in []ProposedSubTask) []Proposal {
	var out []Proposal
	var walk func([]ProposedSubTask)
	walk = func(list []ProposedSubTask) {
		for _, st := range list {
			status := st.State
			if status == "" {
				status = SubTaskWaiting
			}
			out = append(out, Proposal{ID: st.ID, Content: st.Content, Status: status})
			walk(st.SubTasks)
		}
	}
	walk(in)
	return out
}
