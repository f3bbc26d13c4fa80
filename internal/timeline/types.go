// Package timeline implements the per-thread Task Timeline: the task state
// machine, the interpreter for the backend's ordered event stream, and the
// auto-confirm / auto-skip timers that ride on top of a running task.
package timeline

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Kind is the kind of session a thread belongs to.
type Kind string

const (
	KindNormal Kind = "normal"
	KindReplay Kind = "replay"
	KindShare  Kind = "share"
)

// Origin is who initiated a streaming session.
type Origin string

const (
	OriginHuman   Origin = "human"
	OriginTrigger Origin = "trigger"
)

// SubTaskStatus is the state of a sub-task, either as proposed or as
// assigned to an agent.
type SubTaskStatus string

const (
	SubTaskWaiting    SubTaskStatus = "waiting"
	SubTaskRunning    SubTaskStatus = "running"
	SubTaskDone       SubTaskStatus = "done"
	SubTaskFailed     SubTaskStatus = "failed"
	SubTaskSkipped    SubTaskStatus = "skipped"
	SubTaskReassigned SubTaskStatus = "reassigned"
)

// ActivityKind classifies an agent activity entry.
type ActivityKind string

const (
	ActivityAgentActivated   ActivityKind = "activate_agent"
	ActivityAgentDeactivated ActivityKind = "deactivate_agent"
	ActivityToolkit          ActivityKind = "toolkit"
	ActivityTerminal         ActivityKind = "terminal"
	ActivityWriteFile        ActivityKind = "write_file"
	ActivityNotice           ActivityKind = "notice"
)

// ActivityStatus is the state of an activity entry. Only toolkit entries
// move from running to completed.
type ActivityStatus string

const (
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
)

// Attachment is a file attached to a message.
type Attachment struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

// Message is one entry in a thread's conversation. Insertion order is
// meaningful and never changed.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Step        Step         `json:"step,omitempty"`
	IsConfirmed bool         `json:"is_confirmed,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Proposal is one proposed sub-task awaiting (or past) human confirmation.
type Proposal struct {
	ID      string        `json:"id"`
	Content string        `json:"content"`
	Status  SubTaskStatus `json:"status"`
}

// SubTask is a sub-task as tracked on an agent or in the running mirror.
type SubTask struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	Status       SubTaskStatus `json:"status"`
	Result       string        `json:"result,omitempty"`
	FailureCount int           `json:"failure_count,omitempty"`
	Reassigned   bool          `json:"reassigned,omitempty"`
}

// Activity is one entry of an agent's activity log.
type Activity struct {
	ID        string         `json:"id"`
	Kind      ActivityKind   `json:"kind"`
	SubTaskID string         `json:"sub_task_id,omitempty"`
	Toolkit   string         `json:"toolkit,omitempty"`
	Method    string         `json:"method,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    string         `json:"result,omitempty"`
	Status    ActivityStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Agent is an agent assignment. It owns its sub-task list and activity log.
type Agent struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Tools  []string   `json:"tools,omitempty"`
	Active bool       `json:"active"`
	Tasks  []SubTask  `json:"tasks"`
	Log    []Activity `json:"log"`
}

// Question is a question from an agent awaiting a human reply.
type Question struct {
	Agent    string `json:"agent"`
	Question string `json:"question"`
}

// Task is the state of one conversation thread.
type Task struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Kind   Kind   `json:"kind"`

	Messages        []Message  `json:"messages"`
	Proposals       []Proposal `json:"sub_task_proposals"`
	Agents          []Agent    `json:"agent_assignments"`
	RunningSubTasks []SubTask  `json:"running_sub_tasks"`

	Tokens        int64     `json:"tokens"`
	TaskStartTime time.Time `json:"task_start_time"`
	ElapsedMs     int64     `json:"elapsed_ms"`

	HasMessages            bool `json:"has_messages"`
	IsPending              bool `json:"is_pending"`
	HasWaitingConfirmation bool `json:"has_waiting_confirmation"`
	IsUnderHumanControl    bool `json:"is_under_human_control"`
	IsContextExceeded      bool `json:"is_context_exceeded"`

	ActiveAskingAgent string     `json:"active_asking_agent"`
	PendingAskQueue   []Question `json:"pending_ask_queue"`

	SimpleAnswer   bool     `json:"simple_answer"`
	ProposalEdited bool     `json:"proposal_edited"`
	SummaryTask    string   `json:"summary_task,omitempty"`
	Notice         string   `json:"notice,omitempty"`
	Artifacts      []string `json:"artifacts,omitempty"`
}

// newTask returns a task in its freshly-created default state.
func newTask(id string, kind Kind) *Task {
	return &Task{ID: id, Status: StatusPending, Kind: kind}
}

// IsDefault reports whether the task is still in its freshly-created state.
func (t *Task) IsDefault() bool {
	return t.Status == StatusPending &&
		len(t.Messages) == 0 &&
		len(t.Proposals) == 0 &&
		len(t.Agents) == 0 &&
		len(t.RunningSubTasks) == 0 &&
		t.Tokens == 0 &&
		t.TaskStartTime.IsZero() &&
		t.ElapsedMs == 0 &&
		!t.HasMessages &&
		!t.IsPending &&
		!t.HasWaitingConfirmation &&
		!t.IsUnderHumanControl &&
		!t.IsContextExceeded &&
		t.ActiveAskingAgent == "" &&
		len(t.PendingAskQueue) == 0 &&
		!t.SimpleAnswer
}

// HasUnconfirmedProposal reports whether a sub-task proposal message is
// still awaiting confirmation.
func (t *Task) HasUnconfirmedProposal() bool {
	for i := range t.Messages {
		if t.Messages[i].Step == StepToSubTasks && !t.Messages[i].IsConfirmed {
			return true
		}
	}
	return false
}

// Busy is the rule deciding whether the thread can take new input now or
// whether input must be queued. Running and paused threads are always busy;
// a finished thread is busy only while a proposal awaits confirmation.
func (t *Task) Busy() bool {
	switch t.Status {
	case StatusRunning, StatusPaused:
		return true
	case StatusFinished:
		return t.HasUnconfirmedProposal()
	default:
		return t.HasUnconfirmedProposal() || t.IsPending || t.ActiveAskingAgent != ""
	}
}

// HasEndMessage reports whether the thread has a message produced by an end event.
func (t *Task) HasEndMessage() bool {
	for i := range t.Messages {
		if t.Messages[i].Step == StepEnd {
			return true
		}
	}
	return false
}

// ManuallyStopped is true when the task is finished without any end message.
func (t *Task) ManuallyStopped() bool {
	return t.Status == StatusFinished && !t.HasEndMessage()
}

// LatestAgentMessage returns the most recent agent message, if any.
func (t *Task) LatestAgentMessage() (Message, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAgent {
			return t.Messages[i], true
		}
	}
	return Message{}, false
}

// LatestUserMessage returns the most recent user message, if any.
func (t *Task) LatestUserMessage() (Message, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser {
			return t.Messages[i], true
		}
	}
	return Message{}, false
}

// Elapsed returns the wall-clock time accounted to the task as of now.
func (t *Task) Elapsed(now time.Time) time.Duration {
	d := time.Duration(t.ElapsedMs) * time.Millisecond
	if !t.TaskStartTime.IsZero() {
		d += now.Sub(t.TaskStartTime)
	}
	return d
}

// Progress returns finished and total counts over the running sub-task mirror.
func (t *Task) Progress() (done, total int) {
	for _, st := range t.RunningSubTasks {
		if st.Reassigned {
			continue
		}
		total++
		switch st.Status {
		case SubTaskDone, SubTaskFailed, SubTaskSkipped:
			done++
		}
	}
	return done, total
}

func (t *Task) agentByID(id string) *Agent {
	if id == "" {
		return nil
	}
	for i := range t.Agents {
		if t.Agents[i].ID == id {
			return &t.Agents[i]
		}
	}
	return nil
}

func (t *Task) agentByName(name string) *Agent {
	if name == "" {
		return nil
	}
	for i := range t.Agents {
		if t.Agents[i].Name == name {
			return &t.Agents[i]
		}
	}
	return nil
}

// ownerOf returns the agent currently holding sub-task id (not reassigned away).
func (t *Task) ownerOf(subTaskID string) *Agent {
	if subTaskID == "" {
		return nil
	}
	for i := range t.Agents {
		for j := range t.Agents[i].Tasks {
			st := &t.Agents[i].Tasks[j]
			if st.ID == subTaskID && !st.Reassigned {
				return &t.Agents[i]
			}
		}
	}
	return nil
}

// clone returns a deep copy safe to hand to observers.
func (t *Task) clone() Task {
	c := *t
	c.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
		c.Messages[i] = m
	}
	c.Proposals = append([]Proposal(nil), t.Proposals...)
	c.RunningSubTasks = append([]SubTask(nil), t.RunningSubTasks...)
	c.PendingAskQueue = append([]Question(nil), t.PendingAskQueue...)
	c.Artifacts = append([]string(nil), t.Artifacts...)
	c.Agents = make([]Agent, len(t.Agents))
	for i, a := range t.Agents {
		a.Tools = append([]string(nil), a.Tools...)
		a.Tasks = append([]SubTask(nil), a.Tasks...)
		a.Log = append([]Activity(nil), a.Log...)
		c.Agents[i] = a
	}
	return c
}
