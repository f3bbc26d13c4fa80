package timeline

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultBudgetNotice is shown when the backend reports insufficient credits
// without a message of its own.
const DefaultBudgetNotice = "Insufficient credits to continue this task."

// DefaultContextNotice is shown when the conversation no longer fits the
// model's context window.
const DefaultContextNotice = "The conversation is too long to continue. Start a new project to proceed."

var summaryMarker = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)

// internalAgents are planner-side agents that never get an assignment entry.
var internalAgents = map[string]bool{
	"coordinator_agent":        true,
	"task_planner_agent":       true,
	"question_confirm_agent":   true,
	"task_summary_agent":       true,
	"new_worker_agent":         true,
	"task_decomposition_agent": true,
}

// ApplyContext describes the session an event arrives on.
type ApplyContext struct {
	Origin Origin
	// Continuation is set when the session continues a finished conversation.
	Continuation bool
}

// Effects are the side effects an applied event asks its session to carry out.
type Effects struct {
	Finished   bool
	Summary    string
	UploadLogs bool
	Artifacts  []string
}

// Apply interprets one event against the task. Routing decisions that span
// threads (a repeated confirmed, an error replacing the thread, project queue
// acknowledgements) belong to the session; Apply only ever mutates this
// thread. An error event applied here initialises the replacement thread.
func (tl *Timeline) Apply(ev Event, ac ApplyContext) (Effects, error) {
	var (
		fx  Effects
		err error
	)
	tl.update(func(t *Task) bool {
		var changed bool
		changed, err = tl.apply(t, ev, ac, &fx)
		return changed
	})
	return fx, err
}

func (tl *Timeline) apply(t *Task, ev Event, ac ApplyContext, fx *Effects) (bool, error) {
	switch ev.Step {
	case StepConfirmed:
		var d ConfirmedData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.onConfirmed(t, d)
	case StepToSubTasks:
		var d ToSubTasksData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.onToSubTasks(t, d, ac)
	case StepCreateAgent:
		var d CreateAgentData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		return tl.onCreateAgent(t, d), nil
	case StepWaitConfirm:
		var d WaitConfirmData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.onWaitConfirm(t, d)
	case StepTaskState:
		var d TaskStateData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		onTaskState(t, d)
	case StepAssignTask:
		var d AssignTaskData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		onAssignTask(t, d)
	case StepActivateAgent, StepDeactivateAgent, StepActivateToolkit,
		StepDeactivateToolkit, StepTerminal, StepWriteFile, StepNotice:
		var d AgentActivityData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		return tl.onActivity(t, ev.Step, d), nil
	case StepAsk:
		var d AskData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.openQuestion(t, Question{Agent: d.Agent, Question: d.Question})
	case StepBudgetNotEnough, StepContextTooLong:
		var d MessageData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.onBlocked(t, ev.Step, d.Message)
		fx.UploadLogs = true
	case StepError:
		var d MessageData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.onError(t, d.Message)
	case StepSummary:
		var d SummaryData
		if err := ev.Decode(&d); err != nil {
			return false, err
		}
		tl.appendMessage(t, Message{Role: RoleAgent, Content: d.Content, Step: StepSummary})
	case StepEnd:
		tl.onEnd(t, ev, ac, fx)
	default:
		// new_task_state and anything unrecognised.
		tl.logger.Debug().Str("step", string(ev.Step)).Msg("event ignored")
		return false, nil
	}
	return true, nil
}

func (tl *Timeline) onConfirmed(t *Task, d ConfirmedData) {
	if q := strings.TrimSpace(d.Question); q != "" {
		if last, ok := t.LatestUserMessage(); !ok || last.Content != d.Question {
			tl.appendMessage(t, Message{Role: RoleUser, Content: d.Question})
		}
	}
	if t.Status == StatusPending || t.Status == StatusFinished {
		t.Status = StatusRunning
	}
	t.IsPending = false
	t.SimpleAnswer = false
	tl.startClock(t)
}

func (tl *Timeline) onToSubTasks(t *Task, d ToSubTasksData, ac ApplyContext) {
	proposals := flatten(d.SubTasks)
	autoConfirmed := t.Kind == KindReplay || t.Kind == KindShare

	if !t.HasUnconfirmedProposal() || ac.Continuation {
		tl.appendMessage(t, Message{
			Role:        RoleAgent,
			Content:     d.SummaryTask,
			Step:        StepToSubTasks,
			IsConfirmed: autoConfirmed,
		})
	}
	t.Proposals = proposals
	t.RunningSubTasks = mirror(proposals)
	t.SummaryTask = d.SummaryTask
	t.HasWaitingConfirmation = t.HasUnconfirmedProposal()
	t.IsPending = false

	if t.HasWaitingConfirmation && !t.IsUnderHumanControl && !t.ProposalEdited {
		tl.armConfirm()
	}
	t.ProposalEdited = false
}

func (tl *Timeline) onCreateAgent(t *Task, d CreateAgentData) bool {
	if internalAgents[d.AgentName] {
		return false
	}
	if t.agentByID(d.AgentID) != nil {
		return false
	}
	t.Agents = append(t.Agents, Agent{
		ID:    d.AgentID,
		Name:  d.AgentName,
		Tools: append([]string(nil), d.Tools...),
	})
	return true
}

func (tl *Timeline) onWaitConfirm(t *Task, d WaitConfirmData) {
	if t.Kind == KindReplay && d.Question != "" {
		sole := len(t.Messages) == 1 && t.Messages[0].Role == RoleUser && t.Messages[0].Content == d.Question
		if !sole {
			tl.appendMessage(t, Message{Role: RoleUser, Content: d.Question})
		}
	}
	tl.appendMessage(t, Message{Role: RoleAgent, Content: d.Content, Step: StepWaitConfirm})
	t.SimpleAnswer = true
	t.IsPending = false
	t.Status = StatusPending
	tl.stopClock(t)
	tl.cancelConfirm()
}

func onTaskState(t *Task, d TaskStateData) {
	for i := range t.Proposals {
		if t.Proposals[i].ID == d.TaskID {
			t.Proposals[i].Status = d.State
		}
	}
	for i := range t.RunningSubTasks {
		st := &t.RunningSubTasks[i]
		if st.ID == d.TaskID {
			st.Status = d.State
			st.Result = d.Result
			st.FailureCount = d.FailureCount
		}
	}
	if owner := t.ownerOf(d.TaskID); owner != nil {
		for j := range owner.Tasks {
			st := &owner.Tasks[j]
			if st.ID == d.TaskID && !st.Reassigned {
				st.Status = d.State
				st.Result = d.Result
				st.FailureCount = d.FailureCount
			}
		}
	}
}

func onAssignTask(t *Task, d AssignTaskData) {
	assignee := t.agentByID(d.AssigneeID)
	if assignee == nil {
		t.Agents = append(t.Agents, Agent{ID: d.AssigneeID, Name: d.AssigneeID})
		assignee = &t.Agents[len(t.Agents)-1]
	}

	// Take the sub-task away from its previous owner.
	for i := range t.Agents {
		a := &t.Agents[i]
		if a.ID == assignee.ID {
			continue
		}
		for j := range a.Tasks {
			if a.Tasks[j].ID == d.TaskID && !a.Tasks[j].Reassigned {
				a.Tasks[j].Reassigned = true
				a.Tasks[j].Status = SubTaskReassigned
			}
		}
	}

	found := false
	for j := range assignee.Tasks {
		st := &assignee.Tasks[j]
		if st.ID != d.TaskID {
			continue
		}
		found = true
		st.Status = d.State
		st.FailureCount = d.FailureCount
		st.Reassigned = false
		if d.Content != "" {
			st.Content = d.Content
		}
	}
	if !found {
		assignee.Tasks = append(assignee.Tasks, SubTask{
			ID:           d.TaskID,
			Content:      d.Content,
			Status:       d.State,
			FailureCount: d.FailureCount,
		})
	}

	// A retry starts from a clean log for that sub-task.
	if d.FailureCount > 0 && d.State != SubTaskWaiting {
		kept := assignee.Log[:0]
		for _, a := range assignee.Log {
			if a.SubTaskID != d.TaskID {
				kept = append(kept, a)
			}
		}
		assignee.Log = kept
	}

	for i := range t.RunningSubTasks {
		if t.RunningSubTasks[i].ID == d.TaskID {
			t.RunningSubTasks[i].Status = d.State
			t.RunningSubTasks[i].FailureCount = d.FailureCount
		}
	}
}

// resolveAgent finds the agent an activity event belongs to: by id, then by
// name, then by whoever holds the sub-task being processed.
func resolveAgent(t *Task, d AgentActivityData) *Agent {
	if a := t.agentByID(d.AgentID); a != nil {
		return a
	}
	if a := t.agentByName(d.AgentName); a != nil {
		return a
	}
	return t.ownerOf(d.ProcessTaskID)
}

func (tl *Timeline) onActivity(t *Task, step Step, d AgentActivityData) bool {
	agent := resolveAgent(t, d)
	if agent == nil {
		if step == StepNotice && d.Message != "" {
			tl.appendMessage(t, Message{Role: RoleAgent, Content: d.Message, Step: StepNotice})
			return true
		}
		tl.logger.Debug().
			Str("step", string(step)).
			Str("agent_id", d.AgentID).
			Str("agent_name", d.AgentName).
			Msg("activity for unknown agent dropped")
		return false
	}

	entry := Activity{
		ID:        newID(),
		SubTaskID: d.ProcessTaskID,
		Message:   d.Message,
		Status:    ActivityCompleted,
		CreatedAt: tl.clock.Now(),
	}

	switch step {
	case StepActivateAgent:
		agent.Active = true
		entry.Kind = ActivityAgentActivated
		entry.Status = ActivityRunning
		for j := range agent.Tasks {
			if agent.Tasks[j].ID == d.ProcessTaskID && agent.Tasks[j].Status == SubTaskWaiting {
				agent.Tasks[j].Status = SubTaskRunning
			}
		}
	case StepDeactivateAgent:
		agent.Active = false
		entry.Kind = ActivityAgentDeactivated
		if d.Tokens > 0 {
			t.Tokens += d.Tokens
		}
	case StepActivateToolkit:
		entry.Kind = ActivityToolkit
		entry.Toolkit = d.ToolkitName
		entry.Method = d.MethodName
		entry.Status = ActivityRunning
	case StepDeactivateToolkit:
		for i := len(agent.Log) - 1; i >= 0; i-- {
			a := &agent.Log[i]
			if a.Kind == ActivityToolkit && a.Status == ActivityRunning &&
				a.Toolkit == d.ToolkitName && a.Method == d.MethodName {
				a.Status = ActivityCompleted
				a.Result = d.Message
				return true
			}
		}
		entry.Kind = ActivityToolkit
		entry.Toolkit = d.ToolkitName
		entry.Method = d.MethodName
		entry.Result = d.Message
		entry.Message = ""
	case StepTerminal:
		entry.Kind = ActivityTerminal
		if d.Output != "" {
			entry.Message = d.Output
		}
	case StepWriteFile:
		entry.Kind = ActivityWriteFile
		entry.Message = d.FilePath
		if d.FilePath != "" && !contains(t.Artifacts, d.FilePath) {
			t.Artifacts = append(t.Artifacts, d.FilePath)
		}
	case StepNotice:
		entry.Kind = ActivityNotice
	}
	agent.Log = append(agent.Log, entry)
	return true
}

func (tl *Timeline) onBlocked(t *Task, step Step, msg string) {
	notice := msg
	if step == StepContextTooLong {
		t.IsContextExceeded = true
		if notice == "" {
			notice = DefaultContextNotice
		}
	} else if notice == "" {
		notice = DefaultBudgetNotice
	}
	t.Notice = notice
	if t.Status == StatusRunning || t.Status == StatusPending {
		t.Status = StatusPaused
	}
	t.IsPending = false
	tl.stopClock(t)
	tl.cancelConfirm()
	tl.cancelSkip()
	tl.appendMessage(t, Message{Role: RoleAgent, Content: notice, Step: step})
}

func (tl *Timeline) onError(t *Task, msg string) {
	t.Status = StatusPending
	t.IsPending = false
	tl.stopClock(t)
	tl.appendMessage(t, Message{Role: RoleAgent, Content: msg, Step: StepError})
}

func (tl *Timeline) onEnd(t *Task, ev Event, ac ApplyContext, fx *Effects) {
	tl.stopClock(t)
	tl.cancelConfirm()
	tl.cancelSkip()

	if ac.Origin == OriginHuman && t.Kind == KindNormal {
		skipUnfinished(t)
	}

	raw := ev.RawText()
	summary := raw
	if m := summaryMarker.FindStringSubmatch(raw); m != nil {
		summary = strings.TrimSpace(m[1])
	} else if s, ok := lastSummary(t); ok {
		summary = s
	}

	tl.appendMessage(t, Message{Role: RoleAgent, Content: summary, Step: StepEnd})
	t.Status = StatusFinished
	t.IsPending = false
	t.ActiveAskingAgent = ""
	t.PendingAskQueue = nil
	for i := range t.Agents {
		t.Agents[i].Active = false
	}

	fx.Finished = true
	fx.Summary = summary
	fx.Artifacts = append([]string(nil), t.Artifacts...)
}

func skipUnfinished(t *Task) {
	skip := func(s SubTaskStatus) bool { return s == SubTaskRunning || s == SubTaskWaiting }
	for i := range t.RunningSubTasks {
		if skip(t.RunningSubTasks[i].Status) {
			t.RunningSubTasks[i].Status = SubTaskSkipped
		}
	}
	for i := range t.Agents {
		for j := range t.Agents[i].Tasks {
			st := &t.Agents[i].Tasks[j]
			if !st.Reassigned && skip(st.Status) {
				st.Status = SubTaskSkipped
			}
		}
	}
}

func lastSummary(t *Task) (string, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		m := t.Messages[i]
		if m.Role == RoleAgent && m.Step == StepSummary {
			return m.Content, true
		}
	}
	return "", false
}

func newID() string { return uuid.NewString() }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
