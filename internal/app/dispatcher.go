// Package app connects the execution subscription channel, the trigger task
// queue and the orchestrator: triggered executions are queued per project,
// dispatched when the project is idle, and their outcome is reported back
// when the session ends.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/subscription"
	"github.com/p-blackswan/taskpilot/internal/timeline"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// Orchestrator is the part of the orchestrator the dispatcher drives.
type Orchestrator interface {
	ActiveProjectID() string
	Project(projectID string) (orchestrator.ProjectView, error)
	CreateProject(name string, opts ...orchestrator.ProjectOption) string
	Submit(ctx context.Context, in orchestrator.Input) (orchestrator.Result, error)
	RemoveTriggerMessage(projectID, taskID string) error
	Stop(ctx context.Context, projectID string) (bool, error)
	Subscribe(fn func(orchestrator.Change)) func()
}

// dispatched is the trigger task a project is currently running and the
// session serving it.
type dispatched struct {
	taskID    string
	threadID  string
	sessionID string
}

// Dispatcher implements subscription.Handler.
type Dispatcher struct {
	orch   Orchestrator
	queue  *trigger.Queue
	logger zerolog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          conc.WaitGroup
	unsubscribe func()

	// dispatchMu serializes dispatching and session-end handling so a
	// session that ends quickly is never seen before it is recorded.
	dispatchMu sync.Mutex
	inflight   map[string]dispatched // project id -> running trigger task
}

var _ subscription.Handler = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher and subscribes it to orchestrator
// changes.
func NewDispatcher(orch Orchestrator, queue *trigger.Queue, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		orch:     orch,
		queue:    queue,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]dispatched),
	}
	d.unsubscribe = orch.Subscribe(d.onChange)
	return d
}

// Close stops dispatching and waits for in-flight work.
func (d *Dispatcher) Close() {
	d.unsubscribe()
	d.cancel()
	d.wg.Wait()
}

// ExecutionCreated queues a triggered execution for its project and tries
// to dispatch it.
func (d *Dispatcher) ExecutionCreated(_ context.Context, ev subscription.ExecutionCreated) {
	projectID := d.targetProject(ev)

	t, err := d.queue.Enqueue(trigger.TriggeredTask{
		TriggerID:       ev.TriggerID,
		TriggerName:     ev.TriggerName,
		TaskPrompt:      ev.TaskPrompt,
		ExecutionID:     ev.ExecutionID,
		TriggerType:     trigger.Type(ev.TriggerType),
		TargetProjectID: projectID,
		InputPayload:    ev.InputPayload,
		Timestamp:       ev.Timestamp,
	})
	if errors.Is(err, trigger.ErrDuplicate) {
		d.logger.Debug().Str("execution_id", ev.ExecutionID).Msg("execution already queued")
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str("execution_id", ev.ExecutionID).Msg("failed to queue execution")
		return
	}
	d.kick(t.TargetProjectID)
}

// ExecutionUpdated handles upstream cancellation. A waiting task is dropped;
// a running one is stopped and reported when its session ends.
func (d *Dispatcher) ExecutionUpdated(_ context.Context, ev subscription.ExecutionUpdated) {
	if trigger.ExecutionStatus(ev.Status) != trigger.ExecutionCancelled {
		return
	}
	for _, t := range d.queue.Pending() {
		if t.ExecutionID != ev.ExecutionID {
			continue
		}
		if !t.Running {
			_ = d.queue.Complete(t.ID)
			d.logger.Info().Str("execution_id", ev.ExecutionID).Str("task_id", t.ID).Msg("queued execution cancelled upstream")
			return
		}
		projectID := t.TargetProjectID
		d.wg.Go(func() {
			if _, err := d.orch.Stop(d.ctx, projectID); err != nil {
				d.logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to stop cancelled execution")
			}
		})
		return
	}
}

// Surfaced logs a channel failure the channel will not recover from by
// itself.
func (d *Dispatcher) Surfaced(err error) {
	l := d.logger.Error().Err(err)
	if perrors.IsAuth(err) {
		l = l.Bool("auth", true)
	}
	l.Msg("subscription channel needs attention")
}

// targetProject resolves where a triggered execution runs: its own project
// (created if this client has not seen it yet), else the active project,
// else a new one.
func (d *Dispatcher) targetProject(ev subscription.ExecutionCreated) string {
	if ev.ProjectID != "" {
		if _, err := d.orch.Project(ev.ProjectID); err == nil {
			return ev.ProjectID
		}
		return d.orch.CreateProject(ev.TriggerName, orchestrator.WithProjectID(ev.ProjectID))
	}
	if id := d.orch.ActiveProjectID(); id != "" {
		return id
	}
	return d.orch.CreateProject(ev.TriggerName)
}

func (d *Dispatcher) kick(projectID string) {
	if d.ctx.Err() != nil {
		return
	}
	d.wg.Go(func() { d.dispatch(projectID) })
}

// dispatch submits the next waiting task of projectID, if the project can
// take one.
func (d *Dispatcher) dispatch(projectID string) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	d.dispatchLocked(projectID)
}

func (d *Dispatcher) dispatchLocked(projectID string) {
	if d.ctx.Err() != nil {
		return
	}
	t := d.queue.Dequeue(projectID)
	if t == nil {
		return
	}
	logger := d.logger.With().Str("project_id", projectID).Str("task_id", t.ID).Str("execution_id", t.ExecutionID).Logger()

	res, err := d.orch.Submit(d.ctx, orchestrator.Input{
		ProjectID: projectID,
		Content:   t.FormattedMessage,
		Origin:    timeline.OriginTrigger,
	})
	switch {
	case errors.Is(err, perrors.ErrUnavailable):
		_ = d.queue.Restore(t.ID)
		return
	case err != nil:
		logger.Warn().Err(err).Msg("triggered task could not start")
		local := "trigger:" + t.ID
		d.queue.RegisterExecutionMapping(trigger.ExecutionMapping{
			LocalTaskID:   local,
			ExecutionID:   t.ExecutionID,
			TriggerTaskID: t.ID,
			ProjectID:     projectID,
		})
		d.queue.ReportStatus(d.ctx, local, trigger.ExecutionFailed, err.Error())
		_ = d.queue.Complete(t.ID)
		d.kick(projectID)
		return
	case res.Outcome == orchestrator.OutcomeQueued:
		// The thread turned busy between Dequeue and Submit.
		_ = d.orch.RemoveTriggerMessage(projectID, res.TaskID)
		_ = d.queue.Restore(t.ID)
		return
	}

	d.queue.RegisterExecutionMapping(trigger.ExecutionMapping{
		LocalTaskID:   res.ThreadID,
		ExecutionID:   t.ExecutionID,
		TriggerTaskID: t.ID,
		ProjectID:     projectID,
	})
	if res.SessionID == "" {
		// A reply with no live stream behind it: nothing left to wait for.
		logger.Info().Str("thread_id", res.ThreadID).Str("outcome", string(res.Outcome)).Msg("triggered task delivered")
		d.queue.ReportStatus(d.ctx, res.ThreadID, trigger.ExecutionCompleted, "")
		_ = d.queue.Complete(t.ID)
		d.kick(projectID)
		return
	}
	d.inflight[projectID] = dispatched{taskID: t.ID, threadID: res.ThreadID, sessionID: res.SessionID}
	logger.Info().Str("thread_id", res.ThreadID).Str("session_id", res.SessionID).Str("outcome", string(res.Outcome)).Msg("triggered task dispatched")
}

func (d *Dispatcher) onChange(c orchestrator.Change) {
	if d.ctx.Err() != nil {
		return
	}
	switch c.Kind {
	case orchestrator.ChangeSessionEnded:
		d.wg.Go(func() { d.sessionEnded(c) })
	case orchestrator.ChangeProjectRemoved:
		d.wg.Go(func() { d.projectRemoved(c.ProjectID) })
	}
}

// sessionEnded reports the trigger task the session served, if any, and
// dispatches the project's next task. Other sessions of the project, such as
// a human one whose stream outlived its end event, leave the trigger task
// running.
func (d *Dispatcher) sessionEnded(c orchestrator.Change) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if inf, ok := d.inflight[c.ProjectID]; ok {
		if inf.sessionID != c.SessionID {
			d.logger.Debug().Str("project_id", c.ProjectID).Str("session_id", c.SessionID).Msg("session ended while a triggered task runs")
			return
		}
		delete(d.inflight, c.ProjectID)
		status, reason := executionStatus(c)
		d.queue.ReportStatus(d.ctx, inf.threadID, status, reason)
		_ = d.queue.Complete(inf.taskID)
	}
	d.dispatchLocked(c.ProjectID)
}

func (d *Dispatcher) projectRemoved(projectID string) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if inf, ok := d.inflight[projectID]; ok {
		delete(d.inflight, projectID)
		d.queue.ReportStatus(d.ctx, inf.threadID, trigger.ExecutionCancelled, "project removed")
		_ = d.queue.Complete(inf.taskID)
	}
	for _, t := range d.queue.Pending() {
		if t.TargetProjectID == projectID && !t.Running {
			_ = d.queue.Cancel(d.ctx, t.ID, "project removed")
		}
	}
}

// executionStatus maps a session result to the status reported upstream.
func executionStatus(c orchestrator.Change) (trigger.ExecutionStatus, string) {
	switch c.Result {
	case orchestrator.ResultFinished, orchestrator.ResultAnswered:
		return trigger.ExecutionCompleted, ""
	case orchestrator.ResultStopped:
		return trigger.ExecutionCancelled, "stopped"
	case orchestrator.ResultDetached:
		return trigger.ExecutionFailed, "session ended without a result"
	default:
		reason := c.Reason
		if reason == "" {
			reason = "task failed"
		}
		return trigger.ExecutionFailed, reason
	}
}
