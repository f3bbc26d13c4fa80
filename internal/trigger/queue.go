package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/clock"
	"github.com/p-blackswan/taskpilot/internal/metrics"
)

var (
	ErrTaskNotFound = errors.New("triggered task not found")
	ErrDuplicate    = errors.New("execution already queued")
)

// BusyFunc reports whether a project's active thread is busy.
type BusyFunc func(projectID string) bool

// QueueOptions configures a Queue.
type QueueOptions struct {
	Busy     BusyFunc
	Reporter Reporter
	Failures FailureRecorder
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Queue is the per-project FIFO of triggered tasks. A project has at most
// one task marked running at a time.
type Queue struct {
	mu       sync.Mutex
	tasks    []*TriggeredTask
	running  map[string]string // project id -> task id
	mappings map[string]*ExecutionMapping
	byLocal  map[string]string // local task id -> execution id

	busy     BusyFunc
	reporter Reporter
	failures FailureRecorder
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewQueue creates an empty queue.
func NewQueue(opts QueueOptions) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Busy == nil {
		opts.Busy = func(string) bool { return false }
	}
	return &Queue{
		running:  make(map[string]string),
		mappings: make(map[string]*ExecutionMapping),
		byLocal:  make(map[string]string),
		busy:     opts.Busy,
		reporter: opts.Reporter,
		failures: opts.Failures,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.With().Str("component", "trigger_queue").Logger(),
	}
}

// Enqueue formats and appends t. A task for an execution already in the
// queue is rejected with ErrDuplicate, since executions may be redelivered
// after a reconnect.
func (q *Queue) Enqueue(t TriggeredTask) (TriggeredTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ExecutionID != "" {
		for _, existing := range q.tasks {
			if existing.ExecutionID == t.ExecutionID {
				return *existing, ErrDuplicate
			}
		}
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = q.clock.Now()
	}
	t.Running = false
	t.FormattedMessage = Format(t)

	stored := t
	q.tasks = append(q.tasks, &stored)
	q.observe("enqueued")
	q.logger.Info().
		Str("task_id", t.ID).
		Str("execution_id", t.ExecutionID).
		Str("project_id", t.TargetProjectID).
		Str("trigger", t.TriggerName).
		Msg("triggered task queued")
	return t, nil
}

// Dequeue returns the oldest waiting task for projectID and marks it running.
// It returns nil while another task for the project is running or while the
// project's active thread is busy.
func (q *Queue) Dequeue(projectID string) *TriggeredTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[projectID]; ok {
		return nil
	}
	var next *TriggeredTask
	for _, t := range q.tasks {
		if t.TargetProjectID == projectID && !t.Running {
			next = t
			break
		}
	}
	if next == nil {
		return nil
	}
	if q.busy(projectID) {
		return nil
	}
	next.Running = true
	q.running[projectID] = next.ID
	q.observe("dequeued")

	out := *next
	return &out
}

// Restore puts a running task back to waiting, keeping its position. Used
// when dispatching a dequeued task fails.
func (q *Queue) Restore(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.find(taskID)
	if t == nil {
		return ErrTaskNotFound
	}
	if t.Running {
		t.Running = false
		delete(q.running, t.TargetProjectID)
	}
	q.observe("restored")
	return nil
}

// Complete removes a finished task and frees its project's running slot.
func (q *Queue) Complete(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.remove(taskID) == nil {
		return ErrTaskNotFound
	}
	q.observe("completed")
	return nil
}

// Cancel removes taskID and reports the cancellation upstream. The removal
// stands even if the report fails.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) error {
	q.mu.Lock()
	t := q.remove(taskID)
	q.mu.Unlock()
	if t == nil {
		return ErrTaskNotFound
	}
	q.observe("cancelled")

	if t.ExecutionID == "" || q.reporter == nil {
		return nil
	}
	if err := q.reporter.UpdateExecution(ctx, t.ExecutionID, ExecutionCancelled, reason); err != nil {
		q.logger.Warn().Err(err).Str("execution_id", t.ExecutionID).Msg("cancellation report failed")
		q.recordFailure(ctx, "trigger_status", t.ExecutionID, err)
	}
	return nil
}

// RegisterExecutionMapping links a local task to its execution.
func (q *Queue) RegisterExecutionMapping(m ExecutionMapping) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored := m
	q.mappings[m.ExecutionID] = &stored
	if m.LocalTaskID != "" {
		q.byLocal[m.LocalTaskID] = m.ExecutionID
	}
}

// Mapping returns the mapping for an execution.
func (q *Queue) Mapping(executionID string) (ExecutionMapping, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.mappings[executionID]
	if !ok {
		return ExecutionMapping{}, false
	}
	return *m, true
}

// ReportStatus reports a terminal status for the execution behind
// localTaskID. Each execution is reported once; later calls are no-ops.
// Failures are logged and recorded, never returned.
func (q *Queue) ReportStatus(ctx context.Context, localTaskID string, status ExecutionStatus, reason string) {
	q.mu.Lock()
	id, ok := q.byLocal[localTaskID]
	var m *ExecutionMapping
	if ok {
		m = q.mappings[id]
	}
	if m == nil || m.Reported {
		q.mu.Unlock()
		return
	}
	m.Reported = true
	executionID := m.ExecutionID
	q.mu.Unlock()

	if q.reporter == nil {
		return
	}
	if err := q.reporter.UpdateExecution(ctx, executionID, status, reason); err != nil {
		q.mu.Lock()
		m.Reported = false
		q.mu.Unlock()
		q.logger.Warn().Err(err).Str("execution_id", executionID).Str("status", string(status)).Msg("execution status report failed")
		q.recordFailure(ctx, "trigger_status", executionID, err)
		return
	}
	q.logger.Info().Str("execution_id", executionID).Str("status", string(status)).Msg("execution status reported")
}

// Pending returns a copy of every queued task in order.
func (q *Queue) Pending() []TriggeredTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TriggeredTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Projects returns the ids of projects with waiting tasks.
func (q *Queue) Projects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range q.tasks {
		if !t.Running && !seen[t.TargetProjectID] {
			seen[t.TargetProjectID] = true
			out = append(out, t.TargetProjectID)
		}
	}
	return out
}

// RunningTask returns the id of the task running for projectID.
func (q *Queue) RunningTask(projectID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.running[projectID]
	return id, ok
}

// Len returns the number of tasks held, running ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) find(taskID string) *TriggeredTask {
	for _, t := range q.tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

func (q *Queue) remove(taskID string) *TriggeredTask {
	for i, t := range q.tasks {
		if t.ID != taskID {
			continue
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		if q.running[t.TargetProjectID] == t.ID {
			delete(q.running, t.TargetProjectID)
		}
		return t
	}
	return nil
}

// observe must be called with q.mu held.
func (q *Queue) observe(event string) {
	if q.metrics == nil {
		return
	}
	q.metrics.RecordTrigger(event)
	q.metrics.SetTriggerQueueDepth(len(q.tasks))
}

func (q *Queue) recordFailure(ctx context.Context, kind, subject string, err error) {
	if q.failures != nil {
		q.failures.Record(ctx, kind, subject, fmt.Errorf("%s: %w", kind, err))
	}
}
