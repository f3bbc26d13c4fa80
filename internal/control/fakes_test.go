package control

import (
	"context"
	"fmt"
	"sync"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/subscription"
	"github.com/p-blackswan/taskpilot/internal/timeline"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// fakeOrchestrator keeps projects in memory and records control calls.
type fakeOrchestrator struct {
	mu       sync.Mutex
	projects map[string]*orchestrator.ProjectView
	threads  map[string]*timeline.Timeline
	order    []string
	activeID string
	seq      int
	calls    []string
	inputs   []orchestrator.Input
	queued   map[string][]string

	submitErr error
	pauseErr  error
	degraded  bool
	replayErr error
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		projects: make(map[string]*orchestrator.ProjectView),
		threads:  make(map[string]*timeline.Timeline),
		queued:   make(map[string][]string),
	}
}

func (f *fakeOrchestrator) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeOrchestrator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeOrchestrator) Projects() []orchestrator.ProjectView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.ProjectView, 0, len(f.order))
	for _, id := range f.order {
		v := *f.projects[id]
		v.Active = id == f.activeID
		out = append(out, v)
	}
	return out
}

func (f *fakeOrchestrator) Project(id string) (orchestrator.ProjectView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return orchestrator.ProjectView{}, fmt.Errorf("project %s: %w", id, perrors.ErrNotFound)
	}
	v := *p
	v.Active = id == f.activeID
	return v, nil
}

func (f *fakeOrchestrator) newThreadLocked() string {
	f.seq++
	id := fmt.Sprintf("thread-%d", f.seq)
	f.threads[id] = timeline.New(id, timeline.KindNormal, timeline.Options{})
	return id
}

func (f *fakeOrchestrator) CreateProject(name string, opts ...orchestrator.ProjectOption) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("proj-%d", f.seq)
	if len(opts) > 0 {
		id = "explicit"
	}
	tid := f.newThreadLocked()
	if name == "" {
		name = "Project"
	}
	f.projects[id] = &orchestrator.ProjectView{ID: id, Name: name, ActiveThreadID: tid}
	f.order = append(f.order, id)
	f.activeID = id
	return id
}

func (f *fakeOrchestrator) RemoveProject(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return fmt.Errorf("project %s: %w", id, perrors.ErrNotFound)
	}
	delete(f.projects, id)
	for i, pid := range f.order {
		if pid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeOrchestrator) SetActiveProject(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return fmt.Errorf("project %s: %w", id, perrors.ErrNotFound)
	}
	f.activeID = id
	return nil
}

func (f *fakeOrchestrator) AppendThread(projectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return "", fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	tid := f.newThreadLocked()
	p.ActiveThreadID = tid
	return tid, nil
}

func (f *fakeOrchestrator) SetActiveThread(projectID, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	if _, ok := f.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, perrors.ErrNotFound)
	}
	p.ActiveThreadID = threadID
	return nil
}

func (f *fakeOrchestrator) Thread(projectID, threadID string) (*timeline.Timeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	tl, ok := f.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, perrors.ErrNotFound)
	}
	return tl, nil
}

func (f *fakeOrchestrator) Submit(_ context.Context, in orchestrator.Input) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.submitErr != nil {
		return orchestrator.Result{}, f.submitErr
	}
	if in.Content == "" {
		return orchestrator.Result{}, perrors.ErrEmptyInput
	}
	p, ok := f.projects[in.ProjectID]
	if !ok {
		return orchestrator.Result{}, perrors.ErrNoActiveProject
	}
	return orchestrator.Result{Outcome: orchestrator.OutcomeStarted, ProjectID: p.ID, ThreadID: p.ActiveThreadID}, nil
}

func (f *fakeOrchestrator) Pause(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause " + projectID)
	return f.pauseErr
}

func (f *fakeOrchestrator) Resume(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume " + projectID)
	return nil
}

func (f *fakeOrchestrator) Stop(_ context.Context, projectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop " + projectID)
	return f.degraded, nil
}

func (f *fakeOrchestrator) Confirm(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("confirm " + projectID)
	return timeline.ErrNothingToConfirm
}

func (f *fakeOrchestrator) EditProposals(projectID string, proposals []timeline.Proposal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("proposals %s %d", projectID, len(proposals)))
	return nil
}

func (f *fakeOrchestrator) EnqueueTriggerMessage(projectID, content string, _ []timeline.Attachment, origin timeline.Origin) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return "", fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	id := fmt.Sprintf("q-%d", len(f.queued[projectID])+1)
	f.queued[projectID] = append(f.queued[projectID], id)
	f.record(fmt.Sprintf("enqueue %s %s %s", projectID, origin, content))
	return id, nil
}

func (f *fakeOrchestrator) RemoveTriggerMessage(projectID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.queued[projectID] {
		if id == taskID {
			f.queued[projectID] = append(f.queued[projectID][:i], f.queued[projectID][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("queued task %s: %w", taskID, perrors.ErrNotFound)
}

func (f *fakeOrchestrator) Replay(_ context.Context, threadIDs []string, label, projectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(threadIDs) == 0 {
		return "", fmt.Errorf("replay needs at least one thread: %w", perrors.ErrInvalidInput)
	}
	if projectID == "" {
		projectID = orchestrator.ReplayProjectID(label)
	}
	return projectID, f.replayErr
}

type fakeSubscription struct {
	mu         sync.Mutex
	state      subscription.State
	reconnects int
	err        error
}

func (s *fakeSubscription) State() subscription.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSubscription) AuthFailed() bool { return false }

func (s *fakeSubscription) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	if s.err != nil {
		return s.err
	}
	s.state = subscription.StateConnected
	return nil
}

type fakeTriggers map[string][]trigger.Config

func (f fakeTriggers) Get(_ context.Context, projectID string) ([]trigger.Config, error) {
	return f[projectID], nil
}

type fakeQueue []trigger.TriggeredTask

func (f fakeQueue) Pending() []trigger.TriggeredTask { return f }

func (f fakeQueue) Projects() []string {
	var out []string
	for _, t := range f {
		if !t.Running {
			out = append(out, t.TargetProjectID)
		}
	}
	return out
}
