// Package orchestrator is the registry of projects and their threads. It
// owns thread creation, active-thread selection, the per-project input
// queue and the streaming sessions that feed events into each thread.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/p-blackswan/taskpilot/internal/clock"
	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/metrics"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// Options are the orchestrator's collaborators and settings.
type Options struct {
	Backend   Backend
	Runtime   Runtime
	Artifacts Artifacts
	Failures  FailureRecorder
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    zerolog.Logger
	Model     Model

	// Zero selects the 30 s default; a negative value disables the timer.
	AutoConfirmAfter time.Duration
	AutoSkipAfter    time.Duration
	PlaybackDelay    time.Duration
}

// Orchestrator is the project/thread registry.
type Orchestrator struct {
	backend   Backend
	runtime   Runtime
	artifacts Artifacts
	failures  FailureRecorder
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    zerolog.Logger
	model     Model

	autoConfirmAfter time.Duration
	autoSkipAfter    time.Duration
	playbackDelay    time.Duration

	mu       sync.RWMutex
	projects map[string]*Project
	order    []string
	activeID string
	sessions map[*Session]struct{}

	// submitMu serialises the input decision up to the point where the
	// target thread is marked pending.
	submitMu sync.Mutex

	lmu          sync.Mutex
	listeners    map[int]func(Change)
	nextListener int

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New creates an empty registry.
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	o := &Orchestrator{
		backend:          opts.Backend,
		runtime:          opts.Runtime,
		artifacts:        opts.Artifacts,
		failures:         opts.Failures,
		metrics:          opts.Metrics,
		clock:            opts.Clock,
		logger:           opts.Logger.With().Str("component", "orchestrator").Logger(),
		model:            opts.Model,
		autoConfirmAfter: orDefault(opts.AutoConfirmAfter, timeline.DefaultAutoConfirmAfter),
		autoSkipAfter:    orDefault(opts.AutoSkipAfter, timeline.DefaultAutoSkipAfter),
		playbackDelay:    opts.PlaybackDelay,
		projects:         make(map[string]*Project),
		sessions:         make(map[*Session]struct{}),
		listeners:        make(map[int]func(Change)),
	}
	if o.playbackDelay <= 0 {
		o.playbackDelay = DefaultPlaybackDelay
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// Close detaches every running session and waits for background work.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// ProjectOption customises CreateProject.
type ProjectOption func(*projectOptions)

type projectOptions struct {
	id       string
	threadID string
	replay   bool
}

// WithProjectID creates the project under a caller-chosen id. An explicit id
// disables empty-project reuse.
func WithProjectID(id string) ProjectOption {
	return func(po *projectOptions) { po.id = id }
}

// AsReplay creates a replay project. Replays always allocate a fresh project
// and overwrite any project already registered under the same id.
func AsReplay() ProjectOption {
	return func(po *projectOptions) { po.replay = true }
}

func withThreadID(id string) ProjectOption {
	return func(po *projectOptions) { po.threadID = id }
}

// CreateProject registers a project with one default thread and makes it
// active. When an existing project is still empty it is renamed and reused
// instead.
func (o *Orchestrator) CreateProject(name string, opts ...ProjectOption) string {
	var po projectOptions
	for _, opt := range opts {
		opt(&po)
	}
	name = strings.TrimSpace(name)

	o.mu.Lock()
	if !po.replay && po.id == "" {
		for _, id := range o.order {
			p := o.projects[id]
			if p.Kind == ProjectNormal && p.empty() {
				p.Name = name
				o.activeID = id
				o.mu.Unlock()
				o.logger.Debug().Str("project_id", id).Msg("reusing empty project")
				o.publish(Change{Kind: ChangeProjectActive, ProjectID: id})
				return id
			}
		}
	}

	id := po.id
	if id == "" {
		id = uuid.NewString()
	}
	var removed []*timeline.Timeline
	if _, exists := o.projects[id]; exists {
		removed = o.removeLocked(id)
	}
	kind := ProjectNormal
	if po.replay {
		kind = ProjectReplay
	}
	p := &Project{
		ID:        id,
		Name:      name,
		Kind:      kind,
		CreatedAt: o.clock.Now(),
		threads:   make(map[string]*timeline.Timeline),
	}
	threadID := po.threadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	o.addThreadLocked(p, threadID)
	o.projects[id] = p
	o.order = append(o.order, id)
	o.activeID = id
	n := len(o.projects)
	o.mu.Unlock()

	o.abandon(removed)
	if o.metrics != nil {
		o.metrics.SetProjects(n)
	}
	o.logger.Info().Str("project_id", id).Str("name", name).Str("kind", string(kind)).Msg("project created")
	o.publish(Change{Kind: ChangeProjectCreated, ProjectID: id, ThreadID: threadID})
	return id
}

// addThreadLocked creates a thread in p and makes it active.
func (o *Orchestrator) addThreadLocked(p *Project, threadID string) *timeline.Timeline {
	kind := timeline.KindNormal
	if p.Kind == ProjectReplay {
		kind = timeline.KindReplay
	}
	projectID := p.ID
	tl := timeline.New(threadID, kind, timeline.Options{
		Clock:            o.clock,
		Logger:           o.logger.With().Str("project_id", projectID).Logger(),
		Hooks:            threadHooks{o: o, projectID: projectID},
		AutoConfirmAfter: o.autoConfirmAfter,
		AutoSkipAfter:    o.autoSkipAfter,
	})
	tl.Subscribe(func(timeline.Task) {
		o.publish(Change{Kind: ChangeTask, ProjectID: projectID, ThreadID: threadID})
	})
	p.threads[threadID] = tl
	p.order = append(p.order, threadID)
	p.ActiveThreadID = threadID
	return tl
}

// AppendThread adds a sibling thread to the project and makes it active.
// Existing threads are left untouched.
func (o *Orchestrator) AppendThread(projectID string) (string, error) {
	tl, err := o.appendThread(projectID, "")
	if err != nil {
		return "", err
	}
	return tl.ID(), nil
}

func (o *Orchestrator) appendThread(projectID, threadID string) (*timeline.Timeline, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	if _, dup := p.threads[threadID]; dup {
		o.mu.Unlock()
		return nil, fmt.Errorf("thread %s already exists: %w", threadID, perrors.ErrInvalidInput)
	}
	tl := o.addThreadLocked(p, threadID)
	o.mu.Unlock()

	o.logger.Debug().Str("project_id", projectID).Str("thread_id", threadID).Msg("thread appended")
	o.publish(Change{Kind: ChangeThreadAdded, ProjectID: projectID, ThreadID: threadID})
	return tl, nil
}

// SetActiveThread selects the thread that receives new input.
func (o *Orchestrator) SetActiveThread(projectID, threadID string) error {
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	if _, ok := p.threads[threadID]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("thread %s: %w", threadID, perrors.ErrNotFound)
	}
	p.ActiveThreadID = threadID
	o.mu.Unlock()
	o.publish(Change{Kind: ChangeThreadActive, ProjectID: projectID, ThreadID: threadID})
	return nil
}

// SetActiveProject selects the active project.
func (o *Orchestrator) SetActiveProject(projectID string) error {
	o.mu.Lock()
	if _, ok := o.projects[projectID]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	o.activeID = projectID
	o.mu.Unlock()
	o.publish(Change{Kind: ChangeProjectActive, ProjectID: projectID})
	return nil
}

// RemoveProject drops a project and detaches its sessions. Removing the
// active project falls back to the most recently created remaining one.
func (o *Orchestrator) RemoveProject(projectID string) error {
	o.mu.Lock()
	if _, ok := o.projects[projectID]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	removed := o.removeLocked(projectID)
	n := len(o.projects)
	active := o.activeID
	o.mu.Unlock()

	o.abandon(removed)
	if o.metrics != nil {
		o.metrics.SetProjects(n)
	}
	o.logger.Info().Str("project_id", projectID).Str("active", active).Msg("project removed")
	o.publish(Change{Kind: ChangeProjectRemoved, ProjectID: projectID})
	return nil
}

// removeLocked unregisters the project and returns its threads. Sessions on
// those threads are detached.
func (o *Orchestrator) removeLocked(projectID string) []*timeline.Timeline {
	p := o.projects[projectID]
	delete(o.projects, projectID)
	for i, id := range o.order {
		if id == projectID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	if o.activeID == projectID {
		o.activeID = ""
		if n := len(o.order); n > 0 {
			o.activeID = o.order[n-1]
		}
	}
	for s := range o.sessions {
		if s.projectID == projectID {
			s.detach()
		}
	}
	out := make([]*timeline.Timeline, 0, len(p.threads))
	for _, tl := range p.threads {
		out = append(out, tl)
	}
	return out
}

func (o *Orchestrator) abandon(tls []*timeline.Timeline) {
	for _, tl := range tls {
		tl.Abandon()
	}
}

// ActiveProjectID returns the active project id, or "" when there is none.
func (o *Orchestrator) ActiveProjectID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeID
}

// Projects returns views of every project in creation order.
func (o *Orchestrator) Projects() []ProjectView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ProjectView, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.viewLocked(o.projects[id]))
	}
	return out
}

// Project returns a view of one project.
func (o *Orchestrator) Project(projectID string) (ProjectView, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.projects[projectID]
	if !ok {
		return ProjectView{}, fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	return o.viewLocked(p), nil
}

func (o *Orchestrator) viewLocked(p *Project) ProjectView {
	v := ProjectView{
		ID:             p.ID,
		Name:           p.Name,
		Kind:           p.Kind,
		HistoryID:      p.HistoryID,
		CreatedAt:      p.CreatedAt,
		ActiveThreadID: p.ActiveThreadID,
		Active:         p.ID == o.activeID,
		Queue:          append([]QueuedMessage(nil), p.queue...),
	}
	for _, id := range p.order {
		v.Threads = append(v.Threads, p.threads[id].Snapshot())
	}
	return v
}

// Thread returns a thread's timeline.
func (o *Orchestrator) Thread(projectID, threadID string) (*timeline.Timeline, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	tl, ok := p.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, perrors.ErrNotFound)
	}
	return tl, nil
}

// active resolves a project id ("" meaning the active project) to the
// project and its active thread.
func (o *Orchestrator) active(projectID string) (*Project, *timeline.Timeline, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if projectID == "" {
		projectID = o.activeID
	}
	if projectID == "" {
		return nil, nil, perrors.ErrNoActiveProject
	}
	p, ok := o.projects[projectID]
	if !ok {
		return nil, nil, fmt.Errorf("project %s: %w", projectID, perrors.ErrNoActiveProject)
	}
	tl, ok := p.threads[p.ActiveThreadID]
	if !ok {
		return p, nil, perrors.ErrNoActiveThread
	}
	return p, tl, nil
}

// Busy applies the busy predicate to the project's active thread. Unknown
// projects are not busy.
func (o *Orchestrator) Busy(projectID string) bool {
	_, tl, err := o.active(projectID)
	if err != nil || tl == nil {
		return false
	}
	return tl.Busy()
}

// --- project input queue ---

// EnqueueTriggerMessage appends input to the project's queue and returns its
// task id.
func (o *Orchestrator) EnqueueTriggerMessage(projectID, content string, attachments []timeline.Attachment, origin timeline.Origin) (string, error) {
	if origin == "" {
		origin = timeline.OriginHuman
	}
	msg := QueuedMessage{
		TaskID:      ulid.Make().String(),
		Content:     content,
		Timestamp:   o.clock.Now(),
		Attachments: append([]timeline.Attachment(nil), attachments...),
		Origin:      origin,
	}
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	p.queue = append(p.queue, msg)
	o.mu.Unlock()

	o.logger.Info().Str("project_id", projectID).Str("task_id", msg.TaskID).Msg("input queued")
	o.publish(Change{Kind: ChangeQueue, ProjectID: projectID})
	return msg.TaskID, nil
}

// DequeueTriggerMessage pops the oldest queued input.
func (o *Orchestrator) DequeueTriggerMessage(projectID string) (QueuedMessage, bool) {
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok || len(p.queue) == 0 {
		o.mu.Unlock()
		return QueuedMessage{}, false
	}
	msg := p.queue[0]
	p.queue = p.queue[1:]
	o.mu.Unlock()
	o.publish(Change{Kind: ChangeQueue, ProjectID: projectID})
	return msg, true
}

// RestoreTriggerMessage puts a dequeued input back at the head of the queue.
// Used to roll back a dispatch that failed.
func (o *Orchestrator) RestoreTriggerMessage(projectID string, msg QueuedMessage) error {
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrNotFound)
	}
	p.queue = append([]QueuedMessage{msg}, p.queue...)
	o.mu.Unlock()
	o.publish(Change{Kind: ChangeQueue, ProjectID: projectID})
	return nil
}

// RemoveTriggerMessage drops a queued input by task id.
func (o *Orchestrator) RemoveTriggerMessage(projectID, taskID string) error {
	if !o.removeQueued(projectID, taskID) {
		return fmt.Errorf("queued task %s: %w", taskID, perrors.ErrNotFound)
	}
	if o.backend != nil {
		if err := o.backend.RemoveTask(o.ctx, projectID, taskID); err != nil {
			o.sideEffectFailed(o.ctx, "remove_task", projectID, err)
		}
	}
	return nil
}

func (o *Orchestrator) removeQueued(projectID, taskID string) bool {
	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	found := false
	for i, m := range p.queue {
		if m.TaskID == taskID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			found = true
			break
		}
	}
	o.mu.Unlock()
	if found {
		o.publish(Change{Kind: ChangeQueue, ProjectID: projectID})
	}
	return found
}

func (o *Orchestrator) queued(projectID, taskID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.projects[projectID]
	if !ok {
		return false
	}
	for _, m := range p.queue {
		if m.TaskID == taskID {
			return true
		}
	}
	return false
}

// --- notifications ---

// Subscribe registers fn for project-level change notifications. The
// returned function removes the subscription. fn must not block.
func (o *Orchestrator) Subscribe(fn func(Change)) func() {
	o.lmu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	o.lmu.Unlock()
	return func() {
		o.lmu.Lock()
		delete(o.listeners, id)
		o.lmu.Unlock()
	}
}

func (o *Orchestrator) publish(c Change) {
	o.lmu.Lock()
	fns := make([]func(Change), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// sideEffectFailed logs and records a swallowed best-effort failure.
func (o *Orchestrator) sideEffectFailed(ctx context.Context, kind, subject string, err error) {
	o.logger.Warn().Err(err).Str("kind", kind).Str("subject", subject).Msg("best-effort call failed")
	if o.failures != nil {
		o.failures.Record(ctx, kind, subject, err)
	}
}
