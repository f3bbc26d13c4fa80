package timeline

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/clock"
)

// Default auto-advance delays for unattended confirmation and questions.
const (
	DefaultAutoConfirmAfter = 30 * time.Second
	DefaultAutoSkipAfter    = 30 * time.Second
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNothingToConfirm  = errors.New("no proposal awaiting confirmation")
	ErrNoOpenQuestion    = errors.New("no open question")
)

// Hooks receives the side effects of timers that fire on their own. Calls are
// made outside the Timeline lock.
type Hooks interface {
	AutoConfirmed(threadID string, proposals []Proposal)
	AutoSkipped(threadID, agent string)
}

// Options configures a Timeline.
type Options struct {
	Clock            clock.Clock
	Logger           zerolog.Logger
	Hooks            Hooks
	AutoConfirmAfter time.Duration
	AutoSkipAfter    time.Duration
}

// Continuation is the outcome of the multi-turn continuation decision.
type Continuation int

const (
	// StartNew opens a new streaming session on the same thread.
	StartNew Continuation = iota
	// Improve continues the finished conversation through the improve endpoint.
	Improve
)

func (c Continuation) String() string {
	if c == Improve {
		return "improve"
	}
	return "start"
}

// Timeline owns one thread's Task and everything that mutates it.
type Timeline struct {
	id     string
	clock  clock.Clock
	hooks  Hooks
	logger zerolog.Logger

	autoConfirmAfter time.Duration
	autoSkipAfter    time.Duration

	mu           sync.Mutex
	task         *Task
	confirmTimer clock.Timer
	confirmGen   uint64
	confirming   bool
	skipTimer    clock.Timer
	skipGen      uint64

	lmu          sync.Mutex
	listeners    map[int]func(Task)
	nextListener int
}

// New creates a Timeline whose task is in its default state.
func New(id string, kind Kind, opts Options) *Timeline {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if kind == "" {
		kind = KindNormal
	}
	return &Timeline{
		id:               id,
		clock:            opts.Clock,
		hooks:            opts.Hooks,
		logger:           opts.Logger.With().Str("component", "timeline").Str("thread_id", id).Logger(),
		autoConfirmAfter: opts.AutoConfirmAfter,
		autoSkipAfter:    opts.AutoSkipAfter,
		task:             newTask(id, kind),
		listeners:        make(map[int]func(Task)),
	}
}

// ID returns the thread id.
func (tl *Timeline) ID() string { return tl.id }

// SetHooks replaces the timer hooks. Used by the orchestrator, which is
// constructed after the timelines it owns in some replay paths.
func (tl *Timeline) SetHooks(h Hooks) {
	tl.mu.Lock()
	tl.hooks = h
	tl.mu.Unlock()
}

// Snapshot returns a deep copy of the current task.
func (tl *Timeline) Snapshot() Task {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.task.clone()
}

// Busy evaluates the busy predicate against the current state.
func (tl *Timeline) Busy() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.task.Busy()
}

// IsDefault reports whether the task is still freshly created.
func (tl *Timeline) IsDefault() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.task.IsDefault()
}

// Elapsed returns the accounted run time as of now.
func (tl *Timeline) Elapsed() time.Duration {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.task.Elapsed(tl.clock.Now())
}

// NextTurn applies the multi-turn continuation decision to the current state.
func (tl *Timeline) NextTurn() Continuation {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return nextTurn(tl.task)
}

func nextTurn(t *Task) Continuation {
	if t.Kind == KindReplay || t.Kind == KindShare {
		return StartNew
	}
	if t.ManuallyStopped() {
		return StartNew
	}
	if last, ok := t.LatestAgentMessage(); ok && last.Step == StepError {
		return StartNew
	}
	if (t.Status == StatusFinished && t.HasEndMessage()) || t.SimpleAnswer {
		return Improve
	}
	return StartNew
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function removes the subscription.
func (tl *Timeline) Subscribe(fn func(Task)) func() {
	tl.lmu.Lock()
	id := tl.nextListener
	tl.nextListener++
	tl.listeners[id] = fn
	tl.lmu.Unlock()
	return func() {
		tl.lmu.Lock()
		delete(tl.listeners, id)
		tl.lmu.Unlock()
	}
}

func (tl *Timeline) hasListeners() bool {
	tl.lmu.Lock()
	defer tl.lmu.Unlock()
	return len(tl.listeners) > 0
}

func (tl *Timeline) publish(snap Task) {
	tl.lmu.Lock()
	fns := make([]func(Task), 0, len(tl.listeners))
	for _, fn := range tl.listeners {
		fns = append(fns, fn)
	}
	tl.lmu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// update runs fn under the lock and publishes a snapshot if fn reports a change.
func (tl *Timeline) update(fn func(t *Task) bool) {
	tl.mu.Lock()
	changed := fn(tl.task)
	var snap *Task
	if changed && tl.hasListeners() {
		s := tl.task.clone()
		snap = &s
	}
	tl.mu.Unlock()
	if snap != nil {
		tl.publish(*snap)
	}
}

// --- Human actions ---

// BeginTurn records new user input ahead of a streaming request. An improve
// turn moves the task straight back to running.
func (tl *Timeline) BeginTurn(content string, attachments []Attachment, mode Continuation) {
	tl.update(func(t *Task) bool {
		tl.appendMessage(t, Message{Role: RoleUser, Content: content, Attachments: attachments})
		t.IsPending = true
		t.SimpleAnswer = false
		t.Notice = ""
		if mode == Improve {
			t.Status = StatusRunning
			tl.startClock(t)
		} else if t.Status == StatusFinished {
			t.Status = StatusPending
		}
		return true
	})
}

// RequestFailed records that the streaming request for the current turn could
// not be opened. The thread returns to an idle pending state.
func (tl *Timeline) RequestFailed(reason string) {
	tl.update(func(t *Task) bool {
		t.IsPending = false
		if t.Status == StatusRunning {
			t.Status = StatusPending
		}
		tl.stopClock(t)
		tl.appendMessage(t, Message{Role: RoleAgent, Content: reason, Step: StepError})
		return true
	})
}

// Detach returns the thread to idle after its stream closed without a
// terminal event. An open proposal or question is left for the human.
func (tl *Timeline) Detach() {
	tl.update(func(t *Task) bool {
		if !t.IsPending && t.Status != StatusRunning && t.Status != StatusPaused {
			return false
		}
		t.IsPending = false
		if t.Status == StatusRunning || t.Status == StatusPaused {
			t.Status = StatusPending
		}
		t.IsUnderHumanControl = false
		tl.stopClock(t)
		tl.cancelConfirm()
		return true
	})
}

// CarryOver copies a user message into this thread. Used when a later
// confirmed event moves a session to a sibling thread.
func (tl *Timeline) CarryOver(m Message) {
	tl.update(func(t *Task) bool {
		tl.appendMessage(t, Message{Role: RoleUser, Content: m.Content, Attachments: append([]Attachment(nil), m.Attachments...)})
		t.IsPending = true
		return true
	})
}

// Pause hands control to the human: running becomes paused and elapsed time
// stops accruing.
func (tl *Timeline) Pause() error {
	var err error
	tl.update(func(t *Task) bool {
		if t.Status != StatusRunning {
			err = ErrInvalidTransition
			return false
		}
		t.Status = StatusPaused
		t.IsUnderHumanControl = true
		tl.stopClock(t)
		tl.cancelConfirm()
		return true
	})
	return err
}

// Resume hands control back to the agents.
func (tl *Timeline) Resume() error {
	var err error
	tl.update(func(t *Task) bool {
		if t.Status != StatusPaused {
			err = ErrInvalidTransition
			return false
		}
		t.Status = StatusRunning
		t.IsUnderHumanControl = false
		t.Notice = ""
		tl.startClock(t)
		if t.HasUnconfirmedProposal() && !t.ProposalEdited {
			tl.armConfirm()
		}
		return true
	})
	return err
}

// Stop marks the task finished by hand. No end message is written, which is
// what later identifies the stop as manual. An open proposal is withdrawn so
// the thread can take input again.
func (tl *Timeline) Stop() {
	tl.update(func(t *Task) bool {
		if t.Status == StatusFinished && !t.HasUnconfirmedProposal() {
			return false
		}
		t.Status = StatusFinished
		t.IsPending = false
		t.IsUnderHumanControl = false
		t.ActiveAskingAgent = ""
		t.PendingAskQueue = nil
		resolveProposal(t)
		tl.stopClock(t)
		tl.cancelConfirm()
		tl.cancelSkip()
		return true
	})
}

// Confirm accepts the open proposal and returns it.
func (tl *Timeline) Confirm() ([]Proposal, error) {
	var (
		out []Proposal
		err error
	)
	tl.update(func(t *Task) bool {
		tl.confirming = false
		if !t.HasUnconfirmedProposal() {
			err = ErrNothingToConfirm
			return false
		}
		out = tl.confirmLocked(t)
		return true
	})
	return out, err
}

// HoldConfirm returns the open proposal without accepting it and keeps the
// auto-confirm timer off until Confirm or ReleaseConfirm. Only one hold can
// be taken at a time.
func (tl *Timeline) HoldConfirm() ([]Proposal, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if !tl.task.HasUnconfirmedProposal() {
		return nil, ErrNothingToConfirm
	}
	if tl.confirming {
		return nil, ErrInvalidTransition
	}
	tl.confirming = true
	tl.cancelConfirm()
	return append([]Proposal(nil), tl.task.Proposals...), nil
}

// ReleaseConfirm drops a hold whose confirmation did not go through. The
// proposal stays open and auto-confirm is armed again where it applies.
func (tl *Timeline) ReleaseConfirm() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.confirming = false
	t := tl.task
	if t.HasUnconfirmedProposal() && !t.ProposalEdited && !t.IsUnderHumanControl {
		tl.armConfirm()
	}
}

func (tl *Timeline) confirmLocked(t *Task) []Proposal {
	resolveProposal(t)
	tl.cancelConfirm()
	return append([]Proposal(nil), t.Proposals...)
}

func resolveProposal(t *Task) {
	for i := range t.Messages {
		if t.Messages[i].Step == StepToSubTasks {
			t.Messages[i].IsConfirmed = true
		}
	}
	t.HasWaitingConfirmation = false
}

// EditProposals replaces the open proposal. Editing suppresses auto-confirm
// until the next proposal arrives.
func (tl *Timeline) EditProposals(list []Proposal) error {
	var err error
	tl.update(func(t *Task) bool {
		if !t.HasUnconfirmedProposal() {
			err = ErrNothingToConfirm
			return false
		}
		t.Proposals = append([]Proposal(nil), list...)
		t.RunningSubTasks = mirror(t.Proposals)
		t.ProposalEdited = true
		tl.cancelConfirm()
		return true
	})
	return err
}

// Reply answers the open question and returns the agent that asked it. The
// next buffered question, if any, becomes active.
func (tl *Timeline) Reply(content string) (string, error) {
	var (
		agent string
		err   error
	)
	tl.update(func(t *Task) bool {
		if t.ActiveAskingAgent == "" {
			err = ErrNoOpenQuestion
			return false
		}
		agent = t.ActiveAskingAgent
		tl.appendMessage(t, Message{Role: RoleUser, Content: content})
		tl.closeQuestion(t)
		return true
	})
	return agent, err
}

// Abandon cancels the timers of a thread that is being replaced after an
// error. The task itself is left as it was.
func (tl *Timeline) Abandon() {
	tl.mu.Lock()
	tl.cancelConfirm()
	tl.cancelSkip()
	tl.mu.Unlock()
}

// --- locked helpers ---

func (tl *Timeline) appendMessage(t *Task, m Message) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = tl.clock.Now()
	}
	t.Messages = append(t.Messages, m)
	t.HasMessages = true
}

func (tl *Timeline) startClock(t *Task) {
	if t.TaskStartTime.IsZero() {
		t.TaskStartTime = tl.clock.Now()
	}
}

func (tl *Timeline) stopClock(t *Task) {
	if t.TaskStartTime.IsZero() {
		return
	}
	t.ElapsedMs += tl.clock.Now().Sub(t.TaskStartTime).Milliseconds()
	t.TaskStartTime = time.Time{}
}

func (tl *Timeline) armConfirm() {
	tl.cancelConfirm()
	if tl.autoConfirmAfter <= 0 || tl.confirming {
		return
	}
	gen := tl.confirmGen
	tl.confirmTimer = tl.clock.AfterFunc(tl.autoConfirmAfter, func() { tl.fireConfirm(gen) })
}

func (tl *Timeline) cancelConfirm() {
	if tl.confirmTimer != nil {
		tl.confirmTimer.Stop()
		tl.confirmTimer = nil
	}
	tl.confirmGen++
}

func (tl *Timeline) armSkip(agent string) {
	tl.cancelSkip()
	if tl.autoSkipAfter <= 0 {
		return
	}
	gen := tl.skipGen
	tl.skipTimer = tl.clock.AfterFunc(tl.autoSkipAfter, func() { tl.fireSkip(gen, agent) })
}

func (tl *Timeline) cancelSkip() {
	if tl.skipTimer != nil {
		tl.skipTimer.Stop()
		tl.skipTimer = nil
	}
	tl.skipGen++
}

func (tl *Timeline) fireConfirm(gen uint64) {
	var (
		proposals []Proposal
		fired     bool
		hooks     Hooks
	)
	tl.update(func(t *Task) bool {
		if gen != tl.confirmGen {
			return false
		}
		tl.confirmTimer = nil
		if t.IsUnderHumanControl || !t.HasUnconfirmedProposal() {
			return false
		}
		proposals = tl.confirmLocked(t)
		fired = true
		hooks = tl.hooks
		return true
	})
	if !fired {
		return
	}
	tl.logger.Info().Int("sub_tasks", len(proposals)).Msg("proposal auto-confirmed")
	if hooks != nil {
		hooks.AutoConfirmed(tl.id, proposals)
	}
}

func (tl *Timeline) fireSkip(gen uint64, agent string) {
	var (
		fired bool
		hooks Hooks
	)
	tl.update(func(t *Task) bool {
		if gen != tl.skipGen {
			return false
		}
		tl.skipTimer = nil
		if t.ActiveAskingAgent != agent {
			return false
		}
		tl.closeQuestion(t)
		fired = true
		hooks = tl.hooks
		return true
	})
	if !fired {
		return
	}
	tl.logger.Info().Str("agent", agent).Msg("question auto-skipped")
	if hooks != nil {
		hooks.AutoSkipped(tl.id, agent)
	}
}

// openQuestion makes q the active question, or buffers it behind the open one.
func (tl *Timeline) openQuestion(t *Task, q Question) {
	if t.ActiveAskingAgent != "" {
		t.PendingAskQueue = append(t.PendingAskQueue, q)
		return
	}
	t.ActiveAskingAgent = q.Agent
	t.IsPending = false
	tl.appendMessage(t, Message{Role: RoleAgent, Content: q.Question, Step: StepAsk})
	tl.armSkip(q.Agent)
}

// closeQuestion clears the active question and promotes the next buffered one.
func (tl *Timeline) closeQuestion(t *Task) {
	tl.cancelSkip()
	t.ActiveAskingAgent = ""
	if len(t.PendingAskQueue) == 0 {
		return
	}
	next := t.PendingAskQueue[0]
	t.PendingAskQueue = t.PendingAskQueue[1:]
	tl.openQuestion(t, next)
}

func mirror(ps []Proposal) []SubTask {
	out := make([]SubTask, 0, len(ps))
	for _, p := range ps {
		out = append(out, SubTask{ID: p.ID, Content: p.Content, Status: p.Status})
	}
	return out
}
