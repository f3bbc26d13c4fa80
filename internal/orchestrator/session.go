package orchestrator

import (
	"context"
	"errors"
	"io"
	"path"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// Session modes, as recorded in metrics.
const (
	modeStart   = "start"
	modeImprove = "improve"
	modeReplay  = "replay"
)

// Session is the handle of one open event stream. The thread it writes to is
// fixed when the stream opens and only moves when the stream itself says so
// (a repeated confirmed or an error), never by a change of the project's
// active thread.
type Session struct {
	id        string
	o         *Orchestrator
	projectID string
	origin    timeline.Origin
	mode      string
	stream    *backend.Stream
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	logger    zerolog.Logger
	done      chan struct{}

	mu        sync.Mutex
	tl        *timeline.Timeline
	confirmed bool
	stopping  bool
	detached  bool
	failed    bool
	degraded  bool
	result    SessionResult
	summary   string
	reason    string
}

func (o *Orchestrator) newSession(ctx context.Context, cancel context.CancelFunc, projectID string, tl *timeline.Timeline, stream *backend.Stream, mode string, origin timeline.Origin) *Session {
	id := ulid.Make().String()
	return &Session{
		id:        id,
		o:         o,
		projectID: projectID,
		origin:    origin,
		mode:      mode,
		stream:    stream,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: o.clock.Now(),
		logger:    o.logger.With().Str("project_id", projectID).Str("mode", mode).Str("session_id", id).Logger(),
		done:      make(chan struct{}),
		tl:        tl,
	}
}

// ID identifies the session in Change notifications.
func (s *Session) ID() string { return s.id }

// ProjectID returns the project the session belongs to.
func (s *Session) ProjectID() string { return s.projectID }

// ThreadID returns the thread the session currently writes to.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.ID()
}

// Done is closed once the stream has been fully consumed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends.
func (s *Session) Wait() { <-s.done }

// Result reports how the session ended. It is empty while running.
func (s *Session) Result() SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Degraded reports whether a stop was forced locally without the backend
// acknowledging it.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Session) thread() *timeline.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl
}

// Stop asks the backend to stop the task and tears the stream down once the
// request is acknowledged. If the request fails the stream is closed anyway
// and the stop is marked degraded. Stop reports whether it was degraded.
func (s *Session) Stop(ctx context.Context) bool {
	s.mu.Lock()
	if s.stopping {
		degraded := s.degraded
		s.mu.Unlock()
		return degraded
	}
	s.stopping = true
	tl := s.tl
	s.mu.Unlock()

	s.logger.Info().Str("thread_id", tl.ID()).Msg("stop requested")
	err := s.o.backend.TakeControl(ctx, s.projectID, backend.ActionStop)
	if err != nil {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("stop not acknowledged, closing stream locally")
		s.o.sideEffectFailed(ctx, "stop", s.projectID, err)
	}
	tl.Stop()
	s.cancel()
	return err != nil
}

// detach closes the stream without touching the backend. Used when the
// project is removed or the orchestrator shuts down.
func (s *Session) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()
	defer s.stream.Close()

	s.o.ensureHistory(s.ctx, s)

	for {
		ev, err := s.stream.Next()
		if err != nil {
			s.streamEnded(err)
			break
		}
		s.handle(ev)
	}
	s.o.sessionEnded(s)
}

func (s *Session) streamEnded(err error) {
	tl := s.thread()
	task := tl.Snapshot()

	s.mu.Lock()
	var broken, idle, answered bool
	switch {
	case s.result != "":
		// A terminal event already decided the outcome.
	case s.stopping:
		s.result = ResultStopped
	case task.SimpleAnswer && !s.detached:
		s.result = ResultAnswered
		if m, ok := task.LatestAgentMessage(); ok {
			s.summary = m.Content
		}
		answered = true
	case s.detached || errors.Is(err, io.EOF) || s.ctx.Err() != nil:
		s.result = ResultDetached
		idle = true
	default:
		s.result = ResultFailed
		s.reason = err.Error()
		broken = true
	}
	summary := s.summary
	s.mu.Unlock()

	switch {
	case broken:
		s.logger.Warn().Err(err).Str("thread_id", tl.ID()).Msg("event stream broken")
		tl.RequestFailed("Connection to the task backend was lost: " + err.Error())
	case idle:
		s.logger.Info().Str("thread_id", tl.ID()).Msg("stream closed without a terminal event")
		tl.Detach()
	case answered:
		s.o.updateHistory(s.ctx, s.projectID, task, summary, backend.HistoryDone)
	}
}

func (s *Session) handle(ev timeline.Event) {
	if s.o.metrics != nil {
		s.o.metrics.RecordEvent(string(ev.Step))
	}
	s.mu.Lock()
	stopping, failed := s.stopping, s.failed
	s.mu.Unlock()
	if stopping || failed {
		s.logger.Debug().Str("step", string(ev.Step)).Msg("event dropped after session end")
		return
	}
	ac := timeline.ApplyContext{Origin: s.origin, Continuation: s.mode == modeImprove}

	switch ev.Step {
	case timeline.StepConfirmed:
		s.mu.Lock()
		repeat := s.confirmed
		s.confirmed = true
		s.mu.Unlock()
		if repeat {
			s.moveToSibling()
		}
	case timeline.StepError:
		s.replaceThread(ev, ac)
		return
	case timeline.StepAddTask, timeline.StepRemoveTask:
		s.o.queueAck(s.projectID, ev)
		return
	}

	tl := s.thread()
	fx, err := tl.Apply(ev, ac)
	if err != nil {
		s.logger.Warn().Err(err).Str("thread_id", tl.ID()).Str("step", string(ev.Step)).Msg("event not applied")
		return
	}
	if fx.UploadLogs {
		s.o.uploadLogs(s.projectID)
	}
	if fx.Finished {
		s.mu.Lock()
		s.result = ResultFinished
		s.summary = fx.Summary
		s.mu.Unlock()
		s.o.sessionFinished(s, tl, fx)
	}
}

// moveToSibling routes the rest of the session to a new thread, carrying
// the latest user message over.
func (s *Session) moveToSibling() {
	old := s.thread()
	next, err := s.o.appendThread(s.projectID, "")
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot open sibling thread, staying on current")
		return
	}
	snap := old.Snapshot()
	if last, ok := snap.LatestUserMessage(); ok {
		next.CarryOver(last)
	}
	s.mu.Lock()
	s.tl = next
	s.mu.Unlock()
	s.logger.Info().Str("from", old.ID()).Str("thread_id", next.ID()).Msg("session moved to sibling thread")
}

// replaceThread detaches the current thread and records the error on a
// fresh sibling, which becomes the session's thread. The session ends here:
// the stream is closed and anything it still delivers is dropped, leaving the
// sibling ready for another attempt.
func (s *Session) replaceThread(ev timeline.Event, ac timeline.ApplyContext) {
	old := s.thread()
	var d timeline.MessageData
	_ = ev.Decode(&d)

	next, err := s.o.appendThread(s.projectID, "")
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot open replacement thread, recording error in place")
		next = old
	} else {
		old.Abandon()
	}
	if _, err := next.Apply(ev, ac); err != nil {
		s.logger.Warn().Err(err).Msg("error event not applied")
	}
	s.mu.Lock()
	s.tl = next
	s.result = ResultFailed
	s.reason = d.Message
	s.failed = true
	s.mu.Unlock()
	s.cancel()
	s.logger.Warn().Str("from", old.ID()).Str("thread_id", next.ID()).Str("message", d.Message).Msg("task failed, thread replaced")
}

// --- orchestrator side of the session lifecycle ---

// startSession registers and runs s in the background.
func (o *Orchestrator) startSession(s *Session) {
	o.mu.Lock()
	o.sessions[s] = struct{}{}
	o.mu.Unlock()
	o.publish(Change{Kind: ChangeSessionStarted, ProjectID: s.projectID, ThreadID: s.ThreadID(), SessionID: s.id})
	o.wg.Go(s.run)
}

func (o *Orchestrator) sessionFor(threadID string) *Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for s := range o.sessions {
		if s.ThreadID() == threadID {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) sessionEnded(s *Session) {
	o.mu.Lock()
	delete(o.sessions, s)
	o.mu.Unlock()

	s.mu.Lock()
	c := Change{
		Kind:      ChangeSessionEnded,
		ProjectID: s.projectID,
		SessionID: s.id,
		ThreadID:  s.tl.ID(),
		Result:    s.result,
		Summary:   s.summary,
		Reason:    s.reason,
	}
	s.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordSession(s.mode, string(c.Result), o.clock.Now().Sub(s.startedAt))
	}
	s.logger.Info().Str("thread_id", c.ThreadID).Str("result", string(c.Result)).Msg("session ended")

	if o.ctx.Err() == nil {
		o.drain(c.ProjectID)
	}
	o.publish(c)
}

// sessionFinished runs the best-effort work that follows an end event.
func (o *Orchestrator) sessionFinished(s *Session, tl *timeline.Timeline, fx timeline.Effects) {
	task := tl.Snapshot()
	o.updateHistory(s.ctx, s.projectID, task, fx.Summary, backend.HistoryDone)

	if o.artifacts != nil && len(fx.Artifacts) > 0 {
		prefix := path.Join(s.projectID, tl.ID())
		paths := fx.Artifacts
		o.wg.Go(func() {
			if err := o.artifacts.Upload(o.ctx, prefix, paths); err != nil {
				o.sideEffectFailed(o.ctx, "artifact_upload", prefix, err)
			}
		})
	}
}

func (o *Orchestrator) uploadLogs(projectID string) {
	if o.artifacts == nil || o.runtime == nil {
		return
	}
	o.wg.Go(func() {
		files, err := o.runtime.LogFiles(projectID)
		if err != nil {
			o.sideEffectFailed(o.ctx, "log_upload", projectID, err)
			return
		}
		if len(files) == 0 {
			return
		}
		if err := o.artifacts.Upload(o.ctx, path.Join(projectID, "logs"), files); err != nil {
			o.sideEffectFailed(o.ctx, "log_upload", projectID, err)
		}
	})
}

// queueAck reconciles add_task/remove_task acknowledgements with the
// project queue. An acknowledgement that cannot be processed drops the
// queued entry so it cannot get stuck.
func (o *Orchestrator) queueAck(projectID string, ev timeline.Event) {
	var d timeline.QueueTaskData
	if err := ev.Decode(&d); err != nil {
		o.logger.Warn().Err(err).Str("step", string(ev.Step)).Msg("queue acknowledgement unreadable")
		return
	}
	if d.TaskID == "" {
		o.logger.Warn().Str("step", string(ev.Step)).Msg("queue acknowledgement without task id")
		return
	}
	target := d.ProjectID
	if target == "" {
		target = projectID
	}
	switch ev.Step {
	case timeline.StepAddTask:
		if !o.queued(target, d.TaskID) {
			o.logger.Warn().Str("project_id", target).Str("task_id", d.TaskID).Msg("acknowledged task not queued")
			o.removeQueued(projectID, d.TaskID)
			return
		}
		o.logger.Debug().Str("project_id", target).Str("task_id", d.TaskID).Msg("queued task acknowledged")
	case timeline.StepRemoveTask:
		if o.removeQueued(target, d.TaskID) {
			o.logger.Debug().Str("project_id", target).Str("task_id", d.TaskID).Msg("queued task removed upstream")
		}
	}
}

// drain submits the oldest queued input once the project's active thread is
// idle again. Input that cannot be dispatched goes back to the head of the
// queue.
func (o *Orchestrator) drain(projectID string) {
	if o.Busy(projectID) {
		return
	}
	msg, ok := o.DequeueTriggerMessage(projectID)
	if !ok {
		return
	}
	res, err := o.Submit(o.ctx, Input{
		ProjectID:   projectID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		Origin:      msg.Origin,
	})
	switch {
	case err != nil:
		o.logger.Warn().Err(err).Str("project_id", projectID).Str("task_id", msg.TaskID).Msg("queued input not dispatched")
	case res.Outcome == OutcomeQueued:
		// The thread turned busy again; the new entry gives way to the old one.
		if rerr := o.RemoveTriggerMessage(projectID, res.TaskID); rerr != nil {
			o.logger.Warn().Err(rerr).Str("task_id", res.TaskID).Msg("requeued input not withdrawn")
		}
		o.logger.Debug().Str("project_id", projectID).Str("task_id", msg.TaskID).Msg("queued input still waiting")
	default:
		return
	}
	if rerr := o.RestoreTriggerMessage(projectID, msg); rerr != nil {
		o.logger.Warn().Err(rerr).Msg("queued input lost")
	}
}

// --- history ---

func (o *Orchestrator) ensureHistory(ctx context.Context, s *Session) {
	if s.mode == modeReplay {
		return
	}
	o.mu.RLock()
	p, ok := o.projects[s.projectID]
	exists := ok && p.HistoryID != ""
	o.mu.RUnlock()
	if !ok || exists {
		return
	}
	task := s.thread().Snapshot()
	rec := o.historyRecord(s.projectID, task, "", backend.HistoryOngoing)
	id, err := o.backend.CreateHistory(ctx, rec)
	if err != nil {
		o.sideEffectFailed(ctx, "history", s.projectID, err)
		return
	}
	o.mu.Lock()
	if p, ok := o.projects[s.projectID]; ok && p.HistoryID == "" {
		p.HistoryID = id
	}
	o.mu.Unlock()
}

func (o *Orchestrator) updateHistory(ctx context.Context, projectID string, task timeline.Task, summary string, status int) {
	o.mu.RLock()
	p, ok := o.projects[projectID]
	var id string
	if ok {
		id = p.HistoryID
	}
	replay := ok && p.Kind == ProjectReplay
	o.mu.RUnlock()
	if id == "" || replay {
		return
	}
	if err := o.backend.UpdateHistory(ctx, id, o.historyRecord(projectID, task, summary, status)); err != nil {
		o.sideEffectFailed(ctx, "history", projectID, err)
	}
}

func (o *Orchestrator) historyRecord(projectID string, task timeline.Task, summary string, status int) backend.HistoryRecord {
	var question string
	for _, m := range task.Messages {
		if m.Role == timeline.RoleUser {
			question = m.Content
			break
		}
	}
	return backend.HistoryRecord{
		TaskID:        task.ID,
		ProjectID:     projectID,
		Question:      question,
		Summary:       summary,
		Status:        status,
		Tokens:        task.Tokens,
		Language:      o.model.Language,
		ModelPlatform: o.model.Platform,
		ModelType:     o.model.Type,
	}
}
