package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-blackswan/taskpilot/internal/backend"
	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// Input is one piece of user or trigger input.
type Input struct {
	// ProjectID selects the project; empty means the active project.
	ProjectID   string
	Content     string
	Attachments []timeline.Attachment
	Origin      timeline.Origin
	NewAgents   []backend.AgentSpec
}

// Outcome says what Submit did with the input.
type Outcome string

const (
	OutcomeReplied  Outcome = "replied"
	OutcomeQueued   Outcome = "queued"
	OutcomeStarted  Outcome = "started"
	OutcomeImproved Outcome = "improved"
)

// Result describes a handled input.
type Result struct {
	Outcome   Outcome  `json:"outcome"`
	ProjectID string   `json:"project_id"`
	ThreadID  string   `json:"thread_id"`
	Agent     string   `json:"agent,omitempty"`
	TaskID    string   `json:"queued_task_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Session   *Session `json:"-"`
}

// Submit is the single entry point for input. It rejects invalid input
// before any network call, answers an open question, queues input for a
// busy thread, and otherwise opens a streaming session on the active thread
// following the continuation decision.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (Result, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Result{}, perrors.ErrEmptyInput
	}
	if in.Origin == "" {
		in.Origin = timeline.OriginHuman
	}
	if err := o.ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("orchestrator closed: %w", perrors.ErrUnavailable)
	}

	o.submitMu.Lock()
	p, tl, err := o.active(in.ProjectID)
	if err != nil {
		o.submitMu.Unlock()
		return Result{}, err
	}
	projectID := p.ID
	res := Result{ProjectID: projectID, ThreadID: tl.ID()}
	task := tl.Snapshot()

	if task.IsContextExceeded {
		o.submitMu.Unlock()
		return Result{}, perrors.ErrContextExceeded
	}

	if agent := task.ActiveAskingAgent; agent != "" {
		o.submitMu.Unlock()
		if err := o.backend.HumanReply(ctx, projectID, agent, content); err != nil {
			return Result{}, fmt.Errorf("reply to %s: %w", agent, err)
		}
		if _, err := tl.Reply(content); err != nil {
			return Result{}, err
		}
		res.Outcome = OutcomeReplied
		res.Agent = agent
		if s := o.sessionFor(tl.ID()); s != nil {
			res.SessionID = s.ID()
		}
		return res, nil
	}

	if task.Busy() {
		o.submitMu.Unlock()
		taskID, err := o.EnqueueTriggerMessage(projectID, content, in.Attachments, in.Origin)
		if err != nil {
			return Result{}, err
		}
		if o.sessionFor(tl.ID()) != nil {
			if err := o.backend.AddTask(ctx, projectID, taskID, content); err != nil {
				o.sideEffectFailed(ctx, "add_task", projectID, err)
			}
		}
		res.Outcome = OutcomeQueued
		res.TaskID = taskID
		return res, nil
	}

	mode := tl.NextTurn()
	tl.BeginTurn(content, in.Attachments, mode)
	o.submitMu.Unlock()

	sctx, cancel := context.WithCancel(o.ctx)
	var (
		stream *backend.Stream
		kind   string
	)
	if mode == timeline.Improve {
		kind = modeImprove
		res.Outcome = OutcomeImproved
		stream, err = o.backend.Improve(sctx, projectID, backend.ImproveRequest{
			TaskID:      tl.ID(),
			Question:    content,
			Attachments: attachmentPaths(in.Attachments),
		})
	} else {
		kind = modeStart
		res.Outcome = OutcomeStarted
		stream, err = o.backend.StartChat(sctx, o.startRequest(projectID, tl.ID(), content, in))
	}
	if err != nil {
		cancel()
		tl.RequestFailed("Failed to start the task: " + err.Error())
		if o.metrics != nil {
			o.metrics.RecordSession(kind, string(ResultFailed), 0)
		}
		return Result{}, fmt.Errorf("open %s stream: %w", kind, err)
	}

	s := o.newSession(sctx, cancel, projectID, tl, stream, kind, in.Origin)
	o.startSession(s)
	res.Session = s
	res.SessionID = s.ID()
	o.logger.Info().
		Str("project_id", projectID).
		Str("thread_id", tl.ID()).
		Str("mode", kind).
		Str("origin", string(in.Origin)).
		Msg("session opened")
	return res, nil
}

func (o *Orchestrator) startRequest(projectID, threadID, content string, in Input) backend.StartRequest {
	req := backend.StartRequest{
		ProjectID:     projectID,
		TaskID:        threadID,
		Question:      content,
		Attachments:   attachmentPaths(in.Attachments),
		Language:      o.model.Language,
		ModelPlatform: o.model.Platform,
		ModelType:     o.model.Type,
		APIKey:        o.model.APIKey,
		APIURL:        o.model.APIURL,
		NewAgents:     in.NewAgents,
	}
	if o.runtime != nil {
		req.EnvPath = o.runtime.EnvPath(projectID)
		req.BrowserPort = o.runtime.AutomationPort()
		tools, err := o.runtime.InstalledTools()
		if err != nil {
			o.logger.Warn().Err(err).Msg("tool manifest unavailable, starting without tools")
		}
		req.InstalledMCP = tools
	}
	return req
}

func attachmentPaths(as []timeline.Attachment) []string {
	if len(as) == 0 {
		return nil
	}
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.FilePath)
	}
	return out
}
