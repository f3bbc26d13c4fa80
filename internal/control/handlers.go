package control

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/health"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/store"
	"github.com/p-blackswan/taskpilot/internal/timeline"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, checker *health.Checker, logger zerolog.Logger) *Handlers {
	if checker == nil {
		checker = health.NewChecker(logger)
	}
	return &Handlers{
		deps:      deps,
		checker:   checker,
		logger:    logger.With().Str("component", "control_handlers").Logger(),
		startTime: time.Now(),
	}
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	projects := h.deps.Orchestrator.Projects()
	if projects == nil {
		projects = []orchestrator.ProjectView{}
	}
	resp := ProjectListResponse{Projects: projects}
	for _, p := range projects {
		if p.Active {
			resp.ActiveID = p.ID
		}
	}
	return c.JSON(resp)
}

// CreateProject handles POST /api/v1/projects.
func (h *Handlers) CreateProject(c *fiber.Ctx) error {
	var req CreateProjectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
		}
	}

	var opts []orchestrator.ProjectOption
	if id := strings.TrimSpace(req.ID); id != "" {
		opts = append(opts, orchestrator.WithProjectID(id))
	}
	id := h.deps.Orchestrator.CreateProject(strings.TrimSpace(req.Name), opts...)

	p, err := h.deps.Orchestrator.Project(id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ProjectResponse{Project: p})
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	p, err := h.deps.Orchestrator.Project(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(ProjectResponse{Project: p})
}

// RemoveProject handles DELETE /api/v1/projects/:id.
func (h *Handlers) RemoveProject(c *fiber.Ctx) error {
	if err := h.deps.Orchestrator.RemoveProject(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ActivateProject handles POST /api/v1/projects/:id/activate.
func (h *Handlers) ActivateProject(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.deps.Orchestrator.SetActiveProject(id); err != nil {
		return errorResponse(c, err)
	}
	return h.GetProject(c)
}

// AppendThread handles POST /api/v1/projects/:id/threads.
func (h *Handlers) AppendThread(c *fiber.Ctx) error {
	projectID := c.Params("id")
	threadID, err := h.deps.Orchestrator.AppendThread(projectID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ThreadResponse{ProjectID: projectID, ThreadID: threadID})
}

// GetThread handles GET /api/v1/projects/:id/threads/:thread.
func (h *Handlers) GetThread(c *fiber.Ctx) error {
	projectID, threadID := c.Params("id"), c.Params("thread")
	tl, err := h.deps.Orchestrator.Thread(projectID, threadID)
	if err != nil {
		return errorResponse(c, err)
	}
	task := tl.Snapshot()
	return c.JSON(ThreadResponse{ProjectID: projectID, ThreadID: threadID, Task: &task})
}

// ActivateThread handles POST /api/v1/projects/:id/threads/:thread/activate.
func (h *Handlers) ActivateThread(c *fiber.Ctx) error {
	projectID, threadID := c.Params("id"), c.Params("thread")
	if err := h.deps.Orchestrator.SetActiveThread(projectID, threadID); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(ThreadResponse{ProjectID: projectID, ThreadID: threadID})
}

// Input handles POST /api/v1/projects/:id/input.
func (h *Handlers) Input(c *fiber.Ctx) error {
	var req InputRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
	}

	res, err := h.deps.Orchestrator.Submit(c.UserContext(), orchestrator.Input{
		ProjectID:   c.Params("id"),
		Content:     req.Content,
		Attachments: req.Attachments,
		Origin:      timeline.OriginHuman,
		NewAgents:   req.NewAgents,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	status := fiber.StatusAccepted
	if res.Outcome == orchestrator.OutcomeReplied {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

// Pause handles POST /api/v1/projects/:id/pause.
func (h *Handlers) Pause(c *fiber.Ctx) error {
	if err := h.deps.Orchestrator.Pause(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Resume handles POST /api/v1/projects/:id/resume.
func (h *Handlers) Resume(c *fiber.Ctx) error {
	if err := h.deps.Orchestrator.Resume(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Stop handles POST /api/v1/projects/:id/stop.
func (h *Handlers) Stop(c *fiber.Ctx) error {
	degraded, err := h.deps.Orchestrator.Stop(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(StopResponse{Stopped: true, Degraded: degraded})
}

// Confirm handles POST /api/v1/projects/:id/confirm.
func (h *Handlers) Confirm(c *fiber.Ctx) error {
	if err := h.deps.Orchestrator.Confirm(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// EditProposals handles PUT /api/v1/projects/:id/proposals.
func (h *Handlers) EditProposals(c *fiber.Ctx) error {
	var req ProposalsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
	}
	if err := h.deps.Orchestrator.EditProposals(c.Params("id"), req.Proposals); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AddQueued handles POST /api/v1/projects/:id/queue.
func (h *Handlers) AddQueued(c *fiber.Ctx) error {
	var req QueueRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return badRequest(c, "empty_input", "Content is required")
	}
	taskID, err := h.deps.Orchestrator.EnqueueTriggerMessage(c.Params("id"), req.Content, req.Attachments, timeline.OriginHuman)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(QueueResponse{TaskID: taskID})
}

// RemoveQueued handles DELETE /api/v1/projects/:id/queue/:task.
func (h *Handlers) RemoveQueued(c *fiber.Ctx) error {
	if err := h.deps.Orchestrator.RemoveTriggerMessage(c.Params("id"), c.Params("task")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListTriggers handles GET /api/v1/projects/:id/triggers.
func (h *Handlers) ListTriggers(c *fiber.Ctx) error {
	if h.deps.Triggers == nil {
		return unavailable(c, "trigger configuration")
	}
	cfgs, err := h.deps.Triggers.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if cfgs == nil {
		return c.JSON(TriggerListResponse{Triggers: []trigger.Config{}})
	}
	return c.JSON(TriggerListResponse{Triggers: cfgs})
}

// TriggerQueue handles GET /api/v1/triggers/queue.
func (h *Handlers) TriggerQueue(c *fiber.Ctx) error {
	if h.deps.TriggerQueue == nil {
		return unavailable(c, "trigger queue")
	}
	tasks := h.deps.TriggerQueue.Pending()
	if tasks == nil {
		tasks = []trigger.TriggeredTask{}
	}
	waiting := h.deps.TriggerQueue.Projects()
	if waiting == nil {
		waiting = []string{}
	}
	return c.JSON(TriggerQueueResponse{Tasks: tasks, WaitingProjects: waiting})
}

// ListArtifacts handles GET /api/v1/projects/:id/artifacts.
func (h *Handlers) ListArtifacts(c *fiber.Ctx) error {
	if h.deps.Artifacts == nil {
		return unavailable(c, "artifact storage")
	}
	paths, err := h.deps.Artifacts.List(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if paths == nil {
		paths = []string{}
	}
	return c.JSON(ArtifactListResponse{Artifacts: paths})
}

// Replay handles POST /api/v1/replay.
func (h *Handlers) Replay(c *fiber.Ctx) error {
	var req ReplayRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
	}
	id, err := h.deps.Orchestrator.Replay(c.UserContext(), req.ThreadIDs, req.Label, req.ProjectID)
	if id == "" {
		if err == nil {
			return errors.New("replay returned no project")
		}
		return errorResponse(c, err)
	}
	// The project exists even if some playbacks failed to open.
	resp := ReplayResponse{ProjectID: id}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// ListDeadLetters handles GET /api/v1/dead-letters.
func (h *Handlers) ListDeadLetters(c *fiber.Ctx) error {
	if h.deps.DeadLetters == nil {
		return unavailable(c, "dead-letter store")
	}
	dls, err := h.deps.DeadLetters.ListDeadLetters(c.UserContext(), c.QueryBool("all", false), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	if dls == nil {
		dls = []*store.DeadLetter{}
	}
	return c.JSON(DeadLetterListResponse{DeadLetters: dls})
}

// ResolveDeadLetter handles POST /api/v1/dead-letters/:id/resolve.
func (h *Handlers) ResolveDeadLetter(c *fiber.Ctx) error {
	if h.deps.DeadLetters == nil {
		return unavailable(c, "dead-letter store")
	}
	if err := h.deps.DeadLetters.ResolveDeadLetter(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SubscriptionStatus handles GET /api/v1/subscription.
func (h *Handlers) SubscriptionStatus(c *fiber.Ctx) error {
	if h.deps.Subscription == nil {
		return unavailable(c, "subscription channel")
	}
	return c.JSON(SubscriptionResponse{
		State:      h.deps.Subscription.State().String(),
		AuthFailed: h.deps.Subscription.AuthFailed(),
	})
}

// Reconnect handles POST /api/v1/subscription/reconnect.
func (h *Handlers) Reconnect(c *fiber.Ctx) error {
	if h.deps.Subscription == nil {
		return unavailable(c, "subscription channel")
	}
	if err := h.deps.Subscription.Reconnect(); err != nil {
		h.logger.Warn().Err(err).Msg("manual reconnect failed")
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SubscriptionResponse{
		State:      h.deps.Subscription.State().String(),
		AuthFailed: h.deps.Subscription.AuthFailed(),
	})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	report := h.checker.Report(c.UserContext())

	checks := make(map[string]string, len(report.Checks))
	for name, status := range report.Checks {
		checks[name] = string(status)
	}
	overall := "ok"
	if !report.Ready {
		overall = "degraded"
	}

	return c.JSON(HealthDetailResponse{
		Status: overall,
		Checks: checks,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	report := h.checker.Report(c.UserContext())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": report.Checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": report.Checks})
}
