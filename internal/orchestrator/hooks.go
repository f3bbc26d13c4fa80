package orchestrator

import (
	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// skipReply is the reply sent for a question nobody answered in time.
const skipReply = "skip"

// threadHooks carries a thread's unattended timer decisions to the backend.
type threadHooks struct {
	o         *Orchestrator
	projectID string
}

func (h threadHooks) AutoConfirmed(threadID string, proposals []timeline.Proposal) {
	o := h.o
	o.logger.Info().Str("project_id", h.projectID).Str("thread_id", threadID).Int("sub_tasks", len(proposals)).Msg("submitting auto-confirmed plan")
	if err := o.backend.ConfirmPlan(o.ctx, h.projectID, backend.PlanFromProposals(proposals)); err != nil {
		o.sideEffectFailed(o.ctx, "auto_confirm", h.projectID, err)
	}
}

func (h threadHooks) AutoSkipped(threadID, agent string) {
	o := h.o
	o.logger.Info().Str("project_id", h.projectID).Str("thread_id", threadID).Str("agent", agent).Msg("skipping unanswered question")
	if err := o.backend.HumanReply(o.ctx, h.projectID, agent, skipReply); err != nil {
		o.sideEffectFailed(o.ctx, "auto_skip", h.projectID, err)
	}
}
