package orchestrator

import (
	"context"
	"fmt"

	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// Pause hands control of the project's running task to the human.
func (o *Orchestrator) Pause(ctx context.Context, projectID string) error {
	p, tl, err := o.active(projectID)
	if err != nil {
		return err
	}
	if tl.Snapshot().Status != timeline.StatusRunning {
		return timeline.ErrInvalidTransition
	}
	if err := o.backend.TakeControl(ctx, p.ID, backend.ActionPause); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return tl.Pause()
}

// Resume hands control back to the agents.
func (o *Orchestrator) Resume(ctx context.Context, projectID string) error {
	p, tl, err := o.active(projectID)
	if err != nil {
		return err
	}
	if tl.Snapshot().Status != timeline.StatusPaused {
		return timeline.ErrInvalidTransition
	}
	if err := o.backend.TakeControl(ctx, p.ID, backend.ActionResume); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return tl.Resume()
}

// Stop ends the project's active thread. A live session is stopped through
// the backend; see Session.Stop. Without one the thread is stopped locally.
// Stop reports whether the stop was degraded.
func (o *Orchestrator) Stop(ctx context.Context, projectID string) (bool, error) {
	_, tl, err := o.active(projectID)
	if err != nil {
		return false, err
	}
	if s := o.sessionFor(tl.ID()); s != nil {
		return s.Stop(ctx), nil
	}
	tl.Stop()
	return false, nil
}

// Confirm accepts the open proposal and starts its execution. The proposal
// is only marked confirmed once the backend has taken the plan.
func (o *Orchestrator) Confirm(ctx context.Context, projectID string) error {
	p, tl, err := o.active(projectID)
	if err != nil {
		return err
	}
	proposals, err := tl.HoldConfirm()
	if err != nil {
		return err
	}
	if err := o.backend.ConfirmPlan(ctx, p.ID, backend.PlanFromProposals(proposals)); err != nil {
		tl.ReleaseConfirm()
		return fmt.Errorf("confirm plan: %w", err)
	}
	_, err = tl.Confirm()
	return err
}

// EditProposals replaces the open proposal of the project's active thread.
func (o *Orchestrator) EditProposals(projectID string, proposals []timeline.Proposal) error {
	_, tl, err := o.active(projectID)
	if err != nil {
		return err
	}
	return tl.EditProposals(proposals)
}
