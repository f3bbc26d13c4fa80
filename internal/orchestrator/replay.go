package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

// DefaultPlaybackDelay is the per-event delay requested for replays.
const DefaultPlaybackDelay = 200 * time.Millisecond

// ReplayProjectID derives the project id a replay of label is stored under.
func ReplayProjectID(label string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("taskpilot:replay:"+label)).String()
}

// Replay plays recorded threads back into a fresh replay project. Without an
// explicit projectID the id is derived from label, so replaying the same
// label again overwrites the earlier replay. Each thread id gets its own
// thread and playback session. Playback streams that fail to open are
// reported in the returned error; the project is created regardless.
func (o *Orchestrator) Replay(ctx context.Context, threadIDs []string, label, projectID string) (string, error) {
	ids := dedupe(threadIDs)
	if len(ids) == 0 {
		return "", fmt.Errorf("replay needs at least one thread: %w", perrors.ErrInvalidInput)
	}
	if projectID == "" {
		projectID = ReplayProjectID(label)
	}
	if err := o.ctx.Err(); err != nil {
		return "", fmt.Errorf("orchestrator closed: %w", perrors.ErrUnavailable)
	}

	o.CreateProject(label, WithProjectID(projectID), AsReplay(), withThreadID(ids[0]))
	tls := make([]*timeline.Timeline, 0, len(ids))
	first, err := o.Thread(projectID, ids[0])
	if err != nil {
		return "", err
	}
	tls = append(tls, first)
	for _, id := range ids[1:] {
		tl, err := o.appendThread(projectID, id)
		if err != nil {
			return "", err
		}
		tls = append(tls, tl)
	}
	if err := o.SetActiveThread(projectID, ids[0]); err != nil {
		return "", err
	}

	var errs []error
	for _, tl := range tls {
		sctx, cancel := context.WithCancel(o.ctx)
		stream, err := o.backend.Playback(sctx, tl.ID(), o.playbackDelay)
		if err != nil {
			cancel()
			tl.RequestFailed("Failed to load the recorded task: " + err.Error())
			errs = append(errs, fmt.Errorf("playback %s: %w", tl.ID(), err))
			continue
		}
		o.startSession(o.newSession(sctx, cancel, projectID, tl, stream, modeReplay, timeline.OriginHuman))
	}
	o.logger.Info().Str("project_id", projectID).Int("threads", len(ids)).Msg("replay started")
	return projectID, errors.Join(errs...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
