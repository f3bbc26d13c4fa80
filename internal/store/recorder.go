package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/metrics"
)

// Recorder logs, counts and persists swallowed side-effect failures. It
// satisfies the FailureRecorder interfaces of the orchestrator and the
// trigger queue.
type Recorder struct {
	store   *Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRecorder creates a Recorder. A nil store or metrics is allowed; the
// failure is then only logged.
func NewRecorder(store *Store, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "dead_letters").Logger(),
	}
}

// Record never fails. Errors writing the dead letter are logged.
func (r *Recorder) Record(ctx context.Context, kind, subject string, err error) {
	if err == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordSideEffectFailure(kind)
	}
	if r.store == nil {
		return
	}

	dl, saveErr := r.store.SaveDeadLetter(context.WithoutCancel(ctx), kind, subject, err.Error())
	if saveErr != nil {
		r.logger.Error().Err(saveErr).
			Str("kind", kind).
			Str("subject", subject).
			Msg("failed to persist dead letter")
		return
	}
	r.logger.Debug().
		Str("id", dl.ID).
		Str("kind", kind).
		Str("subject", subject).
		Int("attempts", dl.Attempts).
		Msg("dead letter recorded")
}

// RunRetention prunes resolved dead letters every interval until ctx is done.
func (r *Recorder) RunRetention(ctx context.Context, interval, keep time.Duration) {
	if r.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.store.RunRetention(ctx, keep); err != nil {
				r.logger.Warn().Err(err).Msg("dead letter retention failed")
			}
		}
	}
}
