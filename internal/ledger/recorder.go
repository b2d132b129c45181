package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/agrivqa/pkg/models"
)

// Recorder writes one run's history to the store. A nil *Recorder does
// nothing. Write failures are logged and never interrupt a run, and writes
// still land after the run's context is cancelled.
type Recorder struct {
	store  *Store
	run    *Run
	logger *zap.Logger
}

// Start creates the run row and returns a recorder for it.
func Start(ctx context.Context, store *Store, run *Run, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	run.ID = uuid.New().String()
	run.StartedAt = time.Now()
	run.Status = StatusRunning

	if err := store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &Recorder{store: store, run: run, logger: logger}, nil
}

func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.run.ID
}

func (r *Recorder) Run() *Run {
	if r == nil {
		return nil
	}
	return r.run
}

func (r *Recorder) Event(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	ev.RunID = r.run.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := r.store.LogEvent(context.WithoutCancel(ctx), &ev); err != nil {
		r.logger.Warn("failed to record event", zap.Int("index", ev.Index), zap.Error(err))
	}
}

func (r *Recorder) Usage(ctx context.Context, model string, usage models.Usage, cost float64) {
	if r == nil || (usage.Total() == 0 && cost == 0) {
		return
	}
	entry := &UsageEntry{
		RunID:        r.run.ID,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         cost,
		Timestamp:    time.Now(),
	}
	if err := r.store.LogUsage(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to record usage", zap.Error(err))
	}
}

// Finish stores the final counts. The status is derived from runErr:
// context cancellation marks the run interrupted, any other error failed.
func (r *Recorder) Finish(ctx context.Context, counts Counts, runErr error) error {
	if r == nil {
		return nil
	}
	r.run.FinishedAt = time.Now()
	r.run.Counts = counts
	switch {
	case runErr == nil:
		r.run.Status = StatusCompleted
	case ctx.Err() != nil || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		r.run.Status = StatusInterrupted
	default:
		r.run.Status = StatusFailed
	}

	if err := r.store.FinishRun(context.WithoutCancel(ctx), r.run); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}
