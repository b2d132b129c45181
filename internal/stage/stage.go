package stage

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/image"
	"github.com/manash/agrivqa/internal/ledger"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/record"
)

// Env is what every stage runs with.
type Env struct {
	Caller     *Caller
	Images     *image.Loader
	PromptDir  string
	PromptOpts prompt.Options
	Processor  *batch.Processor
	Batch      batch.Options
	Checkpoint *record.Checkpointer
	Recorder   *ledger.Recorder
	Logger     *zap.Logger
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) template(name string) (*prompt.Template, error) {
	return prompt.LoadDir(e.PromptDir, name)
}

// process runs handler over total items. out[i] must be set by the handler
// for every item it keeps; checkpoints write the kept records of the
// completed prefix.
func (e *Env) process(ctx context.Context, total int, out []*record.Record, handler batch.Handler, opts batch.Options) ([]batch.Result, error) {
	if e.Checkpoint != nil && opts.CheckpointEvery == 0 {
		opts.CheckpointEvery = e.Checkpoint.Every()
	}
	if e.Checkpoint != nil && opts.CheckpointEvery > 0 {
		opts.Checkpoint = func(prefix int) error {
			return e.Checkpoint.Save(kept(out[:prefix]))
		}
	}

	results, err := e.Processor.Process(ctx, total, handler, &opts)
	e.record(ctx, results)
	return results, err
}

func (e *Env) record(ctx context.Context, results []batch.Result) {
	if e.Recorder == nil {
		return
	}
	for _, r := range results {
		if r.Status == batch.StatusPending {
			continue
		}
		msg := r.Message
		if r.Error != nil {
			msg = r.Error.Error()
		}
		e.Recorder.Event(ctx, ledger.Event{
			Index:    r.Index,
			Label:    r.Label,
			Status:   r.Status.String(),
			Attempts: r.Attempts,
			Repaired: r.Repaired,
			Message:  msg,
		})
		e.Recorder.Usage(ctx, e.Caller.Model, r.Usage, r.Cost)
	}
}

// Counts summarizes results for the run ledger.
func Counts(results []batch.Result) ledger.Counts {
	s := batch.Summarize(results)
	return ledger.Counts{
		Total:     s.Total,
		Processed: s.Succeeded,
		Repaired:  s.Repaired,
		Failed:    s.Failed,
	}
}

func kept(recs []*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
