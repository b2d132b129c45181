package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/manash/agrivqa/internal/repair"
	"github.com/manash/agrivqa/pkg/models"
)

type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIP"
	default:
		return "PENDING"
	}
}

type Result struct {
	Index    int
	Label    string
	Status   Status
	Message  string
	Attempts int
	Repaired bool
	Usage    models.Usage
	Cost     float64
	Error    error
	Duration time.Duration
}

// Handler processes the item at index and reports how it went. A Result with
// a non-nil Error counts as a failure for StopOnError.
type Handler func(ctx context.Context, index int) Result

// Options selects the run mode. With BatchSize set, each batch runs
// concurrently up to its own size, capped by Parallel when that is set.
// Otherwise Parallel above 1 runs items concurrently.
type Options struct {
	Parallel    int
	BatchSize   int
	BatchDelay  time.Duration
	Delay       time.Duration
	StopOnError bool

	// Checkpoint is called with the length of the completed prefix of the
	// input every CheckpointEvery completed items.
	CheckpointEvery int
	Checkpoint      func(prefix int) error
}

type Processor struct {
	out         io.Writer
	err         io.Writer
	logger      *zap.Logger
	interactive bool
	outMu       sync.Mutex
}

func NewProcessor(out, errOut io.Writer, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		out:         out,
		err:         errOut,
		logger:      logger,
		interactive: isTerminal(errOut),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Processor) printf(format string, args ...interface{}) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...interface{}) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

type run struct {
	p        *Processor
	opts     *Options
	results  []Result
	finished []bool
	done     int
	prefix   int
	mu       sync.Mutex
}

func (p *Processor) Process(ctx context.Context, total int, handler Handler, opts *Options) ([]Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	r := &run{
		p:        p,
		opts:     opts,
		results:  make([]Result, total),
		finished: make([]bool, total),
	}
	for i := range r.results {
		r.results[i].Index = i
	}

	var err error
	switch {
	case opts.BatchSize > 0:
		err = r.batches(ctx, handler)
	case opts.Parallel <= 1:
		err = r.sequential(ctx, handler)
	default:
		err = r.parallel(ctx, 0, total, opts.Parallel, handler)
	}

	if p.interactive {
		p.errorf("\r\033[K")
	}
	return r.results, err
}

func (r *run) sequential(ctx context.Context, handler Handler) error {
	total := len(r.results)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := r.exec(ctx, handler, i)
		if res.Error != nil && r.opts.StopOnError {
			return fmt.Errorf("stopped at item %d: %w", i+1, res.Error)
		}

		if r.opts.Delay > 0 && i < total-1 {
			if err := sleep(ctx, r.opts.Delay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) batches(ctx context.Context, handler Handler) error {
	total := len(r.results)
	limit := r.opts.BatchSize
	if r.opts.Parallel > 0 && r.opts.Parallel < limit {
		limit = r.opts.Parallel
	}

	for start := 0; start < total; start += r.opts.BatchSize {
		end := start + r.opts.BatchSize
		if end > total {
			end = total
		}
		if err := r.parallel(ctx, start, end, limit, handler); err != nil {
			return err
		}
		if r.opts.BatchDelay > 0 && end < total {
			if err := sleep(ctx, r.opts.BatchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) parallel(ctx context.Context, start, end, limit int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := start; i < end; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := r.exec(gctx, handler, i)
			if res.Error != nil && r.opts.StopOnError {
				return fmt.Errorf("batch stopped due to error at item %d: %w", i+1, res.Error)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return ctx.Err()
}

func (r *run) exec(ctx context.Context, handler Handler, i int) Result {
	start := time.Now()
	res := handler(ctx, i)
	res.Index = i
	res.Duration = time.Since(start)
	if res.Status == StatusPending {
		if res.Error != nil {
			res.Status = StatusError
		} else {
			res.Status = StatusOK
		}
	}

	r.mu.Lock()
	r.results[i] = res
	r.finished[i] = true
	r.done++
	for r.prefix < len(r.finished) && r.finished[r.prefix] {
		r.prefix++
	}
	done, prefix := r.done, r.prefix
	r.report(res, done)
	var cpErr error
	if r.opts.Checkpoint != nil && r.opts.CheckpointEvery > 0 && done%r.opts.CheckpointEvery == 0 {
		cpErr = r.opts.Checkpoint(prefix)
	}
	r.mu.Unlock()

	if cpErr != nil {
		r.p.logger.Warn("checkpoint failed", zap.Int("prefix", prefix), zap.Error(cpErr))
	}
	return res
}

func (r *run) report(res Result, done int) {
	p := r.p
	total := len(r.results)
	if p.interactive {
		p.errorf("\r\033[K")
	}

	line := fmt.Sprintf("[%s] [%d/%d] %s", res.Status, res.Index+1, total, res.Message)
	if res.Message == "" {
		line = fmt.Sprintf("[%s] [%d/%d] %s", res.Status, res.Index+1, total, res.Label)
	}
	if res.Status == StatusError {
		p.errorf("%s\n", line)
	} else {
		p.printf("%s\n", line)
	}

	if p.interactive {
		p.errorf("Progress: %d/%d (%.0f%%)", done, total, float64(done)/float64(total)*100)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Summary struct {
	Total     int
	Succeeded int
	Warnings  int
	Failed    int
	Skipped   int
	Pending   int
	Repaired  int
	Attempts  int
	Usage     models.Usage
	Cost      float64
	Elapsed   time.Duration
}

func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusOK:
			s.Succeeded++
		case StatusWarning:
			s.Succeeded++
			s.Warnings++
		case StatusError:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
		if r.Repaired {
			s.Repaired++
		}
		s.Attempts += r.Attempts
		s.Usage = s.Usage.Add(r.Usage)
		s.Cost += r.Cost
		s.Elapsed += r.Duration
	}
	return s
}

func (p *Processor) PrintSummary(results []Result) {
	s := Summarize(results)

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d records\n", s.Succeeded, s.Total)
	if s.Warnings > 0 {
		fmt.Fprintf(p.out, "  Warnings: %d\n", s.Warnings)
	}
	if s.Repaired > 0 {
		fmt.Fprintf(p.out, "  Repaired replies: %d\n", s.Repaired)
	}
	if s.Skipped > 0 {
		fmt.Fprintf(p.out, "  Skipped: %d\n", s.Skipped)
	}
	if s.Pending > 0 {
		fmt.Fprintf(p.out, "  Not processed: %d\n", s.Pending)
	}
	if s.Failed > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", s.Failed)
	}
	if s.Usage.Total() > 0 {
		fmt.Fprintf(p.out, "  Tokens: %d in / %d out\n", s.Usage.InputTokens, s.Usage.OutputTokens)
	}
	fmt.Fprintf(p.out, "  Total cost: $%.4f\n", s.Cost)

	if s.Failed > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, r := range results {
			if r.Status == StatusError {
				fmt.Fprintf(p.out, "  [%d] %s: %v\n", r.Index+1, repair.Truncate(r.Label, 40), r.Error)
			}
		}
	}
}
