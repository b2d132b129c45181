package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/ledger"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/internal/retry"
	"github.com/manash/agrivqa/internal/security"
	"github.com/manash/agrivqa/internal/stage"
)

const (
	indentCompact = 2
	indentWide    = 4
)

var (
	flagInput           string
	flagOutput          string
	flagCheckpointEvery int
	flagThreshold       int
	flagTask            string
	flagReasoningEffort string
	flagInput2          string
	flagEvalOutput      string
	flagBatchSize       int
	flagBatchDelay      time.Duration
)

func addIOFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagInput, "input", "i", "", "input JSON file")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output JSON file")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
}

func newCaptionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caption",
		Short: "Caption every record's image",
		Long: `Generates an image_caption for every record with an image field.
Records without an image are dropped. Progress is checkpointed to
temp_<output> while the run is in flight.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaption(cmd, app)
		},
	}
	addIOFlags(cmd)
	cmd.Flags().IntVar(&flagCheckpointEvery, "checkpoint-every", 0, "checkpoint every N records (default from config, 10)")
	return cmd
}

func newRefineCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refine",
		Short: "Judge captions and rewrite those rated below the threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefine(cmd, app)
		},
	}
	addIOFlags(cmd)
	cmd.Flags().IntVar(&flagThreshold, "threshold", 0, "optimize captions rated below this (default from config, 8)")
	return cmd
}

func newVQACmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vqa",
		Short: "Generate two candidate answers per question",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVQA(cmd, app)
		},
	}
	addIOFlags(cmd)
	cmd.Flags().StringVar(&flagTask, "task", stage.TaskDiagnosis, "task (diagnosis, knowledge)")
	cmd.Flags().StringVar(&flagReasoningEffort, "reasoning-effort", "", "reasoning effort for reasoning models (default per task)")
	return cmd
}

func newSelectCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Judge candidate answers and keep the better one",
		Long: `diagnosis: judges generation_answer1 against generation_answer2 in each record.
knowledge: judges the generation_answer of record i in --input against
record i in --input2 and keeps the better record.

Every verdict is also written to the evaluation file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd, app)
		},
	}
	addIOFlags(cmd)
	cmd.Flags().StringVar(&flagTask, "task", stage.TaskDiagnosis, "task (diagnosis, knowledge)")
	cmd.Flags().StringVar(&flagInput2, "input2", "", "second input file (knowledge)")
	cmd.Flags().StringVar(&flagEvalOutput, "evaluation-output", "", "evaluation results file (default from config, "+stage.DefaultEvaluationFile+")")
	cmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "records judged per batch (default from config, 5)")
	cmd.Flags().DurationVar(&flagBatchDelay, "batch-delay", 0, "pause between batches (default from config, 1s)")
	return cmd
}

func validateOutputs(paths ...string) error {
	for _, p := range paths {
		if err := security.ValidateOutputPath(p); err != nil {
			return fmt.Errorf("invalid output path %q: %w", p, err)
		}
	}
	return nil
}

// completion is a finished stage run to be written and reported.
type completion struct {
	recs    []*record.Record
	indent  int
	results []batch.Result
	report  func(w io.Writer)
	err     error
}

// finish writes the output, prints the summary and closes the ledger run.
// Interrupted runs still write what they completed.
func (rt *runtime) finish(ctx context.Context, env *stage.Env, rec *ledger.Recorder, c completion) error {
	if c.report == nil {
		rec.Finish(ctx, ledger.Counts{}, c.err)
		return c.err
	}

	if err := record.Save(flagOutput, c.recs, c.indent); err != nil {
		err = fmt.Errorf("failed to write output: %w", err)
		rec.Finish(ctx, stage.Counts(c.results), err)
		return err
	}
	if env.Checkpoint != nil {
		if err := env.Checkpoint.Remove(); err != nil {
			rt.logger.Warn("failed to remove checkpoint", zap.String("path", env.Checkpoint.Path()), zap.Error(err))
		}
	}

	env.Processor.PrintSummary(c.results)
	fmt.Fprintln(rt.app.Out)
	c.report(rt.app.Out)
	if id := rec.RunID(); id != "" {
		fmt.Fprintf(rt.app.Out, "Run: %s\n", id)
	}

	rec.Finish(ctx, stage.Counts(c.results), c.err)
	if interrupted(c.err) {
		fmt.Fprintf(rt.app.Err, "Interrupted: partial output written to %s\n", flagOutput)
	}
	return c.err
}

func runCaption(cmd *cobra.Command, app *App) error {
	if err := validateOutputs(flagOutput); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := app.load()
	if err != nil {
		return err
	}
	defer rt.close()

	recs, err := record.Load(flagInput)
	if err != nil {
		return err
	}

	plan := stagePlan{name: "caption", settings: rt.cfg.Caption.StageConfig, policy: retry.Standard}
	env, err := rt.env(ctx, plan)
	if err != nil {
		return err
	}
	every := rt.cfg.Caption.CheckpointEvery
	if flagCheckpointEvery > 0 {
		every = flagCheckpointEvery
	}
	env.Checkpoint = record.NewCheckpointer(flagOutput, every, indentCompact)
	rec := rt.startRun(ctx, env, plan, flagInput, flagOutput, ledger.RunOptions{})

	fmt.Fprintf(app.Out, "Captioning %d records with %s...\n", len(recs), env.Caller.Model)
	out, report, runErr := env.Caption(ctx, recs)
	c := completion{recs: out, indent: indentCompact, err: runErr}
	if report != nil {
		c.results = report.Results
		c.report = func(w io.Writer) { report.Print(w, flagOutput) }
	}
	return rt.finish(ctx, env, rec, c)
}

func runRefine(cmd *cobra.Command, app *App) error {
	if err := validateOutputs(flagOutput); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := app.load()
	if err != nil {
		return err
	}
	defer rt.close()

	recs, err := record.Load(flagInput)
	if err != nil {
		return err
	}

	threshold := rt.cfg.Refine.Threshold
	if flagThreshold > 0 {
		threshold = flagThreshold
	}

	plan := stagePlan{name: "refine", settings: rt.cfg.Refine.StageConfig, policy: retry.Standard}
	env, err := rt.env(ctx, plan)
	if err != nil {
		return err
	}
	rec := rt.startRun(ctx, env, plan, flagInput, flagOutput, ledger.RunOptions{Threshold: threshold})

	fmt.Fprintf(app.Out, "Refining %d captions with %s (threshold %d)...\n", len(recs), env.Caller.Model, threshold)
	out, report, runErr := env.Refine(ctx, recs, stage.RefineOptions{Threshold: threshold})
	c := completion{recs: out, indent: indentWide, err: runErr}
	if report != nil {
		c.results = report.Results
		c.report = report.Print
	}
	return rt.finish(ctx, env, rec, c)
}

func runVQA(cmd *cobra.Command, app *App) error {
	if err := validateOutputs(flagOutput); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := app.load()
	if err != nil {
		return err
	}
	defer rt.close()

	recs, err := record.Load(flagInput)
	if err != nil {
		return err
	}

	effort := rt.cfg.VQA.ReasoningEffort
	if flagReasoningEffort != "" {
		effort = flagReasoningEffort
	}

	plan := stagePlan{name: "vqa", task: flagTask, settings: rt.cfg.VQA.StageConfig, policy: retry.Quick, effort: effort}
	env, err := rt.env(ctx, plan)
	if err != nil {
		return err
	}
	rec := rt.startRun(ctx, env, plan, flagInput, flagOutput, ledger.RunOptions{})

	fmt.Fprintf(app.Out, "Answering %d %s questions with %s...\n", len(recs), flagTask, env.Caller.Model)
	out, report, runErr := env.VQA(ctx, recs, flagTask)
	c := completion{recs: out, indent: indentCompact, err: runErr}
	if report != nil {
		c.results = report.Results
		c.report = func(w io.Writer) { report.Print(w, flagOutput) }
	}
	return rt.finish(ctx, env, rec, c)
}

func runSelect(cmd *cobra.Command, app *App) error {
	if flagTask == stage.TaskKnowledge && flagInput2 == "" {
		return fmt.Errorf("--input2 is required for the knowledge task")
	}
	if flagTask != stage.TaskKnowledge && flagTask != stage.TaskDiagnosis {
		return fmt.Errorf("%w %q (valid: %v)", stage.ErrUnknownTask, flagTask, stage.Tasks())
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := app.load()
	if err != nil {
		return err
	}
	defer rt.close()

	first, err := record.Load(flagInput)
	if err != nil {
		return err
	}
	var second []*record.Record
	if flagTask == stage.TaskKnowledge {
		if second, err = record.Load(flagInput2); err != nil {
			return err
		}
	}

	batchSize := rt.cfg.Select.BatchSize
	if flagBatchSize > 0 {
		batchSize = flagBatchSize
	}
	delay, _ := rt.cfg.Select.Delay()
	if cmd.Flags().Changed("batch-delay") {
		delay = flagBatchDelay
	}
	evalPath := rt.cfg.Select.EvaluationFile
	if flagEvalOutput != "" {
		evalPath = flagEvalOutput
	}
	if err := validateOutputs(flagOutput, evalPath); err != nil {
		return err
	}

	plan := stagePlan{name: "select", task: flagTask, settings: rt.cfg.Select.StageConfig, policy: retry.Standard}
	env, err := rt.env(ctx, plan)
	if err != nil {
		return err
	}
	env.Batch.BatchSize = batchSize
	env.Batch.BatchDelay = delay
	rec := rt.startRun(ctx, env, plan, flagInput, flagOutput, ledger.RunOptions{BatchSize: batchSize})

	fmt.Fprintf(app.Out, "Judging %d %s answer pairs with %s...\n", len(first), flagTask, env.Caller.Model)
	var (
		out    []*record.Record
		report *stage.SelectReport
		runErr error
	)
	if flagTask == stage.TaskKnowledge {
		out, report, runErr = env.SelectKnowledge(ctx, first, second)
	} else {
		out, report, runErr = env.SelectDiagnosis(ctx, first)
	}

	c := completion{recs: out, indent: indentWide, err: runErr}
	if report != nil {
		c.results = report.Results
		c.report = func(w io.Writer) {
			report.Print(w)
			fmt.Fprintf(w, "Evaluation results saved to %s\n", evalPath)
		}
		if err := record.Save(evalPath, report.Evaluations, indentWide); err != nil {
			err = fmt.Errorf("failed to write evaluation results: %w", err)
			rec.Finish(ctx, stage.Counts(report.Results), err)
			return err
		}
	}
	return rt.finish(ctx, env, rec, c)
}
