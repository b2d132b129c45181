package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/agrivqa/internal/ledger"
	"github.com/manash/agrivqa/internal/repair"
)

var (
	flagRunsLimit  int
	flagShowEvents bool
)

func newRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(app, func(ctx context.Context, store *ledger.Store) error {
				return runRunsList(ctx, app, store)
			})
		},
	}
	list.Flags().IntVarP(&flagRunsLimit, "limit", "n", 20, "number of runs to show")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run (an ID prefix is enough)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(app, func(ctx context.Context, store *ledger.Store) error {
				return runRunsShow(ctx, app, store, args[0])
			})
		},
	}
	show.Flags().BoolVar(&flagShowEvents, "events", false, "list per-record events")

	usage := &cobra.Command{
		Use:   "usage [today|week|month|total|model]",
		Short: "Show token usage and cost",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(app, func(ctx context.Context, store *ledger.Store) error {
				return runRunsUsage(ctx, app, store, args)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(app, func(ctx context.Context, store *ledger.Store) error {
				run, err := store.FindRun(ctx, args[0])
				if err != nil {
					return err
				}
				if err := store.DeleteRun(ctx, run.ID); err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Deleted run %s\n", run.ID)
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, usage, del)
	return cmd
}

func withLedger(app *App, fn func(ctx context.Context, store *ledger.Store) error) error {
	rt, err := app.load()
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.Ledger.Disabled {
		return errors.New("run ledger is disabled")
	}
	store := rt.openLedger()
	if store == nil {
		return errors.New("run ledger is unavailable (see warnings above)")
	}
	return fn(context.Background(), store)
}

func runRunsList(ctx context.Context, app *App, store *ledger.Store) error {
	runs, err := store.ListRuns(ctx, flagRunsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(app.Out, "No runs recorded.")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		stageName := r.Stage
		if r.Task != "" {
			stageName += "/" + r.Task
		}
		rows = append(rows, []string{
			shortID(r.ID),
			stageName,
			r.Model,
			r.Status,
			fmt.Sprintf("%d/%d", r.Counts.Processed, r.Counts.Total),
			ledger.FormatTimestamp(r.StartedAt),
		})
	}
	renderTable(app.Out, []string{"ID", "STAGE", "MODEL", "STATUS", "OK", "STARTED"}, rows)
	return nil
}

func runRunsShow(ctx context.Context, app *App, store *ledger.Store, prefix string) error {
	run, err := store.FindRun(ctx, prefix)
	if err != nil {
		return err
	}
	usage, err := store.GetRunUsage(ctx, run.ID)
	if err != nil {
		return err
	}

	w := app.Out
	fmt.Fprintf(w, "Run:       %s\n", run.ID)
	fmt.Fprintf(w, "Stage:     %s\n", run.Stage)
	if run.Task != "" {
		fmt.Fprintf(w, "Task:      %s\n", run.Task)
	}
	fmt.Fprintf(w, "Model:     %s (%s)\n", run.Model, run.Provider)
	fmt.Fprintf(w, "Input:     %s\n", run.Input)
	fmt.Fprintf(w, "Output:    %s\n", run.Output)
	fmt.Fprintf(w, "Status:    %s\n", run.Status)
	fmt.Fprintf(w, "Started:   %s\n", ledger.FormatTimestamp(run.StartedAt))
	fmt.Fprintf(w, "Finished:  %s\n", ledger.FormatTimestamp(run.FinishedAt))
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(w, "Duration:  %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Records:   %d processed, %d repaired, %d failed of %d\n",
		run.Counts.Processed, run.Counts.Repaired, run.Counts.Failed, run.Counts.Total)
	fmt.Fprintf(w, "Tokens:    %d in / %d out\n", usage.InputTokens, usage.OutputTokens)
	fmt.Fprintf(w, "Cost:      $%.4f\n", usage.Cost)

	if !flagShowEvents {
		return nil
	}
	events, err := store.ListEvents(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		repaired := ""
		if ev.Repaired {
			repaired = "yes"
		}
		rows = append(rows, []string{
			fmt.Sprint(ev.Index + 1),
			repair.Truncate(ev.Label, 40),
			ev.Status,
			fmt.Sprint(ev.Attempts),
			repaired,
			repair.Truncate(ev.Message, 60),
		})
	}
	renderTable(w, []string{"#", "RECORD", "STATUS", "ATTEMPTS", "REPAIRED", "MESSAGE"}, rows)
	return nil
}

func runRunsUsage(ctx context.Context, app *App, store *ledger.Store, args []string) error {
	period := "total"
	if len(args) > 0 {
		period = strings.ToLower(args[0])
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		label   string
		summary *ledger.UsageSummary
		err     error
	)
	switch period {
	case "today":
		label = "Today's usage"
		summary, err = store.GetUsageByDateRange(ctx, today, now.Add(time.Second))
	case "week":
		label = "This week's usage"
		start := today.AddDate(0, 0, -int(today.Weekday()))
		summary, err = store.GetUsageByDateRange(ctx, start, now.Add(time.Second))
	case "month":
		label = "This month's usage"
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		summary, err = store.GetUsageByDateRange(ctx, start, now.Add(time.Second))
	case "total":
		label = "Total usage"
		summary, err = store.GetTotalUsage(ctx)
	case "model":
		return runUsageByModel(ctx, app, store)
	default:
		return fmt.Errorf("unknown period %q: use today, week, month, total or model", period)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "%s: $%.4f (%d in / %d out tokens, %d calls)\n",
		label, summary.Cost, summary.InputTokens, summary.OutputTokens, summary.EntryCount)
	return nil
}

func runUsageByModel(ctx context.Context, app *App, store *ledger.Store) error {
	byModel, err := store.GetUsageByModel(ctx)
	if err != nil {
		return err
	}
	if len(byModel) == 0 {
		fmt.Fprintln(app.Out, "No usage recorded.")
		return nil
	}
	rows := make([][]string, 0, len(byModel))
	for _, m := range byModel {
		rows = append(rows, []string{
			m.Model,
			fmt.Sprint(m.InputTokens),
			fmt.Sprint(m.OutputTokens),
			fmt.Sprintf("$%.4f", m.Cost),
		})
	}
	renderTable(app.Out, []string{"MODEL", "INPUT", "OUTPUT", "COST"}, rows)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
