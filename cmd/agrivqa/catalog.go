package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manash/agrivqa/internal/cost"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/internal/security"
)

func newModelsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models with image support and pricing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.load()
			if err != nil {
				return err
			}
			defer rt.close()

			rows := [][]string{}
			for _, name := range app.Registry.List() {
				caps, _ := app.Registry.Get(name)
				images := "no"
				if caps.SupportsImages {
					images = "yes"
				}
				in, out := "-", "-"
				if p, ok := rt.costs.Price(name); ok {
					in, out = fmt.Sprintf("$%.2f", p.Input), fmt.Sprintf("$%.2f", p.Output)
				}
				rows = append(rows, []string{name, string(caps.Provider), images, in, out})
			}
			renderTable(app.Out, []string{"MODEL", "PROVIDER", "IMAGES", "INPUT/1M", "OUTPUT/1M"}, rows)
			fmt.Fprintln(app.Out, "Other model names are sent to the configured provider as-is.")
			return nil
		},
	}
}

func newPricingCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Show or override per-model token prices",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective prices (USD per 1M tokens)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.load()
			if err != nil {
				return err
			}
			defer rt.close()

			local, err := cost.LoadPricing(rt.pricingPath())
			if err != nil {
				return err
			}
			rows := [][]string{}
			for _, model := range rt.costs.Models() {
				p, _ := rt.costs.Price(model)
				source := cost.SourceBuiltin
				if local != nil {
					if _, ok := local.Tokens[model]; ok {
						source = local.Source
					}
				}
				rows = append(rows, []string{model, fmt.Sprintf("$%.2f", p.Input), fmt.Sprintf("$%.2f", p.Output), source})
			}
			renderTable(app.Out, []string{"MODEL", "INPUT", "OUTPUT", "SOURCE"}, rows)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <model> <input-per-1M> <output-per-1M>",
		Short: "Override a model's price",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid input price %q", args[1])
			}
			out, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid output price %q", args[2])
			}
			rt, err := app.load()
			if err != nil {
				return err
			}
			defer rt.close()

			path := rt.pricingPath()
			if path == "" {
				return errors.New("no pricing file location: set pricing_file in the config")
			}
			if err := cost.SetPrice(path, args[0], in, out); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "%s: $%.2f in / $%.2f out per 1M tokens (saved to %s)\n", args[0], in, out, path)
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Remove all price overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.load()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := cost.DeletePricing(rt.pricingPath()); err != nil {
				return err
			}
			fmt.Fprintln(app.Out, "Price overrides removed; using built-in prices.")
			return nil
		},
	}

	cmd.AddCommand(show, set, reset)
	return cmd
}

func newPromptsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List or export the built-in prompt tasks",
		Long: `Prompt tasks hold the system and human templates, few-shot examples,
output fields and sampling defaults of each stage. Export one into the
directory given by --prompts-dir to override it.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List prompt tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := [][]string{}
			for _, name := range prompt.Tasks() {
				tmpl, err := prompt.LoadDir(flagPromptsDir, name)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					name,
					strings.Join(tmpl.Schema.Names(), ", "),
					fmt.Sprint(len(tmpl.Examples)),
					tmpl.Description,
				})
			}
			renderTable(app.Out, []string{"TASK", "FIELDS", "EXAMPLES", "DESCRIPTION"}, rows)
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export <task> <dir>",
		Short: "Write a built-in task to <dir>/<task>.yaml for editing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := prompt.Source(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(args[1], 0755); err != nil {
				return err
			}
			path := filepath.Join(args[1], security.SanitizeFilename(args[0])+".yaml")
			if err := record.WriteFile(path, data); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Wrote %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(list, export)
	return cmd
}
