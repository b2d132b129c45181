package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/manash/agrivqa/internal/keys"
)

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
		Long: `Stores provider API keys in keys.json under the user config directory.

Keys are resolved in order: --api-key, stored key, environment variable.`,
	}

	set := &cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Store a key (read from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysSet(app, cmd.InOrStdin(), args)
		},
	}
	get := &cobra.Command{
		Use:   "get <provider>",
		Short: "Show the key a run would use, masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysGet(app, args[0])
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List providers with a stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(app)
		},
	}
	del := &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.KeyStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted %s key\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, get, list, del)
	return cmd
}

func checkProvider(name string) error {
	if !slices.Contains(keys.Providers(), name) {
		return fmt.Errorf("unknown provider %q (valid: %s)", name, strings.Join(keys.Providers(), ", "))
	}
	return nil
}

func runKeysSet(app *App, in io.Reader, args []string) error {
	provider := args[0]
	if err := checkProvider(provider); err != nil {
		return err
	}

	var key string
	if len(args) == 2 {
		key = args[1]
	} else {
		var err error
		if key, err = readKey(app, in, provider); err != nil {
			return err
		}
	}

	store, err := app.KeyStore()
	if err != nil {
		return err
	}
	if err := store.Set(provider, key); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Stored %s key %s in %s\n", provider, keys.MaskKey(strings.TrimSpace(key)), store.Path())
	return nil
}

// readKey reads a key without echo from a terminal, or one line from in.
func readKey(app *App, in io.Reader, provider string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(app.Err, "Enter %s API key: ", provider)
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(app.Err)
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return "", errors.New("no key given")
	}
	return line, nil
}

func runKeysGet(app *App, provider string) error {
	if err := checkProvider(provider); err != nil {
		return err
	}
	store, err := app.KeyStore()
	if err != nil {
		store = nil
	}
	key, source, err := store.Resolve("", provider, app.GetEnv)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "%s: %s (from %s)\n", provider, keys.MaskKey(key), source)
	return nil
}

func runKeysList(app *App) error {
	store, err := app.KeyStore()
	if err != nil {
		return err
	}
	providers, err := store.List()
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		fmt.Fprintln(app.Out, "No keys stored.")
		return nil
	}
	for _, p := range providers {
		key, err := store.Get(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "%s: %s\n", p, keys.MaskKey(key))
	}
	return nil
}
