package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/config"
	"github.com/manash/agrivqa/internal/cost"
	"github.com/manash/agrivqa/internal/image"
	"github.com/manash/agrivqa/internal/keys"
	"github.com/manash/agrivqa/internal/ledger"
	"github.com/manash/agrivqa/internal/logging"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/provider"
	"github.com/manash/agrivqa/internal/provider/fake"
	"github.com/manash/agrivqa/internal/provider/gemini"
	"github.com/manash/agrivqa/internal/provider/openai"
	"github.com/manash/agrivqa/internal/retry"
	"github.com/manash/agrivqa/internal/stage"
	"github.com/manash/agrivqa/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfig             string
	flagProvider           string
	flagModel              string
	flagBaseURL            string
	flagAPIKey             string
	flagVerbose            bool
	flagLogFormat          string
	flagParallel           int
	flagNoLedger           bool
	flagLedgerPath         string
	flagImageRoot          string
	flagImageFinalTurnOnly bool
	flagPromptsDir         string
)

type App struct {
	Out         io.Writer
	Err         io.Writer
	Registry    *models.ModelRegistry
	GetEnv      func(string) string
	LoadDotEnv  func() error
	NewProvider func(ctx context.Context, pt models.ProviderType, cfg *provider.Config, registry *models.ModelRegistry) (provider.Provider, error)
	KeyStore    func() (*keys.Store, error)
	LedgerPath  func() (string, error)
	PricingPath func() (string, error)
}

func DefaultApp() *App {
	return &App{
		Out:         os.Stdout,
		Err:         os.Stderr,
		Registry:    models.DefaultRegistry(),
		GetEnv:      os.Getenv,
		LoadDotEnv:  func() error { return config.LoadDotEnv() },
		NewProvider: newProvider,
		KeyStore:    keys.NewStore,
		LedgerPath:  ledger.DefaultPath,
		PricingPath: cost.DefaultPricingPath,
	}
}

func newProvider(ctx context.Context, pt models.ProviderType, cfg *provider.Config, registry *models.ModelRegistry) (provider.Provider, error) {
	switch pt {
	case models.ProviderOpenAI:
		return openai.New(cfg, registry)
	case models.ProviderGemini:
		return gemini.New(ctx, cfg, registry)
	case models.ProviderMock:
		return fake.Canned(), nil
	}
	return nil, fmt.Errorf("%w: %s", provider.ErrProviderNotFound, pt)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agrivqa",
		Short: "Build agricultural visual question answering datasets with vision-language models",
		Long: `agrivqa runs the dataset pipeline over JSON files of crop disease records:

  caption   describe each image
  refine    judge captions and rewrite weak ones
  vqa       generate two candidate answers per question
  select    judge the candidates and keep the better one

Every stage reads a JSON array of records and writes a new one, keeping
record fields in their original order.

Examples:
  agrivqa caption -i records.json -o captioned.json
  agrivqa refine -i captioned.json -o refined.json --threshold 8
  agrivqa vqa --task diagnosis -i questions.json -o answers.json
  agrivqa select --task knowledge -i a.json --input2 b.json -o best.json`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", config.DefaultFile, "config file")
	pf.StringVar(&flagProvider, "provider", "", "provider (openai, gemini, mock); defaults to the model's provider")
	pf.StringVarP(&flagModel, "model", "m", "", "model name")
	pf.StringVar(&flagBaseURL, "base-url", "", "OpenAI-compatible API base URL")
	pf.StringVar(&flagAPIKey, "api-key", "", "API key (defaults to the stored key, then the environment)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format (console, json)")
	pf.IntVarP(&flagParallel, "parallel", "p", 0, "records processed concurrently")
	pf.BoolVar(&flagNoLedger, "no-ledger", false, "do not record the run")
	pf.StringVar(&flagLedgerPath, "ledger-path", "", "run ledger database path")
	pf.StringVar(&flagImageRoot, "image-root", "", "directory relative image paths resolve against")
	pf.BoolVar(&flagImageFinalTurnOnly, "image-final-turn-only", false, "attach the image to the final turn only, not the few-shot turns")
	pf.StringVar(&flagPromptsDir, "prompts-dir", "", "directory of prompt task overrides (<task>.yaml)")

	cmd.AddCommand(
		newCaptionCmd(app),
		newRefineCmd(app),
		newVQACmd(app),
		newSelectCmd(app),
		newRunsCmd(app),
		newKeysCmd(app),
		newModelsCmd(app),
		newPricingCmd(app),
		newPromptsCmd(app),
	)
	return cmd
}

// runtime is the loaded configuration with the resources a command needs.
type runtime struct {
	app    *App
	cfg    *config.Config
	logger *zap.Logger
	costs  *cost.Calculator
	store  *ledger.Store
}

func (app *App) load() (*runtime, error) {
	if app.LoadDotEnv != nil {
		if err := app.LoadDotEnv(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(flagConfig, app.GetEnv)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)

	level := cfg.Logging.Level
	if flagVerbose {
		level = "debug"
	}
	logger, err := logging.NewWithWriter(app.Err, level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &runtime{app: app, cfg: cfg, logger: logger}
	rt.costs = rt.calculator()
	return rt, nil
}

func applyFlags(cfg *config.Config) {
	if flagProvider != "" {
		cfg.Provider = flagProvider
	}
	if flagModel != "" {
		cfg.Model = flagModel
		cfg.Caption.Model, cfg.Refine.Model, cfg.VQA.Model, cfg.Select.Model = "", "", "", ""
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if flagParallel > 0 {
		cfg.Parallel = flagParallel
	}
	if flagNoLedger {
		cfg.Ledger.Disabled = true
	}
	if flagLedgerPath != "" {
		cfg.Ledger.Path = flagLedgerPath
	}
	if flagImageRoot != "" {
		cfg.ImageRoot = flagImageRoot
	}
	if flagImageFinalTurnOnly {
		cfg.ImageFinalTurnOnly = true
	}
	if flagPromptsDir != "" {
		cfg.PromptsDir = flagPromptsDir
	}
}

func (rt *runtime) close() {
	if rt.store != nil {
		rt.store.Close()
	}
	_ = rt.logger.Sync()
}

func (rt *runtime) pricingPath() string {
	if rt.cfg.PricingFile != "" {
		return rt.cfg.PricingFile
	}
	if rt.app.PricingPath == nil {
		return ""
	}
	path, err := rt.app.PricingPath()
	if err != nil {
		return ""
	}
	return path
}

func (rt *runtime) calculator() *cost.Calculator {
	path := rt.pricingPath()
	if path == "" {
		return cost.NewCalculator()
	}
	pricing, err := cost.LoadPricing(path)
	if err != nil {
		rt.logger.Warn("ignoring pricing overrides", zap.String("path", path), zap.Error(err))
		return cost.NewCalculator()
	}
	return cost.NewCalculatorWithOverrides(pricing)
}

// openLedger opens the run ledger. A ledger that cannot be opened is
// logged and skipped.
func (rt *runtime) openLedger() *ledger.Store {
	if rt.cfg.Ledger.Disabled {
		return nil
	}
	if rt.store != nil {
		return rt.store
	}
	path := rt.cfg.Ledger.Path
	if path == "" && rt.app.LedgerPath != nil {
		p, err := rt.app.LedgerPath()
		if err != nil {
			rt.logger.Warn("run ledger disabled", zap.Error(err))
			return nil
		}
		path = p
	}
	store, err := ledger.NewStoreWithPath(path)
	if err != nil {
		rt.logger.Warn("run ledger disabled", zap.String("path", path), zap.Error(err))
		return nil
	}
	rt.store = store
	return store
}

// providerType picks the provider for model: the configured one when set
// explicitly, else the registry's, else the config default.
func (rt *runtime) providerType(model string) (models.ProviderType, error) {
	name := rt.cfg.Provider
	if flagProvider == "" && rt.app.GetEnv("AGRIVQA_PROVIDER") == "" {
		if caps, ok := rt.app.Registry.Get(model); ok {
			name = string(caps.Provider)
		}
	}
	return models.ParseProviderType(name)
}

// stagePlan describes how one stage calls its model.
type stagePlan struct {
	name     string
	task     string
	settings config.StageConfig
	policy   retry.Policy
	effort   string
}

// env builds the stage environment for plan.
func (rt *runtime) env(ctx context.Context, plan stagePlan) (*stage.Env, error) {
	model := rt.cfg.ModelFor(plan.settings)
	pt, err := rt.providerType(model)
	if err != nil {
		return nil, err
	}
	rt.app.Registry.SetFallbackProvider(pt)

	pcfg := &provider.Config{
		BaseURL:    rt.cfg.BaseURL,
		TimeoutSec: rt.cfg.TimeoutSec,
		Verbose:    flagVerbose,
		Logger:     rt.logger,
	}
	if pt != models.ProviderMock {
		store, err := rt.app.KeyStore()
		if err != nil {
			store = nil
		}
		key, source, err := store.Resolve(flagAPIKey, string(pt), rt.app.GetEnv)
		if err != nil {
			return nil, err
		}
		rt.logger.Debug("using API key", zap.String("provider", string(pt)), zap.String("source", source))
		pcfg.APIKey = key
	}

	prov, err := rt.app.NewProvider(ctx, pt, pcfg, rt.app.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	sampling := models.Sampling{
		Temperature:     plan.settings.Temperature,
		MaxTokens:       plan.settings.MaxTokens,
		ReasoningEffort: plan.effort,
	}
	logger := rt.logger.With(zap.String("stage", plan.name))

	return &stage.Env{
		Caller: &stage.Caller{
			Provider: prov,
			Model:    model,
			Registry: rt.app.Registry,
			Policy:   plan.policy,
			Sampling: sampling,
			Costs:    rt.costs,
			Logger:   logger,
		},
		Images:     image.NewLoader(rt.cfg.ImageRoot),
		PromptDir:  rt.cfg.PromptsDir,
		PromptOpts: prompt.Options{FinalTurnOnly: rt.cfg.ImageFinalTurnOnly},
		Processor:  batch.NewProcessor(rt.app.Out, rt.app.Err, logger),
		Batch:      batch.Options{Parallel: rt.cfg.Parallel},
		Logger:     logger,
	}, nil
}

// startRun opens a ledger run for env. Without a ledger the recorder is nil
// and recording is a no-op.
func (rt *runtime) startRun(ctx context.Context, env *stage.Env, plan stagePlan, input, output string, opts ledger.RunOptions) *ledger.Recorder {
	store := rt.openLedger()
	if store == nil {
		return nil
	}
	opts.BaseURL = rt.cfg.BaseURL
	opts.Parallel = rt.cfg.Parallel
	opts.PromptsDir = rt.cfg.PromptsDir
	opts.ImageFinalTurnOnly = rt.cfg.ImageFinalTurnOnly
	if t := plan.settings.Temperature; t != nil {
		opts.Temperature = *t
	}
	opts.Reasoning = plan.effort

	rec, err := ledger.Start(ctx, store, &ledger.Run{
		Stage:    plan.name,
		Task:     plan.task,
		Provider: string(env.Caller.Provider.Name()),
		Model:    env.Caller.Model,
		Input:    input,
		Output:   output,
		Options:  opts,
	}, rt.logger)
	if err != nil {
		rt.logger.Warn("run not recorded", zap.Error(err))
		return nil
	}
	env.Recorder = rec
	return rec
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// interrupted reports whether err is a cancelled run, whose partial output
// is still written.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
