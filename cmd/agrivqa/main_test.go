package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/agrivqa/internal/keys"
	"github.com/manash/agrivqa/internal/ledger"
	"github.com/manash/agrivqa/internal/provider"
	"github.com/manash/agrivqa/internal/provider/fake"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/pkg/models"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")

// testEnv is a temp workspace with an image, a key store, a ledger and a
// pricing file location.
type testEnv struct {
	dir      string
	out      *bytes.Buffer
	app      *App
	provCfgs []*provider.Config
	provType []models.ProviderType
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leaf.jpg"), jpegBytes, 0644))

	te := &testEnv{dir: dir, out: &bytes.Buffer{}}
	te.app = &App{
		Out:        te.out,
		Err:        te.out,
		Registry:   models.DefaultRegistry(),
		GetEnv:     func(string) string { return "" },
		LoadDotEnv: func() error { return nil },
		NewProvider: func(ctx context.Context, pt models.ProviderType, cfg *provider.Config, registry *models.ModelRegistry) (provider.Provider, error) {
			te.provCfgs = append(te.provCfgs, cfg)
			te.provType = append(te.provType, pt)
			return fake.Canned(), nil
		},
		KeyStore:    func() (*keys.Store, error) { return keys.NewStoreAt(filepath.Join(dir, "config")), nil },
		LedgerPath:  func() (string, error) { return filepath.Join(dir, "runs.db"), nil },
		PricingPath: func() (string, error) { return filepath.Join(dir, "pricing.json"), nil },
	}
	return te
}

func (te *testEnv) path(name string) string {
	return filepath.Join(te.dir, name)
}

func (te *testEnv) write(t *testing.T, name, data string) string {
	t.Helper()
	p := te.path(name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0644))
	return p
}

func (te *testEnv) run(args ...string) error {
	cmd := newRootCmd(te.app)
	cmd.SetArgs(append([]string{"--config", te.path("agrivqa.yaml"), "--image-root", te.dir}, args...))
	return cmd.Execute()
}

func (te *testEnv) load(t *testing.T, name string) []*record.Record {
	t.Helper()
	recs, err := record.Load(te.path(name))
	require.NoError(t, err)
	return recs
}

func (te *testEnv) runs(t *testing.T) []*ledger.Run {
	t.Helper()
	store, err := ledger.NewStoreWithPath(te.path("runs.db"))
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	return runs
}

func TestDefaultApp(t *testing.T) {
	app := DefaultApp()
	assert.NotNil(t, app.Out)
	assert.NotNil(t, app.Err)
	assert.NotNil(t, app.Registry)
	assert.NotNil(t, app.GetEnv)
	assert.NotNil(t, app.LoadDotEnv)
	assert.NotNil(t, app.NewProvider)
	assert.NotNil(t, app.KeyStore)
	assert.NotNil(t, app.LedgerPath)
	assert.NotNil(t, app.PricingPath)
}

func TestNewProvider_Mock(t *testing.T) {
	p, err := newProvider(context.Background(), models.ProviderMock, &provider.Config{}, models.DefaultRegistry())
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMock, p.Name())

	_, err = newProvider(context.Background(), models.ProviderOpenAI, &provider.Config{}, models.DefaultRegistry())
	assert.ErrorIs(t, err, provider.ErrAPIKeyRequired)
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd(newTestEnv(t).app)
	for _, name := range []string{"caption", "refine", "vqa", "select", "runs", "keys", "models", "pricing", "prompts"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestCaption(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[{"image": "leaf.jpg", "question": "What is this?"}, {"question": "no image"}]`)

	err := te.run("caption", "-i", te.path("in.json"), "-o", te.path("out.json"), "--api-key", "sk-test")
	require.NoError(t, err)

	recs := te.load(t, "out.json")
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"image", "image_caption", "question"}, recs[0].Keys())
	assert.Equal(t, "Dry run caption: a crop leaf photographed in the field.", recs[0].String("image_caption"))

	_, err = os.Stat(te.path("temp_out.json"))
	assert.True(t, os.IsNotExist(err), "checkpoint should be removed")

	assert.Contains(t, te.out.String(), "[SUCCESS] Generated "+te.path("out.json"))
	require.Len(t, te.provCfgs, 1)
	assert.Equal(t, "sk-test", te.provCfgs[0].APIKey)
	assert.Equal(t, models.ProviderOpenAI, te.provType[0])

	runs := te.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, "caption", runs[0].Stage)
	assert.Equal(t, ledger.StatusCompleted, runs[0].Status)
	assert.Equal(t, "gpt-4o", runs[0].Model)
	assert.Equal(t, 1, runs[0].Counts.Processed)
	assert.Contains(t, te.out.String(), "Run: "+runs[0].ID)
}

func TestCaption_InvalidOutput(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[]`)
	err := te.run("caption", "-i", te.path("in.json"), "-o", filepath.Join(te.dir, "con.json"), "--provider", "mock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output path")
	assert.Empty(t, te.provCfgs)
}

func TestCaption_APIKeyResolution(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[]`)
	args := []string{"caption", "-i", te.path("in.json"), "-o", te.path("out.json"), "--no-ledger"}

	err := te.run(args...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, keys.ErrNoKey), "got %v", err)

	te.app.GetEnv = func(k string) string {
		if k == "OPENAI_API_KEY" {
			return "sk-env"
		}
		return ""
	}
	require.NoError(t, te.run(args...))
	assert.Equal(t, "sk-env", te.provCfgs[len(te.provCfgs)-1].APIKey)

	store, _ := te.app.KeyStore()
	require.NoError(t, store.Set("openai", "sk-stored"))
	require.NoError(t, te.run(args...))
	assert.Equal(t, "sk-stored", te.provCfgs[len(te.provCfgs)-1].APIKey)

	_, err = os.Stat(te.path("runs.db"))
	assert.True(t, os.IsNotExist(err), "--no-ledger should not create the ledger")
}

func TestCaption_ProviderFromModel(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[]`)

	err := te.run("caption", "-i", te.path("in.json"), "-o", te.path("out.json"),
		"-m", "gemini-2.5-flash", "--api-key", "g-key", "--base-url", "https://proxy/v1")
	require.NoError(t, err)
	require.Len(t, te.provType, 1)
	assert.Equal(t, models.ProviderGemini, te.provType[0])
	assert.Equal(t, "https://proxy/v1", te.provCfgs[0].BaseURL)
}

func TestRefine(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[{"image": "leaf.jpg", "image_caption": "A leaf."}, {"image": "x.jpg"}]`)

	err := te.run("refine", "-i", te.path("in.json"), "-o", te.path("out.json"), "--provider", "mock")
	require.NoError(t, err)
	assert.Empty(t, te.provCfgs[0].APIKey)

	recs := te.load(t, "out.json")
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Bool("evaluated"))
	assert.False(t, recs[0].Bool("optimized"))
	assert.Equal(t, "A leaf.", recs[0].String("original_caption"))
	assert.False(t, recs[1].Has("evaluated"))

	data, err := os.ReadFile(te.path("out.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    {", "refine output uses four-space indent")

	out := te.out.String()
	assert.Contains(t, out, "Processing complete!")
	assert.Contains(t, out, "Average rating: 9.00/10")
}

func TestVQA(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[{"image": "leaf.jpg", "question": "How to treat it?", "image_caption": "Rust pustules."}]`)

	err := te.run("vqa", "--task", "knowledge", "-i", te.path("in.json"), "-o", te.path("out.json"),
		"--provider", "mock", "--reasoning-effort", "high")
	require.NoError(t, err)

	recs := te.load(t, "out.json")
	require.Len(t, recs, 1)
	assert.Equal(t, "Dry run answer one.", recs[0].String("generation_answer1"))
	assert.Equal(t, "Dry run answer two.", recs[0].String("generation_answer2"))

	runs := te.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, "knowledge", runs[0].Task)
	assert.Equal(t, "high", runs[0].Options.Reasoning)
}

func TestVQA_UnknownTask(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[]`)
	err := te.run("vqa", "--task", "pests", "-i", te.path("in.json"), "-o", te.path("out.json"), "--provider", "mock")
	assert.Error(t, err)

	runs := te.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.StatusFailed, runs[0].Status)
}

func TestSelect_Diagnosis(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[
		{"id": 7, "question": "q", "image_caption": "c", "generation_answer1": "a1", "generation_answer2": "a2"}
	]`)

	err := te.run("select", "-i", te.path("in.json"), "-o", te.path("out.json"),
		"--evaluation-output", te.path("eval.json"), "--provider", "mock", "--batch-delay", "0s")
	require.NoError(t, err)

	recs := te.load(t, "out.json")
	require.Len(t, recs, 1)
	assert.Equal(t, "a1", recs[0].String("generation_answer"))
	assert.Equal(t, "answer1", recs[0].String("selected_answer"))
	assert.False(t, recs[0].Has("generation_answer1"))

	evals := te.load(t, "eval.json")
	require.Len(t, evals, 1)
	assert.Equal(t, "7", evals[0].String("id"))
	assert.True(t, evals[0].Has("answer1_score"))

	assert.Contains(t, te.out.String(), "Selected Answer 1: 1 times (100.0%)")
}

func TestSelect_Knowledge(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "a.json", `[{"question": "q", "generation_answer": "short"}]`)
	te.write(t, "b.json", `[{"question": "q", "generation_answer": "long"}, {"question": "extra"}]`)

	args := []string{"select", "--task", "knowledge", "-i", te.path("a.json"), "-o", te.path("out.json"),
		"--evaluation-output", te.path("eval.json"), "--provider", "mock"}

	err := te.run(args...)
	assert.EqualError(t, err, "--input2 is required for the knowledge task")

	err = te.run(append(args, "--input2", te.path("b.json"))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different lengths")

	te.write(t, "b.json", `[{"question": "q", "generation_answer": "long"}]`)
	require.NoError(t, te.run(append(args, "--input2", te.path("b.json"))...))

	recs := te.load(t, "out.json")
	require.Len(t, recs, 1)
	assert.Equal(t, "file1", recs[0].String("selected_from"))
	assert.True(t, te.load(t, "eval.json")[0].Has("score1"))
}

func TestRunsCommands(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "in.json", `[{"image": "leaf.jpg"}]`)
	require.NoError(t, te.run("caption", "-i", te.path("in.json"), "-o", te.path("out.json"), "--provider", "mock"))
	id := te.runs(t)[0].ID

	te.out.Reset()
	require.NoError(t, te.run("runs", "list"))
	assert.Contains(t, te.out.String(), id[:8])
	assert.Contains(t, te.out.String(), "completed")

	te.out.Reset()
	require.NoError(t, te.run("runs", "show", id[:8], "--events"))
	out := te.out.String()
	assert.Contains(t, out, "Run:       "+id)
	assert.Contains(t, out, "Records:   1 processed, 0 repaired, 0 failed of 1")
	assert.Contains(t, out, "leaf.jpg")

	te.out.Reset()
	require.NoError(t, te.run("runs", "usage"))
	assert.Contains(t, te.out.String(), "Total usage: $")
	assert.Contains(t, te.out.String(), "1 calls")

	te.out.Reset()
	require.NoError(t, te.run("runs", "usage", "model"))
	assert.Contains(t, te.out.String(), "gpt-4o")

	assert.Error(t, te.run("runs", "usage", "decade"))

	require.NoError(t, te.run("runs", "delete", id))
	assert.Empty(t, te.runs(t))
	assert.ErrorIs(t, te.run("runs", "show", id), ledger.ErrRunNotFound)
}

func TestRunsCommands_LedgerDisabled(t *testing.T) {
	te := newTestEnv(t)
	err := te.run("--no-ledger", "runs", "list")
	assert.EqualError(t, err, "run ledger is disabled")
}

func TestKeysCommands(t *testing.T) {
	te := newTestEnv(t)

	cmd := newRootCmd(te.app)
	cmd.SetIn(strings.NewReader("sk-from-stdin-123456\n"))
	cmd.SetArgs([]string{"--config", te.path("agrivqa.yaml"), "keys", "set", "openai"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, te.out.String(), "Stored openai key sk-f************3456")

	require.NoError(t, te.run("keys", "set", "gemini", "g-key-abcdefgh"))
	assert.Error(t, te.run("keys", "set", "stability", "x"))

	te.out.Reset()
	require.NoError(t, te.run("keys", "list"))
	assert.Equal(t, "gemini: g-ke******efgh\nopenai: sk-f************3456\n", te.out.String())

	te.out.Reset()
	require.NoError(t, te.run("keys", "get", "openai"))
	assert.Contains(t, te.out.String(), "(from stored key")

	require.NoError(t, te.run("keys", "delete", "openai"))
	assert.Error(t, te.run("keys", "delete", "openai"))
	assert.ErrorIs(t, te.run("keys", "get", "openai"), keys.ErrNoKey)
}

func TestModelsCmd(t *testing.T) {
	te := newTestEnv(t)
	require.NoError(t, te.run("models"))
	out := te.out.String()
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "gemini-2.5-flash")
	assert.Contains(t, out, "$2.50")
}

func TestPricingCommands(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.run("pricing", "set", "qwen-vl-plus", "0.21", "0.63"))
	assert.FileExists(t, te.path("pricing.json"))
	assert.Error(t, te.run("pricing", "set", "qwen-vl-plus", "cheap", "0.63"))

	te.out.Reset()
	require.NoError(t, te.run("pricing", "show"))
	assert.Contains(t, te.out.String(), "qwen-vl-plus")
	assert.Contains(t, te.out.String(), "$0.21")

	require.NoError(t, te.run("pricing", "reset"))
	assert.NoFileExists(t, te.path("pricing.json"))

	te.out.Reset()
	require.NoError(t, te.run("pricing", "show"))
	assert.NotContains(t, te.out.String(), "qwen-vl-plus")
}

func TestPromptsCommands(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.run("prompts", "list"))
	assert.Contains(t, te.out.String(), "vqa-diagnosis")
	assert.Contains(t, te.out.String(), "answer1, answer2")

	dir := te.path("prompts")
	require.NoError(t, te.run("prompts", "export", "caption", dir))
	assert.FileExists(t, filepath.Join(dir, "caption.yaml"))
	assert.Error(t, te.run("prompts", "export", "nope", dir))
}

func TestConfigFile(t *testing.T) {
	te := newTestEnv(t)
	te.write(t, "agrivqa.yaml", "provider: mock\nmodel: qwen-vl-max\nledger:\n  disabled: true\n")
	te.write(t, "in.json", `[{"image": "leaf.jpg"}]`)

	require.NoError(t, te.run("caption", "-i", te.path("in.json"), "-o", te.path("out.json"), "--api-key", "sk-test"))
	assert.Equal(t, []models.ProviderType{models.ProviderOpenAI}, te.provType, "registry provider wins for known models")

	te.provType = nil
	te.write(t, "agrivqa.yaml", "provider: mock\nmodel: my-local-vlm\nledger:\n  disabled: true\n")
	require.NoError(t, te.run("caption", "-i", te.path("in.json"), "-o", te.path("out.json")))
	assert.Equal(t, []models.ProviderType{models.ProviderMock}, te.provType)
}
