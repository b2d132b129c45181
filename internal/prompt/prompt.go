// Package prompt loads the per-task prompt definitions (system and human
// templates, few-shot examples, output fields and sampling defaults) and
// renders them into chat conversations.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/manash/agrivqa/internal/repair"
	"github.com/manash/agrivqa/pkg/models"
)

const (
	Caption         = "caption"
	CaptionEvaluate = "caption-evaluate"
	CaptionOptimize = "caption-optimize"
	VQADiagnosis    = "vqa-diagnosis"
	VQAKnowledge    = "vqa-knowledge"
	SelectDiagnosis = "select-diagnosis"
	SelectKnowledge = "select-knowledge"
)

//go:embed tasks/*.yaml
var builtin embed.FS

var (
	ErrUnknownTask  = errors.New("unknown prompt task")
	ErrInvalidTask  = errors.New("invalid prompt task")
	ErrMissingValue = errors.New("missing template value")
)

type Example struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

type fieldDef struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`
}

type samplingDef struct {
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"top_p"`
	MaxTokens        int      `yaml:"max_tokens"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
	ReasoningEffort  string   `yaml:"reasoning_effort"`
}

type taskFile struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Fields      []fieldDef  `yaml:"fields"`
	Required    []string    `yaml:"required"`
	Sampling    samplingDef `yaml:"sampling"`
	System      string      `yaml:"system"`
	Human       string      `yaml:"human"`
	Examples    []Example   `yaml:"examples"`
}

type Template struct {
	Name        string
	Description string
	Schema      repair.Schema
	Sampling    models.Sampling
	Examples    []Example

	system *template.Template
	human  *template.Template
}

// Vars are the values substituted into the templates. FormatInstructions is
// supplied automatically from the schema.
type Vars map[string]string

type Options struct {
	// FinalTurnOnly attaches the record's images to the final user turn
	// only. By default every user turn carries them, few-shot examples
	// included.
	FinalTurnOnly bool
	ZeroShot      bool
}

// Load returns a built-in task.
func Load(name string) (*Template, error) {
	return LoadFS(builtin, "tasks", name)
}

// LoadDir returns the task from dir when a <name>.yaml override exists there,
// otherwise the built-in task.
func LoadDir(dir, name string) (*Template, error) {
	if dir != "" {
		if _, err := os.Stat(filepath.Join(dir, name+".yaml")); err == nil {
			return LoadFS(os.DirFS(dir), ".", name)
		}
	}
	return Load(name)
}

func LoadFS(fsys fs.FS, dir, name string) (*Template, error) {
	data, err := fs.ReadFile(fsys, taskPath(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
		return nil, err
	}
	return Parse(name, data)
}

func taskPath(dir, name string) string {
	if dir == "." || dir == "" {
		return name + ".yaml"
	}
	return dir + "/" + name + ".yaml"
}

func Parse(name string, data []byte) (*Template, error) {
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidTask, name, err)
	}
	if tf.Name == "" {
		tf.Name = name
	}
	if strings.TrimSpace(tf.Human) == "" {
		return nil, fmt.Errorf("%w %s: human template is empty", ErrInvalidTask, name)
	}

	fields := make([]repair.Field, 0, len(tf.Fields))
	for _, f := range tf.Fields {
		kind, err := parseKind(f.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w %s: field %s: %v", ErrInvalidTask, name, f.Name, err)
		}
		fields = append(fields, repair.Field{Name: f.Name, Description: f.Description, Kind: kind})
	}

	system, err := template.New(tf.Name + ".system").Option("missingkey=error").Parse(tf.System)
	if err != nil {
		return nil, fmt.Errorf("%w %s: system: %v", ErrInvalidTask, name, err)
	}
	human, err := template.New(tf.Name + ".human").Option("missingkey=error").Parse(tf.Human)
	if err != nil {
		return nil, fmt.Errorf("%w %s: human: %v", ErrInvalidTask, name, err)
	}

	return &Template{
		Name:        tf.Name,
		Description: tf.Description,
		Schema:      repair.NewSchema(fields...).WithRequired(tf.Required...),
		Sampling: models.Sampling{
			Temperature:      tf.Sampling.Temperature,
			TopP:             tf.Sampling.TopP,
			MaxTokens:        tf.Sampling.MaxTokens,
			FrequencyPenalty: tf.Sampling.FrequencyPenalty,
			PresencePenalty:  tf.Sampling.PresencePenalty,
			ReasoningEffort:  tf.Sampling.ReasoningEffort,
		},
		Examples: tf.Examples,
		system:   system,
		human:    human,
	}, nil
}

func parseKind(s string) (repair.Kind, error) {
	switch strings.ToLower(s) {
	case "", "string":
		return repair.KindString, nil
	case "number", "float":
		return repair.KindNumber, nil
	case "integer", "int":
		return repair.KindInteger, nil
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Messages renders the conversation: system, one user/assistant pair per
// example, then the user turn built from vars. Images go on every user turn
// unless opts.FinalTurnOnly is set.
func (t *Template) Messages(vars Vars, images []models.ImageRef, opts Options) ([]models.Message, error) {
	data := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	if len(t.Schema.Fields) > 0 {
		data["FormatInstructions"] = repair.FormatInstructions(t.Schema)
	} else {
		data["FormatInstructions"] = ""
	}

	system, err := render(t.system, data)
	if err != nil {
		return nil, err
	}
	human, err := render(t.human, data)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, 2*len(t.Examples)+2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, models.SystemMessage(strings.TrimRight(system, "\n")))
	}
	if !opts.ZeroShot {
		for _, ex := range t.Examples {
			user := models.UserMessage(ex.Input)
			if !opts.FinalTurnOnly {
				user.Images = images
			}
			msgs = append(msgs, user, models.AssistantMessage(ex.Output))
		}
	}
	msgs = append(msgs, models.UserMessage(human, images...))
	return msgs, nil
}

func render(tmpl *template.Template, data map[string]string) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingValue, err)
	}
	return b.String(), nil
}

// Source returns the YAML of a built-in task, the starting point for an
// override file.
func Source(name string) ([]byte, error) {
	data, err := fs.ReadFile(builtin, taskPath("tasks", name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return data, err
}

// Tasks lists the built-in task names.
func Tasks() []string {
	entries, err := fs.ReadDir(builtin, "tasks")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}
