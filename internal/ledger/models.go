package ledger

import (
	"encoding/json"
	"time"
)

const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

type Run struct {
	ID         string
	Stage      string
	Task       string
	Provider   string
	Model      string
	Input      string
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
	Counts     Counts
	Status     string
	Options    RunOptions
}

type Counts struct {
	Total     int
	Processed int
	Repaired  int
	Failed    int
}

// RunOptions holds the settings a run was started with. Stored as JSON.
type RunOptions struct {
	BaseURL            string  `json:"base_url,omitempty"`
	Threshold          int     `json:"threshold,omitempty"`
	Parallel           int     `json:"parallel,omitempty"`
	BatchSize          int     `json:"batch_size,omitempty"`
	Temperature        float64 `json:"temperature,omitempty"`
	Reasoning          string  `json:"reasoning_effort,omitempty"`
	PromptsDir         string  `json:"prompts_dir,omitempty"`
	ImageFinalTurnOnly bool    `json:"image_final_turn_only,omitempty"`
}

func (o *RunOptions) ToJSON() string {
	data, _ := json.Marshal(o)
	return string(data)
}

func ParseRunOptions(data string) RunOptions {
	var o RunOptions
	if data != "" {
		json.Unmarshal([]byte(data), &o)
	}
	return o
}

func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Event is the outcome of one record within a run.
type Event struct {
	RunID     string
	Index     int
	Label     string
	Status    string
	Attempts  int
	Repaired  bool
	Message   string
	Timestamp time.Time
}

type UsageEntry struct {
	RunID        string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Timestamp    time.Time
}

type UsageSummary struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	EntryCount   int
}

type ModelUsageSummary struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
}
