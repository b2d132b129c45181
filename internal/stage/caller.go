// Package stage implements the pipeline stages on top of a shared model
// caller that owns retries and reply repair.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/cost"
	"github.com/manash/agrivqa/internal/provider"
	"github.com/manash/agrivqa/internal/repair"
	"github.com/manash/agrivqa/internal/retry"
	"github.com/manash/agrivqa/pkg/models"
)

// Caller sends conversations to one model. Sampling fields that are set
// override the prompt's defaults.
type Caller struct {
	Provider provider.Provider
	Model    string
	Registry *models.ModelRegistry
	Policy   retry.Policy
	Sampling models.Sampling
	Costs    *cost.Calculator
	Logger   *zap.Logger
}

// Reply is a model's raw answer with what it took to get it.
type Reply struct {
	Text     string
	Attempts int
	Usage    models.Usage
	Cost     float64
}

// Outcome is a structured reply after repair.
type Outcome struct {
	Fields    repair.Fields
	Stage     repair.Stage
	Attempts  int
	Usage     models.Usage
	Cost      float64
	Raw       string
	StrictErr error
}

func (o Outcome) Repaired() bool {
	return o.Stage != repair.StageStrict
}

func (c *Caller) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// WithPolicy returns a copy of c using p.
func (c *Caller) WithPolicy(p retry.Policy) *Caller {
	cc := *c
	cc.Policy = p
	return &cc
}

// Complete sends msgs and returns the reply text. Provider errors are
// retried per the policy unless they are permanent.
func (c *Caller) Complete(ctx context.Context, msgs []models.Message, sampling models.Sampling) (Reply, error) {
	req := &models.ChatRequest{
		Model:    c.Model,
		Messages: msgs,
		Sampling: mergeSampling(sampling, c.Sampling),
	}
	if c.Registry != nil {
		caps := c.Registry.Resolve(c.Model)
		caps.ApplyDefaults(req)
		if err := caps.Validate(req); err != nil {
			return Reply{}, fmt.Errorf("invalid request: %w", err)
		}
	} else if err := req.Validate(); err != nil {
		return Reply{}, fmt.Errorf("invalid request: %w", err)
	}

	var reply Reply
	attempts, err := retry.Do(ctx, c.Policy, func(ctx context.Context, attempt int) error {
		resp, err := c.Provider.Chat(ctx, req)
		if err != nil {
			if provider.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		reply.Text = resp.Content
		reply.Usage = reply.Usage.Add(resp.Usage)
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		c.logger().Warn("model call failed, retrying",
			zap.String("model", c.Model),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	reply.Attempts = attempts
	if c.Costs != nil {
		reply.Cost = c.Costs.Calculate(c.Model, reply.Usage).Total
	}
	return reply, err
}

// Structured sends msgs and parses the reply into the schema's fields. The
// error is non-nil only when the call itself failed; unusable replies come
// back as fallback fields.
func (c *Caller) Structured(ctx context.Context, msgs []models.Message, sampling models.Sampling, s repair.Schema, fb repair.Fallback) (Outcome, error) {
	reply, err := c.Complete(ctx, msgs, sampling)
	out := Outcome{Attempts: reply.Attempts, Usage: reply.Usage, Cost: reply.Cost, Raw: reply.Text}
	if err != nil {
		return out, err
	}

	res, strictErr := repair.Parse(reply.Text, s, fb)
	out.Fields = res.Fields
	out.Stage = res.Stage
	out.StrictErr = strictErr
	return out, nil
}

// Text sends msgs and returns the trimmed free-text reply.
func (c *Caller) Text(ctx context.Context, msgs []models.Message, sampling models.Sampling) (Reply, error) {
	reply, err := c.Complete(ctx, msgs, sampling)
	reply.Text = strings.TrimSpace(reply.Text)
	return reply, err
}

func mergeSampling(base, override models.Sampling) models.Sampling {
	out := base
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = override.PresencePenalty
	}
	if override.ReasoningEffort != "" {
		out.ReasoningEffort = override.ReasoningEffort
	}
	return out
}

// callError renders err for placeholder text.
func callError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}
