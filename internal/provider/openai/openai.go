package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/provider"
	"github.com/manash/agrivqa/pkg/models"
)

const (
	defaultTimeout = 120 * time.Second
	imageDetail    = "high"
)

type Provider struct {
	client   openai.Client
	registry *models.ModelRegistry
	logger   *zap.Logger
	verbose  bool
}

func New(cfg *provider.Config, registry *models.ModelRegistry) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	p := &Provider{
		registry: registry,
		logger:   cfg.GetLogger().Named("openai"),
		verbose:  cfg.Verbose,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Verbose {
		opts = append(opts, option.WithMiddleware(p.logMiddleware))
	}
	p.client = openai.NewClient(opts...)

	return p, nil
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderOpenAI
}

func (p *Provider) SupportsModel(model string) bool {
	return p.registry.Resolve(model).Provider == models.ProviderOpenAI
}

func (p *Provider) ListModels() []string {
	return p.registry.ListByProvider(models.ProviderOpenAI)
}

func (p *Provider) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req, p.registry.Resolve(req.Model).SupportsReasoning))
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.ErrEmptyResponse
	}

	choice := resp.Choices[0]
	return &models.ChatResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: models.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// buildParams maps req onto the chat completions API. Reasoning models
// take max_completion_tokens and reasoning_effort; other models reject both.
func buildParams(req *models.ChatRequest, reasoning bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: buildMessages(req.Messages),
	}

	s := req.Sampling
	if s.Temperature != nil {
		params.Temperature = openai.Float(*s.Temperature)
	}
	if s.TopP != nil {
		params.TopP = openai.Float(*s.TopP)
	}
	if s.MaxTokens > 0 {
		if reasoning {
			params.MaxCompletionTokens = openai.Int(int64(s.MaxTokens))
		} else {
			params.MaxTokens = openai.Int(int64(s.MaxTokens))
		}
	}
	if s.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*s.FrequencyPenalty)
	}
	if s.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*s.PresencePenalty)
	}
	if reasoning && s.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(s.ReasoningEffort)
	}

	return params
}

func buildMessages(msgs []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		case models.RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamOfAssistant(m.Text))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Text))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(m.Text),
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    img.URL,
					Detail: imageDetail,
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return fmt.Errorf("%w: %w", provider.ErrChatFailed, &provider.StatusError{
			Provider:   models.ProviderOpenAI,
			StatusCode: apiErr.StatusCode,
			Err:        errors.New(msg),
		})
	}
	return fmt.Errorf("%w: %w", provider.ErrChatFailed, err)
}
