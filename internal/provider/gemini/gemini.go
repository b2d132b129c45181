package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/manash/agrivqa/internal/provider"
	"github.com/manash/agrivqa/pkg/models"
)

const defaultTimeout = 120 * time.Second

type Provider struct {
	client   *genai.Client
	registry *models.ModelRegistry
	logger   *zap.Logger
	verbose  bool
}

func New(ctx context.Context, cfg *provider.Config, registry *models.ModelRegistry) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Provider{
		client:   client,
		registry: registry,
		logger:   cfg.GetLogger().Named("gemini"),
		verbose:  cfg.Verbose,
	}, nil
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderGemini
}

func (p *Provider) SupportsModel(model string) bool {
	return p.registry.Resolve(model).Provider == models.ProviderGemini
}

func (p *Provider) ListModels() []string {
	return p.registry.ListByProvider(models.ProviderGemini)
}

func (p *Provider) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	contents, system := buildContents(req.Messages)
	config := buildConfig(req.Sampling)
	config.SystemInstruction = system

	if p.verbose {
		p.logger.Debug("request",
			zap.String("model", req.Model),
			zap.Int("contents", len(contents)),
			zap.Bool("system", system != nil),
			zap.Bool("images", req.HasImages()),
		)
	}

	res, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil, provider.ErrEmptyResponse
	}

	var text strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			text.WriteString(part.Text)
		}
	}

	out := &models.ChatResponse{
		Content:      text.String(),
		Model:        req.Model,
		FinishReason: string(res.Candidates[0].FinishReason),
	}
	if res.UsageMetadata != nil {
		out.Usage = models.Usage{
			InputTokens:  int(res.UsageMetadata.PromptTokenCount),
			OutputTokens: int(res.UsageMetadata.CandidatesTokenCount),
		}
	}

	if p.verbose {
		p.logger.Debug("response",
			zap.String("finish_reason", out.FinishReason),
			zap.Int("input_tokens", out.Usage.InputTokens),
			zap.Int("output_tokens", out.Usage.OutputTokens),
		)
	}
	return out, nil
}

// buildContents maps the conversation onto Gemini turns. System messages
// are merged into the system instruction.
func buildContents(msgs []models.Message) ([]*genai.Content, *genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, m.Text)
		case models.RoleAssistant:
			contents = append(contents, genai.NewContentFromParts(
				[]*genai.Part{genai.NewPartFromText(m.Text)}, genai.RoleModel))
		default:
			parts := []*genai.Part{genai.NewPartFromText(m.Text)}
			for _, img := range m.Images {
				parts = append(parts, imagePart(img))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	if len(system) == 0 {
		return contents, nil
	}
	return contents, genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
}

func imagePart(img models.ImageRef) *genai.Part {
	if len(img.Data) > 0 {
		return &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}}
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return genai.NewPartFromURI(img.URL, mime)
}

func buildConfig(s models.Sampling) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if s.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*s.Temperature))
	}
	if s.TopP != nil {
		config.TopP = genai.Ptr(float32(*s.TopP))
	}
	if s.MaxTokens > 0 {
		config.MaxOutputTokens = int32(s.MaxTokens)
	}
	if s.FrequencyPenalty != nil {
		config.FrequencyPenalty = genai.Ptr(float32(*s.FrequencyPenalty))
	}
	if s.PresencePenalty != nil {
		config.PresencePenalty = genai.Ptr(float32(*s.PresencePenalty))
	}
	return config
}

func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", provider.ErrChatFailed, &provider.StatusError{
			Provider:   models.ProviderGemini,
			StatusCode: apiErr.Code,
			Err:        errors.New(apiErr.Message),
		})
	}
	return fmt.Errorf("%w: %w", provider.ErrChatFailed, err)
}
