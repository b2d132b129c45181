package models

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var (
	ErrEmptyConversation   = errors.New("conversation must contain at least one message")
	ErrEmptyModel          = errors.New("model cannot be empty")
	ErrImagesNotSupported  = errors.New("image input not supported by model")
	ErrInvalidRole         = errors.New("invalid message role")
	ErrInvalidTemperature  = errors.New("temperature must be between 0 and 2")
	ErrInvalidTopP         = errors.New("top_p must be between 0 and 1")
	ErrInvalidMaxTokens    = errors.New("max tokens cannot be negative")
	ErrInvalidPenalty      = errors.New("penalty must be between -2 and 2")
	ErrUnknownProviderType = errors.New("unknown provider type")
)

type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGemini ProviderType = "gemini"
	ProviderMock   ProviderType = "mock"
)

func ValidProviders() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderGemini, ProviderMock}
}

func (p ProviderType) IsValid() bool {
	return slices.Contains(ValidProviders(), p)
}

func (p ProviderType) String() string {
	return string(p)
}

func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(s)
	if !p.IsValid() {
		return "", fmt.Errorf("%w: %q (valid: %v)", ErrUnknownProviderType, s, ValidProviders())
	}
	return p, nil
}

// APIKeyEnv names the environment variable holding the provider's API key.
func (p ProviderType) APIKeyEnv() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

type ModelCapabilities struct {
	Name              string
	Provider          ProviderType
	SupportsImages    bool
	// SupportsReasoning marks models that take reasoning_effort and
	// max_completion_tokens.
	SupportsReasoning bool
	DefaultMaxTokens  int
	ContextWindow     int
}

func (c *ModelCapabilities) Validate(req *ChatRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.HasImages() && !c.SupportsImages {
		return fmt.Errorf("%w: %s", ErrImagesNotSupported, c.Name)
	}
	return nil
}

func (c *ModelCapabilities) ApplyDefaults(req *ChatRequest) {
	if req.Model == "" {
		req.Model = c.Name
	}
	if req.Sampling.MaxTokens == 0 && c.DefaultMaxTokens > 0 {
		req.Sampling.MaxTokens = c.DefaultMaxTokens
	}
	if !c.SupportsReasoning {
		req.Sampling.ReasoningEffort = ""
	}
}

type ModelRegistry struct {
	models   map[string]*ModelCapabilities
	fallback ProviderType
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models:   make(map[string]*ModelCapabilities),
		fallback: ProviderOpenAI,
	}
}

func (r *ModelRegistry) Register(cap *ModelCapabilities) {
	r.models[cap.Name] = cap
}

func (r *ModelRegistry) Get(name string) (*ModelCapabilities, bool) {
	cap, ok := r.models[name]
	return cap, ok
}

// SetFallbackProvider sets the provider used for models the registry does not know.
func (r *ModelRegistry) SetFallbackProvider(p ProviderType) {
	r.fallback = p
}

// Resolve returns the registered capabilities for name, or a generic
// image-capable entry on the fallback provider. Gateways serving
// OpenAI-compatible endpoints expose arbitrary model names.
func (r *ModelRegistry) Resolve(name string) *ModelCapabilities {
	if cap, ok := r.models[name]; ok {
		return cap
	}
	return &ModelCapabilities{
		Name:              name,
		Provider:          r.fallback,
		SupportsImages:    true,
		SupportsReasoning: IsReasoningModel(name),
	}
}

var reasoningPrefixes = []string{"gpt-5", "o1", "o3", "o4"}

// IsReasoningModel reports whether name belongs to the OpenAI reasoning
// families. A gateway prefix such as "openai/" is ignored.
func IsReasoningModel(name string) bool {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (r *ModelRegistry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ModelRegistry) ListByProvider(provider ProviderType) []string {
	var names []string
	for name, cap := range r.models {
		if cap.Provider == provider {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func DefaultRegistry() *ModelRegistry {
	r := NewModelRegistry()

	r.Register(&ModelCapabilities{
		Name:             "qwen2.5-vl-72b-instruct",
		Provider:         ProviderOpenAI,
		SupportsImages:   true,
		DefaultMaxTokens: 1024,
		ContextWindow:    131072,
	})

	r.Register(&ModelCapabilities{
		Name:             "qwen-vl-max",
		Provider:         ProviderOpenAI,
		SupportsImages:   true,
		DefaultMaxTokens: 1024,
		ContextWindow:    131072,
	})

	r.Register(&ModelCapabilities{
		Name:           "gpt-4o",
		Provider:       ProviderOpenAI,
		SupportsImages: true,
		ContextWindow:  128000,
	})

	r.Register(&ModelCapabilities{
		Name:           "gpt-4o-mini",
		Provider:       ProviderOpenAI,
		SupportsImages: true,
		ContextWindow:  128000,
	})

	r.Register(&ModelCapabilities{
		Name:           "gpt-4",
		Provider:       ProviderOpenAI,
		SupportsImages: false,
		ContextWindow:  8192,
	})

	r.Register(&ModelCapabilities{
		Name:              "gpt-5",
		Provider:          ProviderOpenAI,
		SupportsImages:    true,
		SupportsReasoning: true,
		ContextWindow:     400000,
	})

	r.Register(&ModelCapabilities{
		Name:              "gpt-5-mini",
		Provider:          ProviderOpenAI,
		SupportsImages:    true,
		SupportsReasoning: true,
		ContextWindow:     400000,
	})

	r.Register(&ModelCapabilities{
		Name:              "o4-mini",
		Provider:          ProviderOpenAI,
		SupportsImages:    true,
		SupportsReasoning: true,
		ContextWindow:     200000,
	})

	r.Register(&ModelCapabilities{
		Name:           "gemini-2.5-flash",
		Provider:       ProviderGemini,
		SupportsImages: true,
		ContextWindow:  1048576,
	})

	r.Register(&ModelCapabilities{
		Name:           "gemini-2.5-pro",
		Provider:       ProviderGemini,
		SupportsImages: true,
		ContextWindow:  1048576,
	})

	return r
}
