package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/pkg/models"
)

var (
	ErrProviderNotFound  = errors.New("provider not found")
	ErrModelNotSupported = errors.New("model not supported by provider")
	ErrAPIKeyRequired    = errors.New("API key is required")
	ErrChatFailed        = errors.New("chat completion failed")
	ErrEmptyResponse     = errors.New("model returned no choices")
)

type Provider interface {
	Name() models.ProviderType
	Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)
	SupportsModel(model string) bool
	ListModels() []string
}

type Config struct {
	APIKey     string
	BaseURL    string
	TimeoutSec int
	Verbose    bool
	Logger     *zap.Logger
}

func (c *Config) GetLogger() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// StatusError carries the HTTP status of a failed API call.
type StatusError struct {
	Provider   models.ProviderType
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying err cannot help: bad requests,
// authentication and missing models. Rate limits and server errors are
// transient.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrAPIKeyRequired) || errors.Is(err, ErrModelNotSupported) {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch {
	case se.StatusCode == 408 || se.StatusCode == 409 || se.StatusCode == 429:
		return false
	case se.StatusCode >= 400 && se.StatusCode < 500:
		return true
	}
	return false
}
