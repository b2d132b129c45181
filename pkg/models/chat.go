package models

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ImageRef points at an image attached to a user turn. URL is either a
// remote https URL or a base64 data URL built from Data.
type ImageRef struct {
	URL      string
	MIMEType string
	Data     []byte
	Source   string
}

func (i ImageRef) IsDataURL() bool {
	return strings.HasPrefix(i.URL, "data:")
}

type Message struct {
	Role   Role
	Text   string
	Images []ImageRef
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

func UserMessage(text string, images ...ImageRef) Message {
	return Message{Role: RoleUser, Text: text, Images: images}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// Sampling holds optional generation parameters. Nil pointers and zero
// values are left to the provider's defaults.
type Sampling struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	ReasoningEffort  string
}

func Float(v float64) *float64 {
	return &v
}

func (s Sampling) Validate() error {
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: %v", ErrInvalidTemperature, *s.Temperature)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("%w: %v", ErrInvalidTopP, *s.TopP)
	}
	if s.MaxTokens < 0 {
		return ErrInvalidMaxTokens
	}
	for _, p := range []*float64{s.FrequencyPenalty, s.PresencePenalty} {
		if p != nil && (*p < -2 || *p > 2) {
			return fmt.Errorf("%w: %v", ErrInvalidPenalty, *p)
		}
	}
	return nil
}

type ChatRequest struct {
	Model    string
	Messages []Message
	Sampling Sampling
}

func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return ErrEmptyModel
	}
	if len(r.Messages) == 0 {
		return ErrEmptyConversation
	}
	for i, m := range r.Messages {
		if !m.Role.IsValid() {
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidRole, i, m.Role)
		}
	}
	return r.Sampling.Validate()
}

func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
	Cost         *CostInfo
}

type CostInfo struct {
	Input    float64
	Output   float64
	Total    float64
	Currency string
	Known    bool
}
