package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/manash/agrivqa/internal/provider"
	"github.com/manash/agrivqa/pkg/models"
)

const chatReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "qwen2.5-vl-72b-instruct",
  "choices": [{
    "index": 0,
    "message": {"role": "assistant", "content": "` + "```json\\n{\\\"image_caption\\\": \\\"Maize leaf with grey lesions.\\\"}\\n```" + `"},
    "finish_reason": "stop"
  }],
  "usage": {"prompt_tokens": 812, "completion_tokens": 41, "total_tokens": 853}
}`

func TestNew(t *testing.T) {
	registry := models.DefaultRegistry()

	tests := []struct {
		name    string
		cfg     *provider.Config
		wantErr error
	}{
		{
			name:    "valid config",
			cfg:     &provider.Config{APIKey: "test-key"},
			wantErr: nil,
		},
		{
			name:    "empty API key",
			cfg:     &provider.Config{APIKey: ""},
			wantErr: provider.ErrAPIKeyRequired,
		},
		{
			name:    "custom base URL",
			cfg:     &provider.Config{APIKey: "test-key", BaseURL: "https://dashscope.example.com/compatible-mode/v1"},
			wantErr: nil,
		},
		{
			name:    "custom timeout with verbose logging",
			cfg:     &provider.Config{APIKey: "test-key", TimeoutSec: 60, Verbose: true},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg, registry)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v, want nil", err)
			}
			if p == nil {
				t.Fatal("New() returned nil provider")
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	p, _ := New(&provider.Config{APIKey: "test"}, models.DefaultRegistry())
	if p.Name() != models.ProviderOpenAI {
		t.Errorf("Name() = %v, want %v", p.Name(), models.ProviderOpenAI)
	}
}

func TestProvider_SupportsModel(t *testing.T) {
	p, _ := New(&provider.Config{APIKey: "test"}, models.DefaultRegistry())

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"qwen2.5-vl-72b-instruct", true},
		{"some-gateway-model", true},
		{"gemini-2.5-flash", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := p.SupportsModel(tt.model); got != tt.want {
				t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestProvider_ListModels(t *testing.T) {
	p, _ := New(&provider.Config{APIKey: "test"}, models.DefaultRegistry())
	for _, m := range p.ListModels() {
		if strings.HasPrefix(m, "gemini") {
			t.Errorf("ListModels() contains non-openai model %q", m)
		}
	}
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(&provider.Config{APIKey: "sk-test", BaseURL: server.URL}, models.DefaultRegistry())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestProvider_Chat(t *testing.T) {
	var captured map[string]any
	var auth string

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatReply)
	})

	req := &models.ChatRequest{
		Model: "qwen2.5-vl-72b-instruct",
		Messages: []models.Message{
			models.SystemMessage("You caption crop images."),
			models.UserMessage("example question"),
			models.AssistantMessage(`{"image_caption": "example"}`),
			models.UserMessage("Describe this image.", models.ImageRef{URL: "data:image/jpeg;base64,/9j/4AAQ"}),
		},
		Sampling: models.Sampling{
			Temperature:      models.Float(0.1),
			TopP:             models.Float(0.8),
			MaxTokens:        400,
			FrequencyPenalty: models.Float(0.3),
			PresencePenalty:  models.Float(0.2),
		},
	}

	resp, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if !strings.Contains(resp.Content, "Maize leaf with grey lesions.") {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 812 || resp.Usage.OutputTokens != 41 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}

	if captured["model"] != "qwen2.5-vl-72b-instruct" {
		t.Errorf("model = %v", captured["model"])
	}
	if captured["temperature"] != 0.1 || captured["top_p"] != 0.8 {
		t.Errorf("sampling = temperature %v top_p %v", captured["temperature"], captured["top_p"])
	}
	if captured["max_tokens"] != float64(400) {
		t.Errorf("max_tokens = %v", captured["max_tokens"])
	}
	if captured["frequency_penalty"] != 0.3 || captured["presence_penalty"] != 0.2 {
		t.Errorf("penalties = %v %v", captured["frequency_penalty"], captured["presence_penalty"])
	}

	messages, ok := captured["messages"].([]any)
	if !ok || len(messages) != 4 {
		t.Fatalf("messages = %v", captured["messages"])
	}
	roles := []string{"system", "user", "assistant", "user"}
	for i, m := range messages {
		if got := m.(map[string]any)["role"]; got != roles[i] {
			t.Errorf("message %d role = %v, want %s", i, got, roles[i])
		}
	}

	last := messages[3].(map[string]any)
	parts, ok := last["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("last message content = %v", last["content"])
	}
	image := parts[1].(map[string]any)
	if image["type"] != "image_url" {
		t.Errorf("part type = %v, want image_url", image["type"])
	}
	imageURL := image["image_url"].(map[string]any)
	if imageURL["url"] != "data:image/jpeg;base64,/9j/4AAQ" || imageURL["detail"] != "high" {
		t.Errorf("image_url = %v", imageURL)
	}
}

func TestProvider_Chat_ReasoningEffort(t *testing.T) {
	tests := []struct {
		name          string
		model         string
		wantEffort    any
		wantTokensKey string
	}{
		{name: "reasoning model", model: "gpt-5-mini", wantEffort: "minimal", wantTokensKey: "max_completion_tokens"},
		{name: "unregistered reasoning model", model: "o3-mini", wantEffort: "minimal", wantTokensKey: "max_completion_tokens"},
		{name: "chat model drops effort", model: "gpt-4o", wantEffort: nil, wantTokensKey: "max_tokens"},
		{name: "gateway model drops effort", model: "qwen2.5-vl-72b-instruct", wantEffort: nil, wantTokensKey: "max_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured map[string]any
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				json.Unmarshal(body, &captured)
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, chatReply)
			})

			_, err := p.Chat(context.Background(), &models.ChatRequest{
				Model:    tt.model,
				Messages: []models.Message{models.UserMessage("hi")},
				Sampling: models.Sampling{ReasoningEffort: "minimal", MaxTokens: 512},
			})
			if err != nil {
				t.Fatalf("Chat() error = %v", err)
			}
			if captured["reasoning_effort"] != tt.wantEffort {
				t.Errorf("reasoning_effort = %v, want %v", captured["reasoning_effort"], tt.wantEffort)
			}
			if captured[tt.wantTokensKey] != float64(512) {
				t.Errorf("%s = %v, want 512", tt.wantTokensKey, captured[tt.wantTokensKey])
			}
			other := "max_tokens"
			if tt.wantTokensKey == other {
				other = "max_completion_tokens"
			}
			if _, ok := captured[other]; ok {
				t.Errorf("%s sent alongside %s", other, tt.wantTokensKey)
			}
			if _, ok := captured["temperature"]; ok {
				t.Error("temperature sent although unset")
			}
		})
	}
}

func TestProvider_Chat_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
		wantErr       error
	}{
		{
			name:          "unauthorized",
			status:        http.StatusUnauthorized,
			body:          `{"error": {"message": "Incorrect API key", "type": "invalid_request_error"}}`,
			wantPermanent: true,
			wantErr:       provider.ErrChatFailed,
		},
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"error": {"message": "Rate limit reached"}}`,
			wantPermanent: false,
			wantErr:       provider.ErrChatFailed,
		},
		{
			name:          "server error",
			status:        http.StatusInternalServerError,
			body:          `{"error": {"message": "internal"}}`,
			wantPermanent: false,
			wantErr:       provider.ErrChatFailed,
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    `{"id": "x", "object": "chat.completion", "created": 1, "model": "m", "choices": []}`,
			wantErr: provider.ErrEmptyResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := p.Chat(context.Background(), &models.ChatRequest{
				Model:    "gpt-4o",
				Messages: []models.Message{models.UserMessage("hi")},
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Chat() error = %v, want %v", err, tt.wantErr)
			}
			if got := provider.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}

func TestProvider_Chat_InvalidRequest(t *testing.T) {
	p, _ := New(&provider.Config{APIKey: "test"}, models.DefaultRegistry())

	_, err := p.Chat(context.Background(), &models.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, models.ErrEmptyConversation) {
		t.Errorf("Chat() error = %v, want %v", err, models.ErrEmptyConversation)
	}
}

func TestTruncateDataURLs(t *testing.T) {
	body := []byte(`{"messages":[{"content":[{"type":"image_url","image_url":{"url":"data:image/png;base64,` +
		strings.Repeat("A", 500) + `"}}]}]}`)

	got := string(truncateDataURLs(body))
	if strings.Contains(got, strings.Repeat("A", 200)) {
		t.Error("data URL was not truncated")
	}
	if !strings.Contains(got, "[truncated]") {
		t.Errorf("missing truncation marker: %s", got)
	}

	plain := []byte("not json")
	if string(truncateDataURLs(plain)) != "not json" {
		t.Error("non-JSON body was modified")
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-secret")
	h.Set("Content-Type", "application/json")

	got := redactHeaders(h)
	if got["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization = %q", got["Authorization"])
	}
	if got["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", got["Content-Type"])
	}
}
