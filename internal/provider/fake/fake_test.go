package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/agrivqa/pkg/models"
)

func chat(t *testing.T, p *Provider) (*models.ChatResponse, error) {
	t.Helper()
	return p.Chat(context.Background(), &models.ChatRequest{
		Model:    "mock",
		Messages: []models.Message{models.UserMessage("hello")},
	})
}

func TestProvider_ScriptedReplies(t *testing.T) {
	boom := errors.New("boom")
	p := New(Reply{Err: boom}, Reply{Content: "second", Usage: models.Usage{InputTokens: 3}})

	_, err := chat(t, p)
	assert.ErrorIs(t, err, boom)

	resp, err := chat(t, p)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)
	assert.Equal(t, 3, resp.Usage.InputTokens)

	_, err = chat(t, p)
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Equal(t, 3, p.Calls())
	assert.Len(t, p.Requests(), 3)
}

func TestProvider_Responder(t *testing.T) {
	p := NewResponder(func(req *models.ChatRequest) Reply {
		return Reply{Content: req.Messages[0].Text + "!"}
	})

	resp, err := chat(t, p)
	require.NoError(t, err)
	assert.Equal(t, "hello!", resp.Content)
}

func TestProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Reply{Content: "x"}).Chat(ctx, &models.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCanned(t *testing.T) {
	p := Canned()
	resp, err := chat(t, p)
	require.NoError(t, err)
	assert.Contains(t, resp.Content, `"image_caption"`)
	assert.Contains(t, resp.Content, `"choice": 1`)
	assert.Equal(t, models.ProviderMock, p.Name())
	assert.True(t, p.SupportsModel("anything"))
}
