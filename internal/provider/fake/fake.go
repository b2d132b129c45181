// Package fake provides a scripted provider for tests and offline dry runs.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/manash/agrivqa/pkg/models"
)

var ErrScriptExhausted = errors.New("fake provider has no scripted replies left")

type Reply struct {
	Content string
	Err     error
	Usage   models.Usage
}

type Provider struct {
	mu        sync.Mutex
	replies   []Reply
	next      int
	responder func(req *models.ChatRequest) Reply
	requests  []*models.ChatRequest
}

// New returns a provider that answers calls with replies in order.
func New(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

// NewResponder returns a provider that computes each reply from the request.
func NewResponder(fn func(req *models.ChatRequest) Reply) *Provider {
	return &Provider{responder: fn}
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderMock
}

func (p *Provider) SupportsModel(string) bool {
	return true
}

func (p *Provider) ListModels() []string {
	return []string{"mock"}
}

func (p *Provider) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	var r Reply
	switch {
	case p.responder != nil:
		p.mu.Unlock()
		r = p.responder(req)
	case p.next < len(p.replies):
		r = p.replies[p.next]
		p.next++
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}

	if r.Err != nil {
		return nil, r.Err
	}
	return &models.ChatResponse{
		Content: r.Content,
		Model:   req.Model,
		Usage:   r.Usage,
	}, nil
}

func (p *Provider) Requests() []*models.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.ChatRequest(nil), p.requests...)
}

func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

const cannedReply = "```json\n" + `{
	"image_caption": "Dry run caption: a crop leaf photographed in the field.",
	"rating": 9,
	"reasoning": "Dry run evaluation.",
	"suggestions": "None.",
	"answer1": "Dry run answer one.",
	"answer2": "Dry run answer two.",
	"choice": 1,
	"reason": "Dry run selection.",
	"scores": {"answer1": {"total": 1}, "answer2": {"total": 0}}
}` + "\n```"

// Canned answers every request with one object carrying the fields of every
// pipeline stage, so a full run can be exercised without network access.
func Canned() *Provider {
	return NewResponder(func(req *models.ChatRequest) Reply {
		in := 0
		for _, m := range req.Messages {
			in += len(m.Text) / 4
		}
		return Reply{Content: cannedReply, Usage: models.Usage{InputTokens: in, OutputTokens: len(cannedReply) / 4}}
	})
}
