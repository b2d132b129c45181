package stage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/provider/fake"
	"github.com/manash/agrivqa/pkg/models"
)

func TestVQA(t *testing.T) {
	p := fake.New(
		fake.Reply{Content: "```json\n{\"answer1\": \"Northern leaf blight on maize.\", \"answer2\": \"Maize (Zea mays) with northern leaf blight.\"}\n```"},
		fake.Reply{Content: "Answer: {answer1: 'Leaf mold', answer2: 'Tomato leaf mold'}"},
		fake.Reply{Err: errors.New("upstream 502")},
		fake.Reply{Content: ""},
	)
	env, out := newEnv(t, p)

	recs := decode(t, `[
		{"image": "leaf.jpg", "question": "What is wrong with this plant?", "image_caption": "Long grey lesions."},
		{"image": "leaf.jpg", "question": "Identify the disease.", "image_caption": "Olive mold underneath."},
		{"image": "leaf.jpg", "question": "q", "image_caption": "c"},
		{"image": "leaf.jpg", "question": "q", "image_caption": "c"},
		{"image": "leaf.jpg", "question": "no caption"},
		{"image": "gone.jpg", "question": "q", "image_caption": "c"}
	]`)

	got, report, err := env.VQA(context.Background(), recs, TaskDiagnosis)
	require.NoError(t, err)
	require.Len(t, got, 6)

	assert.Equal(t, "Northern leaf blight on maize.", got[0].String(FieldAnswer1))
	assert.Equal(t, "Maize (Zea mays) with northern leaf blight.", got[0].String(FieldAnswer2))
	assert.Equal(t, []string{"image", "question", "image_caption", FieldAnswer1, FieldAnswer2}, got[0].Keys())

	assert.Equal(t, "Leaf mold", got[1].String(FieldAnswer1))
	assert.Equal(t, "Tomato leaf mold", got[1].String(FieldAnswer2))

	assert.Equal(t, "API call failed: upstream 502", got[2].String(FieldAnswer1))
	assert.Equal(t, AnswersEmpty, got[3].String(FieldAnswer2))
	assert.Equal(t, AnswersMissing, got[4].String(FieldAnswer1))
	assert.True(t, strings.HasPrefix(got[5].String(FieldAnswer1), "Failed to read image gone.jpg"))

	assert.Equal(t, 4, p.Calls())
	assert.Equal(t, 3, report.Answered)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, batch.StatusWarning, report.Results[4].Status)
	assert.Contains(t, out.String(), "[WARNING] [5/6] Skipped, missing required fields")

	var buf strings.Builder
	report.Print(&buf, "vqa.json")
	assert.Contains(t, buf.String(), "[SUCCESS] Generated vqa.json, processed 6 records")
}

func TestVQA_RequestShape(t *testing.T) {
	tests := []struct {
		task       string
		model      string
		wantEffort string
		wantSystem string
	}{
		{TaskDiagnosis, "gpt-5-mini", "minimal", "agricultural visual question answering assistant"},
		{TaskKnowledge, "gpt-5-mini", "medium", "plant disease diagnosis and management"},
		{TaskDiagnosis, "gpt-4o", "", "agricultural visual question answering assistant"},
		{TaskKnowledge, "qwen2.5-vl-72b-instruct", "", "plant disease diagnosis and management"},
	}

	for _, tt := range tests {
		t.Run(tt.task+"/"+tt.model, func(t *testing.T) {
			p := fake.New(fake.Reply{Content: `{"answer1": "a", "answer2": "b"}`})
			env, _ := newEnv(t, p)
			env.Caller.Model = tt.model

			_, _, err := env.VQA(context.Background(),
				decode(t, `[{"image": "leaf.jpg", "question": "Why?", "image_caption": "Spots."}]`), tt.task)
			require.NoError(t, err)

			req := p.Requests()[0]
			assert.Equal(t, tt.wantEffort, req.Sampling.ReasoningEffort)
			assert.Contains(t, req.Messages[0].Text, tt.wantSystem)
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, "Background(image_caption): Spots.\nQuestion: Why?", last.Text)
			assert.Len(t, last.Images, 1)
		})
	}
}

func TestVQA_ImageTurns(t *testing.T) {
	tests := []struct {
		name      string
		opts      prompt.Options
		wantTurns int
	}{
		{name: "every user turn by default", opts: prompt.Options{}, wantTurns: -1},
		{name: "final turn only", opts: prompt.Options{FinalTurnOnly: true}, wantTurns: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fake.New(fake.Reply{Content: `{"answer1": "a", "answer2": "b"}`})
			env, _ := newEnv(t, p)
			env.PromptOpts = tt.opts

			_, _, err := env.VQA(context.Background(),
				decode(t, `[{"image": "leaf.jpg", "question": "Why?", "image_caption": "Spots."}]`), TaskDiagnosis)
			require.NoError(t, err)

			users, withImage := 0, 0
			for _, m := range p.Requests()[0].Messages {
				if m.Role != models.RoleUser {
					continue
				}
				users++
				if len(m.Images) > 0 {
					withImage++
				}
			}
			require.Greater(t, users, 1)
			want := tt.wantTurns
			if want < 0 {
				want = users
			}
			assert.Equal(t, want, withImage)
		})
	}
}

func TestVQA_UnknownTask(t *testing.T) {
	env, _ := newEnv(t, fake.New())
	_, _, err := env.VQA(context.Background(), nil, "pests")
	assert.ErrorIs(t, err, ErrUnknownTask)
}
