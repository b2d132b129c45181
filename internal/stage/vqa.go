package stage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/internal/repair"
	"github.com/manash/agrivqa/pkg/models"
)

const (
	FieldAnswer1 = "generation_answer1"
	FieldAnswer2 = "generation_answer2"

	TaskDiagnosis = "diagnosis"
	TaskKnowledge = "knowledge"

	AnswersMissing = "Missing required fields"
	AnswersEmpty   = "No response generated"
)

var ErrUnknownTask = errors.New("unknown task")

func Tasks() []string {
	return []string{TaskDiagnosis, TaskKnowledge}
}

func vqaTemplate(task string) (string, error) {
	switch task {
	case TaskDiagnosis:
		return prompt.VQADiagnosis, nil
	case TaskKnowledge:
		return prompt.VQAKnowledge, nil
	}
	return "", fmt.Errorf("%w %q (valid: %v)", ErrUnknownTask, task, Tasks())
}

type VQAReport struct {
	Total    int
	Answered int
	Repaired int
	Missing  int
	Failed   int
	Results  []batch.Result
}

func (r *VQAReport) Print(w io.Writer, output string) {
	fmt.Fprintf(w, "[SUCCESS] Generated %s, processed %d records\n", output, r.Total)
	fmt.Fprintf(w, "  Answered: %d, repaired: %d, missing fields: %d, failed: %d\n",
		r.Answered, r.Repaired, r.Missing, r.Failed)
}

// VQA appends two candidate answers to every record's question, grounded
// on its image and caption.
func (e *Env) VQA(ctx context.Context, recs []*record.Record, task string) ([]*record.Record, *VQAReport, error) {
	name, err := vqaTemplate(task)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := e.template(name)
	if err != nil {
		return nil, nil, err
	}
	fb := repair.Echo(repair.DefaultEchoLimit, AnswersEmpty)
	log := e.logger().Named("vqa").With(zap.String("task", task))

	out := make([]*record.Record, len(recs))
	handler := func(ctx context.Context, i int) batch.Result {
		rec := recs[i].Clone()
		out[i] = rec
		path := rec.String(FieldImage)
		res := batch.Result{Label: path}

		setAnswers := func(a1, a2 string) {
			rec.Set(FieldAnswer1, a1)
			rec.Set(FieldAnswer2, a2)
		}

		if !rec.Has(FieldImage) || !rec.Has(FieldQuestion) || !rec.Has(FieldImageCaption) {
			setAnswers(AnswersMissing, AnswersMissing)
			res.Status = batch.StatusWarning
			res.Message = "Skipped, missing required fields"
			return res
		}

		img, err := e.Images.Load(path)
		if err != nil {
			msg := fmt.Sprintf("Failed to read image %s: %v", path, err)
			setAnswers(msg, msg)
			res.Error = err
			res.Message = msg
			return res
		}

		vars := prompt.Vars{
			"image_caption": rec.String(FieldImageCaption),
			"question":      rec.String(FieldQuestion),
		}
		msgs, err := tmpl.Messages(vars, []models.ImageRef{img}, e.PromptOpts)
		if err != nil {
			msg := "Failed to build prompt: " + err.Error()
			setAnswers(msg, msg)
			res.Error = err
			res.Message = msg
			return res
		}

		o, err := e.Caller.Structured(ctx, msgs, tmpl.Sampling, tmpl.Schema, fb)
		res.Attempts, res.Usage, res.Cost = o.Attempts, o.Usage, o.Cost
		if err != nil {
			msg := "API call failed: " + callError(err)
			setAnswers(msg, msg)
			res.Error = err
			res.Message = msg
			return res
		}

		if o.StrictErr != nil {
			log.Warn("standard parsing failed", zap.Int("index", i+1), zap.String("image", path),
				zap.Stringer("recovered", o.Stage), zap.Error(o.StrictErr))
			res.Repaired = true
		}
		a1, a2 := o.Fields.String("answer1"), o.Fields.String("answer2")
		setAnswers(a1, a2)
		log.Debug("answers generated", zap.Int("index", i+1),
			zap.String("answer1", repair.Truncate(a1, 80)), zap.String("answer2", repair.Truncate(a2, 80)))

		res.Message = baseName(path)
		return res
	}

	results, err := e.process(ctx, len(recs), out, handler, e.Batch)

	report := &VQAReport{Total: len(recs), Results: results}
	for _, r := range results {
		switch {
		case r.Status == batch.StatusOK:
			report.Answered++
			if r.Repaired {
				report.Repaired++
			}
		case r.Status == batch.StatusWarning:
			report.Missing++
		case r.Status == batch.StatusError:
			report.Failed++
		}
	}
	return kept(out), report, err
}
