package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/internal/repair"
)

const (
	FieldAnswer           = "generation_answer"
	FieldSelectedAnswer   = "selected_answer"
	FieldSelectedScore    = "selected_score"
	FieldUnselectedScore  = "unselected_score"
	FieldEvaluationReason = "evaluation_reason"
	FieldSelectedFrom     = "selected_from"
	FieldEvaluationScore  = "evaluation_score"

	DefaultSelectBatchSize  = 5
	DefaultSelectBatchDelay = time.Second
	DefaultEvaluationFile   = "evaluation_results.json"

	previewLimit = 200
)

var ErrLengthMismatch = errors.New("input files have different lengths")

type SelectReport struct {
	Total       int
	Choice1     int
	Choice2     int
	FromText    int
	Defaulted   int
	Errors      int
	Evaluations []*record.Record
	Results     []batch.Result
}

func (r *SelectReport) Print(w io.Writer) {
	fmt.Fprintln(w, "Evaluation Statistics:")
	n := r.Choice1 + r.Choice2
	pct := func(c int) float64 {
		if n == 0 {
			return 0
		}
		return float64(c) / float64(n) * 100
	}
	fmt.Fprintf(w, "Selected Answer 1: %d times (%.1f%%)\n", r.Choice1, pct(r.Choice1))
	fmt.Fprintf(w, "Selected Answer 2: %d times (%.1f%%)\n", r.Choice2, pct(r.Choice2))
	if r.FromText > 0 || r.Defaulted > 0 || r.Errors > 0 {
		fmt.Fprintf(w, "Choices read from text: %d, defaulted: %d, call errors: %d\n", r.FromText, r.Defaulted, r.Errors)
	}
}

// candidatePair is one judging job: a question with two answers to compare.
type candidatePair struct {
	source   *record.Record
	question string
	caption  string
	answer1  string
	answer2  string
}

// judgement is the verdict for one pair and whether the call failed.
type judgement struct {
	repair.Verdict
	err error
}

// SelectDiagnosis judges generation_answer1 against generation_answer2 in
// each record and keeps the better one as generation_answer.
func (e *Env) SelectDiagnosis(ctx context.Context, recs []*record.Record) ([]*record.Record, *SelectReport, error) {
	pairs := make([]candidatePair, len(recs))
	for i, rec := range recs {
		pairs[i] = candidatePair{
			source:   rec,
			question: rec.String(FieldQuestion),
			caption:  rec.String(FieldImageCaption),
			answer1:  rec.String(FieldAnswer1),
			answer2:  rec.String(FieldAnswer2),
		}
	}

	return e.judge(ctx, prompt.SelectDiagnosis, pairs, "answer1_score", "answer2_score",
		func(i int, j judgement) *record.Record {
			rec := recs[i].Clone()
			answer, selected, score, other := pairs[i].answer1, "answer1", j.Score1, j.Score2
			if j.Choice == 2 {
				answer, selected, score, other = pairs[i].answer2, "answer2", j.Score2, j.Score1
			}
			rec.Set(FieldAnswer, answer)
			rec.Set(FieldSelectedAnswer, selected)
			rec.Set(FieldSelectedScore, score)
			rec.Set(FieldUnselectedScore, other)
			rec.Set(FieldEvaluationReason, j.Reason)
			rec.Delete(FieldAnswer1)
			rec.Delete(FieldAnswer2)
			return rec
		})
}

// SelectKnowledge judges the generation_answer of record i in first
// against record i in second and keeps the better record. The second
// record wins only when the judge chose it and scored it strictly higher.
func (e *Env) SelectKnowledge(ctx context.Context, first, second []*record.Record) ([]*record.Record, *SelectReport, error) {
	if len(first) != len(second) {
		return nil, nil, fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(first), len(second))
	}

	pairs := make([]candidatePair, len(first))
	for i := range first {
		pairs[i] = candidatePair{
			source:   first[i],
			question: firstNonEmpty(first[i].String(FieldQuestion), second[i].String(FieldQuestion)),
			caption:  firstNonEmpty(first[i].String(FieldImageCaption), second[i].String(FieldImageCaption)),
			answer1:  first[i].String(FieldAnswer),
			answer2:  second[i].String(FieldAnswer),
		}
	}

	return e.judge(ctx, prompt.SelectKnowledge, pairs, "score1", "score2",
		func(i int, j judgement) *record.Record {
			rec, from, score := first[i].Clone(), "file1", j.Score1
			if j.Choice == 2 && j.Score2 > j.Score1 {
				rec, from, score = second[i].Clone(), "file2", j.Score2
			}
			rec.Set(FieldSelectedFrom, from)
			rec.Set(FieldEvaluationScore, score)
			rec.Set(FieldEvaluationReason, j.Reason)
			return rec
		})
}

func (e *Env) judge(ctx context.Context, task string, pairs []candidatePair, score1Key, score2Key string,
	build func(i int, j judgement) *record.Record) ([]*record.Record, *SelectReport, error) {
	tmpl, err := e.template(task)
	if err != nil {
		return nil, nil, err
	}
	log := e.logger().Named("select").With(zap.String("task", task))

	out := make([]*record.Record, len(pairs))
	evals := make([]*record.Record, len(pairs))
	verdicts := make([]judgement, len(pairs))

	handler := func(ctx context.Context, i int) batch.Result {
		p := pairs[i]
		res := batch.Result{Label: repair.Truncate(p.question, 60)}

		var j judgement
		msgs, err := tmpl.Messages(prompt.Vars{
			"question":      p.question,
			"image_caption": p.caption,
			"answer1":       p.answer1,
			"answer2":       p.answer2,
		}, nil, e.PromptOpts)
		if err == nil {
			var reply Reply
			reply, err = e.Caller.Complete(ctx, msgs, tmpl.Sampling)
			res.Attempts, res.Usage, res.Cost = reply.Attempts, reply.Usage, reply.Cost
			if err == nil {
				j.Verdict = repair.ParseVerdict(reply.Text)
			}
		}
		if err != nil {
			log.Warn("API call error", zap.Int("index", i+1), zap.Error(err))
			j = judgement{Verdict: repair.Verdict{Choice: 1, Reason: "Error: " + callError(err), Source: repair.VerdictDefault}, err: err}
			res.Error = err
		} else if j.Source != repair.VerdictJSON {
			res.Status = batch.StatusWarning
			res.Repaired = true
		}

		verdicts[i] = j
		evals[i] = evaluationRecord(i, p, j, score1Key, score2Key)
		out[i] = build(i, j)
		res.Message = fmt.Sprintf("choice %d (%s): %s", j.Choice, j.Source, repair.Truncate(j.Reason, 80))
		return res
	}

	opts := e.Batch
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultSelectBatchSize
	}
	results, err := e.process(ctx, len(pairs), out, handler, opts)

	report := &SelectReport{Total: len(pairs), Evaluations: kept(evals), Results: results}
	for i, r := range results {
		if r.Status == batch.StatusPending {
			continue
		}
		j := verdicts[i]
		if j.Choice == 2 {
			report.Choice2++
		} else {
			report.Choice1++
		}
		switch {
		case j.err != nil:
			report.Errors++
		case j.Source == repair.VerdictText:
			report.FromText++
		case j.Source == repair.VerdictDefault:
			report.Defaulted++
		}
	}
	return kept(out), report, err
}

// evaluationRecord is one entry of the evaluation side file. The id is
// the source record's id when it has one, else its position.
func evaluationRecord(i int, p candidatePair, j judgement, score1Key, score2Key string) *record.Record {
	ev := record.New()
	if raw, ok := p.source.Raw("id"); ok {
		ev.Set("id", raw)
	} else {
		ev.Set("id", i)
	}
	ev.Set("question", p.question)
	ev.Set("choice", j.Choice)
	ev.Set("reason", j.Reason)
	ev.Set(score1Key, j.Score1)
	ev.Set(score2Key, j.Score2)
	ev.Set("answer1_preview", repair.Truncate(p.answer1, previewLimit))
	ev.Set("answer2_preview", repair.Truncate(p.answer2, previewLimit))
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
