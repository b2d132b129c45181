package stage

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/internal/repair"
)

const (
	FieldRating          = "rating"
	FieldReasoning       = "reasoning"
	FieldSuggestions     = "suggestions"
	FieldEvaluated       = "evaluated"
	FieldOriginalCaption = "original_caption"
	FieldOptimized       = "optimized"

	DefaultThreshold = 8
)

var evaluationFallback = repair.Defaults(
	repair.Fields{FieldRating: 0, FieldReasoning: "No valid response", FieldSuggestions: "No valid response"},
	repair.Fields{FieldRating: 0, FieldReasoning: "Failed to parse response", FieldSuggestions: "Check the caption format"},
)

type RefineOptions struct {
	// Captions rated below Threshold are rewritten.
	Threshold int
}

type RefineReport struct {
	Total     int
	Evaluated int
	Optimized int
	RatingSum int
	Results   []batch.Result
}

func (r *RefineReport) AverageRating() float64 {
	if r.Evaluated == 0 {
		return 0
	}
	return float64(r.RatingSum) / float64(r.Evaluated)
}

func (r *RefineReport) Print(w io.Writer) {
	fmt.Fprintln(w, "Processing complete!")
	fmt.Fprintf(w, "Total captions: %d\n", r.Total)
	fmt.Fprintf(w, "Evaluated captions: %d\n", r.Evaluated)
	pct := 0.0
	if r.Total > 0 {
		pct = float64(r.Optimized) / float64(r.Total) * 100
	}
	fmt.Fprintf(w, "Optimized captions: %d (%.1f%%)\n", r.Optimized, pct)
	if r.Evaluated > 0 {
		fmt.Fprintf(w, "Average rating: %.2f/10\n", r.AverageRating())
	}
}

type evaluation struct {
	rating      int
	reasoning   string
	suggestions string
}

// Refine rates each caption and rewrites the ones rated below the threshold.
// Records without a caption, or already evaluated, pass through unchanged.
func (e *Env) Refine(ctx context.Context, recs []*record.Record, opts RefineOptions) ([]*record.Record, *RefineReport, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	judge, err := e.template(prompt.CaptionEvaluate)
	if err != nil {
		return nil, nil, err
	}
	optimizer, err := e.template(prompt.CaptionOptimize)
	if err != nil {
		return nil, nil, err
	}
	log := e.logger().Named("refine")

	out := make([]*record.Record, len(recs))
	handler := func(ctx context.Context, i int) batch.Result {
		rec := recs[i].Clone()
		out[i] = rec
		label := rec.String(FieldImage)
		caption := rec.String(FieldImageCaption)
		if caption == "" || rec.Bool(FieldEvaluated) {
			return batch.Result{Label: label, Status: batch.StatusSkipped, Message: "no caption or already evaluated"}
		}

		res := batch.Result{Label: label}
		ev := e.evaluate(ctx, judge, caption, i, &res, log)

		rec.Set(FieldRating, ev.rating)
		rec.Set(FieldReasoning, ev.reasoning)
		rec.Set(FieldSuggestions, ev.suggestions)
		rec.Set(FieldEvaluated, true)
		if !rec.Has(FieldOriginalCaption) {
			rec.Set(FieldOriginalCaption, caption)
		}

		if ev.rating >= opts.Threshold {
			rec.Set(FieldOptimized, false)
			res.Message = fmt.Sprintf("rating %d/10, kept", ev.rating)
			return res
		}

		optimized := e.optimize(ctx, optimizer, caption, ev.suggestions, i, &res, log)
		rec.Set(FieldImageCaption, optimized)
		rec.Set(FieldOptimized, true)
		res.Message = fmt.Sprintf("rating %d/10, optimized: %s", ev.rating, repair.Truncate(optimized, 80))
		return res
	}

	results, err := e.process(ctx, len(recs), out, handler, e.Batch)

	final := kept(out)
	report := &RefineReport{Total: len(final), Results: results}
	for _, rec := range final {
		if !rec.Bool(FieldEvaluated) {
			continue
		}
		report.Evaluated++
		if rating, ok := rec.Float(FieldRating); ok {
			report.RatingSum += int(rating)
		}
		if rec.Bool(FieldOptimized) {
			report.Optimized++
		}
	}
	return final, report, err
}

func (e *Env) evaluate(ctx context.Context, tmpl *prompt.Template, caption string, i int, res *batch.Result, log *zap.Logger) evaluation {
	msgs, err := tmpl.Messages(prompt.Vars{"caption_text": caption}, nil, e.PromptOpts)
	if err != nil {
		res.Status = batch.StatusWarning
		return evaluation{reasoning: "Evaluation error: " + err.Error(), suggestions: "Try again"}
	}

	o, err := e.Caller.Structured(ctx, msgs, tmpl.Sampling, tmpl.Schema, evaluationFallback)
	res.Attempts += o.Attempts
	res.Usage = res.Usage.Add(o.Usage)
	res.Cost += o.Cost
	if err != nil {
		log.Warn("evaluation failed", zap.Int("index", i+1), zap.Error(err))
		res.Status = batch.StatusWarning
		return evaluation{reasoning: "Evaluation error: " + callError(err), suggestions: "Try again"}
	}
	if o.StrictErr != nil {
		log.Warn("evaluation parsing failed", zap.Int("index", i+1), zap.Stringer("recovered", o.Stage), zap.Error(o.StrictErr))
		res.Repaired = true
	}
	return evaluation{
		rating:      o.Fields.Int(FieldRating),
		reasoning:   o.Fields.String(FieldReasoning),
		suggestions: o.Fields.String(FieldSuggestions),
	}
}

// optimize returns the rewritten caption, or the original when the rewrite
// fails or comes back empty.
func (e *Env) optimize(ctx context.Context, tmpl *prompt.Template, caption, suggestions string, i int, res *batch.Result, log *zap.Logger) string {
	msgs, err := tmpl.Messages(prompt.Vars{"caption_text": caption, "suggestions": suggestions}, nil, e.PromptOpts)
	if err != nil {
		res.Status = batch.StatusWarning
		return caption
	}

	reply, err := e.Caller.Text(ctx, msgs, tmpl.Sampling)
	res.Attempts += reply.Attempts
	res.Usage = res.Usage.Add(reply.Usage)
	res.Cost += reply.Cost
	if err != nil {
		log.Warn("optimization failed", zap.Int("index", i+1), zap.Error(err))
		res.Status = batch.StatusWarning
		return caption
	}
	if reply.Text == "" {
		log.Warn("optimization returned no text", zap.Int("index", i+1))
		return caption
	}
	return reply.Text
}
