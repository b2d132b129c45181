package stage

import (
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/manash/agrivqa/internal/batch"
	"github.com/manash/agrivqa/internal/prompt"
	"github.com/manash/agrivqa/internal/record"
	"github.com/manash/agrivqa/internal/repair"
	"github.com/manash/agrivqa/pkg/models"
)

const (
	FieldImage        = "image"
	FieldQuestion     = "question"
	FieldImageCaption = "image_caption"

	CaptionEmpty           = "No valid response"
	CaptionCheckpointEvery = 10
)

type CaptionReport struct {
	Total     int
	Processed int
	Dropped   int
	Elapsed   time.Duration
	Results   []batch.Result
}

// AveragePerImage is the wall time per successfully captioned image.
func (r *CaptionReport) AveragePerImage() time.Duration {
	if r.Processed == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Processed)
}

func (r *CaptionReport) Print(w io.Writer, output string) {
	fmt.Fprintf(w, "[SUCCESS] Generated %s, processed %d/%d images successfully\n", output, r.Processed, r.Total)
	fmt.Fprintf(w, "[TIME] Total time: %.2f seconds, Average per image: %.2f seconds\n",
		r.Elapsed.Seconds(), r.AveragePerImage().Seconds())
}

func captionFallback() repair.Fallback {
	return repair.Echo(repair.DefaultEchoLimit, CaptionEmpty)
}

// Caption writes an image_caption into every record that names an image.
// Records without an image are dropped. The caption is placed second so it
// sits next to the image it describes.
func (e *Env) Caption(ctx context.Context, recs []*record.Record) ([]*record.Record, *CaptionReport, error) {
	tmpl, err := e.template(prompt.Caption)
	if err != nil {
		return nil, nil, err
	}
	fb := captionFallback()
	log := e.logger().Named("caption")

	out := make([]*record.Record, len(recs))
	handler := func(ctx context.Context, i int) batch.Result {
		rec := recs[i].Clone()
		if !rec.Has(FieldImage) {
			log.Warn("record has no image, dropping", zap.Int("index", i+1))
			return batch.Result{Status: batch.StatusSkipped, Message: "no image field, dropped"}
		}
		path := rec.String(FieldImage)
		res := batch.Result{Label: path}

		img, err := e.Images.Load(path)
		if err != nil {
			rec.Set(FieldImageCaption, "Read failed: "+err.Error())
			out[i] = rec
			res.Error = err
			res.Message = fmt.Sprintf("Failed to read image %s: %v", path, err)
			return res
		}

		msgs, err := tmpl.Messages(nil, []models.ImageRef{img}, e.PromptOpts)
		if err != nil {
			rec.Set(FieldImageCaption, "Failed to build prompt: "+err.Error())
			out[i] = rec
			res.Error = err
			res.Message = "Failed to build prompt: " + err.Error()
			return res
		}

		var caption string
		o, err := e.Caller.Structured(ctx, msgs, tmpl.Sampling, tmpl.Schema, fb)
		res.Attempts, res.Usage, res.Cost = o.Attempts, o.Usage, o.Cost
		if err != nil {
			caption = "Processing failed after retries: " + callError(err)
			res.Status = batch.StatusWarning
			res.Message = fmt.Sprintf("Failed to process %s after retries: %v", path, err)
			log.Warn("caption call failed", zap.Int("index", i+1), zap.String("image", path), zap.Int("attempts", o.Attempts), zap.Error(err))
		} else {
			caption = o.Fields.String(FieldImageCaption)
			res.Repaired = o.Repaired()
			if o.StrictErr != nil {
				log.Warn("standard parsing failed", zap.Int("index", i+1), zap.String("image", path),
					zap.Stringer("recovered", o.Stage), zap.Error(o.StrictErr))
			}
			res.Message = fmt.Sprintf("Processed %s -> caption length: %d", path, utf8.RuneCountInString(caption))
		}

		rec.InsertAt(1, FieldImageCaption, caption)
		out[i] = rec
		return res
	}

	start := time.Now()
	results, err := e.process(ctx, len(recs), out, handler, e.Batch)

	report := &CaptionReport{Total: len(recs), Elapsed: time.Since(start), Results: results}
	for _, r := range results {
		switch {
		case r.Status == batch.StatusSkipped:
			report.Dropped++
		case r.Status == batch.StatusOK:
			report.Processed++
		}
	}
	return kept(out), report, err
}
