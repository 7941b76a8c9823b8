package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SystemPrompt is the fixed instruction given to the model once per process.
const SystemPrompt = `Extract personal information from the provided text and output it as a single, VALID JSON object (no additional lines, characters, or fields) with the following fields:
"fullName": The person's full name (preferably) or first name/last name if explicitly mentioned; otherwise, set to null.
"age": The age; if not mentioned, set to null.
"role": The job title, role, or specialization; if not mentioned, set to null.
"country": The country of residence; if not mentioned, set to null.
"skills": The mentioned work-related skills, excluding hobbies, sports and non-work related activities, listed in an array; if no skills are mentioned, set to an empty array [].`

// Kind classifies an extraction outcome.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindMalformed Kind = "malformed"
	KindPartial   Kind = "partial"
	// KindFailed means the model call itself failed.
	KindFailed Kind = "failed"
)

// Outcome is the typed result of one extraction call.
type Outcome struct {
	Kind      Kind
	Result    Result
	Raw       string
	Sanitized string
	Err       error
	Latency   time.Duration
}

func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// Classify maps an error from Sanitize, Parse or the generator to a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrPartialResult):
		return KindPartial
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	default:
		return KindFailed
	}
}

// Extractor sends transcripts to a text generator with the fixed system
// prompt and turns the reply into an Outcome.
type Extractor struct {
	gen      llm.Generator
	defaults llm.Request
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

func NewExtractor(cfg config.LLMConfig, gen llm.Generator, logger *slog.Logger) *Extractor {
	e := &Extractor{
		gen:      gen,
		defaults: llm.OptionsFromConfig(cfg),
		timeout:  time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		logger:   logger.With(slog.String("component", "extractor")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-intake/extract"),
	}
	e.defaults.System = SystemPrompt
	if err := e.initMetrics(); err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

func (e *Extractor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-intake/extract")
	outcomes, err := meter.Int64Counter("intake.extraction.outcomes", metric.WithDescription("Extraction calls by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("intake.extraction.duration", metric.WithDescription("Extraction call latency"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	e.outcomes = outcomes
	e.duration = duration
	return nil
}

// Extract performs exactly one generation for transcript. It never retries.
func (e *Extractor) Extract(ctx context.Context, sessionID, transcript, traceID string) Outcome {
	ctx, span := e.tracer.Start(ctx, "extract.transcript", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("transcript.length", len(transcript)),
	))
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := e.defaults
	req.SessionID = sessionID
	req.Prompt = transcript
	req.TraceID = traceID

	start := time.Now()
	out := e.run(ctx, req)
	out.Latency = time.Since(start)

	span.SetAttributes(attribute.String("extraction.outcome", string(out.Kind)))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	if e.outcomes != nil {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(out.Kind))))
	}
	if e.duration != nil {
		e.duration.Record(ctx, out.Latency.Seconds(), metric.WithAttributes(attribute.String("outcome", string(out.Kind))))
	}
	return out
}

func (e *Extractor) run(ctx context.Context, req llm.Request) Outcome {
	raw, err := llm.Collect(ctx, e.gen, req)
	if err != nil {
		return Outcome{Kind: KindFailed, Err: fmt.Errorf("generate: %w", err)}
	}
	sanitized, err := Sanitize(raw)
	if err != nil {
		return Outcome{Kind: Classify(err), Raw: raw, Err: err}
	}
	res, err := Parse(sanitized)
	return Outcome{Kind: Classify(err), Result: res, Raw: raw, Sanitized: sanitized, Err: err}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
