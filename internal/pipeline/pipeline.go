package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

// ErrorMode selects how the pipeline reacts to a stage failure.
type ErrorMode string

const (
	// ErrorModeFailFast aborts the envelope on the first stage error.
	ErrorModeFailFast ErrorMode = "fail_fast"
	// ErrorModeContinue logs the error and passes the envelope onward.
	ErrorModeContinue ErrorMode = "continue"
	// ErrorModeRetry retries retryable stage errors before giving up.
	ErrorModeRetry ErrorMode = "retry"
)

const healthStaleness = time.Minute

// Config configures the pipeline orchestrator.
type Config struct {
	ErrorMode  ErrorMode
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) normalize() Config {
	if c.ErrorMode == "" {
		c.ErrorMode = ErrorModeFailFast
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Millisecond
	}
	return c
}

// Pipeline pushes envelopes through its stage runners in order.
type Pipeline struct {
	cfg     Config
	runners []*StageRunner

	processed   atomic.Uint64
	filtered    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
}

// New assembles a pipeline from ordered stage runners.
func New(cfg Config, runners ...*StageRunner) (*Pipeline, error) {
	cfg = cfg.normalize()
	switch cfg.ErrorMode {
	case ErrorModeFailFast, ErrorModeContinue, ErrorModeRetry:
	default:
		return nil, errs.New("pipeline", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("unknown error mode "+string(cfg.ErrorMode)))
	}
	if len(runners) == 0 {
		return nil, errs.New("pipeline", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("pipeline requires at least one stage"))
	}
	return &Pipeline{
		cfg:         cfg,
		runners:     runners,
		processed:   atomic.Uint64{},
		filtered:    atomic.Uint64{},
		failed:      atomic.Uint64{},
		lastSuccess: atomic.Int64{},
	}, nil
}

// StageTiming records how long one stage held an envelope.
type StageTiming struct {
	Stage   string        `json:"stage"`
	Elapsed time.Duration `json:"elapsed"`
}

// Trace accounts for one envelope's trip through the pipeline: a correlation
// id tying its log lines together, per-stage latencies, and any stage errors
// that were tolerated or fatal.
type Trace struct {
	CorrelationID string        `json:"correlation_id"`
	Stages        []StageTiming `json:"stages"`
	Warnings      []string      `json:"warnings,omitempty"`
	Err           error         `json:"-"`
}

// Process runs one envelope through every stage. A nil result with a nil
// error means a filter stage dropped the envelope.
func (p *Pipeline) Process(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	out, _, err := p.ProcessWithTrace(ctx, env)
	return out, err
}

// ProcessWithTrace is Process plus the per-run trace. The correlation id is
// also recorded on the envelope so it travels with the published message.
func (p *Pipeline) ProcessWithTrace(ctx context.Context, env *schema.Envelope) (*schema.Envelope, *Trace, error) {
	trace := &Trace{
		CorrelationID: uuid.NewString(),
		Stages:        make([]StageTiming, 0, len(p.runners)),
		Warnings:      nil,
		Err:           nil,
	}
	if env != nil {
		env.SetAttribute("correlation_id", trace.CorrelationID)
	}

	current := env
	for _, runner := range p.runners {
		started := time.Now()
		out, err := p.runStage(ctx, runner, current)
		trace.Stages = append(trace.Stages, StageTiming{
			Stage:   runner.Name(),
			Elapsed: time.Since(started),
		})
		if err != nil {
			switch p.cfg.ErrorMode {
			case ErrorModeContinue:
				trace.Warnings = append(trace.Warnings, runner.Name()+": "+err.Error())
				observability.Log().Warn("stage error ignored",
					observability.Field{Key: "correlation_id", Value: trace.CorrelationID},
					observability.Field{Key: "stage", Value: runner.Name()},
					observability.Field{Key: "error", Value: err.Error()})
				continue
			default:
				p.failed.Add(1)
				trace.Err = err
				return nil, trace, err
			}
		}
		if out == nil {
			p.filtered.Add(1)
			return nil, trace, nil
		}
		current = out
	}
	p.processed.Add(1)
	p.lastSuccess.Store(time.Now().UnixNano())
	return current, trace, nil
}

// ProcessBatch runs a flushed buffer batch in order, returning the envelopes
// that made it through every stage. Per-envelope failures are collected; a
// batch never aborts mid-way.
func (p *Pipeline) ProcessBatch(ctx context.Context, envs []*schema.Envelope) ([]*schema.Envelope, []error) {
	completed := make([]*schema.Envelope, 0, len(envs))
	var failures []error
	for _, env := range envs {
		out, err := p.Process(ctx, env)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if out != nil {
			completed = append(completed, out)
		}
	}
	return completed, failures
}

func (p *Pipeline) runStage(ctx context.Context, runner *StageRunner, env *schema.Envelope) (*schema.Envelope, error) {
	out, err := runner.Run(ctx, env)
	if err == nil || p.cfg.ErrorMode != ErrorModeRetry {
		return out, err
	}
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if !errs.Retryable(err) {
			return nil, err
		}
		env.Metadata.RetryCount++
		select {
		case <-ctx.Done():
			return nil, errs.New("pipeline", errs.KindStage, errs.CodeCancelled,
				errs.WithCause(ctx.Err()))
		case <-time.After(p.cfg.RetryDelay):
		}
		out, err = runner.Run(ctx, env)
		if err == nil {
			return out, nil
		}
	}
	return nil, err
}

// Healthy reports liveness: the pipeline is unhealthy once processing has
// succeeded before but gone quiet past the staleness window.
func (p *Pipeline) Healthy() bool {
	last := p.lastSuccess.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) < healthStaleness
}

// Stats summarises pipeline counters.
type Stats struct {
	Stages    int    `json:"stages"`
	Processed uint64 `json:"processed"`
	Filtered  uint64 `json:"filtered"`
	Failed    uint64 `json:"failed"`
	Healthy   bool   `json:"healthy"`
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Stages:    len(p.runners),
		Processed: p.processed.Load(),
		Filtered:  p.filtered.Load(),
		Failed:    p.failed.Load(),
		Healthy:   p.Healthy(),
	}
}
