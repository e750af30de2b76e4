// Package pipeline runs envelopes through an ordered set of processing stages
// with per-stage circuit breaking, rate limiting, and timing.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

// Stage transforms one envelope. Returning a nil envelope with a nil error
// filters the envelope out of the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error)
}

// StageConfig tunes one stage's runner.
type StageConfig struct {
	Enabled *bool
	Timeout time.Duration
	// RateLimit caps processed envelopes per second; zero means unlimited.
	RateLimit float64
	RateBurst int
	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker; zero disables circuit breaking.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func (c StageConfig) enabled() bool { return c.Enabled == nil || *c.Enabled }

func (c StageConfig) normalize() StageConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// StageRunner wraps a stage with its operational guards. A disabled stage
// passes envelopes through untouched.
type StageRunner struct {
	stage   Stage
	cfg     StageConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewStageRunner builds the runner for one stage.
func NewStageRunner(stage Stage, cfg StageConfig) *StageRunner {
	cfg = cfg.normalize()
	r := &StageRunner{stage: stage, cfg: cfg, breaker: nil, limiter: nil}
	if cfg.BreakerThreshold > 0 {
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        stage.Name(),
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				observability.Log().Warn("stage breaker state changed",
					observability.Field{Key: "stage", Value: name},
					observability.Field{Key: "from", Value: from.String()},
					observability.Field{Key: "to", Value: to.String()})
			},
			IsSuccessful: nil,
		})
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return r
}

// Name returns the wrapped stage's name.
func (r *StageRunner) Name() string { return r.stage.Name() }

// Run executes the stage under its guards.
func (r *StageRunner) Run(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	if !r.cfg.enabled() {
		return env, nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, errs.New("pipeline", errs.KindStage, errs.CodeRateLimited,
				errs.WithMessage("rate limit wait interrupted"), errs.WithCause(err),
				errs.WithField("stage", r.stage.Name()))
		}
	}

	start := time.Now()
	out, err := r.execute(ctx, env)
	elapsed := time.Since(start)

	labels := map[string]string{"stage": r.stage.Name()}
	observability.Telemetry().ObserveHistogram("stage_duration_seconds", elapsed.Seconds(), labels)
	if err != nil {
		observability.Telemetry().IncCounter("stage_failures", 1, labels)
		return nil, err
	}
	observability.Telemetry().IncCounter("stage_processed", 1, labels)
	return out, nil
}

func (r *StageRunner) execute(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	if r.breaker == nil {
		return r.process(ctx, env)
	}
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.process(ctx, env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.New("pipeline", errs.KindStage, errs.CodeCircuitOpen,
				errs.WithMessage("stage breaker open"), errs.WithCause(err),
				errs.WithField("stage", r.stage.Name()), errs.WithRetryable(true))
		}
		return nil, err
	}
	// A filtered envelope comes back as a typed nil inside the interface.
	out, _ := result.(*schema.Envelope)
	return out, nil
}

func (r *StageRunner) process(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	stageCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.stage.Process(stageCtx, env)
}
