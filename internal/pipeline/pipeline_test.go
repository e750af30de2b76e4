package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

func tradeEnvelope(symbol, price string) *schema.Envelope {
	return schema.NewEnvelope("binance", &schema.Record{
		Exchange:   "binance",
		Symbol:     symbol,
		DataType:   schema.DataTypeTrade,
		EventTime:  time.Now().UnixMilli(),
		ReceivedAt: time.Now().UTC(),
		Payload:    schema.TradePayload{Price: price, Quantity: "1", TradeID: "1", Side: schema.TradeSideBuy},
	})
}

type stubStage struct {
	name    string
	process func(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error)
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Process(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	return s.process(ctx, env)
}

func passThrough(name string) *StageRunner {
	return NewStageRunner(&stubStage{
		name:    name,
		process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) { return env, nil },
	}, StageConfig{})
}

func TestValidateStage(t *testing.T) {
	stage := NewValidateStage()
	ctx := context.Background()

	out, err := stage.Process(ctx, tradeEnvelope("BTCUSDT", "100"))
	require.NoError(t, err)
	require.NotNil(t, out)

	_, err = stage.Process(ctx, schema.NewEnvelope("binance", nil))
	require.True(t, errs.IsKind(err, errs.KindValidation))

	bad := tradeEnvelope("BTC/USDT", "100")
	_, err = stage.Process(ctx, bad)
	require.Equal(t, errs.CodeInvalidSymbol, errs.CodeOf(err))

	missing := tradeEnvelope("BTCUSDT", "100")
	missing.Record.EventTime = 0
	_, err = stage.Process(ctx, missing)
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestValidateStageTimeFences(t *testing.T) {
	stage := NewValidateStage()
	base := time.Now()
	stage.now = func() time.Time { return base }
	ctx := context.Background()

	within := tradeEnvelope("BTCUSDT", "100")
	within.Record.EventTime = base.Add(30 * time.Second).UnixMilli()
	_, err := stage.Process(ctx, within)
	require.NoError(t, err)

	future := tradeEnvelope("BTCUSDT", "100")
	future.Record.EventTime = base.Add(2 * time.Minute).UnixMilli()
	_, err = stage.Process(ctx, future)
	require.Error(t, err)

	stale := tradeEnvelope("BTCUSDT", "100")
	stale.Record.EventTime = base.Add(-6 * time.Minute).UnixMilli()
	_, err = stage.Process(ctx, stale)
	require.Error(t, err)

	old := tradeEnvelope("BTCUSDT", "100")
	old.Record.EventTime = base.Add(-4 * time.Minute).UnixMilli()
	_, err = stage.Process(ctx, old)
	require.NoError(t, err)
}

func TestTransformStage(t *testing.T) {
	stage := NewTransformStage()
	env := tradeEnvelope("btcusdt", "43250.10")
	env.Record.Symbol = "btcusdt"
	env.Metadata = schema.EnvelopeMetadata{}

	out, err := stage.Process(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", out.Record.Symbol)
	require.Equal(t, "BTCUSDT", out.Metadata.Symbol)
	require.Equal(t, uint8(3), out.Metadata.Priority)
	require.False(t, out.ProcessedAt.IsZero())

	price, ok := out.Attribute("scalar_price")
	require.True(t, ok)
	require.Equal(t, "43250.10", price)
}

func TestFilterStageAllowlists(t *testing.T) {
	stage, err := NewFilterStage(FilterConfig{
		Symbols:   []string{"btcusdt"},
		DataTypes: []schema.DataType{schema.DataTypeTrade},
	})
	require.NoError(t, err)
	ctx := context.Background()

	out, err := stage.Process(ctx, tradeEnvelope("BTCUSDT", "1"))
	require.NoError(t, err)
	require.NotNil(t, out)

	out, err = stage.Process(ctx, tradeEnvelope("ETHUSDT", "1"))
	require.NoError(t, err)
	require.Nil(t, out)

	ticker := tradeEnvelope("BTCUSDT", "1")
	ticker.Record.DataType = schema.DataTypeTicker
	out, err = stage.Process(ctx, ticker)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestFilterStagePriceRange(t *testing.T) {
	stage, err := NewFilterStage(FilterConfig{MinPrice: "100", MaxPrice: "50000.5"})
	require.NoError(t, err)
	ctx := context.Background()

	out, err := stage.Process(ctx, tradeEnvelope("BTCUSDT", "43250.10"))
	require.NoError(t, err)
	require.NotNil(t, out)

	out, err = stage.Process(ctx, tradeEnvelope("BTCUSDT", "99.99999999"))
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = stage.Process(ctx, tradeEnvelope("BTCUSDT", "50000.50000001"))
	require.NoError(t, err)
	require.Nil(t, out)

	// Boundary values are inclusive.
	out, err = stage.Process(ctx, tradeEnvelope("BTCUSDT", "100.00000000"))
	require.NoError(t, err)
	require.NotNil(t, out)

	// Depth records have no scalar price and bypass the bounds.
	depth := tradeEnvelope("BTCUSDT", "")
	depth.Record.DataType = schema.DataTypeDepth
	depth.Record.Payload = schema.DepthPayload{}
	out, err = stage.Process(ctx, depth)
	require.NoError(t, err)
	require.NotNil(t, out)

	_, err = NewFilterStage(FilterConfig{MinPrice: "abc"})
	require.Error(t, err)
}

func TestPipelineFailFast(t *testing.T) {
	boom := errs.New("test", errs.KindStage, errs.CodeInvalid)
	var reached bool
	p, err := New(Config{ErrorMode: ErrorModeFailFast},
		NewStageRunner(&stubStage{
			name: "fail",
			process: func(context.Context, *schema.Envelope) (*schema.Envelope, error) {
				return nil, boom
			},
		}, StageConfig{}),
		NewStageRunner(&stubStage{
			name: "after",
			process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
				reached = true
				return env, nil
			},
		}, StageConfig{}),
	)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.Error(t, err)
	require.False(t, reached)
	require.Equal(t, uint64(1), p.Stats().Failed)
}

func TestPipelineContinue(t *testing.T) {
	p, err := New(Config{ErrorMode: ErrorModeContinue},
		NewStageRunner(&stubStage{
			name: "fail",
			process: func(context.Context, *schema.Envelope) (*schema.Envelope, error) {
				return nil, errs.New("test", errs.KindStage, errs.CodeInvalid)
			},
		}, StageConfig{}),
		passThrough("after"),
	)
	require.NoError(t, err)

	out, err := p.Process(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, uint64(1), p.Stats().Processed)
}

func TestPipelineRetry(t *testing.T) {
	attempts := 0
	p, err := New(Config{ErrorMode: ErrorModeRetry, MaxRetries: 3, RetryDelay: time.Millisecond},
		NewStageRunner(&stubStage{
			name: "flaky",
			process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
				attempts++
				if attempts < 3 {
					return nil, errs.New("test", errs.KindConnection, errs.CodeNetwork)
				}
				return env, nil
			},
		}, StageConfig{}),
	)
	require.NoError(t, err)

	env := tradeEnvelope("BTCUSDT", "1")
	out, err := p.Process(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, 3, attempts)
	require.Equal(t, 2, env.Metadata.RetryCount)
}

func TestPipelineRetrySkipsNonRetryable(t *testing.T) {
	attempts := 0
	p, err := New(Config{ErrorMode: ErrorModeRetry, MaxRetries: 3, RetryDelay: time.Millisecond},
		NewStageRunner(&stubStage{
			name: "fatal",
			process: func(context.Context, *schema.Envelope) (*schema.Envelope, error) {
				attempts++
				return nil, errs.New("test", errs.KindValidation, errs.CodeInvalid)
			},
		}, StageConfig{}),
	)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestPipelineFilteredEnvelopeStops(t *testing.T) {
	var reached bool
	p, err := New(Config{},
		NewStageRunner(&stubStage{
			name: "drop",
			process: func(context.Context, *schema.Envelope) (*schema.Envelope, error) {
				return nil, nil
			},
		}, StageConfig{}),
		NewStageRunner(&stubStage{
			name: "after",
			process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
				reached = true
				return env, nil
			},
		}, StageConfig{}),
	)
	require.NoError(t, err)

	out, err := p.Process(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.NoError(t, err)
	require.Nil(t, out)
	require.False(t, reached)
	require.Equal(t, uint64(1), p.Stats().Filtered)
}

func TestStageRunnerDisabledPassesThrough(t *testing.T) {
	disabled := false
	called := false
	runner := NewStageRunner(&stubStage{
		name: "off",
		process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
			called = true
			return env, nil
		},
	}, StageConfig{Enabled: &disabled})

	env := tradeEnvelope("BTCUSDT", "1")
	out, err := runner.Run(context.Background(), env)
	require.NoError(t, err)
	require.Same(t, env, out)
	require.False(t, called)
}

func TestStageRunnerBreakerOpens(t *testing.T) {
	runner := NewStageRunner(&stubStage{
		name: "broken",
		process: func(context.Context, *schema.Envelope) (*schema.Envelope, error) {
			return nil, errs.New("test", errs.KindStage, errs.CodeInvalid)
		},
	}, StageConfig{BreakerThreshold: 2, BreakerCooldown: time.Hour})

	ctx := context.Background()
	env := tradeEnvelope("BTCUSDT", "1")

	_, err := runner.Run(ctx, env)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	_, err = runner.Run(ctx, env)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	// Threshold reached: subsequent calls short-circuit.
	_, err = runner.Run(ctx, env)
	require.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	require.True(t, errs.Retryable(err))
}

func TestStageRunnerRateLimit(t *testing.T) {
	runner := NewStageRunner(passThroughStage(), StageConfig{RateLimit: 50, RateBurst: 1})

	ctx := context.Background()
	env := tradeEnvelope("BTCUSDT", "1")
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := runner.Run(ctx, env)
		require.NoError(t, err)
	}
	// 50/s with burst 1 forces ~20ms spacing after the first token.
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func passThroughStage() Stage {
	return &stubStage{
		name:    "pass",
		process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) { return env, nil },
	}
}

func TestProcessWithTraceAccountsPerStage(t *testing.T) {
	p, err := New(Config{ErrorMode: ErrorModeContinue},
		passThrough("fast"),
		NewStageRunner(&stubStage{
			name: "slow",
			process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
				time.Sleep(5 * time.Millisecond)
				return env, nil
			},
		}, StageConfig{}),
		NewStageRunner(&stubStage{
			name: "shaky",
			process: func(context.Context, *schema.Envelope) (*schema.Envelope, error) {
				return nil, errs.New("test", errs.KindStage, errs.CodeInvalid)
			},
		}, StageConfig{}),
	)
	require.NoError(t, err)

	env := tradeEnvelope("BTCUSDT", "1")
	out, trace, err := p.ProcessWithTrace(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, trace)
	require.NotEmpty(t, trace.CorrelationID)

	id, ok := out.Attribute("correlation_id")
	require.True(t, ok)
	require.Equal(t, trace.CorrelationID, id)

	require.Len(t, trace.Stages, 3)
	require.Equal(t, "fast", trace.Stages[0].Stage)
	require.Equal(t, "slow", trace.Stages[1].Stage)
	require.Equal(t, "shaky", trace.Stages[2].Stage)
	require.GreaterOrEqual(t, trace.Stages[1].Elapsed, 5*time.Millisecond)
	require.Less(t, trace.Stages[0].Elapsed, trace.Stages[1].Elapsed)

	require.Len(t, trace.Warnings, 1)
	require.Contains(t, trace.Warnings[0], "shaky")
	require.NoError(t, trace.Err)
}

func TestProcessWithTraceDistinctCorrelationIDs(t *testing.T) {
	p, err := New(Config{}, passThrough("noop"))
	require.NoError(t, err)

	_, first, err := p.ProcessWithTrace(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.NoError(t, err)
	_, second, err := p.ProcessWithTrace(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.NoError(t, err)
	require.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestProcessBatchReturnsCompletedEnvelopes(t *testing.T) {
	p, err := New(Config{},
		NewStageRunner(&stubStage{
			name: "gate",
			process: func(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
				switch env.Metadata.Symbol {
				case "BADUSDT":
					return nil, errs.New("test", errs.KindStage, errs.CodeInvalid)
				case "SKIPUSDT":
					return nil, nil
				default:
					return env, nil
				}
			},
		}, StageConfig{}),
	)
	require.NoError(t, err)

	batch := []*schema.Envelope{
		tradeEnvelope("BTCUSDT", "1"),
		tradeEnvelope("BADUSDT", "1"),
		tradeEnvelope("SKIPUSDT", "1"),
		tradeEnvelope("ETHUSDT", "1"),
	}
	completed, failures := p.ProcessBatch(context.Background(), batch)
	require.Len(t, failures, 1)
	require.Len(t, completed, 2)
	require.Equal(t, "BTCUSDT", completed[0].Metadata.Symbol)
	require.Equal(t, "ETHUSDT", completed[1].Metadata.Symbol)
}

func TestHealthyWithoutTraffic(t *testing.T) {
	p, err := New(Config{}, passThrough("noop"))
	require.NoError(t, err)
	require.True(t, p.Healthy())

	_, err = p.Process(context.Background(), tradeEnvelope("BTCUSDT", "1"))
	require.NoError(t, err)
	require.True(t, p.Healthy())
}
