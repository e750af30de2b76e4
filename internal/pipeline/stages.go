package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

const (
	// Event times more than this far in the future are rejected as clock skew.
	maxFutureDrift = time.Minute
	// Event times older than this are rejected as stale replays.
	maxPastDrift = 5 * time.Minute
)

// ValidateStage rejects malformed and temporally implausible records.
type ValidateStage struct {
	now func() time.Time
}

// NewValidateStage builds the validation stage.
func NewValidateStage() *ValidateStage {
	return &ValidateStage{now: time.Now}
}

func (s *ValidateStage) Name() string { return "validate" }

func (s *ValidateStage) Process(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	if env == nil || env.Record == nil {
		return nil, errs.New("pipeline/validate", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("envelope carries no record"))
	}
	rec := env.Record
	if err := rec.DataType.Validate(); err != nil {
		return nil, err
	}
	if err := schema.ValidateSymbol(rec.Symbol); err != nil {
		return nil, err
	}
	if rec.EventTime <= 0 {
		return nil, errs.New("pipeline/validate", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("record missing event time"),
			errs.WithField("symbol", rec.Symbol))
	}
	eventTime := time.UnixMilli(rec.EventTime)
	now := s.now()
	if eventTime.After(now.Add(maxFutureDrift)) {
		return nil, errs.New("pipeline/validate", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("event time %s too far in the future", eventTime.UTC())),
			errs.WithField("symbol", rec.Symbol))
	}
	if eventTime.Before(now.Add(-maxPastDrift)) {
		return nil, errs.New("pipeline/validate", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("event time %s too far in the past", eventTime.UTC())),
			errs.WithField("symbol", rec.Symbol))
	}
	return env, nil
}

// TransformStage canonicalises envelope metadata and assigns priority.
type TransformStage struct {
	priorities map[schema.DataType]uint8
}

// NewTransformStage builds the transform stage with default priorities:
// trades and depth ahead of tickers and klines.
func NewTransformStage() *TransformStage {
	return &TransformStage{
		priorities: map[schema.DataType]uint8{
			schema.DataTypeTrade:  3,
			schema.DataTypeDepth:  2,
			schema.DataTypeTicker: 1,
			schema.DataTypeKline:  1,
		},
	}
}

func (s *TransformStage) Name() string { return "transform" }

func (s *TransformStage) Process(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	rec := env.Record
	rec.Symbol = schema.CanonicalSymbol(rec.Symbol)
	env.Metadata.Exchange = rec.Exchange
	env.Metadata.Symbol = rec.Symbol
	env.Metadata.DataType = rec.DataType
	env.Metadata.Priority = s.priorities[rec.DataType]
	if price, ok := rec.ScalarPrice(); ok {
		env.SetAttribute("scalar_price", price)
	}
	env.ProcessedAt = time.Now().UTC()
	return env, nil
}

// FilterConfig bounds what the filter stage lets through.
type FilterConfig struct {
	// Symbols allowlists canonical symbols; empty allows all.
	Symbols []string
	// DataTypes allowlists data types; empty allows all.
	DataTypes []schema.DataType
	// MinPrice and MaxPrice bound the record's scalar price as decimal
	// strings; empty disables the bound. Records without a scalar price
	// (depth) bypass the price bounds.
	MinPrice string
	MaxPrice string
}

// FilterStage drops envelopes outside the configured allowlists and price
// range. Dropping is not an error; filtered envelopes return nil.
type FilterStage struct {
	symbols   map[string]struct{}
	dataTypes map[schema.DataType]struct{}
	minPrice  *decimal.Decimal
	maxPrice  *decimal.Decimal
}

// NewFilterStage compiles the filter configuration.
func NewFilterStage(cfg FilterConfig) (*FilterStage, error) {
	s := &FilterStage{
		symbols:   nil,
		dataTypes: nil,
		minPrice:  nil,
		maxPrice:  nil,
	}
	if len(cfg.Symbols) > 0 {
		s.symbols = make(map[string]struct{}, len(cfg.Symbols))
		for _, symbol := range cfg.Symbols {
			s.symbols[schema.CanonicalSymbol(symbol)] = struct{}{}
		}
	}
	if len(cfg.DataTypes) > 0 {
		s.dataTypes = make(map[schema.DataType]struct{}, len(cfg.DataTypes))
		for _, dt := range cfg.DataTypes {
			s.dataTypes[dt] = struct{}{}
		}
	}
	if cfg.MinPrice != "" {
		min, err := decimal.NewFromString(cfg.MinPrice)
		if err != nil {
			return nil, errs.New("pipeline/filter", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage("parse min price"), errs.WithCause(err))
		}
		s.minPrice = &min
	}
	if cfg.MaxPrice != "" {
		max, err := decimal.NewFromString(cfg.MaxPrice)
		if err != nil {
			return nil, errs.New("pipeline/filter", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage("parse max price"), errs.WithCause(err))
		}
		s.maxPrice = &max
	}
	return s, nil
}

func (s *FilterStage) Name() string { return "filter" }

func (s *FilterStage) Process(_ context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	rec := env.Record
	if s.symbols != nil {
		if _, ok := s.symbols[rec.Symbol]; !ok {
			return nil, nil
		}
	}
	if s.dataTypes != nil {
		if _, ok := s.dataTypes[rec.DataType]; !ok {
			return nil, nil
		}
	}
	if s.minPrice != nil || s.maxPrice != nil {
		raw, ok := rec.ScalarPrice()
		if ok {
			price, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, errs.New("pipeline/filter", errs.KindParsing, errs.CodeInvalid,
					errs.WithMessage("parse scalar price"), errs.WithCause(err),
					errs.WithField("symbol", rec.Symbol))
			}
			if s.minPrice != nil && price.LessThan(*s.minPrice) {
				return nil, nil
			}
			if s.maxPrice != nil && price.GreaterThan(*s.maxPrice) {
				return nil, nil
			}
		}
	}
	return env, nil
}

// OutputFunc receives envelopes that survived every prior stage.
type OutputFunc func(ctx context.Context, env *schema.Envelope) error

// OutputStage hands finished envelopes to the delivery function, usually the
// router plus publisher composition.
type OutputStage struct {
	deliver OutputFunc
}

// NewOutputStage builds the terminal stage.
func NewOutputStage(deliver OutputFunc) *OutputStage {
	return &OutputStage{deliver: deliver}
}

func (s *OutputStage) Name() string { return "output" }

func (s *OutputStage) Process(ctx context.Context, env *schema.Envelope) (*schema.Envelope, error) {
	if s.deliver == nil {
		return env, nil
	}
	if err := s.deliver(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}
