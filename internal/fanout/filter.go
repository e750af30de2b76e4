// Package fanout serves market data to WebSocket consumers with per-client
// subscriptions, filters, and rate limits.
package fanout

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

// FilterSpec is the client-supplied filter description.
type FilterSpec struct {
	Exchanges []string `json:"exchanges,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
	DataTypes []string `json:"data_types,omitempty"`
	MinPrice  string   `json:"min_price,omitempty"`
	MaxPrice  string   `json:"max_price,omitempty"`
}

// clientFilter is the compiled, immutable form of a FilterSpec. Sessions swap
// the active filter atomically so delivery never sees a half-updated one.
type clientFilter struct {
	exchanges map[string]struct{}
	symbols   map[string]struct{}
	dataTypes map[schema.DataType]struct{}
	minPrice  *decimal.Decimal
	maxPrice  *decimal.Decimal
}

func compileFilter(spec FilterSpec) (*clientFilter, error) {
	f := &clientFilter{
		exchanges: nil,
		symbols:   nil,
		dataTypes: nil,
		minPrice:  nil,
		maxPrice:  nil,
	}
	if len(spec.Exchanges) > 0 {
		f.exchanges = make(map[string]struct{}, len(spec.Exchanges))
		for _, exchange := range spec.Exchanges {
			f.exchanges[strings.ToLower(exchange)] = struct{}{}
		}
	}
	if len(spec.Symbols) > 0 {
		f.symbols = make(map[string]struct{}, len(spec.Symbols))
		for _, symbol := range spec.Symbols {
			f.symbols[schema.CanonicalSymbol(symbol)] = struct{}{}
		}
	}
	if len(spec.DataTypes) > 0 {
		f.dataTypes = make(map[schema.DataType]struct{}, len(spec.DataTypes))
		for _, raw := range spec.DataTypes {
			dt := schema.DataType(raw)
			if err := dt.Validate(); err != nil {
				return nil, err
			}
			f.dataTypes[dt] = struct{}{}
		}
	}
	if spec.MinPrice != "" {
		min, err := decimal.NewFromString(spec.MinPrice)
		if err != nil {
			return nil, errs.New("fanout/filter", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage("parse min price"), errs.WithCause(err))
		}
		f.minPrice = &min
	}
	if spec.MaxPrice != "" {
		max, err := decimal.NewFromString(spec.MaxPrice)
		if err != nil {
			return nil, errs.New("fanout/filter", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage("parse max price"), errs.WithCause(err))
		}
		f.maxPrice = &max
	}
	if f.minPrice != nil && f.maxPrice != nil && f.minPrice.GreaterThan(*f.maxPrice) {
		return nil, errs.New("fanout/filter", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("min price exceeds max price"))
	}
	return f, nil
}

// allows reports whether the envelope passes the filter. Records without a
// scalar price bypass the price bounds.
func (f *clientFilter) allows(env *schema.Envelope) bool {
	if f == nil {
		return true
	}
	if f.exchanges != nil {
		if _, ok := f.exchanges[strings.ToLower(env.Metadata.Exchange)]; !ok {
			return false
		}
	}
	if f.symbols != nil {
		if _, ok := f.symbols[env.Metadata.Symbol]; !ok {
			return false
		}
	}
	if f.dataTypes != nil {
		if _, ok := f.dataTypes[env.Metadata.DataType]; !ok {
			return false
		}
	}
	if f.minPrice == nil && f.maxPrice == nil {
		return true
	}
	raw, ok := env.Record.ScalarPrice()
	if !ok {
		return true
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return false
	}
	if f.minPrice != nil && price.LessThan(*f.minPrice) {
		return false
	}
	if f.maxPrice != nil && price.GreaterThan(*f.maxPrice) {
		return false
	}
	return true
}
