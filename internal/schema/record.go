// Package schema defines canonical market-data records and payload types.
package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/venndor/marketgate/errs"
)

// DataType enumerates canonical market-data categories.
type DataType string

const (
	// DataTypeTrade identifies individual trade executions.
	DataTypeTrade DataType = "trade"
	// DataTypeTicker identifies 24h rolling ticker statistics.
	DataTypeTicker DataType = "ticker"
	// DataTypeKline identifies candlestick updates.
	DataTypeKline DataType = "kline"
	// DataTypeDepth identifies order book level updates.
	DataTypeDepth DataType = "depth"
)

// SupportedDataTypes lists every data type the codec can express.
func SupportedDataTypes() []DataType {
	return []DataType{DataTypeTrade, DataTypeTicker, DataTypeKline, DataTypeDepth}
}

// Validate ensures the data type is one of the supported categories.
func (d DataType) Validate() error {
	switch d {
	case DataTypeTrade, DataTypeTicker, DataTypeKline, DataTypeDepth:
		return nil
	default:
		return errs.New("schema/data-type", errs.KindValidation, errs.CodeUnsupportedDataType,
			errs.WithMessage(fmt.Sprintf("unsupported data type %q", string(d))))
	}
}

// Interval enumerates supported kline intervals.
type Interval string

// Supported kline intervals, in ascending duration order.
const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

var supportedIntervals = map[Interval]struct{}{
	Interval1m: {}, Interval3m: {}, Interval5m: {}, Interval15m: {}, Interval30m: {},
	Interval1h: {}, Interval2h: {}, Interval4h: {}, Interval6h: {}, Interval8h: {},
	Interval12h: {}, Interval1d: {}, Interval3d: {}, Interval1w: {}, Interval1M: {},
}

// Validate ensures the interval is a known kline interval.
func (i Interval) Validate() error {
	if _, ok := supportedIntervals[i]; ok {
		return nil
	}
	return errs.New("schema/interval", errs.KindValidation, errs.CodeInvalidInterval,
		errs.WithMessage(fmt.Sprintf("invalid kline interval %q", string(i))))
}

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidateSymbol verifies the canonical symbol form (alphanumeric, non-empty).
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return errs.New("schema/symbol", errs.KindValidation, errs.CodeInvalidSymbol,
			errs.WithMessage(fmt.Sprintf("symbol %q is not canonical", symbol)))
	}
	return nil
}

// CanonicalSymbol uppercases and trims a wire symbol into internal form.
func CanonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Record is the exchange-agnostic market record. It is immutable once emitted
// by an adapter; all numeric wire fields stay decimal strings to preserve
// precision through to publish.
type Record struct {
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	DataType   DataType  `json:"data_type"`
	EventTime  int64     `json:"event_time"`
	ReceivedAt time.Time `json:"received_at"`
	Payload    any       `json:"payload"`
}

// TradeSide captures the direction of a trade.
type TradeSide string

const (
	// TradeSideBuy indicates buy side fills.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell indicates sell side fills.
	TradeSideSell TradeSide = "sell"
)

// TradePayload represents an executed trade.
type TradePayload struct {
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity"`
	TradeID   string    `json:"trade_id"`
	Side      TradeSide `json:"side"`
	TradeTime int64     `json:"trade_time"`
}

// TickerPayload conveys 24h rolling ticker statistics.
type TickerPayload struct {
	LastPrice   string `json:"last_price"`
	BidPrice    string `json:"bid_price"`
	AskPrice    string `json:"ask_price"`
	Volume      string `json:"volume"`
	Change      string `json:"change"`
	ChangePct   string `json:"change_pct"`
	OpenPrice   string `json:"open_price"`
	HighPrice   string `json:"high_price"`
	LowPrice    string `json:"low_price"`
	WindowOpen  int64  `json:"window_open"`
	WindowClose int64  `json:"window_close"`
}

// KlinePayload represents a candlestick update for a single interval.
type KlinePayload struct {
	Interval   Interval `json:"interval"`
	OpenPrice  string   `json:"open_price"`
	HighPrice  string   `json:"high_price"`
	LowPrice   string   `json:"low_price"`
	ClosePrice string   `json:"close_price"`
	Volume     string   `json:"volume"`
	Trades     int64    `json:"trades"`
	Closed     bool     `json:"closed"`
}

// PriceLevel describes an order book price level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// DepthPayload conveys order book level updates or snapshots.
type DepthPayload struct {
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	FirstUpdateID uint64       `json:"first_update_id,omitempty"`
	FinalUpdateID uint64       `json:"final_update_id,omitempty"`
	Snapshot      bool         `json:"snapshot,omitempty"`
}

// UnmarshalJSON restores the payload as its concrete type, keyed by the
// record's data type. Without this a round trip through JSON (spill storage,
// bus replay) would degrade payloads to generic maps.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		Payload json.RawMessage `json:"payload"`
	}{plain: (*plain)(r), Payload: nil}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 {
		return nil
	}
	switch r.DataType {
	case DataTypeTrade:
		var p TradePayload
		if err := json.Unmarshal(aux.Payload, &p); err != nil {
			return err
		}
		r.Payload = p
	case DataTypeTicker:
		var p TickerPayload
		if err := json.Unmarshal(aux.Payload, &p); err != nil {
			return err
		}
		r.Payload = p
	case DataTypeKline:
		var p KlinePayload
		if err := json.Unmarshal(aux.Payload, &p); err != nil {
			return err
		}
		r.Payload = p
	case DataTypeDepth:
		var p DepthPayload
		if err := json.Unmarshal(aux.Payload, &p); err != nil {
			return err
		}
		r.Payload = p
	default:
		var p any
		if err := json.Unmarshal(aux.Payload, &p); err != nil {
			return err
		}
		r.Payload = p
	}
	return nil
}

// ScalarPrice extracts a single representative price from the record payload.
// Depth payloads have no scalar price; ok is false in that case.
func (r *Record) ScalarPrice() (string, bool) {
	if r == nil {
		return "", false
	}
	switch p := r.Payload.(type) {
	case TradePayload:
		return p.Price, p.Price != ""
	case *TradePayload:
		return p.Price, p.Price != ""
	case TickerPayload:
		return p.LastPrice, p.LastPrice != ""
	case *TickerPayload:
		return p.LastPrice, p.LastPrice != ""
	case KlinePayload:
		return p.ClosePrice, p.ClosePrice != ""
	case *KlinePayload:
		return p.ClosePrice, p.ClosePrice != ""
	default:
		return "", false
	}
}
