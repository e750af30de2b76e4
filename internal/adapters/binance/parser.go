package binance

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

// Parser normalises Binance combined-stream frames into canonical records.
// Numeric wire fields are decimal strings and stay that way; nothing is ever
// routed through a float.
type Parser struct {
	exchange string
}

// NewParser creates a Binance frame parser.
func NewParser() *Parser {
	return &Parser{exchange: "binance"}
}

// Parse converts one combined-stream frame into a canonical record.
// receivedAt is stamped by the caller at socket ingress.
func (p *Parser) Parse(frame []byte, receivedAt time.Time) (*schema.Record, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("decode combined-stream envelope"), errs.WithCause(err))
	}
	if len(envelope.Data) == 0 {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("combined-stream frame missing data"))
	}

	var header eventHeader
	if err := json.Unmarshal(envelope.Data, &header); err != nil {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("decode event header"), errs.WithCause(err))
	}

	eventType := header.EventType
	if eventType == "" {
		eventType = inferStreamType(envelope.Stream)
	}

	switch eventType {
	case "trade":
		return p.parseTrade(envelope.Data, receivedAt)
	case "24hrTicker":
		return p.parseTicker(envelope.Data, receivedAt)
	case "kline":
		return p.parseKline(envelope.Data, receivedAt)
	case "depthUpdate":
		return p.parseDepthUpdate(envelope.Data, receivedAt)
	default:
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown event type %q", eventType)),
			errs.WithField("stream", envelope.Stream))
	}
}

// StreamName extracts the logical stream name without decoding the payload.
func (p *Parser) StreamName(frame []byte) (string, bool) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return "", false
	}
	return envelope.Stream, envelope.Stream != ""
}

func (p *Parser) parseTrade(data []byte, receivedAt time.Time) (*schema.Record, error) {
	var payload tradeEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("decode trade"), errs.WithCause(err))
	}
	symbol := schema.CanonicalSymbol(payload.Symbol)
	if symbol == "" {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalidSymbol,
			errs.WithMessage("missing symbol in trade"))
	}
	side := schema.TradeSideBuy
	if payload.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	return &schema.Record{
		Exchange:   p.exchange,
		Symbol:     symbol,
		DataType:   schema.DataTypeTrade,
		EventTime:  payload.EventTime,
		ReceivedAt: receivedAt,
		Payload: schema.TradePayload{
			Price:     payload.Price,
			Quantity:  payload.Quantity,
			TradeID:   fmt.Sprintf("%d", payload.TradeID),
			Side:      side,
			TradeTime: payload.TradeTime,
		},
	}, nil
}

func (p *Parser) parseTicker(data []byte, receivedAt time.Time) (*schema.Record, error) {
	var payload ticker24hr
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("decode ticker"), errs.WithCause(err))
	}
	symbol := schema.CanonicalSymbol(payload.Symbol)
	if symbol == "" {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalidSymbol,
			errs.WithMessage("missing symbol in ticker"))
	}
	return &schema.Record{
		Exchange:   p.exchange,
		Symbol:     symbol,
		DataType:   schema.DataTypeTicker,
		EventTime:  payload.EventTime,
		ReceivedAt: receivedAt,
		Payload: schema.TickerPayload{
			LastPrice:   payload.LastPrice,
			BidPrice:    payload.BidPrice,
			AskPrice:    payload.AskPrice,
			Volume:      payload.Volume,
			Change:      payload.PriceChange,
			ChangePct:   payload.PriceChangePct,
			OpenPrice:   payload.OpenPrice,
			HighPrice:   payload.HighPrice,
			LowPrice:    payload.LowPrice,
			WindowOpen:  payload.OpenTime,
			WindowClose: payload.CloseTime,
		},
	}, nil
}

func (p *Parser) parseKline(data []byte, receivedAt time.Time) (*schema.Record, error) {
	var payload klineEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("decode kline"), errs.WithCause(err))
	}
	symbol := schema.CanonicalSymbol(payload.Symbol)
	if symbol == "" {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalidSymbol,
			errs.WithMessage("missing symbol in kline"))
	}
	interval := schema.Interval(payload.Kline.Interval)
	if err := interval.Validate(); err != nil {
		return nil, err
	}
	return &schema.Record{
		Exchange:   p.exchange,
		Symbol:     symbol,
		DataType:   schema.DataTypeKline,
		EventTime:  payload.EventTime,
		ReceivedAt: receivedAt,
		Payload: schema.KlinePayload{
			Interval:   interval,
			OpenPrice:  payload.Kline.OpenPrice,
			HighPrice:  payload.Kline.HighPrice,
			LowPrice:   payload.Kline.LowPrice,
			ClosePrice: payload.Kline.ClosePrice,
			Volume:     payload.Kline.Volume,
			Trades:     payload.Kline.Trades,
			Closed:     payload.Kline.Closed,
		},
	}, nil
}

func (p *Parser) parseDepthUpdate(data []byte, receivedAt time.Time) (*schema.Record, error) {
	var payload depthUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalid,
			errs.WithMessage("decode depth update"), errs.WithCause(err))
	}
	symbol := schema.CanonicalSymbol(payload.Symbol)
	if symbol == "" {
		return nil, errs.New("binance/parser", errs.KindParsing, errs.CodeInvalidSymbol,
			errs.WithMessage("missing symbol in depth update"))
	}
	return &schema.Record{
		Exchange:   p.exchange,
		Symbol:     symbol,
		DataType:   schema.DataTypeDepth,
		EventTime:  payload.EventTime,
		ReceivedAt: receivedAt,
		Payload: schema.DepthPayload{
			Bids:          toPriceLevels(payload.Bids),
			Asks:          toPriceLevels(payload.Asks),
			FirstUpdateID: payload.FirstUpdateID,
			FinalUpdateID: payload.FinalUpdateID,
			Snapshot:      false,
		},
	}, nil
}

func toPriceLevels(levels [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level[0], Quantity: level[1]})
	}
	return out
}

// inferStreamType maps a stream name onto its event discriminator for frames
// that omit the `e` field (some snapshot-style streams do).
func inferStreamType(stream string) string {
	stream = strings.ToLower(stream)
	switch {
	case strings.Contains(stream, "depth"):
		return "depthUpdate"
	case strings.Contains(stream, "kline"):
		return "kline"
	case strings.Contains(stream, "ticker"):
		return "24hrTicker"
	case strings.Contains(stream, "trade"):
		return "trade"
	default:
		return ""
	}
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	EventType string `json:"e"`
}

type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      uint64 `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type ticker24hr struct {
	EventType      string `json:"e"`
	EventTime      int64  `json:"E"`
	Symbol         string `json:"s"`
	PriceChange    string `json:"p"`
	PriceChangePct string `json:"P"`
	LastPrice      string `json:"c"`
	BidPrice       string `json:"b"`
	AskPrice       string `json:"a"`
	OpenPrice      string `json:"o"`
	HighPrice      string `json:"h"`
	LowPrice       string `json:"l"`
	Volume         string `json:"v"`
	OpenTime       int64  `json:"O"`
	CloseTime      int64  `json:"C"`
}

type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime   int64  `json:"t"`
	CloseTime  int64  `json:"T"`
	Symbol     string `json:"s"`
	Interval   string `json:"i"`
	OpenPrice  string `json:"o"`
	ClosePrice string `json:"c"`
	HighPrice  string `json:"h"`
	LowPrice   string `json:"l"`
	Volume     string `json:"v"`
	Trades     int64  `json:"n"`
	Closed     bool   `json:"x"`
}

type depthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
