package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

func TestParseTrade(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@trade","data":{
		"e":"trade","E":1700000000123,"s":"BTCUSDT","t":987654321,
		"p":"43250.10000000","q":"0.00150000","T":1700000000120,"m":true}}`)

	received := time.Now().UTC()
	record, err := NewParser().Parse(frame, received)
	require.NoError(t, err)
	require.Equal(t, "binance", record.Exchange)
	require.Equal(t, "BTCUSDT", record.Symbol)
	require.Equal(t, schema.DataTypeTrade, record.DataType)
	require.Equal(t, int64(1700000000123), record.EventTime)
	require.Equal(t, received, record.ReceivedAt)

	payload, ok := record.Payload.(schema.TradePayload)
	require.True(t, ok)
	require.Equal(t, "43250.10000000", payload.Price)
	require.Equal(t, "0.00150000", payload.Quantity)
	require.Equal(t, "987654321", payload.TradeID)
	require.Equal(t, schema.TradeSideSell, payload.Side)
	require.Equal(t, int64(1700000000120), payload.TradeTime)
}

func TestParseTicker(t *testing.T) {
	frame := []byte(`{"stream":"ethusdt@ticker","data":{
		"e":"24hrTicker","E":1700000001000,"s":"ETHUSDT",
		"p":"-10.50000000","P":"-0.47","c":"2210.00000000",
		"b":"2209.90000000","a":"2210.10000000","o":"2220.50000000",
		"h":"2250.00000000","l":"2190.00000000","v":"120345.20000000",
		"O":1699913601000,"C":1700000001000}}`)

	record, err := NewParser().Parse(frame, time.Now())
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeTicker, record.DataType)

	payload, ok := record.Payload.(schema.TickerPayload)
	require.True(t, ok)
	require.Equal(t, "2210.00000000", payload.LastPrice)
	require.Equal(t, "-10.50000000", payload.Change)
	require.Equal(t, "-0.47", payload.ChangePct)
	require.Equal(t, "2209.90000000", payload.BidPrice)
	require.Equal(t, "2210.10000000", payload.AskPrice)
	require.Equal(t, int64(1699913601000), payload.WindowOpen)
}

func TestParseKline(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@kline_1m","data":{
		"e":"kline","E":1700000002000,"s":"BTCUSDT",
		"k":{"t":1699999940000,"T":1699999999999,"s":"BTCUSDT","i":"1m",
		"o":"43200.00000000","c":"43250.10000000","h":"43260.00000000",
		"l":"43195.50000000","v":"12.34500000","n":482,"x":true}}}`)

	record, err := NewParser().Parse(frame, time.Now())
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeKline, record.DataType)

	payload, ok := record.Payload.(schema.KlinePayload)
	require.True(t, ok)
	require.Equal(t, schema.Interval("1m"), payload.Interval)
	require.Equal(t, "43200.00000000", payload.OpenPrice)
	require.Equal(t, "43250.10000000", payload.ClosePrice)
	require.Equal(t, int64(482), payload.Trades)
	require.True(t, payload.Closed)
}

func TestParseKlineRejectsUnknownInterval(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@kline_7m","data":{
		"e":"kline","E":1,"s":"BTCUSDT",
		"k":{"i":"7m","o":"1","c":"1","h":"1","l":"1","v":"1","n":1,"x":false}}}`)

	_, err := NewParser().Parse(frame, time.Now())
	require.Equal(t, errs.CodeInvalidInterval, errs.CodeOf(err))
}

func TestParseDepthUpdate(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth","data":{
		"e":"depthUpdate","E":1700000003000,"s":"BTCUSDT","U":100,"u":105,
		"b":[["43250.00000000","1.20000000"],["43249.50000000","0.00000000"]],
		"a":[["43250.50000000","0.80000000"]]}}`)

	record, err := NewParser().Parse(frame, time.Now())
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeDepth, record.DataType)

	payload, ok := record.Payload.(schema.DepthPayload)
	require.True(t, ok)
	require.Len(t, payload.Bids, 2)
	require.Len(t, payload.Asks, 1)
	// Zero-quantity levels are deletions and pass through untouched.
	require.Equal(t, "0.00000000", payload.Bids[1].Quantity)
	require.Equal(t, uint64(100), payload.FirstUpdateID)
	require.Equal(t, uint64(105), payload.FinalUpdateID)
	require.False(t, payload.Snapshot)
}

func TestParseInfersTypeFromStreamName(t *testing.T) {
	// Partial depth snapshots omit the event discriminator.
	frame := []byte(`{"stream":"btcusdt@depth20@100ms","data":{
		"s":"BTCUSDT","U":7,"u":9,
		"b":[["43250.00000000","1.00000000"]],"a":[["43251.00000000","2.00000000"]]}}`)

	record, err := NewParser().Parse(frame, time.Now())
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeDepth, record.DataType)
}

func TestParseMalformedFrames(t *testing.T) {
	parser := NewParser()
	for name, frame := range map[string]string{
		"not json":      `{`,
		"missing data":  `{"stream":"btcusdt@trade"}`,
		"unknown event": `{"stream":"btcusdt@foo","data":{"e":"weird"}}`,
		"no symbol":     `{"stream":"btcusdt@trade","data":{"e":"trade","p":"1","q":"1"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parser.Parse([]byte(frame), time.Now())
			require.Error(t, err)
			require.True(t, errs.IsKind(err, errs.KindParsing))
		})
	}
}

func TestStreamName(t *testing.T) {
	parser := NewParser()

	name, ok := parser.StreamName([]byte(`{"stream":"btcusdt@trade","data":{}}`))
	require.True(t, ok)
	require.Equal(t, "btcusdt@trade", name)

	_, ok = parser.StreamName([]byte(`{"result":null,"id":1}`))
	require.False(t, ok)
}
