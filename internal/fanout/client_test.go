package fanout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/venndor/marketgate/internal/schema"
)

func TestSubscriptionWildcards(t *testing.T) {
	sess := newSession("test", nil, 4, 0, 0)
	require.False(t, sess.subscribedTo("BTCUSDT", schema.DataTypeTrade))

	require.NoError(t, sess.subscribe([]string{"btcusdt"}, []string{"trade"}))
	require.True(t, sess.subscribedTo("BTCUSDT", schema.DataTypeTrade))
	require.False(t, sess.subscribedTo("BTCUSDT", schema.DataTypeTicker))
	require.False(t, sess.subscribedTo("ETHUSDT", schema.DataTypeTrade))

	require.NoError(t, sess.subscribe([]string{"*"}, []string{"ticker"}))
	require.True(t, sess.subscribedTo("ETHUSDT", schema.DataTypeTicker))

	require.NoError(t, sess.subscribe([]string{"ethusdt"}, nil))
	require.True(t, sess.subscribedTo("ETHUSDT", schema.DataTypeDepth))

	sess.unsubscribe([]string{"BTCUSDT"}, []string{"trade"})
	require.False(t, sess.subscribedTo("BTCUSDT", schema.DataTypeTrade))
}

func TestSubscribeValidation(t *testing.T) {
	sess := newSession("test", nil, 4, 0, 0)
	require.Error(t, sess.subscribe([]string{"BTC/USDT"}, nil))
	require.Error(t, sess.subscribe([]string{"BTCUSDT"}, []string{"book"}))
}

func TestFilterCompile(t *testing.T) {
	_, err := compileFilter(FilterSpec{MinPrice: "abc"})
	require.Error(t, err)

	_, err = compileFilter(FilterSpec{DataTypes: []string{"bogus"}})
	require.Error(t, err)

	f, err := compileFilter(FilterSpec{Symbols: []string{"btcusdt"}, MinPrice: "1"})
	require.NoError(t, err)
	require.Contains(t, f.symbols, "BTCUSDT")
}

func TestFilterAllows(t *testing.T) {
	env := schema.NewEnvelope("binance", &schema.Record{
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		DataType: schema.DataTypeTrade,
		Payload:  schema.TradePayload{Price: "150.5"},
	})

	var nilFilter *clientFilter
	require.True(t, nilFilter.allows(env))

	f, err := compileFilter(FilterSpec{MinPrice: "100", MaxPrice: "200"})
	require.NoError(t, err)
	require.True(t, f.allows(env))

	f, err = compileFilter(FilterSpec{MinPrice: "151"})
	require.NoError(t, err)
	require.False(t, f.allows(env))

	f, err = compileFilter(FilterSpec{Symbols: []string{"ETHUSDT"}})
	require.NoError(t, err)
	require.False(t, f.allows(env))

	f, err = compileFilter(FilterSpec{Exchanges: []string{"Binance"}})
	require.NoError(t, err)
	require.True(t, f.allows(env))

	f, err = compileFilter(FilterSpec{Exchanges: []string{"kraken"}})
	require.NoError(t, err)
	require.False(t, f.allows(env))

	// Depth has no scalar price and bypasses price bounds.
	depth := schema.NewEnvelope("binance", &schema.Record{
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		DataType: schema.DataTypeDepth,
		Payload:  schema.DepthPayload{},
	})
	f, err = compileFilter(FilterSpec{MinPrice: "1000000"})
	require.NoError(t, err)
	require.True(t, f.allows(depth))
}

func TestEnqueueShedsWhenFull(t *testing.T) {
	sess := newSession("test", nil, 2, 0, 0)
	require.True(t, sess.enqueue([]byte("a")))
	require.True(t, sess.enqueue([]byte("b")))
	require.False(t, sess.enqueue([]byte("c")))
	require.Equal(t, uint64(1), sess.dropped.Load())
}

func TestEnqueueClosesPersistentlySlowClient(t *testing.T) {
	sess := newSession("test", nil, 1, 0, 0)
	require.True(t, sess.enqueue([]byte("a")))
	for i := 0; i < maxConsecutiveDrops; i++ {
		require.False(t, sess.enqueue([]byte("x")))
	}
	require.True(t, sess.closed())
}

func TestEnqueueRateLimited(t *testing.T) {
	sess := newSession("test", nil, 64, 1, 1)
	require.True(t, sess.enqueue([]byte("a")))
	require.False(t, sess.enqueue([]byte("b")), "second frame within the same second should be shed")
	require.Equal(t, uint64(1), sess.dropped.Load())
}
