package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

type batchCollector struct {
	mu      sync.Mutex
	batches [][]*schema.Envelope
}

func (c *batchCollector) flush(_ context.Context, _ int, envs []*schema.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, envs)
	return nil
}

func (c *batchCollector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, batch := range c.batches {
		n += len(batch)
	}
	return n
}

type memorySpill struct {
	mu   sync.Mutex
	envs []*schema.Envelope
}

func (s *memorySpill) Spill(_ context.Context, envs []*schema.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, envs...)
	return nil
}

func env(symbol string, policy schema.BufferPolicy) *schema.Envelope {
	e := schema.NewEnvelope("test", &schema.Record{
		Exchange: "binance",
		Symbol:   symbol,
		DataType: schema.DataTypeTrade,
	})
	e.Metadata.BufferPolicy = policy
	return e
}

func TestManualFlushPreservesOrder(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{Partitions: 1, Capacity: 16, FlushBatch: 16}, collector.flush, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Add(ctx, env("BTCUSDT", "")))
	}
	buf.Flush(ctx)

	require.Len(t, collector.batches, 1)
	require.Len(t, collector.batches[0], 5)
	for i := 1; i < len(collector.batches[0]); i++ {
		require.False(t, collector.batches[0][i].QueuedAt.Before(collector.batches[0][i-1].QueuedAt))
	}
	require.Equal(t, uint64(5), buf.Stats().Flushed)
}

func TestSizeTriggeredFlush(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:    1,
		Capacity:      64,
		FlushBatch:    4,
		FlushInterval: time.Hour,
	}, collector.flush, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Add(ctx, env("BTCUSDT", "")))
	}
	require.Eventually(t, func() bool { return collector.total() == 4 },
		time.Second, 5*time.Millisecond)
	buf.Stop(context.Background())
}

func TestIntervalTriggeredFlush(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:    1,
		Capacity:      64,
		FlushBatch:    32,
		FlushInterval: 10 * time.Millisecond,
	}, collector.flush, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	require.NoError(t, buf.Add(ctx, env("BTCUSDT", "")))
	require.Never(t, func() bool { return collector.total() > 0 },
		5*time.Millisecond, time.Millisecond)
	buf.Stop(context.Background())
	require.Equal(t, 1, collector.total())
}

func TestDropPolicyEjectsOldest(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{Partitions: 1, Capacity: 2, FlushBatch: 2}, collector.flush, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first := env("BTCUSDT", schema.BufferPolicyDrop)
	require.NoError(t, buf.Add(ctx, first))
	require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyDrop)))
	require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyDrop)))

	stats := buf.Stats()
	require.Equal(t, uint64(1), stats.Dropped)
	require.Equal(t, 2, stats.Queued)

	buf.Flush(ctx)
	for _, batch := range collector.batches {
		for _, e := range batch {
			require.NotEqual(t, first.ID, e.ID, "oldest envelope should have been dropped")
		}
	}
}

func TestSpillPolicyHandsOldestToSink(t *testing.T) {
	collector := &batchCollector{}
	sink := &memorySpill{}
	buf, err := New(Config{Partitions: 1, Capacity: 4, FlushBatch: 2}, collector.flush, sink)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicySpill)))
	}

	sink.mu.Lock()
	spilled := len(sink.envs)
	sink.mu.Unlock()
	require.Equal(t, 2, spilled)
	require.Equal(t, uint64(2), buf.Stats().Spilled)
	require.Equal(t, 3, buf.Stats().Queued)
}

func TestSpillWithoutSinkDrops(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{Partitions: 1, Capacity: 2, FlushBatch: 2}, collector.flush, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicySpill)))
	}
	require.Equal(t, uint64(2), buf.Stats().Dropped)
}

func TestBlockPolicyTimesOut(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:   1,
		Capacity:     1,
		FlushBatch:   1,
		BlockTimeout: 20 * time.Millisecond,
	}, collector.flush, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyBlock)))

	start := time.Now()
	err = buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyBlock))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindBackpressure))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBlockPolicyUnblocksOnFlush(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:   1,
		Capacity:     1,
		FlushBatch:   1,
		BlockTimeout: time.Second,
	}, collector.flush, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyBlock)))

	done := make(chan error, 1)
	go func() { done <- buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyBlock)) }()

	time.Sleep(10 * time.Millisecond)
	buf.Flush(ctx)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked producer never woke up")
	}
}

func TestBlockPolicyRespectsContext(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:   1,
		Capacity:     1,
		FlushBatch:   1,
		BlockTimeout: time.Minute,
	}, collector.flush, nil)
	require.NoError(t, err)

	require.NoError(t, buf.Add(context.Background(), env("BTCUSDT", schema.BufferPolicyBlock)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyBlock)) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Equal(t, errs.CodeCancelled, errs.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled producer never returned")
	}
}

func TestPressure(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{Partitions: 2, Capacity: 4, FlushBatch: 4}, collector.flush, nil)
	require.NoError(t, err)
	require.Zero(t, buf.Pressure())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Add(ctx, env("BTCUSDT", "")))
	}
	require.InDelta(t, 0.5, buf.Pressure(), 0.001)

	var empty Buffer
	require.Zero(t, empty.Pressure())
}

func TestPartitioningBySymbol(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{Partitions: 4, Capacity: 16, FlushBatch: 16}, collector.flush, nil)
	require.NoError(t, err)

	a := buf.partitionFor(env("BTCUSDT", ""))
	b := buf.partitionFor(env("BTCUSDT", ""))
	require.Same(t, a, b, "same symbol must map to the same partition")
}

func envOn(exchange, symbol string, dt schema.DataType) *schema.Envelope {
	return schema.NewEnvelope("test", &schema.Record{
		Exchange: exchange,
		Symbol:   symbol,
		DataType: dt,
	})
}

func TestPartitionKeySchemes(t *testing.T) {
	collector := &batchCollector{}

	byExchange, err := New(Config{Partitions: 8, Capacity: 16, FlushBatch: 16,
		PartitionBy: PartitionByExchange}, collector.flush, nil)
	require.NoError(t, err)
	require.Equal(t, byExchange.partitionKey(envOn("binance", "BTCUSDT", schema.DataTypeTrade)),
		byExchange.partitionKey(envOn("binance", "ETHUSDT", schema.DataTypeDepth)))

	byDataType, err := New(Config{Partitions: 8, Capacity: 16, FlushBatch: 16,
		PartitionBy: PartitionByExchangeDataType}, collector.flush, nil)
	require.NoError(t, err)
	require.Equal(t, byDataType.partitionKey(envOn("binance", "BTCUSDT", schema.DataTypeTrade)),
		byDataType.partitionKey(envOn("binance", "ETHUSDT", schema.DataTypeTrade)))
	require.NotEqual(t, byDataType.partitionKey(envOn("binance", "BTCUSDT", schema.DataTypeTrade)),
		byDataType.partitionKey(envOn("binance", "BTCUSDT", schema.DataTypeDepth)))

	byDefault, err := New(Config{Partitions: 8, Capacity: 16, FlushBatch: 16}, collector.flush, nil)
	require.NoError(t, err)
	require.NotEqual(t, byDefault.partitionKey(envOn("binance", "BTCUSDT", schema.DataTypeTrade)),
		byDefault.partitionKey(envOn("kraken", "BTCUSDT", schema.DataTypeTrade)))

	custom, err := New(Config{Partitions: 8, Capacity: 16, FlushBatch: 16,
		PartitionFunc: func(*schema.Envelope) string { return "pinned" }}, collector.flush, nil)
	require.NoError(t, err)
	require.Equal(t, "pinned", custom.partitionKey(envOn("binance", "BTCUSDT", schema.DataTypeTrade)))

	_, err = New(Config{PartitionBy: "bogus"}, collector.flush, nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestMaxAgeFlushesPartialBatch(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:    1,
		Capacity:      64,
		FlushBatch:    32,
		FlushInterval: 5 * time.Millisecond,
		MaxAge:        20 * time.Millisecond,
	}, collector.flush, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	require.NoError(t, buf.Add(ctx, env("BTCUSDT", "")))
	// Below the batch threshold and younger than MaxAge: the ticker must
	// leave it queued.
	require.Never(t, func() bool { return collector.total() > 0 },
		10*time.Millisecond, time.Millisecond)
	// Once the envelope ages past MaxAge the ticker flushes it.
	require.Eventually(t, func() bool { return collector.total() == 1 },
		time.Second, 5*time.Millisecond)
	buf.Stop(context.Background())
}

func TestBackpressureThresholdEngagesEarly(t *testing.T) {
	collector := &batchCollector{}
	buf, err := New(Config{
		Partitions:            1,
		Capacity:              10,
		FlushBatch:            10,
		BackpressureThreshold: 0.5,
	}, collector.flush, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, buf.Add(ctx, env("BTCUSDT", schema.BufferPolicyDrop)))
	}
	stats := buf.Stats()
	require.Equal(t, uint64(1), stats.Dropped, "drop policy should engage at the threshold, not at capacity")
	require.Equal(t, 5, stats.Queued)
}
