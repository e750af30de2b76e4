package observability

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestZerologLoggerEmitsFields(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewZerologLogger(buf, zerolog.InfoLevel)

	logger.Info("connected", Field{Key: "exchange", Value: "binance"}, Field{Key: "", Value: "skipped"})
	out := buf.String()
	require.Contains(t, out, `"message":"connected"`)
	require.Contains(t, out, `"exchange":"binance"`)
	require.NotContains(t, out, "skipped")

	buf.Reset()
	logger.Debug("below level")
	require.Empty(t, buf.String())
}

func TestZerologLoggerWithComponent(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewZerologLogger(buf, zerolog.DebugLevel).With("buffer")
	logger.Warn("pressure high")
	require.Contains(t, buf.String(), `"component":"buffer"`)
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	buf := new(bytes.Buffer)
	SetLogger(NewZerologLogger(buf, zerolog.InfoLevel))
	t.Cleanup(func() { SetLogger(nil) })

	Log().Info("visible")
	require.NotEmpty(t, buf.String())

	SetLogger(nil)
	buf.Reset()
	Log().Info("dropped")
	require.Empty(t, buf.String())
}

func TestAggregateErrors(t *testing.T) {
	require.NoError(t, AggregateErrors("flush", nil))
	require.NoError(t, AggregateErrors("flush", []error{nil, nil}))

	first := errors.New("first")
	second := errors.New("second")
	err := AggregateErrors("flush", []error{first, nil, second})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
	require.Contains(t, err.Error(), "flush failed")
}

func TestRuntimeMetricsSnapshotIsACopy(t *testing.T) {
	m := NewRuntimeMetrics()
	m.RecordQueueDepth("binance", 42)
	m.IncrementDroppedFrames("binance")
	m.AddParseFailures("binance", 3)

	snap := m.Snapshot()
	require.Equal(t, 42, snap.QueueDepth["binance"])
	require.Equal(t, 1, snap.DroppedFrames["binance"])
	require.Equal(t, int64(3), snap.ParseFailures["binance"])

	snap.QueueDepth["binance"] = 0
	require.Equal(t, 42, m.Snapshot().QueueDepth["binance"])
}
