package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectBackOffGrowthAndCap(t *testing.T) {
	boff := newReconnectBackOff(RetryConfig{
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            false,
	})

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		require.Equal(t, expected, boff.NextBackOff(), "attempt %d", i)
	}

	boff.Reset()
	require.Equal(t, time.Second, boff.NextBackOff())
}

func TestReconnectBackOffJitterBounds(t *testing.T) {
	boff := newReconnectBackOff(RetryConfig{
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	})

	boff.rng = func() float64 { return 0 }
	require.Equal(t, 500*time.Millisecond, boff.NextBackOff())

	boff.Reset()
	boff.rng = func() float64 { return 1 }
	require.Equal(t, time.Second, boff.NextBackOff())

	// Jitter scales the capped delay, so the floor at the cap is max/2.
	boff.Reset()
	boff.attempts = 10
	boff.rng = func() float64 { return 0 }
	require.Equal(t, 15*time.Second, boff.NextBackOff())

	boff.Reset()
	boff.rng = func() float64 { return 0.5 }
	require.Equal(t, 750*time.Millisecond, boff.NextBackOff())
}

func TestRetryConfigNormalize(t *testing.T) {
	cfg := RetryConfig{}.normalize()
	require.Equal(t, time.Second, cfg.InitialDelay)
	require.Equal(t, 30*time.Second, cfg.MaxDelay)
	require.Equal(t, float64(2), cfg.BackoffMultiplier)

	cfg = RetryConfig{BackoffMultiplier: 0.5}.normalize()
	require.Equal(t, float64(2), cfg.BackoffMultiplier)
}

func TestConnConfigNormalize(t *testing.T) {
	cfg := ConnConfig{}.normalize()
	require.Equal(t, DefaultMaxStreamsPerConnection, cfg.MaxStreams)
	require.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
	require.Equal(t, defaultUpdateDebounce, cfg.UpdateDebounce)
	require.Equal(t, defaultIdleTimeout, cfg.IdleTimeout)

	cfg = ConnConfig{MaxStreams: 5000}.normalize()
	require.Equal(t, DefaultMaxStreamsPerConnection, cfg.MaxStreams)
}

func TestConnManagerStreamSet(t *testing.T) {
	m := NewConnManager("test-1", ConnConfig{BaseURL: "wss://x"}, nil, nil)

	m.AddStream("btcusdt@trade")
	m.AddStream("ethusdt@trade")
	m.AddStream("btcusdt@trade")
	require.Equal(t, 2, m.StreamCount())
	require.ElementsMatch(t, []string{"btcusdt@trade", "ethusdt@trade"}, m.ActiveStreams())

	m.RemoveStream("btcusdt@trade")
	m.RemoveStream("missing@trade")
	require.Equal(t, 1, m.StreamCount())
}

func TestConnManagerDebounceCoalesces(t *testing.T) {
	cfg := ConnConfig{
		BaseURL:        "wss://x",
		UpdateDebounce: 20 * time.Millisecond,
		AutoManage:     true,
	}
	m := NewConnManager("test-2", cfg, nil, nil)

	// Rapid changes re-arm the timer; only one update fires after quiescence.
	for i := 0; i < 5; i++ {
		m.AddStream("btcusdt@trade")
		m.RemoveStream("btcusdt@trade")
	}

	time.Sleep(60 * time.Millisecond)

	// The update cycled the (nil) connection and left the updating flag set
	// until the next successful dial.
	require.True(t, m.updating.Load())

	m.debounceMu.Lock()
	armed := m.debounce != nil
	m.debounceMu.Unlock()
	require.False(t, armed)
}
