package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venndor/marketgate/internal/schema"
)

func envelope(exchange, symbol string, dt schema.DataType) *schema.Envelope {
	return schema.NewEnvelope("binance", &schema.Record{
		Exchange: exchange,
		Symbol:   symbol,
		DataType: dt,
	})
}

func exactRule(name string, priority int, fields map[string]string, targets ...string) Rule {
	return Rule{
		Name:     name,
		Priority: priority,
		Match:    Match{Kind: MatchExact, Fields: fields},
		Targets:  targets,
	}
}

func TestFirstMatchHonorsPriority(t *testing.T) {
	r, err := New(Config{
		Strategy: StrategyFirstMatch,
		Rules: []Rule{
			exactRule("low", 1, map[string]string{"symbol": "BTCUSDT"}, "low-queue"),
			exactRule("high", 10, map[string]string{"symbol": "BTCUSDT"}, "high-queue"),
		},
	})
	require.NoError(t, err)

	env := envelope("binance", "BTCUSDT", schema.DataTypeTrade)
	targets, err := r.Route(env)
	require.NoError(t, err)
	require.Equal(t, []string{"high-queue"}, targets)
	require.Equal(t, []string{"high-queue"}, env.Metadata.RoutingKeys)
}

func TestAllMatchesDedupesTargets(t *testing.T) {
	r, err := New(Config{
		Strategy: StrategyAllMatches,
		Rules: []Rule{
			exactRule("a", 5, map[string]string{"exchange": "binance"}, "sink-1", "sink-2"),
			exactRule("b", 1, map[string]string{"symbol": "BTCUSDT"}, "sink-2", "sink-3"),
			exactRule("miss", 9, map[string]string{"symbol": "ETHUSDT"}, "sink-4"),
		},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Equal(t, []string{"sink-1", "sink-2", "sink-3"}, targets)
}

func TestPriorityBasedTakesTopBandOnly(t *testing.T) {
	r, err := New(Config{
		Strategy: StrategyPriorityBased,
		Rules: []Rule{
			exactRule("top-a", 10, map[string]string{"exchange": "binance"}, "a"),
			exactRule("top-b", 10, map[string]string{"symbol": "BTCUSDT"}, "b"),
			exactRule("lower", 5, map[string]string{"exchange": "binance"}, "c"),
		},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, targets)
}

func TestDefaultTargetsOnNoMatch(t *testing.T) {
	r, err := New(Config{
		Rules:          []Rule{exactRule("only", 1, map[string]string{"symbol": "ETHUSDT"}, "eth")},
		DefaultTargets: []string{"catch-all"},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Equal(t, []string{"catch-all"}, targets)
}

func TestUnroutableWithoutDefaults(t *testing.T) {
	r, err := New(Config{
		Rules: []Rule{exactRule("only", 1, map[string]string{"symbol": "ETHUSDT"}, "eth")},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Empty(t, targets)
	require.Equal(t, uint64(1), r.Stats().Unrouted)
}

func TestPatternMatcher(t *testing.T) {
	r, err := New(Config{
		Rules: []Rule{{
			Name:     "usdt-pairs",
			Priority: 1,
			Match:    Match{Kind: MatchPattern, Fields: map[string]string{"symbol": `USDT$`}},
			Targets:  []string{"usdt"},
		}},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Equal(t, []string{"usdt"}, targets)

	targets, err = r.Route(envelope("binance", "BTCEUR", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestPredicateMatcher(t *testing.T) {
	r, err := New(Config{
		Rules: []Rule{{
			Name:     "hot-path",
			Priority: 1,
			Match: Match{
				Kind:       MatchPredicate,
				Expression: `dataType === "trade" && attributes["tier"] === "gold"`,
			},
			Targets: []string{"hot"},
		}},
	})
	require.NoError(t, err)

	env := envelope("binance", "BTCUSDT", schema.DataTypeTrade)
	env.SetAttribute("tier", "gold")
	targets, err := r.Route(env)
	require.NoError(t, err)
	require.Equal(t, []string{"hot"}, targets)

	cold := envelope("binance", "BTCUSDT", schema.DataTypeTrade)
	targets, err = r.Route(cold)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestCompositeMatcher(t *testing.T) {
	anyMatch := Match{
		Kind: MatchComposite,
		Mode: CompositeAny,
		Children: []Match{
			{Kind: MatchExact, Fields: map[string]string{"symbol": "BTCUSDT"}},
			{Kind: MatchExact, Fields: map[string]string{"symbol": "ETHUSDT"}},
		},
	}
	r, err := New(Config{
		Rules: []Rule{{
			Name:     "majors",
			Priority: 1,
			Match: Match{
				Kind: MatchComposite,
				Mode: CompositeAll,
				Children: []Match{
					{Kind: MatchExact, Fields: map[string]string{"exchange": "binance"}},
					anyMatch,
				},
			},
			Targets: []string{"majors"},
		}},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "ETHUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Equal(t, []string{"majors"}, targets)

	targets, err = r.Route(envelope("binance", "DOGEUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestThrowingPredicateTreatedAsNonMatch(t *testing.T) {
	r, err := New(Config{
		Strategy: StrategyFirstMatch,
		Rules: []Rule{
			{
				Name:     "exploding",
				Priority: 10,
				Match:    Match{Kind: MatchPredicate, Expression: `(() => { throw new Error("boom"); })()`},
				Targets:  []string{"never"},
			},
			exactRule("fallback", 5, map[string]string{"exchange": "binance"}, "t-binance"),
		},
	})
	require.NoError(t, err)

	// The failing high-priority rule must not abort routing: the lower
	// priority rule still wins.
	env := envelope("binance", "BTCUSDT", schema.DataTypeTrade)
	targets, err := r.Route(env)
	require.NoError(t, err)
	require.Equal(t, []string{"t-binance"}, targets)
	require.Equal(t, uint64(1), r.Stats().MatchErrors)
	require.Equal(t, uint64(1), r.Stats().Routed)
}

func TestThrowingPredicateFallsBackToDefaults(t *testing.T) {
	r, err := New(Config{
		Rules: []Rule{{
			Name:     "exploding",
			Priority: 1,
			Match:    Match{Kind: MatchPredicate, Expression: `(() => { throw new Error("boom"); })()`},
			Targets:  []string{"never"},
		}},
		DefaultTargets: []string{"catch-all"},
	})
	require.NoError(t, err)

	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Equal(t, []string{"catch-all"}, targets)
	require.Equal(t, uint64(1), r.Stats().MatchErrors)
}

func TestDisabledRulesSkipped(t *testing.T) {
	disabled := false
	r, err := New(Config{
		Rules: []Rule{{
			Name:     "off",
			Enabled:  &disabled,
			Priority: 1,
			Match:    Match{Kind: MatchExact, Fields: map[string]string{"exchange": "binance"}},
			Targets:  []string{"nowhere"},
		}},
	})
	require.NoError(t, err)
	require.Zero(t, r.Stats().Rules)
}

func TestCompileErrors(t *testing.T) {
	_, err := New(Config{Rules: []Rule{{Name: "", Targets: []string{"x"}}}})
	require.Error(t, err)

	_, err = New(Config{Rules: []Rule{{
		Name:    "bad-pattern",
		Match:   Match{Kind: MatchPattern, Fields: map[string]string{"symbol": "["}},
		Targets: []string{"x"},
	}}})
	require.Error(t, err)

	_, err = New(Config{Rules: []Rule{{
		Name:    "bad-predicate",
		Match:   Match{Kind: MatchPredicate, Expression: "function ("},
		Targets: []string{"x"},
	}}})
	require.Error(t, err)

	_, err = New(Config{Strategy: Strategy("bogus")})
	require.Error(t, err)
}

func TestCacheHitsAndRuleSwapPurge(t *testing.T) {
	r, err := New(Config{
		Rules: []Rule{exactRule("btc", 1, map[string]string{"symbol": "BTCUSDT"}, "old")},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
		require.NoError(t, err)
		require.Equal(t, []string{"old"}, targets)
	}
	stats := r.Stats()
	require.Equal(t, uint64(2), stats.CacheHits)
	require.Equal(t, uint64(1), stats.CacheMisses)

	// Swapping rules must invalidate cached decisions.
	require.NoError(t, r.UpdateRules([]Rule{
		exactRule("btc", 1, map[string]string{"symbol": "BTCUSDT"}, "new"),
	}))
	targets, err := r.Route(envelope("binance", "BTCUSDT", schema.DataTypeTrade))
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, targets)
}

func TestCacheBypassedWithPredicateRules(t *testing.T) {
	r, err := New(Config{
		Rules: []Rule{{
			Name:     "pred",
			Priority: 1,
			Match:    Match{Kind: MatchPredicate, Expression: `attributes["x"] === "1"`},
			Targets:  []string{"t"},
		}},
	})
	require.NoError(t, err)

	env := envelope("binance", "BTCUSDT", schema.DataTypeTrade)
	env.SetAttribute("x", "1")
	_, err = r.Route(env)
	require.NoError(t, err)

	// Same identity fields, different attributes: must not reuse a decision.
	other := envelope("binance", "BTCUSDT", schema.DataTypeTrade)
	targets, err := r.Route(other)
	require.NoError(t, err)
	require.Empty(t, targets)
	require.Zero(t, r.Stats().CacheSize)
}

func TestCacheEviction(t *testing.T) {
	cache := newRouteCache(2, time.Minute)
	cache.put("a", []string{"1"})
	cache.put("b", []string{"2"})
	_, ok := cache.get("a")
	require.True(t, ok)

	cache.put("c", []string{"3"})
	_, ok = cache.get("b")
	require.False(t, ok, "least recently used entry should be evicted")
	_, ok = cache.get("a")
	require.True(t, ok)
}

func TestCacheTTL(t *testing.T) {
	cache := newRouteCache(8, 10*time.Millisecond)
	base := time.Now()
	cache.now = func() time.Time { return base }
	cache.put("a", []string{"1"})

	cache.now = func() time.Time { return base.Add(5 * time.Millisecond) }
	_, ok := cache.get("a")
	require.True(t, ok)

	cache.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	_, ok = cache.get("a")
	require.False(t, ok)
}
