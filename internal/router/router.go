package router

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

// Strategy selects how matching rules combine into a routing decision.
type Strategy string

const (
	// StrategyFirstMatch routes to the highest-priority matching rule only.
	StrategyFirstMatch Strategy = "first_match"
	// StrategyAllMatches routes to the union of every matching rule's targets.
	StrategyAllMatches Strategy = "all_matches"
	// StrategyPriorityBased routes to all matching rules at the top priority.
	StrategyPriorityBased Strategy = "priority_based"
)

// Config configures the router.
type Config struct {
	Strategy       Strategy
	Rules          []Rule
	DefaultTargets []string
	CacheSize      int
	CacheTTL       time.Duration
}

func (c Config) normalize() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyFirstMatch
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
	return c
}

// ruleSet is the immutable compiled view swapped atomically on updates.
type ruleSet struct {
	rules     []compiledRule
	cacheable bool
}

// Router resolves target keys for envelopes. Rule updates swap the compiled
// set atomically; in-flight routing always sees a consistent rule list.
type Router struct {
	cfg   Config
	rules atomic.Pointer[ruleSet]
	cache *routeCache

	routed      atomic.Uint64
	unrouted    atomic.Uint64
	matchErrors atomic.Uint64
}

// New compiles the configured rules and builds the router.
func New(cfg Config) (*Router, error) {
	cfg = cfg.normalize()
	switch cfg.Strategy {
	case StrategyFirstMatch, StrategyAllMatches, StrategyPriorityBased:
	default:
		return nil, errs.New("router", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("unknown routing strategy "+string(cfg.Strategy)))
	}
	r := &Router{
		cfg:         cfg,
		rules:       atomic.Pointer[ruleSet]{},
		cache:       newRouteCache(cfg.CacheSize, cfg.CacheTTL),
		routed:      atomic.Uint64{},
		unrouted:    atomic.Uint64{},
		matchErrors: atomic.Uint64{},
	}
	if err := r.UpdateRules(cfg.Rules); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRules compiles and installs a new rule set. The route cache is purged
// because cached decisions may no longer hold.
func (r *Router) UpdateRules(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	// Stable sort keeps declaration order among equal priorities.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].priority > compiled[j].priority
	})
	cacheable := true
	for _, rule := range compiled {
		if !rule.matcher.cacheable() {
			cacheable = false
			break
		}
	}
	r.rules.Store(&ruleSet{rules: compiled, cacheable: cacheable})
	r.cache.purge()
	observability.Log().Info("routing rules installed",
		observability.Field{Key: "rules", Value: len(compiled)},
		observability.Field{Key: "cacheable", Value: cacheable})
	return nil
}

// Route resolves the envelope's targets and records them on its metadata.
// An envelope no rule matches falls back to the default targets; with no
// defaults configured it is reported unroutable.
func (r *Router) Route(env *schema.Envelope) ([]string, error) {
	if env == nil {
		return nil, errs.New("router", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("nil envelope"))
	}
	set := r.rules.Load()

	var key string
	if set.cacheable {
		key = cacheKey(env)
		if targets, ok := r.cache.get(key); ok {
			if len(targets) == 0 {
				r.unrouted.Add(1)
				return nil, nil
			}
			env.Metadata.RoutingKeys = append([]string(nil), targets...)
			r.routed.Add(1)
			return targets, nil
		}
	}

	targets := r.resolve(set.rules, env)
	if len(targets) == 0 {
		targets = r.cfg.DefaultTargets
	}
	if set.cacheable {
		r.cache.put(key, targets)
	}
	if len(targets) == 0 {
		r.unrouted.Add(1)
		observability.Telemetry().IncCounter("router_unrouted", 1,
			map[string]string{"exchange": env.Metadata.Exchange})
		return nil, nil
	}
	env.Metadata.RoutingKeys = append([]string(nil), targets...)
	r.routed.Add(1)
	return targets, nil
}

func (r *Router) resolve(rules []compiledRule, env *schema.Envelope) []string {
	switch r.cfg.Strategy {
	case StrategyFirstMatch:
		for i := range rules {
			if r.matches(&rules[i], env) {
				return rules[i].targets
			}
		}
		return nil
	case StrategyAllMatches:
		var targets []string
		seen := make(map[string]struct{})
		for i := range rules {
			if !r.matches(&rules[i], env) {
				continue
			}
			for _, target := range rules[i].targets {
				if _, dup := seen[target]; dup {
					continue
				}
				seen[target] = struct{}{}
				targets = append(targets, target)
			}
		}
		return targets
	default: // StrategyPriorityBased, validated in New
		var targets []string
		seen := make(map[string]struct{})
		matchedPriority := 0
		matched := false
		// Rules are sorted by priority descending, so the first match pins
		// the winning priority band.
		for i := range rules {
			if matched && rules[i].priority < matchedPriority {
				break
			}
			if !r.matches(&rules[i], env) {
				continue
			}
			if !matched {
				matched = true
				matchedPriority = rules[i].priority
			}
			for _, target := range rules[i].targets {
				if _, dup := seen[target]; dup {
					continue
				}
				seen[target] = struct{}{}
				targets = append(targets, target)
			}
		}
		return targets
	}
}

// matches evaluates one rule. A matcher that errors or panics counts as a
// non-match so the remaining rules and the default targets still apply.
func (r *Router) matches(rule *compiledRule, env *schema.Envelope) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			r.matchErrors.Add(1)
			observability.Log().Warn("rule match panicked, treated as non-match",
				observability.Field{Key: "rule", Value: rule.name},
				observability.Field{Key: "panic", Value: fmt.Sprint(rec)})
		}
	}()
	ok, err := rule.matcher.match(env)
	if err != nil {
		r.matchErrors.Add(1)
		observability.Telemetry().IncCounter("router_match_errors", 1,
			map[string]string{"rule": rule.name})
		observability.Log().Warn("rule match failed, treated as non-match",
			observability.Field{Key: "rule", Value: rule.name},
			observability.Field{Key: "error", Value: err.Error()})
		return false
	}
	return ok
}

// Stats reports routing counters and cache behaviour.
type Stats struct {
	Rules       int    `json:"rules"`
	Routed      uint64 `json:"routed"`
	Unrouted    uint64 `json:"unrouted"`
	MatchErrors uint64 `json:"match_errors"`
	CacheSize   int    `json:"cache_size"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
}

// Stats returns a snapshot of routing counters.
func (r *Router) Stats() Stats {
	hits, misses := r.cache.stats()
	return Stats{
		Rules:       len(r.rules.Load().rules),
		Routed:      r.routed.Load(),
		Unrouted:    r.unrouted.Load(),
		MatchErrors: r.matchErrors.Load(),
		CacheSize:   r.cache.len(),
		CacheHits:   hits,
		CacheMisses: misses,
	}
}

func cacheKey(env *schema.Envelope) string {
	var sb strings.Builder
	sb.WriteString(env.Metadata.Exchange)
	sb.WriteByte('|')
	sb.WriteString(env.Metadata.Symbol)
	sb.WriteByte('|')
	sb.WriteString(string(env.Metadata.DataType))
	sb.WriteByte('|')
	sb.WriteString(env.Source)
	return sb.String()
}
