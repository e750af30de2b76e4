// Package router matches envelopes against an ordered rule set and resolves
// the target keys they fan out to.
package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

// MatchKind discriminates the rule matcher variants.
type MatchKind string

const (
	// MatchExact compares envelope fields for equality.
	MatchExact MatchKind = "exact"
	// MatchPattern applies regular expressions to envelope fields.
	MatchPattern MatchKind = "pattern"
	// MatchPredicate evaluates a JavaScript expression against the envelope.
	MatchPredicate MatchKind = "predicate"
	// MatchComposite combines sub-matchers with all/any semantics.
	MatchComposite MatchKind = "composite"
)

// CompositeMode selects how a composite matcher combines its children.
type CompositeMode string

const (
	// CompositeAll requires every child matcher to match.
	CompositeAll CompositeMode = "all"
	// CompositeAny requires at least one child matcher to match.
	CompositeAny CompositeMode = "any"
)

// Match is the declarative matcher description loaded from configuration.
type Match struct {
	Kind MatchKind `yaml:"kind" json:"kind"`

	// Exact and Pattern address envelope fields by name: exchange, symbol,
	// data_type, source.
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// Expression is a JavaScript predicate over the envelope. The script sees
	// exchange, symbol, dataType, priority, and attributes bindings and must
	// evaluate to a boolean.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	Mode     CompositeMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Children []Match       `yaml:"children,omitempty" json:"children,omitempty"`
}

// Rule is one declarative routing rule.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Enabled  *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority int      `yaml:"priority" json:"priority"`
	Match    Match    `yaml:"match" json:"match"`
	Targets  []string `yaml:"targets" json:"targets"`
}

func (r Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

// matcher is a compiled, evaluation-ready matcher.
type matcher interface {
	match(env *schema.Envelope) (bool, error)
	// cacheable reports whether the decision depends only on the cache key
	// fields (exchange, symbol, data type, source).
	cacheable() bool
}

type compiledRule struct {
	name     string
	priority int
	matcher  matcher
	targets  []string
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.enabled() {
			continue
		}
		if rule.Name == "" {
			return nil, errs.New("router", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage("routing rule requires a name"))
		}
		if len(rule.Targets) == 0 {
			return nil, errs.New("router", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("rule %q has no targets", rule.Name)))
		}
		m, err := compileMatch(rule.Name, rule.Match)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{
			name:     rule.Name,
			priority: rule.Priority,
			matcher:  m,
			targets:  append([]string(nil), rule.Targets...),
		})
	}
	return compiled, nil
}

func compileMatch(rule string, m Match) (matcher, error) {
	switch m.Kind {
	case MatchExact:
		if len(m.Fields) == 0 {
			return nil, ruleErr(rule, "exact matcher requires fields")
		}
		return &exactMatcher{fields: copyFields(m.Fields)}, nil
	case MatchPattern:
		if len(m.Fields) == 0 {
			return nil, ruleErr(rule, "pattern matcher requires fields")
		}
		patterns := make(map[string]*regexp.Regexp, len(m.Fields))
		for field, expr := range m.Fields {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, errs.New("router", errs.KindValidation, errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("rule %q: compile pattern for %s", rule, field)),
					errs.WithCause(err))
			}
			patterns[field] = re
		}
		return &patternMatcher{patterns: patterns}, nil
	case MatchPredicate:
		if strings.TrimSpace(m.Expression) == "" {
			return nil, ruleErr(rule, "predicate matcher requires an expression")
		}
		prog, err := goja.Compile(rule, m.Expression, true)
		if err != nil {
			return nil, errs.New("router", errs.KindValidation, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("rule %q: compile predicate", rule)),
				errs.WithCause(err))
		}
		return &predicateMatcher{prog: prog, vms: sync.Pool{New: func() any { return goja.New() }}}, nil
	case MatchComposite:
		if len(m.Children) == 0 {
			return nil, ruleErr(rule, "composite matcher requires children")
		}
		mode := m.Mode
		if mode == "" {
			mode = CompositeAll
		}
		if mode != CompositeAll && mode != CompositeAny {
			return nil, ruleErr(rule, fmt.Sprintf("unknown composite mode %q", mode))
		}
		children := make([]matcher, 0, len(m.Children))
		for _, child := range m.Children {
			cm, err := compileMatch(rule, child)
			if err != nil {
				return nil, err
			}
			children = append(children, cm)
		}
		return &compositeMatcher{mode: mode, children: children}, nil
	default:
		return nil, ruleErr(rule, fmt.Sprintf("unknown matcher kind %q", m.Kind))
	}
}

func ruleErr(rule, msg string) *errs.E {
	return errs.New("router", errs.KindValidation, errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("rule %q: %s", rule, msg)))
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func envelopeField(env *schema.Envelope, field string) (string, bool) {
	switch field {
	case "exchange":
		return env.Metadata.Exchange, true
	case "symbol":
		return env.Metadata.Symbol, true
	case "data_type":
		return string(env.Metadata.DataType), true
	case "source":
		return env.Source, true
	default:
		return "", false
	}
}

type exactMatcher struct {
	fields map[string]string
}

func (m *exactMatcher) match(env *schema.Envelope) (bool, error) {
	for field, want := range m.fields {
		got, ok := envelopeField(env, field)
		if !ok {
			return false, ruleErr("", fmt.Sprintf("unknown match field %q", field))
		}
		if got != want {
			return false, nil
		}
	}
	return true, nil
}

func (m *exactMatcher) cacheable() bool { return true }

type patternMatcher struct {
	patterns map[string]*regexp.Regexp
}

func (m *patternMatcher) match(env *schema.Envelope) (bool, error) {
	for field, re := range m.patterns {
		got, ok := envelopeField(env, field)
		if !ok {
			return false, ruleErr("", fmt.Sprintf("unknown match field %q", field))
		}
		if !re.MatchString(got) {
			return false, nil
		}
	}
	return true, nil
}

func (m *patternMatcher) cacheable() bool { return true }

// predicateMatcher evaluates a compiled goja program. Runtimes are pooled
// because goja.Runtime is not safe for concurrent use.
type predicateMatcher struct {
	prog *goja.Program
	vms  sync.Pool
}

func (m *predicateMatcher) match(env *schema.Envelope) (bool, error) {
	vm := m.vms.Get().(*goja.Runtime)
	defer m.vms.Put(vm)

	attrs := map[string]string{}
	if env.Attributes != nil {
		attrs = env.Attributes
	}
	if err := vm.Set("exchange", env.Metadata.Exchange); err != nil {
		return false, predicateErr(err)
	}
	if err := vm.Set("symbol", env.Metadata.Symbol); err != nil {
		return false, predicateErr(err)
	}
	if err := vm.Set("dataType", string(env.Metadata.DataType)); err != nil {
		return false, predicateErr(err)
	}
	if err := vm.Set("priority", int(env.Metadata.Priority)); err != nil {
		return false, predicateErr(err)
	}
	if err := vm.Set("attributes", attrs); err != nil {
		return false, predicateErr(err)
	}
	value, err := vm.RunProgram(m.prog)
	if err != nil {
		return false, predicateErr(err)
	}
	return value.ToBoolean(), nil
}

func (m *predicateMatcher) cacheable() bool { return false }

func predicateErr(err error) *errs.E {
	return errs.New("router", errs.KindValidation, errs.CodeInvalid,
		errs.WithMessage("evaluate predicate"), errs.WithCause(err))
}

type compositeMatcher struct {
	mode     CompositeMode
	children []matcher
}

func (m *compositeMatcher) match(env *schema.Envelope) (bool, error) {
	for _, child := range m.children {
		ok, err := child.match(env)
		if err != nil {
			return false, err
		}
		if m.mode == CompositeAll && !ok {
			return false, nil
		}
		if m.mode == CompositeAny && ok {
			return true, nil
		}
	}
	return m.mode == CompositeAll, nil
}

func (m *compositeMatcher) cacheable() bool {
	for _, child := range m.children {
		if !child.cacheable() {
			return false
		}
	}
	return true
}
