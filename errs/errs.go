// Package errs provides structured error types and helpers for marketgate services.
package errs

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the failure category an error belongs to.
type Kind string

const (
	// KindConnection indicates a transport-level failure.
	KindConnection Kind = "connection"
	// KindParsing indicates a malformed or unknown wire frame.
	KindParsing Kind = "parsing"
	// KindValidation indicates a record that failed a pre-stage contract.
	KindValidation Kind = "validation"
	// KindSubscription indicates a remote reject or local policy rejection.
	KindSubscription Kind = "subscription"
	// KindStage indicates a failure raised inside a pipeline stage.
	KindStage Kind = "stage"
	// KindPublish indicates a downstream sink failure.
	KindPublish Kind = "publish"
	// KindBackpressure indicates a buffer policy signal surfaced as an error.
	KindBackpressure Kind = "backpressure"
	// KindInternal captures uncategorized failures.
	KindInternal Kind = "internal"
)

// Code identifies a specific error condition within a kind.
type Code string

const (
	// CodeInvalidSymbol indicates a symbol outside the canonical form.
	CodeInvalidSymbol Code = "invalid_symbol"
	// CodeUnsupportedDataType indicates a data type the codec cannot express.
	CodeUnsupportedDataType Code = "unsupported_data_type"
	// CodeInvalidInterval indicates an unknown kline interval.
	CodeInvalidInterval Code = "invalid_interval"
	// CodeTooManyStreams indicates the per-connection stream cap was exceeded.
	CodeTooManyStreams Code = "too_many_streams"
	// CodeInvalidStreamName indicates a stream name that failed validation.
	CodeInvalidStreamName Code = "invalid_stream_name"
	// CodeSymbolNotFound indicates a symbol rejected by the validation pattern.
	CodeSymbolNotFound Code = "symbol_not_found"
	// CodeConnectionNotAvailable indicates no connection could serve the request.
	CodeConnectionNotAvailable Code = "connection_not_available"
	// CodeMaxStreamsExceeded indicates the registry subscription cap was hit.
	CodeMaxStreamsExceeded Code = "max_streams_exceeded"
	// CodeSubscriptionTimeout indicates a remote subscribe did not ack in time.
	CodeSubscriptionTimeout Code = "subscription_timeout"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeConnect indicates a dial failure.
	CodeConnect Code = "connect_failed"
	// CodeCircuitOpen indicates a stage call was short-circuited.
	CodeCircuitOpen Code = "circuit_open"
	// CodeRateLimited indicates the token bucket was exhausted.
	CodeRateLimited Code = "rate_limited"
	// CodeCancelled indicates the operation was cancelled by its context.
	CodeCancelled Code = "cancelled"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the marketgate stack.
type E struct {
	Component string
	Kind      Kind
	Code      Code
	Message   string
	Timestamp time.Time
	Context   map[string]string

	retryable *bool
	cause     error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and failure kind.
func New(component string, kind Kind, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Kind:      kind,
		Code:      code,
		Message:   "",
		Timestamp: time.Now().UTC(),
		Context:   nil,
		retryable: nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryable overrides the kind-derived retryable flag. Subscription errors
// are the only place the taxonomy leaves this open; everything else should rely
// on the default derivation.
func WithRetryable(retryable bool) Option {
	return func(e *E) {
		e.retryable = &retryable
	}
}

// WithContext merges the provided key/value pairs into the error context.
func WithContext(ctx map[string]string) Option {
	return func(e *E) {
		if len(ctx) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, len(ctx))
		}
		for k, v := range ctx {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[trimmed] = strings.TrimSpace(value)
	}
}

// Retryable reports whether the operation that produced this error may be
// retried. The flag derives from the failure kind; subscription errors may
// carry an explicit override.
func (e *E) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	switch e.Kind {
	case KindConnection, KindPublish:
		return true
	case KindParsing, KindValidation, KindBackpressure, KindSubscription, KindStage, KindInternal:
		return false
	default:
		return false
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindInternal)
	}
	parts = append(parts, "kind="+kind)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	parts = append(parts, "retryable="+strconv.FormatBool(e.Retryable()))

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsKind reports whether err is an *E of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*E)
	return ok && e.Kind == kind
}

// CodeOf extracts the code from err when it is an *E, else CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := err.(*E); ok {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether err is an *E marked retryable. Plain errors are
// not retryable.
func Retryable(err error) bool {
	e, ok := err.(*E)
	return ok && e.Retryable()
}
