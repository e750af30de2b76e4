// Package binance provides the Binance market-data adapter: stream-name codec,
// combined-stream connection management, and frame parsing.
package binance

import (
	"fmt"
	"strings"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

// DefaultMaxStreamsPerConnection is the Binance combined-stream cap.
const DefaultMaxStreamsPerConnection = 1024

const (
	paramInterval = "interval"
	paramLevels   = "levels"
	paramSpeed    = "speed"
)

// BuildStreamName maps a subscription request onto the Binance wire stream name.
// Symbols are lowercased on the wire.
func BuildStreamName(req schema.SubscriptionRequest) (string, error) {
	symbol := schema.CanonicalSymbol(req.Symbol)
	if err := schema.ValidateSymbol(symbol); err != nil {
		return "", err
	}
	wire := strings.ToLower(symbol)
	switch req.DataType {
	case schema.DataTypeTrade:
		return wire + "@trade", nil
	case schema.DataTypeTicker:
		return wire + "@ticker", nil
	case schema.DataTypeDepth:
		name := wire + "@depth"
		if levels := req.Params[paramLevels]; levels != "" {
			name += levels
		}
		if speed := req.Params[paramSpeed]; speed != "" {
			name += "@" + speed
		}
		return name, nil
	case schema.DataTypeKline:
		interval := schema.Interval(req.Params[paramInterval])
		if err := interval.Validate(); err != nil {
			return "", err
		}
		return wire + "@kline_" + string(interval), nil
	default:
		return "", errs.New("binance/streams", errs.KindValidation, errs.CodeUnsupportedDataType,
			errs.WithMessage(fmt.Sprintf("cannot build stream for data type %q", req.DataType)))
	}
}

// BuildCombinedURL assembles the combined-stream URL for the given names.
// Duplicates are removed with first-seen order preserved. maxStreams <= 0
// falls back to the Binance default cap.
func BuildCombinedURL(base string, names []string, maxStreams int) (string, error) {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreamsPerConnection
	}
	deduped := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		deduped = append(deduped, trimmed)
	}
	if len(deduped) == 0 {
		return "", errs.New("binance/streams", errs.KindValidation, errs.CodeInvalidStreamName,
			errs.WithMessage("combined URL requires at least one stream"))
	}
	if len(deduped) > maxStreams {
		return "", errs.New("binance/streams", errs.KindValidation, errs.CodeTooManyStreams,
			errs.WithMessage(fmt.Sprintf("too many streams: %d > %d", len(deduped), maxStreams)))
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(deduped, "/"), nil
}

// ParseStreamName is the left inverse of BuildStreamName modulo symbol casing.
// Unknown formats return ok=false rather than an error; they can simply belong
// to stream kinds this adapter does not consume.
func ParseStreamName(name string) (schema.SubscriptionRequest, bool) {
	var req schema.SubscriptionRequest
	parts := strings.SplitN(name, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return req, false
	}
	symbol := schema.CanonicalSymbol(parts[0])
	if schema.ValidateSymbol(symbol) != nil {
		return req, false
	}
	req.Symbol = symbol
	suffix := parts[1]
	switch {
	case suffix == "trade":
		req.DataType = schema.DataTypeTrade
		return req, true
	case suffix == "ticker":
		req.DataType = schema.DataTypeTicker
		return req, true
	case strings.HasPrefix(suffix, "kline_"):
		interval := schema.Interval(strings.TrimPrefix(suffix, "kline_"))
		if interval.Validate() != nil {
			return schema.SubscriptionRequest{}, false
		}
		req.DataType = schema.DataTypeKline
		req.Params = map[string]string{paramInterval: string(interval)}
		return req, true
	case strings.HasPrefix(suffix, "depth"):
		req.DataType = schema.DataTypeDepth
		rest := strings.TrimPrefix(suffix, "depth")
		params := make(map[string]string, 2)
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			params[paramSpeed] = rest[at+1:]
			rest = rest[:at]
		}
		if rest != "" {
			for _, r := range rest {
				if r < '0' || r > '9' {
					return schema.SubscriptionRequest{}, false
				}
			}
			params[paramLevels] = rest
		}
		if len(params) > 0 {
			req.Params = params
		}
		return req, true
	default:
		return schema.SubscriptionRequest{}, false
	}
}

// ValidateStreamName reports whether the name parses as a supported stream.
func ValidateStreamName(name string) bool {
	_, ok := ParseStreamName(name)
	return ok
}
