// Package bus publishes processed envelopes to downstream messaging systems.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "marketgate"

// TopicOverridePrefix marks a routing target that names its publish topic
// verbatim instead of being wrapped into the market-data namespace.
const TopicOverridePrefix = "topic:"

// Topic derives the publish topic for a routing target. A target of the form
// "topic:<name>" publishes to <name> as-is.
func Topic(prefix, target string) string {
	if explicit, ok := strings.CutPrefix(target, TopicOverridePrefix); ok {
		return explicit
	}
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return fmt.Sprintf("%s-market-data-%s", prefix, target)
}

// Publisher delivers envelopes to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *schema.Envelope) error
	PublishBatch(ctx context.Context, topic string, envs []*schema.Envelope) BatchResult
	Close() error
}

// BatchResult reports per-envelope outcomes of a batch publish.
type BatchResult struct {
	Published int
	Failed    []BatchFailure
}

// BatchFailure pairs a failed envelope with its error.
type BatchFailure struct {
	Envelope *schema.Envelope
	Err      error
}

// Attributes derives the message attributes every published envelope carries:
// exchange, symbol, type, event timestamp, source, and processing time, plus
// the envelope id and priority and any attributes set during processing.
func Attributes(env *schema.Envelope) map[string]string {
	attrs := map[string]string{
		"envelope_id": env.ID,
		"exchange":    env.Metadata.Exchange,
		"symbol":      env.Metadata.Symbol,
		"type":        string(env.Metadata.DataType),
		"source":      env.Source,
		"priority":    strconv.Itoa(int(env.Metadata.Priority)),
	}
	if env.Record != nil {
		attrs["timestamp"] = strconv.FormatInt(env.Record.EventTime, 10)
	}
	if !env.ProcessedAt.IsZero() {
		attrs["processedAt"] = env.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range env.Attributes {
		if _, reserved := attrs[k]; !reserved {
			attrs[k] = v
		}
	}
	return attrs
}

func validatePublish(topic string, env *schema.Envelope) error {
	if topic == "" {
		return errs.New("bus", errs.KindPublish, errs.CodeInvalid,
			errs.WithMessage("empty topic"))
	}
	if env == nil || env.Record == nil {
		return errs.New("bus", errs.KindPublish, errs.CodeInvalid,
			errs.WithMessage("envelope carries no record"))
	}
	return nil
}
