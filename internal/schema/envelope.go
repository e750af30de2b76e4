package schema

import (
	"time"

	"github.com/google/uuid"
)

// BufferPolicy selects the back-pressure behaviour for a buffered envelope.
type BufferPolicy string

const (
	// BufferPolicyBlock makes producers wait until pressure drops.
	BufferPolicyBlock BufferPolicy = "block"
	// BufferPolicyDrop rejects new records and ejects the oldest on overflow.
	BufferPolicyDrop BufferPolicy = "drop"
	// BufferPolicySpill hands the oldest records to a spill sink.
	BufferPolicySpill BufferPolicy = "spill"
)

// EnvelopeMetadata carries routing and priority context alongside a record.
type EnvelopeMetadata struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	DataType     DataType     `json:"data_type"`
	Priority     uint8        `json:"priority"`
	RetryCount   int          `json:"retry_count"`
	RoutingKeys  []string     `json:"routing_keys,omitempty"`
	BufferPolicy BufferPolicy `json:"buffer_policy,omitempty"`
}

// Envelope wraps a market record on its way through the pipeline. Envelopes
// are single-consumer: exactly one stage owns an envelope at any time.
type Envelope struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Record      *Record           `json:"record"`
	QueuedAt    time.Time         `json:"queued_at"`
	ProcessedAt time.Time         `json:"processed_at,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Metadata    EnvelopeMetadata  `json:"metadata"`
}

// NewEnvelope wraps a record with a fresh envelope identity.
func NewEnvelope(source string, rec *Record) *Envelope {
	env := &Envelope{
		ID:          uuid.NewString(),
		Source:      source,
		Record:      rec,
		QueuedAt:    time.Now().UTC(),
		ProcessedAt: time.Time{},
		Attributes:  nil,
		Metadata:    EnvelopeMetadata{},
	}
	if rec != nil {
		env.Metadata.Exchange = rec.Exchange
		env.Metadata.Symbol = rec.Symbol
		env.Metadata.DataType = rec.DataType
	}
	return env
}

// SetAttribute records a mutable attribute on the envelope.
func (e *Envelope) SetAttribute(key, value string) {
	if e == nil || key == "" {
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string, 4)
	}
	e.Attributes[key] = value
}

// Attribute returns the attribute value and whether it is present.
func (e *Envelope) Attribute(key string) (string, bool) {
	if e == nil || e.Attributes == nil {
		return "", false
	}
	v, ok := e.Attributes[key]
	return v, ok
}

// Clone produces an independently owned copy for routing duplication mode.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	dup := &Envelope{
		ID:          uuid.NewString(),
		Source:      e.Source,
		Record:      e.Record,
		QueuedAt:    e.QueuedAt,
		ProcessedAt: e.ProcessedAt,
		Attributes:  nil,
		Metadata:    e.Metadata,
	}
	if len(e.Attributes) > 0 {
		dup.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			dup.Attributes[k] = v
		}
	}
	if len(e.Metadata.RoutingKeys) > 0 {
		dup.Metadata.RoutingKeys = append([]string(nil), e.Metadata.RoutingKeys...)
	}
	return dup
}
