// Package spill persists envelopes ejected from the buffer under the spill
// policy and replays them later.
package spill

import (
	"context"

	"github.com/venndor/marketgate/internal/schema"
)

// Sink receives spilled envelopes.
type Sink interface {
	Spill(ctx context.Context, envs []*schema.Envelope) error
	Close() error
}

// NullSink discards everything. Used when spill storage is not configured.
type NullSink struct{}

// Spill drops the batch.
func (NullSink) Spill(context.Context, []*schema.Envelope) error { return nil }

// Close is a no-op.
func (NullSink) Close() error { return nil }

var _ Sink = NullSink{}
