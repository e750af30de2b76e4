package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/schema"
)

const defaultSubscriberBuffer = 1024

// MemoryConfig configures the in-process publisher.
type MemoryConfig struct {
	// SubscriberBuffer is each subscriber channel's capacity.
	SubscriberBuffer int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	return c
}

// MemoryPublisher delivers envelopes to in-process subscribers. It backs
// local deployments and tests; delivery to a full subscriber drops rather
// than blocking the pipeline.
type MemoryPublisher struct {
	cfg MemoryConfig

	mu     sync.RWMutex
	subs   map[string][]chan *schema.Envelope
	closed bool

	dropped atomic.Uint64
}

// NewMemoryPublisher builds an in-process publisher.
func NewMemoryPublisher(cfg MemoryConfig) *MemoryPublisher {
	return &MemoryPublisher{
		cfg:     cfg.normalize(),
		mu:      sync.RWMutex{},
		subs:    make(map[string][]chan *schema.Envelope),
		closed:  false,
		dropped: atomic.Uint64{},
	}
}

// Subscribe registers a consumer for the topic. The returned channel closes
// when the publisher closes.
func (p *MemoryPublisher) Subscribe(topic string) (<-chan *schema.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errs.New("bus/memory", errs.KindPublish, errs.CodeUnavailable,
			errs.WithMessage("publisher closed"))
	}
	ch := make(chan *schema.Envelope, p.cfg.SubscriberBuffer)
	p.subs[topic] = append(p.subs[topic], ch)
	return ch, nil
}

// Publish delivers the envelope to every subscriber of the topic.
func (p *MemoryPublisher) Publish(ctx context.Context, topic string, env *schema.Envelope) error {
	if err := validatePublish(topic, env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.New("bus/memory", errs.KindPublish, errs.CodeCancelled, errs.WithCause(err))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("bus/memory", errs.KindPublish, errs.CodeUnavailable,
			errs.WithMessage("publisher closed"))
	}
	for _, ch := range p.subs[topic] {
		select {
		case ch <- env:
		default:
			p.dropped.Add(1)
		}
	}
	return nil
}

// PublishBatch publishes each envelope, collecting per-envelope failures.
func (p *MemoryPublisher) PublishBatch(ctx context.Context, topic string, envs []*schema.Envelope) BatchResult {
	var result BatchResult
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			result.Failed = append(result.Failed, BatchFailure{Envelope: env, Err: err})
			continue
		}
		result.Published++
	}
	return result
}

// Close closes every subscriber channel.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, chans := range p.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	p.subs = make(map[string][]chan *schema.Envelope)
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
