// Package buffer implements the partitioned staging buffer between ingest and
// the processing pipeline.
package buffer

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

const (
	defaultPartitions    = 4
	defaultCapacity      = 8192
	defaultFlushBatch    = 256
	defaultFlushInterval = 100 * time.Millisecond
	defaultBlockTimeout  = 5 * time.Second
)

// Partitioning schemes for spreading envelopes across partitions.
const (
	PartitionByExchange         = "exchange"
	PartitionByExchangeSymbol   = "exchange_symbol"
	PartitionByExchangeDataType = "exchange_data_type"
)

// SpillSink receives envelopes ejected under the spill policy.
type SpillSink interface {
	Spill(ctx context.Context, envs []*schema.Envelope) error
}

// FlushFunc receives each flushed batch together with the partition it was
// drained from. Batches preserve arrival order within their partition.
type FlushFunc func(ctx context.Context, partition int, envs []*schema.Envelope) error

// Config configures the partitioned buffer.
type Config struct {
	Partitions    int
	Capacity      int
	FlushBatch    int
	FlushInterval time.Duration
	BlockTimeout  time.Duration
	DefaultPolicy schema.BufferPolicy

	// PartitionBy names the built-in partitioning scheme. PartitionFunc, when
	// set, overrides it with a caller-supplied key function.
	PartitionBy   string
	PartitionFunc func(*schema.Envelope) string

	// MaxAge, when positive, flushes a partition once its oldest envelope has
	// waited this long even if the batch threshold was not reached.
	MaxAge time.Duration

	// BackpressureThreshold is the fill fraction (0, 1] at which overflow
	// policies engage. Zero means policies engage only at full capacity.
	BackpressureThreshold float64
}

func (c Config) normalize() Config {
	if c.Partitions < 0 {
		c.Partitions = 0
	}
	if c.Partitions == 0 {
		c.Partitions = defaultPartitions
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = defaultFlushBatch
	}
	if c.FlushBatch > c.Capacity {
		c.FlushBatch = c.Capacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = defaultBlockTimeout
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = schema.BufferPolicyBlock
	}
	if c.PartitionBy == "" {
		c.PartitionBy = PartitionByExchangeSymbol
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > 1 {
		c.BackpressureThreshold = 1
	}
	return c
}

// limit is the queue length at which overflow policies engage.
func (c Config) limit() int {
	n := int(c.BackpressureThreshold * float64(c.Capacity))
	if n < 1 {
		n = 1
	}
	return n
}

type partition struct {
	idx    int
	mu     sync.Mutex
	space  *sync.Cond
	queue  []*schema.Envelope
	oldest time.Time

	// flushMu serialises delivery so at most one flush per partition is in
	// flight; the queue swap itself happens under mu.
	flushMu sync.Mutex
}

// Buffer accumulates envelopes across key-hashed partitions and flushes
// them to a consumer in batches.
type Buffer struct {
	cfg        Config
	limit      int
	partitions []*partition
	flushFn    FlushFunc
	spill      SpillSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted atomic.Uint64
	dropped  atomic.Uint64
	spilled  atomic.Uint64
	flushed  atomic.Uint64
}

// New builds a buffer delivering batches to flushFn. spill may be nil when
// the spill policy is never used.
func New(cfg Config, flushFn FlushFunc, spill SpillSink) (*Buffer, error) {
	if flushFn == nil {
		return nil, errs.New("buffer", errs.KindInternal, errs.CodeInvalid,
			errs.WithMessage("flush function required"))
	}
	cfg = cfg.normalize()
	switch cfg.PartitionBy {
	case PartitionByExchange, PartitionByExchangeSymbol, PartitionByExchangeDataType:
	default:
		return nil, errs.New("buffer", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("unknown partition scheme "+cfg.PartitionBy))
	}
	b := &Buffer{
		cfg:        cfg,
		limit:      cfg.limit(),
		partitions: make([]*partition, cfg.Partitions),
		flushFn:    flushFn,
		spill:      spill,
		ctx:        nil,
		cancel:     nil,
		wg:         sync.WaitGroup{},
		accepted:   atomic.Uint64{},
		dropped:    atomic.Uint64{},
		spilled:    atomic.Uint64{},
		flushed:    atomic.Uint64{},
	}
	for i := range b.partitions {
		p := &partition{
			idx:     i,
			mu:      sync.Mutex{},
			space:   nil,
			queue:   make([]*schema.Envelope, 0, cfg.FlushBatch),
			oldest:  time.Time{},
			flushMu: sync.Mutex{},
		}
		p.space = sync.NewCond(&p.mu)
		b.partitions[i] = p
	}
	return b, nil
}

// Start launches the interval flusher.
func (b *Buffer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.ctx = runCtx
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if b.cfg.MaxAge > 0 {
					b.flushAged(runCtx)
				} else {
					b.flushAll(runCtx, true)
				}
			}
		}
	}()
}

// Stop flushes remaining envelopes and halts the interval flusher.
func (b *Buffer) Stop(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
	}
	// Wake any producers blocked on full partitions.
	for _, p := range b.partitions {
		p.mu.Lock()
		p.space.Broadcast()
		p.mu.Unlock()
	}
	b.wg.Wait()
	b.flushAll(ctx, true)
}

// Add stages an envelope. On a full partition the envelope's buffer policy
// decides: block until space, drop the oldest entry, or spill the oldest
// batch to the sink.
func (b *Buffer) Add(ctx context.Context, env *schema.Envelope) error {
	if env == nil {
		return errs.New("buffer", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("nil envelope"))
	}
	p := b.partitionFor(env)
	policy := env.Metadata.BufferPolicy
	if policy == "" {
		policy = b.cfg.DefaultPolicy
	}

	p.mu.Lock()
	for len(p.queue) >= b.limit {
		switch policy {
		case schema.BufferPolicyDrop:
			p.queue = p.queue[1:]
			p.mu.Unlock()
			b.dropped.Add(1)
			observability.Telemetry().IncCounter("buffer_dropped", 1,
				map[string]string{"exchange": env.Metadata.Exchange})
			p.mu.Lock()
		case schema.BufferPolicySpill:
			n := b.cfg.FlushBatch
			if n > len(p.queue) {
				n = len(p.queue)
			}
			batch := make([]*schema.Envelope, n)
			copy(batch, p.queue[:n])
			p.queue = append(p.queue[:0], p.queue[n:]...)
			p.mu.Unlock()
			b.spillBatch(ctx, batch)
			p.mu.Lock()
		default: // block
			if err := b.waitForSpace(ctx, p); err != nil {
				p.mu.Unlock()
				return err
			}
		}
	}
	if len(p.queue) == 0 {
		p.oldest = time.Now()
	}
	p.queue = append(p.queue, env)
	full := len(p.queue) >= b.cfg.FlushBatch
	p.mu.Unlock()

	b.accepted.Add(1)
	if full && b.ctx != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flushPartition(b.ctx, p, false)
		}()
	}
	return nil
}

// waitForSpace blocks on the partition condition until space frees up, the
// context ends, or the block timeout fires. Called with p.mu held; returns
// with p.mu held.
func (b *Buffer) waitForSpace(ctx context.Context, p *partition) error {
	deadline := time.Now().Add(b.cfg.BlockTimeout)
	var timedOut atomic.Bool

	timer := time.AfterFunc(b.cfg.BlockTimeout, func() {
		timedOut.Store(true)
		p.mu.Lock()
		p.space.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.space.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for len(p.queue) >= b.limit {
		if err := ctx.Err(); err != nil {
			return errs.New("buffer", errs.KindBackpressure, errs.CodeCancelled,
				errs.WithCause(err))
		}
		if timedOut.Load() || time.Now().After(deadline) {
			return errs.New("buffer", errs.KindBackpressure, errs.CodeUnavailable,
				errs.WithMessage("blocked on full partition past timeout"),
				errs.WithRetryable(true))
		}
		if b.ctx != nil && b.ctx.Err() != nil {
			return errs.New("buffer", errs.KindBackpressure, errs.CodeCancelled,
				errs.WithMessage("buffer stopped"))
		}
		p.space.Wait()
	}
	return nil
}

// Flush drains every partition immediately, regardless of batch size.
func (b *Buffer) Flush(ctx context.Context) {
	b.flushAll(ctx, true)
}

func (b *Buffer) flushAll(ctx context.Context, force bool) {
	for _, p := range b.partitions {
		b.flushPartition(ctx, p, force)
	}
}

// flushAged drains partitions whose batch threshold was reached or whose
// oldest envelope exceeded MaxAge.
func (b *Buffer) flushAged(ctx context.Context) {
	cutoff := time.Now().Add(-b.cfg.MaxAge)
	for _, p := range b.partitions {
		p.mu.Lock()
		due := len(p.queue) >= b.cfg.FlushBatch ||
			(len(p.queue) > 0 && p.oldest.Before(cutoff))
		p.mu.Unlock()
		if due {
			b.flushPartition(ctx, p, true)
		}
	}
}

func (b *Buffer) flushPartition(ctx context.Context, p *partition, force bool) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.queue) == 0 || (!force && len(p.queue) < b.cfg.FlushBatch) {
		p.mu.Unlock()
		return
	}
	batch := p.queue
	p.queue = make([]*schema.Envelope, 0, b.cfg.FlushBatch)
	p.oldest = time.Time{}
	p.space.Broadcast()
	p.mu.Unlock()

	if err := b.flushFn(ctx, p.idx, batch); err != nil {
		observability.Log().Error("buffer flush failed",
			observability.Field{Key: "error", Value: err.Error()},
			observability.Field{Key: "batch", Value: len(batch)})
		return
	}
	b.flushed.Add(uint64(len(batch)))
}

func (b *Buffer) spillBatch(ctx context.Context, batch []*schema.Envelope) {
	if b.spill == nil {
		b.dropped.Add(uint64(len(batch)))
		observability.Log().Warn("spill policy without sink, batch dropped",
			observability.Field{Key: "batch", Value: len(batch)})
		return
	}
	if err := b.spill.Spill(ctx, batch); err != nil {
		b.dropped.Add(uint64(len(batch)))
		observability.Log().Error("spill failed, batch dropped",
			observability.Field{Key: "error", Value: err.Error()},
			observability.Field{Key: "batch", Value: len(batch)})
		return
	}
	b.spilled.Add(uint64(len(batch)))
}

func (b *Buffer) partitionFor(env *schema.Envelope) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(b.partitionKey(env)))
	return b.partitions[int(h.Sum32())%len(b.partitions)]
}

func (b *Buffer) partitionKey(env *schema.Envelope) string {
	if b.cfg.PartitionFunc != nil {
		return b.cfg.PartitionFunc(env)
	}
	switch b.cfg.PartitionBy {
	case PartitionByExchange:
		return env.Metadata.Exchange
	case PartitionByExchangeDataType:
		return env.Metadata.Exchange + "|" + string(env.Metadata.DataType)
	default:
		return env.Metadata.Exchange + "|" + env.Metadata.Symbol
	}
}

// Pressure reports fill level in [0, 1]: total queued over total capacity.
// A buffer with no partitions reports zero.
func (b *Buffer) Pressure() float64 {
	if len(b.partitions) == 0 {
		return 0
	}
	total := 0
	for _, p := range b.partitions {
		p.mu.Lock()
		total += len(p.queue)
		p.mu.Unlock()
	}
	return float64(total) / float64(len(b.partitions)*b.cfg.Capacity)
}

// Stats summarises buffer counters.
type Stats struct {
	Partitions int     `json:"partitions"`
	Queued     int     `json:"queued"`
	Pressure   float64 `json:"pressure"`
	Accepted   uint64  `json:"accepted"`
	Flushed    uint64  `json:"flushed"`
	Dropped    uint64  `json:"dropped"`
	Spilled    uint64  `json:"spilled"`
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	queued := 0
	for _, p := range b.partitions {
		p.mu.Lock()
		queued += len(p.queue)
		p.mu.Unlock()
	}
	return Stats{
		Partitions: len(b.partitions),
		Queued:     queued,
		Pressure:   b.Pressure(),
		Accepted:   b.accepted.Load(),
		Flushed:    b.flushed.Load(),
		Dropped:    b.dropped.Load(),
		Spilled:    b.spilled.Load(),
	}
}
