// Package snapshot keeps the last published record per stream for replay to
// newly attached consumers.
package snapshot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

const (
	defaultMaxEntries    = 16384
	defaultTTL           = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Config bounds the in-memory snapshot store.
type Config struct {
	MaxEntries    int
	TTL           time.Duration
	SweepInterval time.Duration
}

func (c Config) normalize() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

type entry struct {
	env      *schema.Envelope
	storedAt time.Time
}

// MemoryStore holds the latest envelope per (exchange, symbol, data type).
// Writers replace entries wholesale; readers get the stored pointer and must
// treat it as immutable.
type MemoryStore struct {
	cfg     Config
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryStore builds an empty snapshot store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg.normalize(),
		mu:      sync.RWMutex{},
		entries: make(map[string]entry),
		now:     time.Now,
		cancel:  nil,
		wg:      sync.WaitGroup{},
	}
}

// Start launches the TTL sweeper.
func (s *MemoryStore) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *MemoryStore) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Put stores the envelope as the latest snapshot for its stream. At capacity
// the stalest entry is evicted first.
func (s *MemoryStore) Put(env *schema.Envelope) {
	if env == nil || env.Record == nil {
		return
	}
	key := Key(env.Metadata.Exchange, env.Metadata.Symbol, env.Metadata.DataType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.cfg.MaxEntries {
		s.evictOldestLocked()
	}
	s.entries[key] = entry{env: env, storedAt: s.now()}
}

// Get returns the latest snapshot for the stream, if present and fresh.
func (s *MemoryStore) Get(exchange, symbol string, dt schema.DataType) (*schema.Envelope, bool) {
	s.mu.RLock()
	e, ok := s.entries[Key(exchange, symbol, dt)]
	s.mu.RUnlock()
	if !ok || s.now().Sub(e.storedAt) > s.cfg.TTL {
		return nil, false
	}
	return e.env, true
}

// Match returns fresh snapshots whose stream key satisfies the predicate.
func (s *MemoryStore) Match(pred func(exchange, symbol string, dt schema.DataType) bool) []*schema.Envelope {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Envelope
	for key, e := range s.entries {
		if now.Sub(e.storedAt) > s.cfg.TTL {
			continue
		}
		exchange, symbol, dt, ok := splitKey(key)
		if !ok || !pred(exchange, symbol, dt) {
			continue
		}
		out = append(out, e.env)
	}
	return out
}

// Len returns the number of stored snapshots, fresh or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.storedAt) > s.cfg.TTL {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		observability.Log().Debug("snapshot sweep",
			observability.Field{Key: "removed", Value: removed})
	}
}

func (s *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range s.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// Key derives the snapshot key for a stream.
func Key(exchange, symbol string, dt schema.DataType) string {
	return exchange + "|" + symbol + "|" + string(dt)
}

func splitKey(key string) (exchange, symbol string, dt schema.DataType, ok bool) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], schema.DataType(parts[2]), true
}
