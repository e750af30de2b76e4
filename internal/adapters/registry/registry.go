// Package registry maintains the authoritative set of logical subscriptions
// for an exchange adapter and partitions them across connections.
package registry

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

// Config bounds and validates registry growth.
type Config struct {
	MaxSubscriptions  int
	StrictValidation  bool
	SymbolPattern     string
	DisabledDataTypes []schema.DataType
}

func (c Config) normalize() Config {
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 4096
	}
	return c
}

// StreamNamer translates a subscription request into the wire stream name.
type StreamNamer func(schema.SubscriptionRequest) (string, error)

// ConnectionPicker selects (or creates) the connection that should carry a new
// stream. The registry records only the returned id.
type ConnectionPicker func(streamName string) (string, error)

// DataEvent is emitted for every frame matched to an active subscription.
type DataEvent struct {
	StreamName   string
	Payload      []byte
	ConnectionID string
	MsgCount     uint64
}

// Result reports the outcome of a batch subscribe or unsubscribe.
type Result struct {
	Successful []*schema.Subscription
	Existing   []*schema.Subscription
	Failed     []Failure
}

// Failure pairs a rejected request with its structured error.
type Failure struct {
	Request schema.SubscriptionRequest
	Err     *errs.E
}

// Stats summarises registry state for the stats surface.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByConn   map[string]int `json:"by_connection"`
	Messages uint64         `json:"messages"`
	Errors   uint64         `json:"errors"`
}

// Registry is the authoritative subscription set for one adapter. All mutation
// is serialized through its API; readers get snapshots.
type Registry struct {
	cfg    Config
	namer  StreamNamer
	picker ConnectionPicker

	mu       sync.RWMutex
	byKey    map[string]*schema.Subscription
	byStream map[string]string
	byConn   map[string]map[string]struct{}

	onData func(DataEvent)

	msgTotal atomic.Uint64
	errTotal atomic.Uint64

	symbolRe *regexp.Regexp
	disabled map[schema.DataType]struct{}

	now func() time.Time
}

// New constructs a registry. namer and picker must be non-nil.
func New(cfg Config, namer StreamNamer, picker ConnectionPicker) (*Registry, error) {
	if namer == nil || picker == nil {
		return nil, errs.New("registry", errs.KindInternal, errs.CodeInvalid,
			errs.WithMessage("stream namer and connection picker required"))
	}
	cfg = cfg.normalize()
	r := &Registry{
		cfg:      cfg,
		namer:    namer,
		picker:   picker,
		mu:       sync.RWMutex{},
		byKey:    make(map[string]*schema.Subscription),
		byStream: make(map[string]string),
		byConn:   make(map[string]map[string]struct{}),
		onData:   nil,
		msgTotal: atomic.Uint64{},
		errTotal: atomic.Uint64{},
		symbolRe: nil,
		disabled: make(map[schema.DataType]struct{}, len(cfg.DisabledDataTypes)),
		now:      time.Now,
	}
	if cfg.SymbolPattern != "" {
		re, err := regexp.Compile(cfg.SymbolPattern)
		if err != nil {
			return nil, errs.New("registry", errs.KindInternal, errs.CodeInvalid,
				errs.WithMessage("compile symbol pattern"), errs.WithCause(err))
		}
		r.symbolRe = re
	}
	for _, dt := range cfg.DisabledDataTypes {
		r.disabled[dt] = struct{}{}
	}
	return r, nil
}

// SetDataListener installs the callback invoked by HandleStreamData.
// Must be called before data starts flowing.
func (r *Registry) SetDataListener(fn func(DataEvent)) {
	r.onData = fn
}

// Subscribe adds the requested subscriptions. Adding an existing key is
// idempotent and reported under Existing. A batch that would push the total
// past MaxSubscriptions is refused as a whole.
func (r *Registry) Subscribe(reqs []schema.SubscriptionRequest) (Result, error) {
	var result Result

	admitted := make([]schema.SubscriptionRequest, 0, len(reqs))
	for _, req := range reqs {
		if failure := r.validate(req); failure != nil {
			result.Failed = append(result.Failed, Failure{Request: req, Err: failure})
			continue
		}
		admitted = append(admitted, req)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newCount := 0
	for _, req := range admitted {
		if _, exists := r.byKey[req.Key()]; !exists {
			newCount++
		}
	}
	if len(r.byKey)+newCount > r.cfg.MaxSubscriptions {
		return result, errs.New("registry", errs.KindSubscription, errs.CodeMaxStreamsExceeded,
			errs.WithMessage(fmt.Sprintf("subscription batch overflows limit: %d+%d > %d",
				len(r.byKey), newCount, r.cfg.MaxSubscriptions)))
	}

	for _, req := range admitted {
		key := req.Key()
		if existing, ok := r.byKey[key]; ok {
			result.Existing = append(result.Existing, cloneSub(existing))
			continue
		}
		name, err := r.namer(req)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Request: req, Err: asE(err)})
			continue
		}
		cid, err := r.picker(name)
		if err != nil {
			result.Failed = append(result.Failed, Failure{
				Request: req,
				Err: errs.New("registry", errs.KindSubscription, errs.CodeConnectionNotAvailable,
					errs.WithMessage("no connection available"), errs.WithCause(err)),
			})
			continue
		}
		sub := &schema.Subscription{
			Key:          key,
			Request:      req,
			StreamName:   name,
			ConnectionID: cid,
			Status:       schema.SubscriptionPending,
			SubscribedAt: r.now().UTC(),
			LastActiveAt: time.Time{},
			MsgCount:     0,
			ErrCount:     0,
			LastError:    "",
		}
		r.byKey[key] = sub
		r.byStream[name] = key
		r.indexConn(cid, key)
		result.Successful = append(result.Successful, cloneSub(sub))
	}
	return result, nil
}

// Unsubscribe removes the requested subscriptions.
func (r *Registry) Unsubscribe(reqs []schema.SubscriptionRequest) Result {
	var result Result
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range reqs {
		key := req.Key()
		sub, ok := r.byKey[key]
		if !ok {
			result.Failed = append(result.Failed, Failure{
				Request: req,
				Err: errs.New("registry", errs.KindSubscription, errs.CodeNotFound,
					errs.WithMessage("subscription not found")),
			})
			continue
		}
		sub.Status = schema.SubscriptionCancelled
		delete(r.byKey, key)
		delete(r.byStream, sub.StreamName)
		r.unindexConn(sub.ConnectionID, key)
		result.Successful = append(result.Successful, cloneSub(sub))
	}
	return result
}

// Has reports whether the request's key is registered.
func (r *Registry) Has(req schema.SubscriptionRequest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[req.Key()]
	return ok
}

// Active returns a snapshot of every registered subscription.
func (r *Registry) Active() []*schema.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.Subscription, 0, len(r.byKey))
	for _, sub := range r.byKey {
		out = append(out, cloneSub(sub))
	}
	return out
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// ByConnection returns subscriptions currently assigned to the connection.
func (r *Registry) ByConnection(cid string) []*schema.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.byConn[cid]
	if !ok {
		return nil
	}
	out := make([]*schema.Subscription, 0, len(keys))
	for key := range keys {
		if sub, ok := r.byKey[key]; ok {
			out = append(out, cloneSub(sub))
		}
	}
	return out
}

// Migrate transactionally moves every subscription on from to to. The
// per-connection indices update in one step; on error nothing changes.
func (r *Registry) Migrate(from, to string) error {
	if from == to {
		return errs.New("registry", errs.KindSubscription, errs.CodeInvalid,
			errs.WithMessage("migrate requires distinct connections"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, ok := r.byConn[from]
	if !ok || len(keys) == 0 {
		return errs.New("registry", errs.KindSubscription, errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("no subscriptions on connection %q", from)))
	}
	// Resolve every key first so an index out of step with the key map
	// aborts before any subscription moves.
	moved := make([]*schema.Subscription, 0, len(keys))
	for key := range keys {
		sub, ok := r.byKey[key]
		if !ok {
			return errs.New("registry", errs.KindInternal, errs.CodeConflict,
				errs.WithMessage("connection index references missing subscription"),
				errs.WithField("key", key))
		}
		moved = append(moved, sub)
	}
	for _, sub := range moved {
		sub.ConnectionID = to
		r.indexConn(to, sub.Key)
	}
	delete(r.byConn, from)
	observability.Log().Info("subscriptions migrated",
		observability.Field{Key: "from", Value: from},
		observability.Field{Key: "to", Value: to},
		observability.Field{Key: "count", Value: len(keys)})
	return nil
}

// MarkActive transitions pending subscriptions on the connection to active.
// Exchanges without an explicit ack call this right after the remote update.
func (r *Registry) MarkActive(cid string) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.byConn[cid] {
		if sub, ok := r.byKey[key]; ok && sub.Status == schema.SubscriptionPending {
			sub.Status = schema.SubscriptionActive
			sub.LastActiveAt = now
		}
	}
}

// HandleStreamData resolves a wire stream name to its subscription, updates
// counters, and emits a DataEvent. Unmatched names are dropped silently; they
// can race with unsubscribe.
func (r *Registry) HandleStreamData(name string, payload []byte, cid string) {
	r.mu.Lock()
	key, ok := r.byStream[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.MsgCount++
	sub.LastActiveAt = r.now().UTC()
	if sub.Status == schema.SubscriptionPending {
		sub.Status = schema.SubscriptionActive
	}
	count := sub.MsgCount
	r.mu.Unlock()

	r.msgTotal.Add(1)
	if r.onData != nil {
		r.onData(DataEvent{StreamName: name, Payload: payload, ConnectionID: cid, MsgCount: count})
	}
}

// HandleError records a stream-scoped error against its subscription.
func (r *Registry) HandleError(name string, err error, cid string) {
	r.errTotal.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byStream[name]
	if !ok {
		return
	}
	sub, ok := r.byKey[key]
	if !ok {
		return
	}
	sub.ErrCount++
	if err != nil {
		sub.LastError = err.Error()
		if e := asE(err); e != nil && !e.Retryable() {
			sub.Status = schema.SubscriptionFailed
		}
	}
	_ = cid
}

// Stats returns an aggregate snapshot.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		Total:    len(r.byKey),
		ByStatus: make(map[string]int, 5),
		ByConn:   make(map[string]int, len(r.byConn)),
		Messages: r.msgTotal.Load(),
		Errors:   r.errTotal.Load(),
	}
	for _, sub := range r.byKey {
		stats.ByStatus[string(sub.Status)]++
	}
	for cid, keys := range r.byConn {
		stats.ByConn[cid] = len(keys)
	}
	return stats
}

// Clear cancels and removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byKey {
		sub.Status = schema.SubscriptionCancelled
	}
	r.byKey = make(map[string]*schema.Subscription)
	r.byStream = make(map[string]string)
	r.byConn = make(map[string]map[string]struct{})
}

func (r *Registry) validate(req schema.SubscriptionRequest) *errs.E {
	if err := req.DataType.Validate(); err != nil {
		return asE(err)
	}
	if _, disabled := r.disabled[req.DataType]; disabled {
		return errs.New("registry", errs.KindSubscription, errs.CodeUnsupportedDataType,
			errs.WithMessage(fmt.Sprintf("data type %q is disabled", req.DataType)),
			errs.WithRetryable(false))
	}
	symbol := schema.CanonicalSymbol(req.Symbol)
	if err := schema.ValidateSymbol(symbol); err != nil {
		return asE(err)
	}
	if r.cfg.StrictValidation && r.symbolRe != nil && !r.symbolRe.MatchString(symbol) {
		return errs.New("registry", errs.KindSubscription, errs.CodeSymbolNotFound,
			errs.WithMessage(fmt.Sprintf("symbol %q rejected by validation pattern", symbol)),
			errs.WithRetryable(false))
	}
	return nil
}

func (r *Registry) indexConn(cid, key string) {
	keys, ok := r.byConn[cid]
	if !ok {
		keys = make(map[string]struct{})
		r.byConn[cid] = keys
	}
	keys[key] = struct{}{}
}

func (r *Registry) unindexConn(cid, key string) {
	if keys, ok := r.byConn[cid]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byConn, cid)
		}
	}
}

func cloneSub(sub *schema.Subscription) *schema.Subscription {
	if sub == nil {
		return nil
	}
	dup := *sub
	return &dup
}

func asE(err error) *errs.E {
	if err == nil {
		return nil
	}
	if e, ok := err.(*errs.E); ok {
		return e
	}
	return errs.New("registry", errs.KindSubscription, errs.CodeUnknown, errs.WithCause(err))
}
