package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/adapters/registry"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

const (
	defaultMaxConnections = 8
	defaultEventBuffer    = 4096
	janitorInterval       = 30 * time.Second
)

// AdapterConfig configures the Binance adapter and its connection pool.
type AdapterConfig struct {
	BaseURL        string
	MaxConnections int
	EventBuffer    int
	Conn           ConnConfig
	Registry       registry.Config
}

func (c AdapterConfig) normalize() AdapterConfig {
	if c.BaseURL == "" {
		c.BaseURL = "wss://stream.binance.com:9443"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	c.Conn.BaseURL = c.BaseURL
	c.Conn = c.Conn.normalize()
	return c
}

// Event is one entry on the adapter's lifecycle event channel.
type Event struct {
	Type         schema.AdapterEventType
	State        schema.AdapterState
	Record       *schema.Record
	Err          error
	ConnectionID string
	At           time.Time
}

// ConnStats describes one pooled connection.
type ConnStats struct {
	ID      string                 `json:"id"`
	State   schema.ConnectionState `json:"state"`
	Streams int                    `json:"streams"`
	RTT     time.Duration          `json:"rtt"`
	Idle    time.Duration          `json:"idle"`
}

// AdapterStats aggregates adapter, registry, and pool state.
type AdapterStats struct {
	State         schema.AdapterState `json:"state"`
	Connections   []ConnStats         `json:"connections"`
	Subscriptions registry.Stats      `json:"subscriptions"`
	DroppedEvents uint64              `json:"dropped_events"`
}

// Adapter is the Binance market-data adapter. It owns a pool of combined
// stream connections, the subscription registry, and the frame parser, and
// surfaces everything through a single typed event channel.
type Adapter struct {
	cfg    AdapterConfig
	parser *Parser
	reg    *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc

	conns  map[string]*ConnManager
	connMu sync.Mutex
	nextID int

	state   schema.AdapterState
	stateMu sync.RWMutex

	events    chan Event
	errorChan chan error
	dropped   uint64
	dropMu    sync.Mutex

	wg sync.WaitGroup
}

// NewAdapter constructs the adapter in the initializing state.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	cfg = cfg.normalize()
	a := &Adapter{
		cfg:       cfg,
		parser:    NewParser(),
		reg:       nil,
		ctx:       nil,
		cancel:    nil,
		conns:     make(map[string]*ConnManager),
		connMu:    sync.Mutex{},
		nextID:    0,
		state:     schema.AdapterInitializing,
		stateMu:   sync.RWMutex{},
		events:    make(chan Event, cfg.EventBuffer),
		errorChan: make(chan error, 256),
		dropped:   0,
		dropMu:    sync.Mutex{},
		wg:        sync.WaitGroup{},
	}
	reg, err := registry.New(cfg.Registry, BuildStreamName, a.pickConnection)
	if err != nil {
		return nil, err
	}
	a.reg = reg
	reg.SetDataListener(a.handleData)
	return a, nil
}

// Initialize validates configuration and prepares the adapter for Start.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.State() != schema.AdapterInitializing {
		return errs.New("binance/adapter", errs.KindInternal, errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("initialize from state %q", a.State())))
	}
	_ = ctx
	a.setState(schema.AdapterConnecting)
	return nil
}

// Start begins the error pump and the idle-connection janitor. Connections
// are opened lazily as subscriptions arrive.
func (a *Adapter) Start(ctx context.Context) error {
	switch a.State() {
	case schema.AdapterConnecting, schema.AdapterStopped:
	default:
		return errs.New("binance/adapter", errs.KindInternal, errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("start from state %q", a.State())))
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.ctx = runCtx
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.errorPump(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.janitor(runCtx)
	}()

	a.setState(schema.AdapterConnected)
	a.resumeSubscriptions()
	observability.Log().Info("binance adapter started",
		observability.Field{Key: "base_url", Value: a.cfg.BaseURL},
		observability.Field{Key: "max_connections", Value: a.cfg.MaxConnections})
	return nil
}

// resumeSubscriptions reattaches subscriptions left over from a previous Stop:
// their old connections are gone, so they migrate onto freshly opened ones and
// their streams are re-requested.
func (a *Adapter) resumeSubscriptions() {
	for cid := range a.reg.Stats().ByConn {
		a.connMu.Lock()
		_, alive := a.conns[cid]
		a.connMu.Unlock()
		if alive {
			continue
		}
		subs := a.reg.ByConnection(cid)
		if len(subs) == 0 {
			continue
		}
		newID, err := a.pickConnection(subs[0].StreamName)
		if err != nil {
			a.reportError(err)
			continue
		}
		if err := a.reg.Migrate(cid, newID); err != nil {
			a.reportError(err)
			continue
		}
		a.connMu.Lock()
		conn := a.conns[newID]
		a.connMu.Unlock()
		if conn == nil {
			continue
		}
		for _, sub := range subs {
			conn.AddStream(sub.StreamName)
		}
		observability.Log().Info("subscriptions resumed",
			observability.Field{Key: "from", Value: cid},
			observability.Field{Key: "to", Value: newID},
			observability.Field{Key: "streams", Value: len(subs)})
	}
	if a.reg.Count() > 0 {
		a.setState(schema.AdapterActive)
	}
}

// Stop closes every connection and halts background work. Subscriptions stay
// registered; a later Start migrates them onto new connections and re-requests
// their streams.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.connMu.Lock()
	conns := make([]*ConnManager, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.conns = make(map[string]*ConnManager)
	a.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, conn := range conns {
			conn.Close()
		}
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errs.New("binance/adapter", errs.KindConnection, errs.CodeCancelled,
			errs.WithMessage("stop interrupted"), errs.WithCause(ctx.Err()))
	}
	a.setState(schema.AdapterStopped)
	return nil
}

// Destroy stops the adapter, clears the registry, and closes the event channel.
// The adapter cannot be restarted afterwards.
func (a *Adapter) Destroy(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return err
	}
	a.reg.Clear()
	close(a.events)
	return nil
}

// Subscribe registers the requests and schedules the remote stream updates.
func (a *Adapter) Subscribe(ctx context.Context, reqs []schema.SubscriptionRequest) (registry.Result, error) {
	_ = ctx
	result, err := a.reg.Subscribe(reqs)
	if err != nil {
		return result, err
	}
	for _, sub := range result.Successful {
		a.connMu.Lock()
		conn := a.conns[sub.ConnectionID]
		a.connMu.Unlock()
		if conn != nil {
			conn.AddStream(sub.StreamName)
			a.reg.MarkActive(sub.ConnectionID)
		}
		a.emit(Event{
			Type:         schema.AdapterEventSubscribed,
			ConnectionID: sub.ConnectionID,
			At:           time.Now(),
		})
	}
	if len(result.Successful) > 0 && a.State() == schema.AdapterConnected {
		a.setState(schema.AdapterActive)
	}
	return result, nil
}

// Unsubscribe removes the requests and schedules the remote stream updates.
func (a *Adapter) Unsubscribe(ctx context.Context, reqs []schema.SubscriptionRequest) registry.Result {
	_ = ctx
	result := a.reg.Unsubscribe(reqs)
	for _, sub := range result.Successful {
		a.connMu.Lock()
		conn := a.conns[sub.ConnectionID]
		a.connMu.Unlock()
		if conn != nil {
			conn.RemoveStream(sub.StreamName)
		}
		a.emit(Event{
			Type:         schema.AdapterEventUnsubscribed,
			ConnectionID: sub.ConnectionID,
			At:           time.Now(),
		})
	}
	return result
}

// Events returns the adapter's lifecycle event channel.
func (a *Adapter) Events() <-chan Event { return a.events }

// Registry exposes the subscription registry for stats surfaces.
func (a *Adapter) Registry() *registry.Registry { return a.reg }

// State returns the current lifecycle state.
func (a *Adapter) State() schema.AdapterState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// Stats returns a snapshot of the adapter, pool, and registry.
func (a *Adapter) Stats() AdapterStats {
	a.connMu.Lock()
	conns := make([]ConnStats, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, ConnStats{
			ID:      conn.ID(),
			State:   conn.State(),
			Streams: conn.StreamCount(),
			RTT:     conn.LastRTT(),
			Idle:    conn.IdleSince(),
		})
	}
	a.connMu.Unlock()
	a.dropMu.Lock()
	dropped := a.dropped
	a.dropMu.Unlock()
	return AdapterStats{
		State:         a.State(),
		Connections:   conns,
		Subscriptions: a.reg.Stats(),
		DroppedEvents: dropped,
	}
}

func (a *Adapter) setState(next schema.AdapterState) {
	a.stateMu.Lock()
	prev := a.state
	a.state = next
	a.stateMu.Unlock()
	if prev == next {
		return
	}
	a.emit(Event{Type: schema.AdapterEventStatusChanged, State: next, At: time.Now()})
}

// pickConnection finds a pooled connection with stream capacity or opens a
// new one, up to MaxConnections.
func (a *Adapter) pickConnection(streamName string) (string, error) {
	_ = streamName
	a.connMu.Lock()
	defer a.connMu.Unlock()

	for id, conn := range a.conns {
		if conn.StreamCount() < a.cfg.Conn.MaxStreams {
			conn.Touch()
			return id, nil
		}
	}
	if len(a.conns) >= a.cfg.MaxConnections {
		return "", errs.New("binance/adapter", errs.KindConnection, errs.CodeConnectionNotAvailable,
			errs.WithMessage(fmt.Sprintf("connection pool exhausted: %d connections at capacity", len(a.conns))))
	}

	a.nextID++
	id := fmt.Sprintf("binance-%d", a.nextID)
	conn := NewConnManager(id, a.cfg.Conn, func(frame []byte) error {
		return a.handleFrame(id, frame)
	}, a.errorChan)
	conn.SetStateListener(func(state schema.ConnectionState) {
		a.onConnState(id, state)
	})
	a.conns[id] = conn

	if a.ctx != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := conn.Open(a.ctx); err != nil {
				a.reportError(err)
			}
		}()
	}
	return id, nil
}

func (a *Adapter) handleFrame(connID string, frame []byte) error {
	name, ok := a.parser.StreamName(frame)
	if !ok {
		// Control frames and subscription acks carry no stream field.
		return nil
	}
	a.reg.HandleStreamData(name, frame, connID)
	return nil
}

// handleData runs on the registry's data path: parse the frame and emit it.
func (a *Adapter) handleData(ev registry.DataEvent) {
	record, err := a.parser.Parse(ev.Payload, time.Now().UTC())
	if err != nil {
		a.reg.HandleError(ev.StreamName, err, ev.ConnectionID)
		observability.Telemetry().IncCounter("adapter_parse_failures", 1,
			map[string]string{"exchange": "binance"})
		a.emit(Event{Type: schema.AdapterEventError, Err: err, ConnectionID: ev.ConnectionID, At: time.Now()})
		return
	}
	a.emit(Event{Type: schema.AdapterEventData, Record: record, ConnectionID: ev.ConnectionID, At: time.Now()})
}

func (a *Adapter) onConnState(connID string, state schema.ConnectionState) {
	switch state {
	case schema.ConnConnected:
		a.emit(Event{Type: schema.AdapterEventConnected, ConnectionID: connID, At: time.Now()})
		a.reg.MarkActive(connID)
		if a.State() == schema.AdapterReconnecting {
			a.setState(schema.AdapterActive)
		}
	case schema.ConnConnecting:
		if a.State() == schema.AdapterActive {
			a.setState(schema.AdapterReconnecting)
		}
	case schema.ConnDisconnected, schema.ConnDisconnecting:
		a.emit(Event{Type: schema.AdapterEventDisconnected, ConnectionID: connID, At: time.Now()})
	}
}

func (a *Adapter) errorPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-a.errorChan:
			a.emit(Event{Type: schema.AdapterEventError, Err: err, At: time.Now()})
		}
	}
}

// janitor closes pooled connections that carry no streams and have sat idle
// past their timeout.
func (a *Adapter) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepIdle()
		}
	}
}

func (a *Adapter) sweepIdle() {
	a.connMu.Lock()
	var victims []*ConnManager
	for id, conn := range a.conns {
		if conn.StreamCount() == 0 && conn.IdleSince() > conn.IdleTimeout() {
			victims = append(victims, conn)
			delete(a.conns, id)
		}
	}
	a.connMu.Unlock()
	for _, conn := range victims {
		observability.Log().Debug("closing idle connection",
			observability.Field{Key: "connection_id", Value: conn.ID()},
			observability.Field{Key: "idle", Value: conn.IdleSince().String()})
		conn.Close()
	}
}

func (a *Adapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.dropMu.Lock()
		a.dropped++
		a.dropMu.Unlock()
	}
}

func (a *Adapter) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case a.errorChan <- err:
	default:
	}
}
