package binance

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPingTimeout       = 10 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultUpdateDebounce    = 500 * time.Millisecond
	defaultIdleTimeout       = 5 * time.Minute
)

// RetryConfig bounds the reconnect backoff schedule.
type RetryConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

func (c RetryConfig) normalize() RetryConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// reconnectBackOff implements backoff.BackOff with the combined-stream policy:
// delay = min(initial*multiplier^attempts, max), scaled by a uniform jitter
// factor in [0.5, 1.0] so concurrent adapters do not reconnect in lockstep.
type reconnectBackOff struct {
	cfg      RetryConfig
	attempts int
	rng      func() float64
}

func newReconnectBackOff(cfg RetryConfig) *reconnectBackOff {
	return &reconnectBackOff{cfg: cfg.normalize(), attempts: 0, rng: rand.Float64}
}

func (b *reconnectBackOff) NextBackOff() time.Duration {
	delay := float64(b.cfg.InitialDelay)
	for i := 0; i < b.attempts; i++ {
		delay *= b.cfg.BackoffMultiplier
		if delay >= float64(b.cfg.MaxDelay) {
			delay = float64(b.cfg.MaxDelay)
			break
		}
	}
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	b.attempts++
	if b.cfg.Jitter {
		delay *= 0.5 + 0.5*b.rng()
	}
	return time.Duration(delay)
}

func (b *reconnectBackOff) Reset() { b.attempts = 0 }

var _ backoff.BackOff = (*reconnectBackOff)(nil)

// ConnConfig configures a combined-stream connection manager.
type ConnConfig struct {
	BaseURL           string
	MaxStreams        int
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ConnectTimeout    time.Duration
	UpdateDebounce    time.Duration
	IdleTimeout       time.Duration
	Retry             RetryConfig
	// AutoManage enables debounced remote updates on stream set changes.
	AutoManage bool
}

func (c ConnConfig) normalize() ConnConfig {
	if c.MaxStreams <= 0 || c.MaxStreams > DefaultMaxStreamsPerConnection {
		c.MaxStreams = DefaultMaxStreamsPerConnection
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.UpdateDebounce <= 0 {
		c.UpdateDebounce = defaultUpdateDebounce
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	c.Retry = c.Retry.normalize()
	return c
}

// ConnManager owns a single combined-stream WebSocket. Stream set changes are
// applied by a debounced disconnect-then-reconnect with the rebuilt URL, the
// only remote update mechanism Binance combined streams offer.
type ConnManager struct {
	id  string
	cfg ConnConfig

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	state   schema.ConnectionState
	stateMu sync.RWMutex
	onState func(schema.ConnectionState)

	streams  map[string]struct{}
	streamMu sync.Mutex

	debounce   *time.Timer
	debounceMu sync.Mutex
	updating   atomic.Bool

	kick chan struct{}

	handler   func(frame []byte) error
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once

	boff *reconnectBackOff

	lastRTT  atomic.Int64
	lastUsed atomic.Int64

	wg sync.WaitGroup
}

// NewConnManager creates a connection manager. handler receives every data
// frame; errorChan receives transport and protocol errors (never blocks).
func NewConnManager(id string, cfg ConnConfig, handler func([]byte) error, errorChan chan<- error) *ConnManager {
	cfg = cfg.normalize()
	return &ConnManager{
		id:        id,
		cfg:       cfg,
		ctx:       nil,
		cancel:    nil,
		conn:      nil,
		connMu:    sync.RWMutex{},
		state:     schema.ConnDisconnected,
		stateMu:   sync.RWMutex{},
		onState:   nil,
		streams:   make(map[string]struct{}),
		streamMu:  sync.Mutex{},
		debounce:  nil,
		debounceMu: sync.Mutex{},
		updating:  atomic.Bool{},
		kick:      make(chan struct{}, 1),
		handler:   handler,
		errorChan: errorChan,
		ready:     make(chan struct{}),
		readyOnce: sync.Once{},
		boff:      newReconnectBackOff(cfg.Retry),
		lastRTT:   atomic.Int64{},
		lastUsed:  atomic.Int64{},
		wg:        sync.WaitGroup{},
	}
}

// SetStateListener installs a callback invoked on every state transition.
// Must be called before Open.
func (m *ConnManager) SetStateListener(fn func(schema.ConnectionState)) {
	m.onState = fn
}

// ID returns the connection identifier.
func (m *ConnManager) ID() string { return m.id }

// State returns the current connection state.
func (m *ConnManager) State() schema.ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *ConnManager) setState(next schema.ConnectionState) {
	m.stateMu.Lock()
	m.state = next
	m.stateMu.Unlock()
	if m.onState != nil {
		m.onState(next)
	}
}

// Open starts the connection loop and waits for the first successful dial.
func (m *ConnManager) Open(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.ctx = runCtx
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.run(); err != nil && !errors.Is(err, context.Canceled) {
			m.reportError(fmt.Errorf("connection loop: %w", err))
		}
	}()

	select {
	case <-m.ready:
		return nil
	case <-time.After(m.cfg.ConnectTimeout):
		return errs.New("binance/conn", errs.KindConnection, errs.CodeConnect,
			errs.WithMessage("timeout waiting for websocket connection"),
			errs.WithField("connection_id", m.id))
	case <-runCtx.Done():
		return errs.New("binance/conn", errs.KindConnection, errs.CodeCancelled,
			errs.WithCause(runCtx.Err()))
	}
}

// Close gracefully shuts the connection down and stops the loop.
func (m *ConnManager) Close() {
	m.debounceMu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.debounceMu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.closeConn(websocket.StatusNormalClosure, "shutdown")
	m.wg.Wait()
	m.setState(schema.ConnDisconnected)
}

// AddStream records a stream in the active set. With auto-manage enabled a
// debounced remote update is scheduled.
func (m *ConnManager) AddStream(name string) {
	m.streamMu.Lock()
	_, exists := m.streams[name]
	if !exists {
		m.streams[name] = struct{}{}
	}
	m.streamMu.Unlock()
	if !exists && m.cfg.AutoManage {
		m.scheduleRemoteUpdate()
	}
}

// RemoveStream removes a stream from the active set.
func (m *ConnManager) RemoveStream(name string) {
	m.streamMu.Lock()
	_, exists := m.streams[name]
	if exists {
		delete(m.streams, name)
	}
	m.streamMu.Unlock()
	if exists && m.cfg.AutoManage {
		m.scheduleRemoteUpdate()
	}
}

// StreamCount returns the size of the active stream set.
func (m *ConnManager) StreamCount() int {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	return len(m.streams)
}

// ActiveStreams returns a snapshot of the active stream set.
func (m *ConnManager) ActiveStreams() []string {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	out := make([]string, 0, len(m.streams))
	for name := range m.streams {
		out = append(out, name)
	}
	return out
}

// Ping measures round-trip latency on the live connection.
func (m *ConnManager) Ping(ctx context.Context) (time.Duration, error) {
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return 0, errs.New("binance/conn", errs.KindConnection, errs.CodeConnectionNotAvailable,
			errs.WithMessage("not connected"))
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	start := time.Now()
	if err := conn.Ping(pingCtx); err != nil {
		return 0, errs.New("binance/conn", errs.KindConnection, errs.CodeNetwork,
			errs.WithMessage("ping failed"), errs.WithCause(err))
	}
	rtt := time.Since(start)
	m.lastRTT.Store(int64(rtt))
	return rtt, nil
}

// LastRTT returns the most recent measured heartbeat round trip.
func (m *ConnManager) LastRTT() time.Duration {
	return time.Duration(m.lastRTT.Load())
}

// Touch marks the connection as recently used by the owning pool.
func (m *ConnManager) Touch() {
	m.lastUsed.Store(time.Now().UnixNano())
}

// IdleSince reports how long the connection has been unused.
func (m *ConnManager) IdleSince() time.Duration {
	last := m.lastUsed.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// IdleTimeout returns the configured idle cutoff for pooled connections.
func (m *ConnManager) IdleTimeout() time.Duration { return m.cfg.IdleTimeout }

// scheduleRemoteUpdate arms (or re-arms) the debounce timer. When it fires the
// manager rebuilds the combined URL and cycles the connection. Only one remote
// update is in flight at a time; changes landing mid-update re-arm the timer.
func (m *ConnManager) scheduleRemoteUpdate() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	if m.debounce != nil {
		m.debounce.Reset(m.cfg.UpdateDebounce)
		return
	}
	m.debounce = time.AfterFunc(m.cfg.UpdateDebounce, m.fireRemoteUpdate)
}

func (m *ConnManager) fireRemoteUpdate() {
	m.debounceMu.Lock()
	m.debounce = nil
	m.debounceMu.Unlock()

	if !m.updating.CompareAndSwap(false, true) {
		// An update is already cycling the connection; queue another pass.
		m.scheduleRemoteUpdate()
		return
	}
	// Clean disconnect; the run loop re-dials with the rebuilt URL.
	m.closeConn(websocket.StatusNormalClosure, "stream set changed")
	m.wake()
}

func (m *ConnManager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *ConnManager) closeConn(code websocket.StatusCode, reason string) {
	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close(code, reason)
		m.conn = nil
	}
	m.connMu.Unlock()
}

// run is the connection loop: dial, heartbeat, read, back off, repeat.
func (m *ConnManager) run() error {
	for {
		select {
		case <-m.ctx.Done():
			return context.Canceled
		default:
		}

		url, err := m.combinedURL()
		if err != nil {
			// Empty stream set: wait for a change instead of spinning.
			select {
			case <-m.ctx.Done():
				return context.Canceled
			case <-m.kick:
				continue
			}
		}

		m.setState(schema.ConnConnecting)
		dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		cancel()
		if err != nil {
			m.reportError(errs.New("binance/conn", errs.KindConnection, errs.CodeConnect,
				errs.WithMessage("dial failed"), errs.WithCause(err),
				errs.WithField("connection_id", m.id)))
			if stop := m.sleepBackoff(); stop {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(-1)

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.Touch()
		m.setState(schema.ConnConnected)
		m.updating.Store(false)
		m.boff.Reset()
		m.readyOnce.Do(func() { close(m.ready) })

		observability.Log().Debug("combined stream connected",
			observability.Field{Key: "connection_id", Value: m.id},
			observability.Field{Key: "streams", Value: m.StreamCount()})

		hbCtx, hbCancel := context.WithCancel(m.ctx)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.heartbeat(hbCtx, conn)
		}()

		err = m.readLoop(conn)
		hbCancel()

		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()

		if errors.Is(err, context.Canceled) {
			m.setState(schema.ConnDisconnecting)
			return context.Canceled
		}
		if err != nil {
			m.reportError(errs.New("binance/conn", errs.KindConnection, errs.CodeNetwork,
				errs.WithMessage("connection lost"), errs.WithCause(err),
				errs.WithField("connection_id", m.id)))
		}
		if m.updating.Load() {
			// Deliberate cycle for a remote update: reconnect immediately.
			continue
		}
		if stop := m.sleepBackoff(); stop {
			return context.Canceled
		}
	}
}

func (m *ConnManager) sleepBackoff() (stop bool) {
	delay := m.boff.NextBackOff()
	select {
	case <-m.ctx.Done():
		return true
	case <-time.After(delay):
		return false
	}
}

func (m *ConnManager) combinedURL() (string, error) {
	m.streamMu.Lock()
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	m.streamMu.Unlock()
	return BuildCombinedURL(m.cfg.BaseURL, names, m.cfg.MaxStreams)
}

func (m *ConnManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Missed pong counts as connection loss.
				m.reportError(errs.New("binance/conn", errs.KindConnection, errs.CodeNetwork,
					errs.WithMessage("heartbeat pong timeout"), errs.WithCause(err),
					errs.WithField("connection_id", m.id)))
				_ = conn.Close(websocket.StatusGoingAway, "pong timeout")
				return
			}
			m.lastRTT.Store(int64(time.Since(start)))
		}
	}
}

func (m *ConnManager) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(m.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		m.Touch()
		if m.handler != nil {
			if err := m.handler(data); err != nil {
				m.reportError(fmt.Errorf("handle frame: %w", err))
			}
		}
	}
}

func (m *ConnManager) reportError(err error) {
	if err == nil || m.errorChan == nil {
		return
	}
	if m.ctx != nil {
		select {
		case <-m.ctx.Done():
			return
		case m.errorChan <- err:
			return
		default:
			return
		}
	}
	select {
	case m.errorChan <- err:
	default:
	}
}
