package fanout

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
	"github.com/venndor/marketgate/internal/snapshot"
)

// Config configures the fan-out server.
type Config struct {
	// SendQueue is the per-client outbound buffer.
	SendQueue int
	// ClientRateLimit caps messages per second per client; zero is unlimited.
	ClientRateLimit float64
	ClientRateBurst int
	// BroadcastWorkers bounds the delivery pool per broadcast.
	BroadcastWorkers int
	// ReplaySnapshots sends last-value snapshots on subscribe.
	ReplaySnapshots bool
}

func (c Config) normalize() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.BroadcastWorkers <= 0 {
		c.BroadcastWorkers = 16
	}
	return c
}

// Server fans envelopes out to WebSocket consumers.
type Server struct {
	cfg       Config
	snapshots *snapshot.MemoryStore

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
}

// NewServer builds the fan-out server. snapshots may be nil to disable replay.
func NewServer(cfg Config, snapshots *snapshot.MemoryStore) *Server {
	return &Server{
		cfg:        cfg.normalize(),
		snapshots:  snapshots,
		ctx:        nil,
		cancel:     nil,
		mu:         sync.RWMutex{},
		sessions:   make(map[string]*session),
		broadcasts: atomic.Uint64{},
		delivered:  atomic.Uint64{},
	}
}

// Start anchors session lifetimes to ctx.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
}

// Stop disconnects every client.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.close()
		_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

// ServeHTTP upgrades the request and runs the client session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx == nil {
		http.Error(w, "fan-out server not started", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Warn("websocket accept failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	sess := newSession(uuid.NewString(), conn, s.cfg.SendQueue, s.cfg.ClientRateLimit, s.cfg.ClientRateBurst)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	observability.Log().Info("fan-out client connected",
		observability.Field{Key: "client_id", Value: sess.id},
		observability.Field{Key: "clients", Value: count})

	sessCtx, cancel := context.WithCancel(s.ctx)
	go func() {
		<-sess.done
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.writeLoop(sessCtx)
	}()
	sess.readLoop(sessCtx, s.handleCommand)
	cancel()
	wg.Wait()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	observability.Log().Info("fan-out client disconnected",
		observability.Field{Key: "client_id", Value: sess.id},
		observability.Field{Key: "sent", Value: sess.sent.Load()},
		observability.Field{Key: "dropped", Value: sess.dropped.Load()})
}

func (s *Server) handleCommand(sess *session, cmd command) {
	switch cmd.Action {
	case "subscribe":
		if err := sess.subscribe(cmd.Symbols, cmd.DataTypes); err != nil {
			sess.sendError(err)
			return
		}
		sess.sendMessage(outbound{Type: "subscription_ack", Message: "subscribe"})
		if s.cfg.ReplaySnapshots {
			s.replaySnapshots(sess)
		}
	case "unsubscribe":
		sess.unsubscribe(cmd.Symbols, cmd.DataTypes)
		sess.sendMessage(outbound{Type: "subscription_ack", Message: "unsubscribe"})
	case "set_filter":
		spec := FilterSpec{}
		if cmd.Filter != nil {
			spec = *cmd.Filter
		}
		if err := sess.setFilter(spec); err != nil {
			sess.sendError(err)
			return
		}
		sess.sendMessage(outbound{Type: "subscription_ack", Message: "set_filter"})
	case "ping":
		sess.sendMessage(outbound{Type: "pong"})
	default:
		sess.sendMessage(outbound{Type: "error", Message: "unknown action " + cmd.Action})
	}
}

// replaySnapshots delivers the last known value for every stream the session
// now matches.
func (s *Server) replaySnapshots(sess *session) {
	if s.snapshots == nil {
		return
	}
	matched := s.snapshots.Match(func(_, symbol string, dt schema.DataType) bool {
		return sess.subscribedTo(symbol, dt)
	})
	for _, env := range matched {
		if !sess.filter.Load().allows(env) {
			continue
		}
		frame, err := marshalEnvelope("snapshot", env)
		if err != nil {
			continue
		}
		sess.enqueue(frame)
	}
}

// Broadcast delivers the envelope to every matching client. Serialisation
// happens once; slow clients shed load in their own queues.
func (s *Server) Broadcast(env *schema.Envelope) {
	if env == nil || env.Record == nil {
		return
	}
	s.broadcasts.Add(1)

	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.wants(env) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := marshalEnvelope("market_data", env)
	if err != nil {
		observability.Log().Error("marshal broadcast frame",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	p := pool.New().WithMaxGoroutines(s.cfg.BroadcastWorkers)
	for _, sess := range targets {
		sess := sess
		p.Go(func() {
			if sess.enqueue(frame) {
				s.delivered.Add(1)
			}
		})
	}
	p.Wait()
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats summarises fan-out counters.
type Stats struct {
	Clients    int    `json:"clients"`
	Broadcasts uint64 `json:"broadcasts"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
}

// Stats returns a snapshot of fan-out counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dropped uint64
	for _, sess := range s.sessions {
		dropped += sess.dropped.Load()
	}
	return Stats{
		Clients:    len(s.sessions),
		Broadcasts: s.broadcasts.Load(),
		Delivered:  s.delivered.Load(),
		Dropped:    dropped,
	}
}

func marshalEnvelope(kind string, env *schema.Envelope) ([]byte, error) {
	return json.Marshal(outbound{
		Type:      kind,
		Exchange:  env.Metadata.Exchange,
		Symbol:    env.Metadata.Symbol,
		DataType:  env.Metadata.DataType,
		EventTime: env.Record.EventTime,
		Payload:   env.Record.Payload,
		Message:   "",
	})
}
