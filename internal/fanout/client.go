package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

const (
	// subAll is the wildcard accepted in subscribe commands.
	subAll = "*"

	defaultSendQueue        = 256
	defaultWriteTimeout     = 5 * time.Second
	maxConsecutiveDrops     = 64
	defaultClientRateBurst  = 32
	maxInboundMessageLength = 4096
)

// command is the client-to-server control message.
type command struct {
	Action    string      `json:"action"`
	Symbols   []string    `json:"symbols,omitempty"`
	DataTypes []string    `json:"data_types,omitempty"`
	Filter    *FilterSpec `json:"filter,omitempty"`
}

// outbound is the server-to-client message.
type outbound struct {
	Type      string          `json:"type"`
	Exchange  string          `json:"exchange,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	DataType  schema.DataType `json:"data_type,omitempty"`
	EventTime int64           `json:"event_time,omitempty"`
	Payload   any             `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// session is one connected WebSocket consumer.
type session struct {
	id   string
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  map[string]struct{}

	filter  atomic.Pointer[clientFilter]
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}
	once sync.Once

	sent             atomic.Uint64
	dropped          atomic.Uint64
	consecutiveDrops atomic.Int64
}

func newSession(id string, conn *websocket.Conn, queueSize int, rateLimit float64, rateBurst int) *session {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	s := &session{
		id:               id,
		conn:             conn,
		subMu:            sync.RWMutex{},
		subs:             make(map[string]struct{}),
		filter:           atomic.Pointer[clientFilter]{},
		limiter:          nil,
		send:             make(chan []byte, queueSize),
		done:             make(chan struct{}),
		once:             sync.Once{},
		sent:             atomic.Uint64{},
		dropped:          atomic.Uint64{},
		consecutiveDrops: atomic.Int64{},
	}
	if rateLimit > 0 {
		if rateBurst <= 0 {
			rateBurst = defaultClientRateBurst
		}
		s.limiter = rate.NewLimiter(rate.Limit(rateLimit), rateBurst)
	}
	return s
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func subKey(symbol string, dt string) string { return symbol + "|" + dt }

func (s *session) subscribe(symbols, dataTypes []string) error {
	if len(symbols) == 0 {
		symbols = []string{subAll}
	}
	if len(dataTypes) == 0 {
		dataTypes = []string{subAll}
	}
	keys := make([]string, 0, len(symbols)*len(dataTypes))
	for _, rawSymbol := range symbols {
		symbol := subAll
		if rawSymbol != subAll {
			symbol = schema.CanonicalSymbol(rawSymbol)
			if err := schema.ValidateSymbol(symbol); err != nil {
				return err
			}
		}
		for _, rawType := range dataTypes {
			if rawType != subAll {
				if err := schema.DataType(rawType).Validate(); err != nil {
					return err
				}
			}
			keys = append(keys, subKey(symbol, rawType))
		}
	}
	s.subMu.Lock()
	for _, key := range keys {
		s.subs[key] = struct{}{}
	}
	s.subMu.Unlock()
	return nil
}

func (s *session) unsubscribe(symbols, dataTypes []string) {
	if len(symbols) == 0 {
		symbols = []string{subAll}
	}
	if len(dataTypes) == 0 {
		dataTypes = []string{subAll}
	}
	s.subMu.Lock()
	for _, rawSymbol := range symbols {
		symbol := rawSymbol
		if symbol != subAll {
			symbol = schema.CanonicalSymbol(symbol)
		}
		for _, rawType := range dataTypes {
			delete(s.subs, subKey(symbol, rawType))
		}
	}
	s.subMu.Unlock()
}

// subscribedTo checks the subscription set, honouring wildcards on either
// dimension.
func (s *session) subscribedTo(symbol string, dt schema.DataType) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	if len(s.subs) == 0 {
		return false
	}
	for _, key := range []string{
		subKey(symbol, string(dt)),
		subKey(symbol, subAll),
		subKey(subAll, string(dt)),
		subKey(subAll, subAll),
	} {
		if _, ok := s.subs[key]; ok {
			return true
		}
	}
	return false
}

func (s *session) setFilter(spec FilterSpec) error {
	compiled, err := compileFilter(spec)
	if err != nil {
		return err
	}
	s.filter.Store(compiled)
	return nil
}

// wants reports whether the session should receive the envelope.
func (s *session) wants(env *schema.Envelope) bool {
	if !s.subscribedTo(env.Metadata.Symbol, env.Metadata.DataType) {
		return false
	}
	return s.filter.Load().allows(env)
}

// enqueue hands a frame to the writer without blocking the broadcaster. A
// full queue drops the frame; a client that keeps falling behind is closed.
func (s *session) enqueue(frame []byte) bool {
	if s.closed() {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.send <- frame:
		s.consecutiveDrops.Store(0)
		return true
	default:
		s.dropped.Add(1)
		if s.consecutiveDrops.Add(1) >= maxConsecutiveDrops {
			observability.Log().Warn("closing slow fan-out client",
				observability.Field{Key: "client_id", Value: s.id},
				observability.Field{Key: "dropped", Value: s.dropped.Load()})
			s.close()
		}
		return false
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.close()
				return
			}
			s.sent.Add(1)
		}
	}
}

// readLoop consumes control commands until the connection drops.
func (s *session) readLoop(ctx context.Context, onCommand func(*session, command)) {
	s.conn.SetReadLimit(maxInboundMessageLength)
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			s.close()
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError(errs.New("fanout", errs.KindParsing, errs.CodeInvalid,
				errs.WithMessage("malformed command"), errs.WithCause(err)))
			continue
		}
		onCommand(s, cmd)
	}
}

func (s *session) sendMessage(msg outbound) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *session) sendError(err error) {
	s.sendMessage(outbound{Type: "error", Message: err.Error()})
}
