package bus

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/schema"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string
	Name          string
	ConnectWait   time.Duration
	MaxReconnects int
	FlushTimeout  time.Duration
}

func (c NATSConfig) normalize() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "marketgate"
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// NATSPublisher publishes envelopes as JSON messages with identifying headers.
type NATSPublisher struct {
	cfg  NATSConfig
	conn *nats.Conn
}

// NewNATSPublisher connects to the configured NATS server.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	cfg = cfg.normalize()
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				observability.Log().Warn("nats disconnected",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			observability.Log().Info("nats reconnected",
				observability.Field{Key: "url", Value: nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, errs.New("bus/nats", errs.KindPublish, errs.CodeConnect,
			errs.WithMessage("connect to nats"), errs.WithCause(err))
	}
	return &NATSPublisher{cfg: cfg, conn: conn}, nil
}

// Publish sends the envelope on the topic with its attributes as headers.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, env *schema.Envelope) error {
	if err := validatePublish(topic, env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.New("bus/nats", errs.KindPublish, errs.CodeCancelled, errs.WithCause(err))
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errs.New("bus/nats", errs.KindPublish, errs.CodeInvalid,
			errs.WithMessage("marshal envelope"), errs.WithCause(err))
	}
	msg := nats.NewMsg(topic)
	msg.Data = body
	for k, v := range Attributes(env) {
		msg.Header.Set(k, v)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return errs.New("bus/nats", errs.KindPublish, errs.CodeNetwork,
			errs.WithMessage("publish message"), errs.WithCause(err),
			errs.WithField("topic", topic))
	}
	return nil
}

// PublishBatch publishes each envelope and flushes once at the end.
func (p *NATSPublisher) PublishBatch(ctx context.Context, topic string, envs []*schema.Envelope) BatchResult {
	var result BatchResult
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			result.Failed = append(result.Failed, BatchFailure{Envelope: env, Err: err})
			continue
		}
		result.Published++
	}
	if result.Published > 0 {
		if err := p.conn.FlushTimeout(p.cfg.FlushTimeout); err != nil {
			observability.Log().Warn("nats flush failed",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	return result
}

// Close drains in-flight messages and disconnects.
func (p *NATSPublisher) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return errs.New("bus/nats", errs.KindPublish, errs.CodeNetwork,
			errs.WithMessage("drain connection"), errs.WithCause(err))
	}
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)
