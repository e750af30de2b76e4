// Command marketgate launches the market-data gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/venndor/marketgate/config"
	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/adapters/binance"
	"github.com/venndor/marketgate/internal/buffer"
	"github.com/venndor/marketgate/internal/bus"
	"github.com/venndor/marketgate/internal/fanout"
	"github.com/venndor/marketgate/internal/observability"
	"github.com/venndor/marketgate/internal/pipeline"
	"github.com/venndor/marketgate/internal/router"
	"github.com/venndor/marketgate/internal/schema"
	"github.com/venndor/marketgate/internal/snapshot"
	"github.com/venndor/marketgate/internal/spill"
	"github.com/venndor/marketgate/lib/async"
	"github.com/venndor/marketgate/lib/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	adapterShutdownTimeout   = 10 * time.Second
	bufferShutdownTimeout    = 5 * time.Second
	workersShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	pressureGaugeInterval    = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to gateway configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	installLogger(cfg.Logging)
	log := observability.Log()

	collector, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Error("initialize telemetry", observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	observability.SetMetrics(collector)

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Error("build gateway", observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	if err := app.start(ctx, cfg); err != nil {
		log.Error("start gateway", observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	log.Info("gateway started",
		observability.Field{Key: "listen", Value: cfg.FanoutListen()},
		observability.Field{Key: "subscriptions", Value: len(cfg.Subscriptions)})

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	app.shutdown(shutdownCtx, cancel, telemetryShutdown)
	log.Info("shutdown complete")
}

func installLogger(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		observability.SetLogger(observability.NewZerologLogger(zerolog.NewConsoleWriter(), level))
		return
	}
	observability.SetLogger(observability.NewZerologLogger(os.Stdout, level))
}

// app holds the wired gateway components in dependency order.
type app struct {
	adapter   *binance.Adapter
	buf       *buffer.Buffer
	pipe      *pipeline.Pipeline
	route     *router.Router
	publisher bus.Publisher
	snapshots *snapshot.MemoryStore
	fan       *fanout.Server
	sink      spill.Sink
	pgSink    *spill.PostgresSink
	workers   *async.Pool
	server    *http.Server
	ingest    *observability.RuntimeMetrics

	topicPrefix string
	duplicate   bool
	lifecycle   conc.WaitGroup

	// flushTail chains batches per buffer partition so pool workers never
	// reorder or overlap batches from the same partition.
	flushMu   sync.Mutex
	flushTail map[int]chan struct{}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		topicPrefix: cfg.TopicPrefix(),
		duplicate:   cfg.Router.EnableDuplication,
		ingest:      observability.NewRuntimeMetrics(),
		flushTail:   make(map[int]chan struct{}),
	}

	a.snapshots = snapshot.NewMemoryStore(cfg.SnapshotConfig())
	a.fan = fanout.NewServer(cfg.FanoutConfig(), a.snapshots)

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return nil, fmt.Errorf("build publisher: %w", err)
	}
	a.publisher = publisher

	route, err := router.New(cfg.RouterConfig())
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	a.route = route

	pipe, err := buildPipeline(cfg, a.deliver)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	a.pipe = pipe

	workerCount, workerQueue := cfg.Workers.Count, cfg.Workers.Queue
	if workerCount <= 0 {
		workerCount = 4
	}
	if workerQueue <= 0 {
		workerQueue = 64
	}
	workers, err := async.NewPool(workerCount, workerQueue)
	if err != nil {
		return nil, fmt.Errorf("build worker pool: %w", err)
	}
	a.workers = workers

	a.sink, a.pgSink, err = buildSpillSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build spill sink: %w", err)
	}

	buf, err := buffer.New(cfg.BufferConfig(), a.flushBatch, a.sink)
	if err != nil {
		return nil, fmt.Errorf("build buffer: %w", err)
	}
	a.buf = buf

	adapter, err := binance.NewAdapter(cfg.AdapterConfig())
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}
	a.adapter = adapter

	a.server = &http.Server{
		Addr:              cfg.FanoutListen(),
		Handler:           a.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

func buildPublisher(cfg config.Config) (bus.Publisher, error) {
	if cfg.Bus.Kind == "nats" {
		return bus.NewNATSPublisher(cfg.NATSBusConfig())
	}
	return bus.NewMemoryPublisher(cfg.MemoryBusConfig()), nil
}

func buildPipeline(cfg config.Config, deliver pipeline.OutputFunc) (*pipeline.Pipeline, error) {
	filterStage, err := pipeline.NewFilterStage(cfg.FilterStageConfig())
	if err != nil {
		return nil, err
	}
	stageCfg := cfg.StageConfig()
	return pipeline.New(cfg.PipelineConfig(),
		pipeline.NewStageRunner(pipeline.NewValidateStage(), stageCfg),
		pipeline.NewStageRunner(pipeline.NewTransformStage(), stageCfg),
		pipeline.NewStageRunner(filterStage, stageCfg),
		pipeline.NewStageRunner(pipeline.NewOutputStage(deliver), stageCfg),
	)
}

func buildSpillSink(ctx context.Context, cfg config.Config) (spill.Sink, *spill.PostgresSink, error) {
	if cfg.Spill.DSN == "" {
		return spill.NullSink{}, nil, nil
	}
	sink, err := spill.NewPostgresSink(ctx, cfg.SpillConfig())
	if err != nil {
		return nil, nil, err
	}
	return sink, sink, nil
}

func (a *app) start(ctx context.Context, cfg config.Config) error {
	a.snapshots.Start(ctx)
	a.fan.Start(ctx)
	a.buf.Start(ctx)

	if err := a.adapter.Initialize(ctx); err != nil {
		return err
	}
	if err := a.adapter.Start(ctx); err != nil {
		return err
	}

	if reqs := cfg.SubscriptionRequests(); len(reqs) > 0 {
		result, err := a.adapter.Subscribe(ctx, reqs)
		if err != nil {
			return err
		}
		observability.Log().Info("startup subscriptions registered",
			observability.Field{Key: "active", Value: len(result.Successful)},
			observability.Field{Key: "failed", Value: len(result.Failed)})
		for _, failure := range result.Failed {
			observability.Log().Warn("subscription rejected",
				observability.Field{Key: "symbol", Value: failure.Request.Symbol},
				observability.Field{Key: "data_type", Value: string(failure.Request.DataType)},
				observability.Field{Key: "error", Value: failure.Err.Error()})
		}
	}

	a.lifecycle.Go(func() { a.pumpEvents(ctx) })
	a.lifecycle.Go(func() { a.reportPressure(ctx) })
	if a.pgSink != nil {
		drainBatch, drainEvery := cfg.Spill.DrainBatch, cfg.Spill.DrainEvery
		a.lifecycle.Go(func() { a.drainSpill(ctx, drainBatch, drainEvery) })
	}
	a.lifecycle.Go(func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Log().Error("fanout server",
				observability.Field{Key: "error", Value: err.Error()})
		}
	})
	return nil
}

// pumpEvents moves adapter data events into the buffer and logs the rest.
func (a *app) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.adapter.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case schema.AdapterEventData:
				env := schema.NewEnvelope("binance", ev.Record)
				if err := a.buf.Add(ctx, env); err != nil {
					a.ingest.IncrementDroppedFrames("binance")
					observability.Log().Warn("buffer rejected envelope",
						observability.Field{Key: "symbol", Value: ev.Record.Symbol},
						observability.Field{Key: "error", Value: err.Error()})
				}
			case schema.AdapterEventError:
				if errs.IsKind(ev.Err, errs.KindParsing) {
					a.ingest.AddParseFailures("binance", 1)
				}
				observability.Log().Warn("adapter error",
					observability.Field{Key: "connection", Value: ev.ConnectionID},
					observability.Field{Key: "error", Value: errString(ev.Err)})
			case schema.AdapterEventStatusChanged:
				observability.Log().Info("adapter state changed",
					observability.Field{Key: "state", Value: string(ev.State)})
			case schema.AdapterEventConnected, schema.AdapterEventDisconnected,
				schema.AdapterEventSubscribed, schema.AdapterEventUnsubscribed:
				observability.Log().Debug("adapter event",
					observability.Field{Key: "type", Value: string(ev.Type)},
					observability.Field{Key: "connection", Value: ev.ConnectionID})
			}
		}
	}
}

// flushBatch hands each flushed buffer batch to the worker pool for pipeline
// processing. Batches from the same partition chain on each other so their
// envelopes reach the bus in arrival order even with several workers; a
// saturated pool degrades to inline processing at the tail of the same chain.
func (a *app) flushBatch(ctx context.Context, part int, envs []*schema.Envelope) error {
	done := make(chan struct{})
	a.flushMu.Lock()
	prev := a.flushTail[part]
	a.flushTail[part] = done
	a.flushMu.Unlock()

	run := func(taskCtx context.Context) error {
		defer close(done)
		if prev != nil {
			<-prev
		}
		a.processBatch(taskCtx, envs)
		return nil
	}
	if err := a.workers.TrySubmit(ctx, run); err != nil {
		return run(ctx)
	}
	return nil
}

func (a *app) processBatch(ctx context.Context, envs []*schema.Envelope) {
	completed, failures := a.pipe.ProcessBatch(ctx, envs)
	if len(failures) > 0 {
		_ = observability.AggregateErrors("pipeline batch", failures,
			observability.Field{Key: "batch_size", Value: len(envs)})
	}
	a.publishBatches(ctx, completed)
}

// deliver is the pipeline output stage: route, cache, broadcast. Publishing
// happens per batch once the whole batch has cleared the pipeline.
func (a *app) deliver(_ context.Context, env *schema.Envelope) error {
	if _, err := a.route.Route(env); err != nil {
		return err
	}
	a.snapshots.Put(env)
	a.fan.Broadcast(env)
	return nil
}

// publishBatches groups processed envelopes by resolved topic and publishes
// each group in one batch. Routing targets double as bus topics unless
// written as "topic:<name>", which names the topic verbatim.
func (a *app) publishBatches(ctx context.Context, envs []*schema.Envelope) {
	if len(envs) == 0 {
		return
	}
	var topics []string
	groups := make(map[string][]*schema.Envelope)
	for _, env := range envs {
		for i, target := range env.Metadata.RoutingKeys {
			out := env
			if a.duplicate && i > 0 {
				out = env.Clone()
			}
			topic := bus.Topic(a.topicPrefix, target)
			if _, seen := groups[topic]; !seen {
				topics = append(topics, topic)
			}
			groups[topic] = append(groups[topic], out)
		}
	}
	for _, topic := range topics {
		result := a.publisher.PublishBatch(ctx, topic, groups[topic])
		for _, failure := range result.Failed {
			observability.Log().Warn("publish failed",
				observability.Field{Key: "topic", Value: topic},
				observability.Field{Key: "envelope_id", Value: failure.Envelope.ID},
				observability.Field{Key: "error", Value: failure.Err.Error()})
		}
	}
}

func (a *app) reportPressure(ctx context.Context) {
	ticker := time.NewTicker(pressureGaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.buf.Stats()
			a.ingest.RecordQueueDepth("binance", stats.Queued)
			observability.Telemetry().SetGauge("buffer_pressure", stats.Pressure, nil)
			observability.Telemetry().SetGauge("fanout_clients", float64(a.fan.ClientCount()), nil)
		}
	}
}

// drainSpill periodically replays spilled envelopes back into the buffer.
func (a *app) drainSpill(ctx context.Context, batch int, every time.Duration) {
	if batch <= 0 {
		batch = 100
	}
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.pgSink.Drain(ctx, batch, func(env *schema.Envelope) error {
				return a.buf.Add(ctx, env)
			})
			if err != nil {
				observability.Log().Warn("spill drain failed",
					observability.Field{Key: "error", Value: err.Error()})
			} else if n > 0 {
				observability.Log().Info("spilled envelopes replayed",
					observability.Field{Key: "count", Value: n})
			}
		}
	}
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.fan)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.pipe.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.statsSnapshot())
	})
	return mux
}

type statsSnapshot struct {
	Adapter  binance.AdapterStats                `json:"adapter"`
	Buffer   buffer.Stats                        `json:"buffer"`
	Pipeline pipeline.Stats                      `json:"pipeline"`
	Router   router.Stats                        `json:"router"`
	Fanout   fanout.Stats                        `json:"fanout"`
	Workers  async.PoolStats                     `json:"workers"`
	Ingest   observability.IngestMetricsSnapshot `json:"ingest"`
	Cached   int                                 `json:"cached_snapshots"`
}

func (a *app) statsSnapshot() statsSnapshot {
	return statsSnapshot{
		Adapter:  a.adapter.Stats(),
		Buffer:   a.buf.Stats(),
		Pipeline: a.pipe.Stats(),
		Router:   a.route.Stats(),
		Fanout:   a.fan.Stats(),
		Workers:  a.workers.Stats(),
		Ingest:   a.ingest.Snapshot(),
		Cached:   a.snapshots.Len(),
	}
}

func (a *app) shutdown(ctx context.Context, mainCancel context.CancelFunc, telemetryShutdown func(context.Context) error) {
	log := observability.Log()
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			log.Warn("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err.Error()})
			return
		}
		log.Info("shutdown step completed", observability.Field{Key: "step", Value: name})
	}

	step("http server", httpShutdownTimeout, a.server.Shutdown)
	step("adapter", adapterShutdownTimeout, func(stepCtx context.Context) error {
		return a.adapter.Stop(stepCtx)
	})

	mainCancel()

	step("buffer", bufferShutdownTimeout, func(stepCtx context.Context) error {
		a.buf.Stop(stepCtx)
		return nil
	})
	step("workers", workersShutdownTimeout, a.workers.Shutdown)

	a.fan.Stop()
	a.snapshots.Stop()
	if err := a.publisher.Close(); err != nil {
		log.Warn("close publisher", observability.Field{Key: "error", Value: err.Error()})
	}
	if err := a.sink.Close(); err != nil {
		log.Warn("close spill sink", observability.Field{Key: "error", Value: err.Error()})
	}

	done := make(chan struct{})
	go func() {
		a.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("lifecycle goroutines did not finish before deadline")
	}

	step("telemetry", telemetryShutdownTimeout, telemetryShutdown)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
