// Package config loads the gateway configuration tree from YAML and maps it
// onto component configurations.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/venndor/marketgate/internal/adapters/binance"
	"github.com/venndor/marketgate/internal/adapters/registry"
	"github.com/venndor/marketgate/internal/buffer"
	"github.com/venndor/marketgate/internal/bus"
	"github.com/venndor/marketgate/internal/fanout"
	"github.com/venndor/marketgate/internal/pipeline"
	"github.com/venndor/marketgate/internal/router"
	"github.com/venndor/marketgate/internal/schema"
	"github.com/venndor/marketgate/internal/snapshot"
	"github.com/venndor/marketgate/internal/spill"
	"github.com/venndor/marketgate/lib/telemetry"
)

// Config is the gateway configuration tree.
type Config struct {
	Logging       LoggingConfig        `yaml:"logging"`
	Telemetry     telemetry.Config     `yaml:"telemetry"`
	Adapter       AdapterSet           `yaml:"adapter"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Buffer        BufferConfig         `yaml:"buffer"`
	Pipeline      PipelineConfig       `yaml:"pipeline"`
	Router        RouterConfig         `yaml:"router"`
	Bus           BusConfig            `yaml:"bus"`
	Snapshot      SnapshotConfig       `yaml:"snapshot"`
	Fanout        FanoutConfig         `yaml:"fanout"`
	Spill         SpillConfig          `yaml:"spill"`
	Workers       WorkerConfig         `yaml:"workers"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// AdapterSet encapsulates adapter-specific configuration.
type AdapterSet struct {
	Binance BinanceConfig `yaml:"binance"`
}

// BinanceConfig declares Binance transport configuration.
type BinanceConfig struct {
	BaseURL        string         `yaml:"baseUrl"`
	MaxConnections int            `yaml:"maxConnections"`
	EventBuffer    int            `yaml:"eventBuffer"`
	Conn           ConnConfig     `yaml:"conn"`
	Registry       RegistryConfig `yaml:"registry"`
}

// ConnConfig controls websocket connectivity.
type ConnConfig struct {
	MaxStreams        int           `yaml:"maxStreams"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	PingTimeout       time.Duration `yaml:"pingTimeout"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	UpdateDebounce    time.Duration `yaml:"updateDebounce"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig governs reconnect backoff.
type RetryConfig struct {
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	Jitter            *bool         `yaml:"jitter"`
}

// RegistryConfig bounds and validates subscription registration.
type RegistryConfig struct {
	MaxSubscriptions  int      `yaml:"maxSubscriptions"`
	StrictValidation  bool     `yaml:"strictValidation"`
	SymbolPattern     string   `yaml:"symbolPattern"`
	DisabledDataTypes []string `yaml:"disabledDataTypes"`
}

// SubscriptionConfig declares a stream subscribed at startup.
type SubscriptionConfig struct {
	Symbol   string            `yaml:"symbol"`
	DataType string            `yaml:"dataType"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// BufferConfig sizes the partitioned ingest buffer.
type BufferConfig struct {
	Partitions            int           `yaml:"partitions"`
	Capacity              int           `yaml:"capacity"`
	FlushBatch            int           `yaml:"flushBatch"`
	FlushInterval         time.Duration `yaml:"flushInterval"`
	MaxAge                time.Duration `yaml:"maxAge"`
	BlockTimeout          time.Duration `yaml:"blockTimeout"`
	OverflowPolicy        string        `yaml:"overflowPolicy"`
	PartitionBy           string        `yaml:"partitionBy"`
	BackpressureThreshold float64       `yaml:"backpressureThreshold"`
}

// PipelineConfig controls stage execution and error handling.
type PipelineConfig struct {
	ErrorMode  string        `yaml:"errorMode"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	Stage      StageConfig   `yaml:"stage"`
	Filter     FilterConfig  `yaml:"filter"`
}

// StageConfig tunes per-stage limits shared by every pipeline stage.
type StageConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RateLimit        float64       `yaml:"rateLimit"`
	RateBurst        int           `yaml:"rateBurst"`
	BreakerThreshold uint32        `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// FilterConfig declares pipeline-level allowlists and price bounds.
type FilterConfig struct {
	Symbols   []string `yaml:"symbols,omitempty"`
	DataTypes []string `yaml:"dataTypes,omitempty"`
	MinPrice  string   `yaml:"minPrice,omitempty"`
	MaxPrice  string   `yaml:"maxPrice,omitempty"`
}

// RouterConfig declares routing strategy and rules.
type RouterConfig struct {
	Strategy       string        `yaml:"strategy"`
	Rules          []router.Rule `yaml:"rules"`
	DefaultTargets []string      `yaml:"defaultTargets"`
	CacheSize      int           `yaml:"cacheSize"`
	CacheTTL       time.Duration `yaml:"cacheTtl"`
	// EnableDuplication gives each extra routing target its own envelope copy
	// so downstream consumers can mutate independently.
	EnableDuplication bool `yaml:"enableDuplication"`
}

// BusConfig selects and configures the downstream publisher.
type BusConfig struct {
	Kind        string        `yaml:"kind"`
	TopicPrefix string        `yaml:"topicPrefix"`
	Memory      MemoryConfig  `yaml:"memory"`
	NATS        NATSBusConfig `yaml:"nats"`
}

// MemoryConfig sizes in-process subscriber channels.
type MemoryConfig struct {
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

// NATSBusConfig configures the NATS publisher.
type NATSBusConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ConnectWait   time.Duration `yaml:"connectWait"`
	MaxReconnects int           `yaml:"maxReconnects"`
	FlushTimeout  time.Duration `yaml:"flushTimeout"`
}

// SnapshotConfig controls the last-value cache.
type SnapshotConfig struct {
	MaxEntries    int           `yaml:"maxEntries"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// FanoutConfig controls the websocket fan-out server.
type FanoutConfig struct {
	Listen           string  `yaml:"listen"`
	SendQueue        int     `yaml:"sendQueue"`
	ClientRateLimit  float64 `yaml:"clientRateLimit"`
	ClientRateBurst  int     `yaml:"clientRateBurst"`
	BroadcastWorkers int     `yaml:"broadcastWorkers"`
	ReplaySnapshots  bool    `yaml:"replaySnapshots"`
}

// SpillConfig configures Postgres spill storage. An empty DSN disables spill.
type SpillConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"maxConns"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	DrainBatch   int           `yaml:"drainBatch"`
	DrainEvery   time.Duration `yaml:"drainEvery"`
}

// WorkerConfig sizes the flush worker pool.
type WorkerConfig struct {
	Count int `yaml:"count"`
	Queue int `yaml:"queue"`
}

// Load reads a gateway configuration YAML document from disk. An empty path
// falls back to MARKETGATE_CONFIG, then config/marketgate.yaml. A missing
// file without an explicit path yields built-in defaults.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MARKETGATE_CONFIG"))
		explicit = path != ""
	}
	if path == "" {
		path = "config/marketgate.yaml"
	}

	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Parse(strings.NewReader(""))
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()
	return Parse(file)
}

// Parse decodes and validates a configuration document.
func Parse(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides credentials-adjacent settings from the environment so
// deployment secrets stay out of the config file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("MARKETGATE_SPILL_DSN")); v != "" {
		c.Spill.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETGATE_NATS_URL")); v != "" {
		c.Bus.NATS.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETGATE_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_WS_PUBLIC_URL")); v != "" {
		c.Adapter.Binance.BaseURL = v
	}
}

// Validate performs semantic validation on the loaded configuration.
func (c Config) Validate() error {
	for i, sub := range c.Subscriptions {
		if err := schema.ValidateSymbol(schema.CanonicalSymbol(sub.Symbol)); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if err := schema.DataType(sub.DataType).Validate(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}
	switch policy := schema.BufferPolicy(c.Buffer.OverflowPolicy); policy {
	case "", schema.BufferPolicyBlock, schema.BufferPolicyDrop, schema.BufferPolicySpill:
	default:
		return fmt.Errorf("buffer overflowPolicy %q must be block|drop|spill", c.Buffer.OverflowPolicy)
	}
	if schema.BufferPolicy(c.Buffer.OverflowPolicy) == schema.BufferPolicySpill && strings.TrimSpace(c.Spill.DSN) == "" &&
		strings.TrimSpace(os.Getenv("MARKETGATE_SPILL_DSN")) == "" {
		return fmt.Errorf("buffer overflowPolicy spill requires spill dsn")
	}
	switch c.Buffer.PartitionBy {
	case "", buffer.PartitionByExchange, buffer.PartitionByExchangeSymbol, buffer.PartitionByExchangeDataType:
	default:
		return fmt.Errorf("buffer partitionBy %q must be exchange|exchange_symbol|exchange_data_type", c.Buffer.PartitionBy)
	}
	if t := c.Buffer.BackpressureThreshold; t < 0 || t > 1 {
		return fmt.Errorf("buffer backpressureThreshold %v must be within (0, 1]", t)
	}
	switch mode := pipeline.ErrorMode(c.Pipeline.ErrorMode); mode {
	case "", pipeline.ErrorModeFailFast, pipeline.ErrorModeContinue, pipeline.ErrorModeRetry:
	default:
		return fmt.Errorf("pipeline errorMode %q must be fail_fast|continue|retry", c.Pipeline.ErrorMode)
	}
	switch strategy := router.Strategy(c.Router.Strategy); strategy {
	case "", router.StrategyFirstMatch, router.StrategyAllMatches, router.StrategyPriorityBased:
	default:
		return fmt.Errorf("router strategy %q must be first_match|all_matches|priority_based", c.Router.Strategy)
	}
	switch c.Bus.Kind {
	case "", "memory", "nats":
	default:
		return fmt.Errorf("bus kind %q must be memory|nats", c.Bus.Kind)
	}
	for i, dt := range c.Pipeline.Filter.DataTypes {
		if err := schema.DataType(dt).Validate(); err != nil {
			return fmt.Errorf("pipeline filter dataTypes[%d]: %w", i, err)
		}
	}
	return nil
}

// AdapterConfig maps the Binance section onto the adapter configuration.
func (c Config) AdapterConfig() binance.AdapterConfig {
	b := c.Adapter.Binance
	disabled := make([]schema.DataType, 0, len(b.Registry.DisabledDataTypes))
	for _, dt := range b.Registry.DisabledDataTypes {
		disabled = append(disabled, schema.DataType(dt))
	}
	jitter := true
	if b.Conn.Retry.Jitter != nil {
		jitter = *b.Conn.Retry.Jitter
	}
	return binance.AdapterConfig{
		BaseURL:        b.BaseURL,
		MaxConnections: b.MaxConnections,
		EventBuffer:    b.EventBuffer,
		Conn: binance.ConnConfig{
			MaxStreams:        b.Conn.MaxStreams,
			HeartbeatInterval: b.Conn.HeartbeatInterval,
			PingTimeout:       b.Conn.PingTimeout,
			ConnectTimeout:    b.Conn.ConnectTimeout,
			UpdateDebounce:    b.Conn.UpdateDebounce,
			IdleTimeout:       b.Conn.IdleTimeout,
			Retry: binance.RetryConfig{
				InitialDelay:      b.Conn.Retry.InitialDelay,
				MaxDelay:          b.Conn.Retry.MaxDelay,
				BackoffMultiplier: b.Conn.Retry.BackoffMultiplier,
				Jitter:            jitter,
			},
			AutoManage: true,
		},
		Registry: registry.Config{
			MaxSubscriptions:  b.Registry.MaxSubscriptions,
			StrictValidation:  b.Registry.StrictValidation,
			SymbolPattern:     b.Registry.SymbolPattern,
			DisabledDataTypes: disabled,
		},
	}
}

// SubscriptionRequests translates startup subscriptions into schema requests.
func (c Config) SubscriptionRequests() []schema.SubscriptionRequest {
	reqs := make([]schema.SubscriptionRequest, 0, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		reqs = append(reqs, schema.SubscriptionRequest{
			Symbol:   schema.CanonicalSymbol(sub.Symbol),
			DataType: schema.DataType(sub.DataType),
			Params:   sub.Params,
		})
	}
	return reqs
}

// BufferConfig maps the buffer section onto the buffer configuration.
func (c Config) BufferConfig() buffer.Config {
	return buffer.Config{
		Partitions:            c.Buffer.Partitions,
		Capacity:              c.Buffer.Capacity,
		FlushBatch:            c.Buffer.FlushBatch,
		FlushInterval:         c.Buffer.FlushInterval,
		BlockTimeout:          c.Buffer.BlockTimeout,
		DefaultPolicy:         schema.BufferPolicy(c.Buffer.OverflowPolicy),
		PartitionBy:           c.Buffer.PartitionBy,
		PartitionFunc:         nil,
		MaxAge:                c.Buffer.MaxAge,
		BackpressureThreshold: c.Buffer.BackpressureThreshold,
	}
}

// PipelineConfig maps the pipeline section onto the pipeline configuration.
func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		ErrorMode:  pipeline.ErrorMode(c.Pipeline.ErrorMode),
		MaxRetries: c.Pipeline.MaxRetries,
		RetryDelay: c.Pipeline.RetryDelay,
	}
}

// StageConfig maps the shared stage tunables onto a stage configuration.
func (c Config) StageConfig() pipeline.StageConfig {
	s := c.Pipeline.Stage
	return pipeline.StageConfig{
		Timeout:          s.Timeout,
		RateLimit:        s.RateLimit,
		RateBurst:        s.RateBurst,
		BreakerThreshold: s.BreakerThreshold,
		BreakerCooldown:  s.BreakerCooldown,
	}
}

// FilterStageConfig maps the filter section onto the filter stage.
func (c Config) FilterStageConfig() pipeline.FilterConfig {
	types := make([]schema.DataType, 0, len(c.Pipeline.Filter.DataTypes))
	for _, dt := range c.Pipeline.Filter.DataTypes {
		types = append(types, schema.DataType(dt))
	}
	return pipeline.FilterConfig{
		Symbols:   c.Pipeline.Filter.Symbols,
		DataTypes: types,
		MinPrice:  c.Pipeline.Filter.MinPrice,
		MaxPrice:  c.Pipeline.Filter.MaxPrice,
	}
}

// RouterConfig maps the router section onto the router configuration. With
// no rules and no default targets everything routes to the exchange target,
// which the bus turns into the per-exchange topic.
func (c Config) RouterConfig() router.Config {
	defaults := c.Router.DefaultTargets
	if len(defaults) == 0 && len(c.Router.Rules) == 0 {
		defaults = []string{"binance"}
	}
	return router.Config{
		Strategy:       router.Strategy(c.Router.Strategy),
		Rules:          c.Router.Rules,
		DefaultTargets: defaults,
		CacheSize:      c.Router.CacheSize,
		CacheTTL:       c.Router.CacheTTL,
	}
}

// MemoryBusConfig maps the bus section onto the in-memory publisher.
func (c Config) MemoryBusConfig() bus.MemoryConfig {
	return bus.MemoryConfig{SubscriberBuffer: c.Bus.Memory.SubscriberBuffer}
}

// NATSBusConfig maps the bus section onto the NATS publisher.
func (c Config) NATSBusConfig() bus.NATSConfig {
	n := c.Bus.NATS
	return bus.NATSConfig{
		URL:           n.URL,
		Name:          n.Name,
		ConnectWait:   n.ConnectWait,
		MaxReconnects: n.MaxReconnects,
		FlushTimeout:  n.FlushTimeout,
	}
}

// TopicPrefix returns the bus topic prefix, defaulted when unset.
func (c Config) TopicPrefix() string {
	if prefix := strings.TrimSpace(c.Bus.TopicPrefix); prefix != "" {
		return prefix
	}
	return bus.DefaultTopicPrefix
}

// SnapshotConfig maps the snapshot section onto the last-value cache.
func (c Config) SnapshotConfig() snapshot.Config {
	return snapshot.Config{
		MaxEntries:    c.Snapshot.MaxEntries,
		TTL:           c.Snapshot.TTL,
		SweepInterval: c.Snapshot.SweepInterval,
	}
}

// FanoutConfig maps the fanout section onto the websocket server.
func (c Config) FanoutConfig() fanout.Config {
	f := c.Fanout
	return fanout.Config{
		SendQueue:        f.SendQueue,
		ClientRateLimit:  f.ClientRateLimit,
		ClientRateBurst:  f.ClientRateBurst,
		BroadcastWorkers: f.BroadcastWorkers,
		ReplaySnapshots:  f.ReplaySnapshots,
	}
}

// FanoutListen returns the websocket listen address, defaulted when unset.
func (c Config) FanoutListen() string {
	if listen := strings.TrimSpace(c.Fanout.Listen); listen != "" {
		return listen
	}
	return ":8080"
}

// SpillConfig maps the spill section onto the Postgres sink.
func (c Config) SpillConfig() spill.PostgresConfig {
	return spill.PostgresConfig{
		DSN:          c.Spill.DSN,
		MaxConns:     c.Spill.MaxConns,
		WriteTimeout: c.Spill.WriteTimeout,
	}
}
