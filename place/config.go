package place

import (
	"context"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auroraworks/servicethread/instrument"
	"github.com/auroraworks/servicethread/measurements"
)

// Config is the §6.3 configuration surface, grounded on the teacher's
// Options-struct-plus-functional-Option pattern (graph/options.go): the
// plain-data portion is loaded from YAML; behavior overrides not suited
// to flat data (clock injection, logger, optional stores/emitters) are
// applied via Option values at construction.
type Config struct {
	ServiceName string `yaml:"serviceName"`

	// EnableCompletedJoinPriority selects the join firing mode: true
	// is OPTIMIZED (§4.3), false is SEQUENTIAL.
	EnableCompletedJoinPriority bool `yaml:"enableCompletedJoinPriority"`

	// MonitorIncomingEvents gates measurement-row writes (ANDed with
	// each token's own monitorIncomingEvents flag).
	MonitorIncomingEvents bool `yaml:"monitorIncomingEvents"`

	ServiceChannel string `yaml:"serviceChannel"`
	RulePort       string `yaml:"rulePort"`

	// ForkRateLimitPerSecond bounds the Router's outbound publish rate
	// per destination channel (§4.5 ForkNode grounding note: FORK can
	// burst many children's EXIT publishes at once). Zero disables
	// throttling.
	ForkRateLimitPerSecond float64 `yaml:"forkRateLimitPerSecond"`
	ForkRateLimitBurst     int     `yaml:"forkRateLimitBurst"`

	StatsIntervalMinutes int `yaml:"statsIntervalMinutes"`
	MaxReactorRetries    int `yaml:"maxReactorRetries"`
	InitialRetryDelayMs  int `yaml:"initialRetryDelayMs"`

	// ReactorCapacity bounds the Reactor's intake queue (§4.1
	// backpressure).
	ReactorCapacity int `yaml:"reactorCapacity"`

	// RegisteredVersions is the allow-list the §4.2 step-4 version
	// filter checks before attempting to load a rule base.
	RegisteredVersions []string `yaml:"registeredVersions"`
}

// withDefaults fills zero-valued fields with the values named in §6.3 and
// the teacher's own default-option conventions.
func (c Config) withDefaults() Config {
	if c.StatsIntervalMinutes == 0 {
		c.StatsIntervalMinutes = 15
	}
	if c.MaxReactorRetries == 0 {
		c.MaxReactorRetries = 3
	}
	if c.InitialRetryDelayMs == 0 {
		c.InitialRetryDelayMs = 1000
	}
	if c.ReactorCapacity == 0 {
		c.ReactorCapacity = 1024
	}
	if c.ForkRateLimitPerSecond > 0 && c.ForkRateLimitBurst == 0 {
		c.ForkRateLimitBurst = 1
	}
	return c
}

// LoadConfig reads and parses a YAML configuration file, applying
// defaults for any field the file leaves at its zero value.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// Option customizes an Orchestrator at construction, mirroring the
// teacher's WithMaxSteps/WithQueueDepth/WithBackpressureTimeout
// functional-option pattern.
type Option func(*Orchestrator)

// WithLogger overrides the default slog.Logger (os.Stderr, text
// handler).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the orchestrator's notion of "now", grounded on
// the teacher's RNGSeed-for-determinism discipline: make the
// nondeterministic input explicit and overridable for replayable tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithMeasurementsStore attaches a measurements.Store; measurement rows
// are only written when a store is configured and the token/place both
// enable monitoring. If store also implements measurements.RuleCache
// (both sqlitestore and mysqlstore do), the orchestrator's rule-fact
// classifications are warmed from and persisted to it automatically
// (§4.7 "a restarted Place does not need to re-parse .ruleml files it
// has already seen") — no separate option is needed to opt in.
func WithMeasurementsStore(store measurements.Store) Option {
	return func(o *Orchestrator) {
		o.measurementsStore = store
		if rc, ok := store.(measurements.RuleCache); ok {
			o.ruleCache = rc
		}
	}
}

// WithRuleCache attaches a measurements.RuleCache independently of the
// measurements store, for callers that want rule-fact persistence
// without also writing measurement rows.
func WithRuleCache(cache measurements.RuleCache) Option {
	return func(o *Orchestrator) { o.ruleCache = cache }
}

// WithInstrumenter overrides the default no-op instrument.Emitter.
func WithInstrumenter(emitter instrument.Emitter) Option {
	return func(o *Orchestrator) { o.instrumenter = emitter }
}

// WithMaxReactorRetries overrides Config.MaxReactorRetries.
func WithMaxReactorRetries(n int) Option {
	return func(o *Orchestrator) { o.cfg.MaxReactorRetries = n }
}

// WithStatsInterval overrides Config.StatsIntervalMinutes, expressed as
// a duration for callers that prefer it.
func WithStatsInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.cfg.StatsIntervalMinutes = int(d / time.Minute) }
}

// nullEmitter discards every instrumentation event, grounded on the
// teacher's emit.NullEmitter: the default when no Option supplies a
// real one.
type nullEmitter struct{}

func (nullEmitter) Emit(instrument.Event)                                {}
func (nullEmitter) EmitBatch(_ context.Context, _ []instrument.Event) error { return nil }
func (nullEmitter) Flush(_ context.Context) error                        { return nil }
