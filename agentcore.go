// Package agentcore wires the session, event, and health subsystems of the
// runtime together behind a single configurable entry point.
package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aixgo-dev/agentcore/internal/config"
	"github.com/aixgo-dev/agentcore/pkg/eventbus"
	"github.com/aixgo-dev/agentcore/pkg/health"
	"github.com/aixgo-dev/agentcore/pkg/observability"
	"github.com/aixgo-dev/agentcore/pkg/session"
)

// Config represents the top-level configuration
type Config struct {
	Storage       StorageConfig       `yaml:"storage,omitempty"`
	Session       SessionConfig       `yaml:"session,omitempty"`
	Events        EventsConfig        `yaml:"events,omitempty"`
	Health        HealthConfig        `yaml:"health,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend specifies the storage backend type.
	// Options: "memory", "file", "redis", "sqlite"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.agentcore/sessions
	BaseDir string `yaml:"base_dir,omitempty"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path,omitempty"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the redis storage backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// SessionConfig configures session lifecycle management.
type SessionConfig struct {
	// TTL is the default session expiry (e.g. "1h").
	TTL string `yaml:"ttl,omitempty"`

	// SweepInterval is how often expired sessions are cleaned up (e.g. "5m").
	SweepInterval string `yaml:"sweep_interval,omitempty"`

	// SweepGrace keeps expired sessions around for this long before the
	// sweeper deletes them.
	SweepGrace string `yaml:"sweep_grace,omitempty"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// Dir is where event history is persisted. Empty disables persistence
	// and with it replay.
	Dir string `yaml:"dir,omitempty"`

	// Retention is how long persisted events are kept (e.g. "24h").
	Retention string `yaml:"retention,omitempty"`

	// DedupCapacity bounds the per-subscriber duplicate-suppression window.
	DedupCapacity int `yaml:"dedup_capacity,omitempty"`

	// LatencyThreshold is the p95 fan-out latency that triggers an alert.
	LatencyThreshold string `yaml:"latency_threshold,omitempty"`
}

// HealthConfig configures the agent health monitor.
type HealthConfig struct {
	// HeartbeatInterval is how often agents are pinged (e.g. "2s").
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`

	// LivenessInterval is how often agents are deep-probed (e.g. "5s").
	LivenessInterval string `yaml:"liveness_interval,omitempty"`

	// MissThreshold is consecutive missed heartbeats before an agent is
	// marked disconnected.
	MissThreshold int `yaml:"miss_threshold,omitempty"`

	// Strategy is the default recovery strategy.
	// Options: "restart", "replace", "alert", "none"
	Strategy string `yaml:"strategy,omitempty"`

	// RecoveryTimeout bounds a single recovery attempt (e.g. "30s").
	RecoveryTimeout string `yaml:"recovery_timeout,omitempty"`
}

// ObservabilityConfig configures the metrics and health HTTP endpoints.
type ObservabilityConfig struct {
	// Port for /health and /metrics. Zero disables the server.
	Port int `yaml:"port,omitempty"`

	// Version reported by the health endpoint.
	Version string `yaml:"version,omitempty"`
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
	limits     config.Limits
}

// NewConfigLoader creates a new config loader with default parse limits
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		limits:     config.DefaultLimits(),
	}
}

// NewConfigLoaderWithLimits creates a new config loader with custom parse limits
func NewConfigLoaderWithLimits(fr FileReader, limits config.Limits) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		limits:     limits,
	}
}

// LoadConfig loads and parses a config file with bounded YAML decoding
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := config.Decode(data, &cfg, cl.limits); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// LoadConfig loads a runtime config from path.
func LoadConfig(path string) (*Config, error) {
	return NewConfigLoader(&OSFileReader{}).LoadConfig(path)
}

// Core bundles the runtime's subsystems: durable sessions, the event bus,
// and the agent health monitor.
type Core struct {
	Store    session.Store
	Sessions *session.Manager
	Events   *eventbus.Bus
	Health   *health.Monitor
	Checker  *observability.HealthChecker

	obsServer *observability.Server
	logger    *slog.Logger
}

// CoreOption configures a Core.
type CoreOption func(*coreOptions)

type coreOptions struct {
	logger *slog.Logger
	store  session.Store
}

// WithCoreLogger sets the structured logger shared by all subsystems.
func WithCoreLogger(l *slog.Logger) CoreOption {
	return func(o *coreOptions) { o.logger = l }
}

// WithStore injects a pre-built storage backend, overriding cfg.Storage.
func WithStore(s session.Store) CoreOption {
	return func(o *coreOptions) { o.store = s }
}

// New assembles a Core from cfg. Call Start to launch the background loops
// and Stop to shut everything down.
func New(cfg *Config, opts ...CoreOption) (*Core, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var o coreOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	observability.InitMetrics()

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	var busOpts []eventbus.Option
	busOpts = append(busOpts, eventbus.WithBusLogger(logger))
	if cfg.Events.Dir != "" {
		log, err := eventbus.NewEventLog(cfg.Events.Dir)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		busOpts = append(busOpts, eventbus.WithEventLog(log))
	}
	if d, ok := parseDuration(cfg.Events.Retention); ok {
		busOpts = append(busOpts, eventbus.WithRetention(d))
	}
	if cfg.Events.DedupCapacity > 0 {
		busOpts = append(busOpts, eventbus.WithDedupCapacity(cfg.Events.DedupCapacity))
	}
	if d, ok := parseDuration(cfg.Events.LatencyThreshold); ok {
		busOpts = append(busOpts, eventbus.WithLatencyThreshold(d))
	}
	bus := eventbus.New(busOpts...)

	mgrOpts := []session.ManagerOption{session.WithLogger(logger)}
	if d, ok := parseDuration(cfg.Session.TTL); ok {
		mgrOpts = append(mgrOpts, session.WithDefaultTTL(d))
	}
	if d, ok := parseDuration(cfg.Session.SweepInterval); ok {
		mgrOpts = append(mgrOpts, session.WithSweepInterval(d))
	}
	if d, ok := parseDuration(cfg.Session.SweepGrace); ok {
		mgrOpts = append(mgrOpts, session.WithSweepGrace(d))
	}
	sessions := session.NewManager(store, mgrOpts...)

	monOpts := []health.MonitorOption{health.WithMonitorLogger(logger)}
	if d, ok := parseDuration(cfg.Health.HeartbeatInterval); ok {
		monOpts = append(monOpts, health.WithHeartbeatInterval(d))
	}
	if d, ok := parseDuration(cfg.Health.LivenessInterval); ok {
		monOpts = append(monOpts, health.WithLivenessInterval(d))
	}
	if cfg.Health.MissThreshold > 0 {
		monOpts = append(monOpts, health.WithMissThreshold(cfg.Health.MissThreshold))
	}
	if cfg.Health.Strategy != "" {
		monOpts = append(monOpts, health.WithDefaultStrategy(health.RecoveryStrategy(cfg.Health.Strategy)))
	}
	if d, ok := parseDuration(cfg.Health.RecoveryTimeout); ok {
		monOpts = append(monOpts, health.WithRecoveryTimeout(d))
	}
	monitor := health.NewMonitor(bus, monOpts...)

	checker := observability.NewHealthChecker(cfg.Observability.Version)
	checker.RegisterCheck(observability.StorageCheck(store.HealthCheck))

	core := &Core{
		Store:    store,
		Sessions: sessions,
		Events:   bus,
		Health:   monitor,
		Checker:  checker,
		logger:   logger,
	}
	if cfg.Observability.Port > 0 {
		core.obsServer = observability.NewServer(cfg.Observability.Port, checker)
	}
	return core, nil
}

// Start launches the background loops: session sweeping, event retention,
// agent monitoring, and the observability HTTP server when configured.
func (c *Core) Start() error {
	if err := c.Sessions.Start(); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	if err := c.Events.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	c.Health.Start()

	if c.obsServer != nil {
		go func() {
			if err := c.obsServer.Start(); err != nil {
				c.logger.Error("observability server stopped", "error", err)
			}
		}()
	}
	c.logger.Info("agentcore started")
	return nil
}

// Stop shuts the subsystems down in reverse order and closes storage.
func (c *Core) Stop(ctx context.Context) error {
	c.Health.Stop()
	c.Events.Stop()
	c.Sessions.Stop()

	if c.obsServer != nil {
		if err := c.obsServer.Shutdown(ctx); err != nil {
			c.logger.Warn("observability server shutdown", "error", err)
		}
	}

	if err := c.Store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	c.logger.Info("agentcore stopped")
	return nil
}

// openStore builds the storage backend selected by cfg.
func openStore(cfg StorageConfig) (session.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "file":
		return session.NewFileStore(cfg.BaseDir)
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires storage.path")
		}
		return session.NewSQLiteStore(cfg.Path)
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis backend requires storage.redis.addr")
		}
		return session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// parseDuration parses a config duration string, reporting whether a
// positive value was present.
func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
