package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
)

// Config represents the supervisor configuration
type Config struct {
	Server     ServerConfig                         `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig                           `yaml:"auth" mapstructure:"auth"`
	Runtime    RuntimeConfig                        `yaml:"runtime" mapstructure:"runtime"`
	Allocator  AllocatorConfig                      `yaml:"allocator" mapstructure:"allocator"`
	Supervisor SupervisorConfig                     `yaml:"supervisor" mapstructure:"supervisor"`
	Registry   RegistryConfig                       `yaml:"registry" mapstructure:"registry"`
	Storage    StorageConfig                        `yaml:"storage" mapstructure:"storage"`
	Logging    LoggingConfig                        `yaml:"logging" mapstructure:"logging"`
	Tracing    TracingConfig                        `yaml:"tracing" mapstructure:"tracing"`
	Metrics    MetricsConfig                        `yaml:"metrics" mapstructure:"metrics"`
	RateLimit  RateLimitConfig                      `yaml:"rate_limit" mapstructure:"rate_limit"`
	Challenges map[string]catalog.ChallengeTemplate `yaml:"challenges" mapstructure:"challenges"`
	Denylist   []string                             `yaml:"denylist" mapstructure:"denylist"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Name            string        `yaml:"name" mapstructure:"name"`
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	PublicHost      string        `yaml:"public_host" mapstructure:"public_host"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the shared-secret check applied at the HTTP boundary
type AuthConfig struct {
	Header       string `yaml:"header" mapstructure:"header"`
	SharedSecret string `yaml:"shared_secret" mapstructure:"shared_secret"`
}

// RuntimeConfig holds container engine settings
type RuntimeConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Network         string        `yaml:"network" mapstructure:"network"`
	Subnet          string        `yaml:"subnet" mapstructure:"subnet"`
	CreateNetwork   bool          `yaml:"create_network" mapstructure:"create_network"`
	NamePrefix      string        `yaml:"name_prefix" mapstructure:"name_prefix"`
	SecurityOpts    []string      `yaml:"security_opts" mapstructure:"security_opts"`
	CreateTimeout   time.Duration `yaml:"create_timeout" mapstructure:"create_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	InspectTimeout  time.Duration `yaml:"inspect_timeout" mapstructure:"inspect_timeout"`
	ReadRetries     int           `yaml:"read_retries" mapstructure:"read_retries"`
	BreakerFailures int64         `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// AllocatorConfig holds host port allocation settings
type AllocatorConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	BindAddress string `yaml:"bind_address" mapstructure:"bind_address"`
	BasePort    int    `yaml:"base_port" mapstructure:"base_port"`
	MaxProbes   int    `yaml:"max_probes" mapstructure:"max_probes"`
}

// SupervisorConfig holds lifecycle policy settings
type SupervisorConfig struct {
	DefaultTTL           time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
	ReconcileParallelism int           `yaml:"reconcile_parallelism" mapstructure:"reconcile_parallelism"`
	MaxConcurrentDeploys int           `yaml:"max_concurrent_deploys" mapstructure:"max_concurrent_deploys"`
	DeployRetries        int           `yaml:"deploy_retries" mapstructure:"deploy_retries"`
	TombstoneTTL         time.Duration `yaml:"tombstone_ttl" mapstructure:"tombstone_ttl"`
}

// RegistryConfig selects the live registry backend
type RegistryConfig struct {
	Backend string      `yaml:"backend" mapstructure:"backend"`
	Redis   RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig holds Redis registry connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// StorageConfig holds instance persistence settings
type StorageConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath   string        `yaml:"database_path" mapstructure:"database_path"`
	BackupDir      string        `yaml:"backup_dir" mapstructure:"backup_dir"`
	EnableBackup   bool          `yaml:"enable_backup" mapstructure:"enable_backup"`
	BackupInterval time.Duration `yaml:"backup_interval" mapstructure:"backup_interval"`
	QueueSize      int           `yaml:"queue_size" mapstructure:"queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	// Retention is how long finished records are kept; zero keeps them forever
	Retention      time.Duration `yaml:"retention" mapstructure:"retention"`
	PurgeInterval  time.Duration `yaml:"purge_interval" mapstructure:"purge_interval"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	Environment   string  `yaml:"environment" mapstructure:"environment"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure      bool    `yaml:"insecure" mapstructure:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// RateLimitConfig holds the spawn rate limit
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	SpawnPerMinute float64       `yaml:"spawn_per_minute" mapstructure:"spawn_per_minute"`
	Burst          int           `yaml:"burst" mapstructure:"burst"`
	IdleTTL        time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl"`
}

// DefaultConfig returns the default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "ctf-supervisor",
			Address:         "0.0.0.0",
			Port:            5000,
			PublicHost:      "localhost",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Header: "X-AUTH",
		},
		Runtime: RuntimeConfig{
			Network:         "bridge",
			Subnet:          "172.30.0.0/16",
			CreateNetwork:   false,
			NamePrefix:      "sandbox",
			SecurityOpts:    []string{"no-new-privileges"},
			CreateTimeout:   15 * time.Second,
			StopTimeout:     10 * time.Second,
			InspectTimeout:  5 * time.Second,
			ReadRetries:     3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Allocator: AllocatorConfig{
			Mode:        "probe",
			BindAddress: "0.0.0.0",
			BasePort:    10000,
			MaxProbes:   1000,
		},
		Supervisor: SupervisorConfig{
			DefaultTTL:           time.Hour,
			ReconcileInterval:    time.Minute,
			ReconcileParallelism: 4,
			MaxConcurrentDeploys: 8,
			DeployRetries:        1,
			TombstoneTTL:         10 * time.Minute,
		},
		Registry: RegistryConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "ctf-supervisor",
			},
		},
		Storage: StorageConfig{
			Enabled:        true,
			DatabasePath:   "/var/lib/ctf-supervisor/instances.db",
			BackupDir:      "/var/lib/ctf-supervisor/backups",
			EnableBackup:   false,
			BackupInterval: 24 * time.Hour,
			QueueSize:      256,
			WriteTimeout:   5 * time.Second,
			Retention:      30 * 24 * time.Hour,
			PurgeInterval:  time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			ServiceName:   "ctf-supervisor",
			Environment:   "production",
			Exporter:      "stdout",
			SamplingRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			SpawnPerMinute: 6,
			Burst:          3,
			IdleTTL:        10 * time.Minute,
		},
		Challenges: map[string]catalog.ChallengeTemplate{},
		Denylist:   []string{},
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ctf-supervisord")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/ctf-supervisor")
		v.AddConfigPath("/etc/ctf-supervisor")
	}

	// Environment variable settings
	v.SetEnvPrefix("CTFSUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets and deployment knobs usually come from the environment only,
	// so they have to be bound explicitly for Unmarshal to see them
	for _, key := range []string{
		"auth.shared_secret",
		"server.port",
		"server.public_host",
		"runtime.host",
		"runtime.network",
		"registry.backend",
		"registry.redis.addr",
		"registry.redis.password",
		"storage.database_path",
		"logging.level",
		"logging.format",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper lowercases map keys, which mangles challenge environment
	// variables, so the challenge section is decoded again verbatim
	if used := v.ConfigFileUsed(); used != "" {
		challenges, err := loadChallenges(used)
		if err != nil {
			return nil, err
		}
		if len(challenges) > 0 {
			config.Challenges = challenges
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadChallenges(path string) (map[string]catalog.ChallengeTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw struct {
		Challenges map[string]catalog.ChallengeTemplate `yaml:"challenges"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse challenges: %w", err)
	}
	return raw.Challenges, nil
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.PublicHost == "" {
		return fmt.Errorf("server public host cannot be empty")
	}

	// Validate auth config
	if c.Auth.Header == "" {
		return fmt.Errorf("auth header cannot be empty")
	}
	if c.Auth.SharedSecret == "" {
		return fmt.Errorf("auth shared secret cannot be empty (set CTFSUPERVISOR_AUTH_SHARED_SECRET)")
	}

	// Validate runtime config
	if c.Runtime.CreateTimeout <= 0 || c.Runtime.StopTimeout <= 0 || c.Runtime.InspectTimeout <= 0 {
		return fmt.Errorf("runtime timeouts must be positive")
	}
	if c.Runtime.NamePrefix == "" {
		return fmt.Errorf("runtime name prefix cannot be empty")
	}

	// Validate allocator config
	switch c.Allocator.Mode {
	case "probe":
		if c.Allocator.BasePort < 1024 || c.Allocator.BasePort > 65535 {
			return fmt.Errorf("invalid base port: %d (must be between 1024 and 65535)", c.Allocator.BasePort)
		}
		if c.Allocator.MaxProbes < 1 {
			return fmt.Errorf("max probes must be at least 1")
		}
	case "dynamic":
	default:
		return fmt.Errorf("invalid allocator mode: %s (must be 'probe' or 'dynamic')", c.Allocator.Mode)
	}

	// Validate supervisor config
	if c.Supervisor.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive")
	}
	if c.Supervisor.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	if c.Supervisor.MaxConcurrentDeploys < 1 {
		return fmt.Errorf("max concurrent deploys must be at least 1")
	}
	if c.Supervisor.DeployRetries < 0 || c.Supervisor.DeployRetries > 1 {
		return fmt.Errorf("deploy retries must be 0 or 1")
	}

	// Validate registry config
	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("invalid registry backend: %s (must be 'memory' or 'redis')", c.Registry.Backend)
	}

	// Validate storage config
	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database path cannot be empty")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}
	if c.Storage.Retention > 0 && c.Storage.PurgeInterval <= 0 {
		return fmt.Errorf("storage purge interval must be positive when retention is set")
	}

	// Validate logging config
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	// Validate tracing config
	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			"stdout": true, "otlp": true, "jaeger": true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing exporter: %s (must be stdout, otlp, or jaeger)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
		}
	}

	// Validate rate limit config
	if c.RateLimit.Enabled && (c.RateLimit.SpawnPerMinute <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("rate limit requires a positive rate and burst")
	}

	// Validate challenge catalog
	if _, err := c.Catalog(); err != nil {
		return err
	}

	return nil
}

// Catalog builds the read-only challenge catalog from the configuration
func (c *Config) Catalog() (*catalog.Catalog, error) {
	cat, err := catalog.New(c.Challenges, c.Denylist, c.Supervisor.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge catalog: %w", err)
	}
	return cat, nil
}

// CreateDirectories creates the directories the configuration points at
func (c *Config) CreateDirectories() error {
	var dirs []string
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.DatabasePath))
		if c.Storage.EnableBackup && c.Storage.BackupDir != "" {
			dirs = append(dirs, c.Storage.BackupDir)
		}
	}
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
