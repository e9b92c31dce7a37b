package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.SharedSecret = "s3cret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, "ctf-supervisor", cfg.Server.Name)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.PublicHost)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	// Test auth defaults
	assert.Equal(t, "X-AUTH", cfg.Auth.Header)
	assert.Empty(t, cfg.Auth.SharedSecret)

	// Test runtime defaults
	assert.Equal(t, "bridge", cfg.Runtime.Network)
	assert.Equal(t, "sandbox", cfg.Runtime.NamePrefix)
	assert.Equal(t, []string{"no-new-privileges"}, cfg.Runtime.SecurityOpts)
	assert.Equal(t, 15*time.Second, cfg.Runtime.CreateTimeout)
	assert.Equal(t, 10*time.Second, cfg.Runtime.StopTimeout)

	// Test allocator defaults
	assert.Equal(t, "probe", cfg.Allocator.Mode)
	assert.Equal(t, 10000, cfg.Allocator.BasePort)

	// Test supervisor defaults
	assert.Equal(t, time.Hour, cfg.Supervisor.DefaultTTL)
	assert.Equal(t, time.Minute, cfg.Supervisor.ReconcileInterval)
	assert.Equal(t, 1, cfg.Supervisor.DeployRetries)

	// Test registry and logging defaults
	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Challenges)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "basic_config",
			yamlData: `
server:
  port: 8080
  public_host: "ctf.example.org"
auth:
  shared_secret: "from-file"
logging:
  level: "debug"
  format: "console"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "ctf.example.org", cfg.Server.PublicHost)
				assert.Equal(t, "from-file", cfg.Auth.SharedSecret)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "console", cfg.Logging.Format)
			},
		},
		{
			name: "challenges_config",
			yamlData: `
auth:
  shared_secret: "x"
supervisor:
  default_ttl: "30m"
challenges:
  web-easy:
    image: "xploitrum/web-easy:latest"
    internal_port: 80
    max_concurrent_instances: 3
    environment:
      FLAG: "CTF{test}"
  pwn-101:
    image: "xploitrum/pwn-101:latest"
    internal_port: 1337
    protocol: "tcp"
    ttl_seconds: 900
denylist:
  - "kernel"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Minute, cfg.Supervisor.DefaultTTL)
				require.Len(t, cfg.Challenges, 2)

				web := cfg.Challenges["web-easy"]
				assert.Equal(t, "xploitrum/web-easy:latest", web.Image)
				assert.Equal(t, 3, web.MaxConcurrentInstances)
				assert.Equal(t, "CTF{test}", web.Environment["FLAG"])

				assert.Equal(t, "tcp", cfg.Challenges["pwn-101"].Protocol)
				assert.Equal(t, []string{"kernel"}, cfg.Denylist)

				cat, err := cfg.Catalog()
				require.NoError(t, err)
				tmpl, ok := cat.Lookup("web-easy")
				require.True(t, ok)
				assert.Equal(t, 1800, tmpl.TTLSeconds)
				assert.True(t, cat.IsDenied("pwn-kernel"))
			},
		},
		{
			name: "redis_registry",
			yamlData: `
auth:
  shared_secret: "x"
registry:
  backend: "redis"
  redis:
    addr: "redis:6379"
    db: 2
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis", cfg.Registry.Backend)
				assert.Equal(t, "redis:6379", cfg.Registry.Redis.Addr)
				assert.Equal(t, 2, cfg.Registry.Redis.DB)
				assert.Equal(t, "ctf-supervisor", cfg.Registry.Redis.KeyPrefix)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temporary config file
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "test-config.yaml")

			err := os.WriteFile(configPath, []byte(tt.yamlData), 0644)
			require.NoError(t, err)

			cfg, err := LoadConfig(configPath)
			require.NoError(t, err)
			require.NotNil(t, cfg)

			tt.validate(t, cfg)
		})
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "env-test.yaml")

	baseConfig := `
server:
  port: 3000
logging:
  level: "info"
`
	require.NoError(t, os.WriteFile(configPath, []byte(baseConfig), 0644))

	t.Setenv("CTFSUPERVISOR_AUTH_SHARED_SECRET", "env-secret")
	t.Setenv("CTFSUPERVISOR_SERVER_PORT", "9000")
	t.Setenv("CTFSUPERVISOR_LOGGING_LEVEL", "warn")
	t.Setenv("CTFSUPERVISOR_REGISTRY_BACKEND", "redis")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Auth.SharedSecret)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis", cfg.Registry.Backend)
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nosecret.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 5000\n"), 0644))

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared secret cannot be empty")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Setenv("CTFSUPERVISOR_AUTH_SHARED_SECRET", "env-secret")

	// Should not error when no config file is found on the search path
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644))

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidChallenge(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad-challenge.yaml")

	yamlData := `
auth:
  shared_secret: "x"
challenges:
  broken:
    internal_port: 80
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlData), 0644))

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "image cannot be empty")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 4000
	cfg.Supervisor.TombstoneTTL = 2 * time.Minute
	cfg.Challenges = map[string]catalog.ChallengeTemplate{
		"web-easy": {
			Image:        "img:1",
			InternalPort: 80,
			Environment:  map[string]string{"FLAG": "CTF{x}"},
		},
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "saved-config.yaml")

	require.NoError(t, cfg.SaveConfig(configPath))
	assert.FileExists(t, configPath)

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 4000, loaded.Server.Port)
	assert.Equal(t, 2*time.Minute, loaded.Supervisor.TombstoneTTL)
	assert.Equal(t, "s3cret", loaded.Auth.SharedSecret)
	assert.Equal(t, "CTF{x}", loaded.Challenges["web-easy"].Environment["FLAG"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		configFunc  func() *Config
		expectError bool
		errorMsg    string
	}{
		{
			name:       "valid_config",
			configFunc: validConfig,
		},
		{
			name: "missing_secret",
			configFunc: func() *Config {
				return DefaultConfig()
			},
			expectError: true,
			errorMsg:    "shared secret cannot be empty",
		},
		{
			name: "invalid_port_high",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Server.Port = 70000
				return cfg
			},
			expectError: true,
			errorMsg:    "invalid port: 70000",
		},
		{
			name: "invalid_allocator_mode",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Allocator.Mode = "random"
				return cfg
			},
			expectError: true,
			errorMsg:    "invalid allocator mode: random",
		},
		{
			name: "privileged_base_port",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Allocator.BasePort = 80
				return cfg
			},
			expectError: true,
			errorMsg:    "invalid base port: 80",
		},
		{
			name: "dynamic_ignores_base_port",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Allocator.Mode = "dynamic"
				cfg.Allocator.BasePort = 0
				return cfg
			},
		},
		{
			name: "too_many_deploy_retries",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Supervisor.DeployRetries = 3
				return cfg
			},
			expectError: true,
			errorMsg:    "deploy retries must be 0 or 1",
		},
		{
			name: "unknown_registry",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Registry.Backend = "etcd"
				return cfg
			},
			expectError: true,
			errorMsg:    "invalid registry backend: etcd",
		},
		{
			name: "invalid_log_level",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Logging.Level = "invalid"
				return cfg
			},
			expectError: true,
			errorMsg:    "invalid log level: invalid",
		},
		{
			name: "invalid_exporter",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.Tracing.Enabled = true
				cfg.Tracing.Exporter = "zipkin"
				return cfg
			},
			expectError: true,
			errorMsg:    "invalid tracing exporter: zipkin",
		},
		{
			name: "zero_rate_limit",
			configFunc: func() *Config {
				cfg := validConfig()
				cfg.RateLimit.SpawnPerMinute = 0
				return cfg
			},
			expectError: true,
			errorMsg:    "rate limit requires a positive rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.configFunc().Validate()

			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateDirectories(t *testing.T) {
	cfg := validConfig()

	tmpDir := t.TempDir()
	cfg.Storage.DatabasePath = filepath.Join(tmpDir, "db", "instances.db")
	cfg.Storage.EnableBackup = true
	cfg.Storage.BackupDir = filepath.Join(tmpDir, "backups")
	cfg.Logging.OutputFile = filepath.Join(tmpDir, "logs", "supervisor.log")

	require.NoError(t, cfg.CreateDirectories())

	assert.DirExists(t, filepath.Dir(cfg.Storage.DatabasePath))
	assert.DirExists(t, cfg.Storage.BackupDir)
	assert.DirExists(t, filepath.Dir(cfg.Logging.OutputFile))
}

func BenchmarkValidate(b *testing.B) {
	cfg := validConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cfg.Validate(); err != nil {
			b.Fatal(err)
		}
	}
}
