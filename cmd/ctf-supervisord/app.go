package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/ctf-supervisor/pkg/allocator"
	"github.com/sandboxrunner/ctf-supervisor/pkg/api"
	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/config"
	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

// application owns every long-lived component of the daemon
type application struct {
	cfg       *config.Config
	tracing   *monitoring.TracingManager
	metrics   *monitoring.Metrics
	runtime   runtime.Runtime
	registry  sandbox.Registry
	store     *storage.SQLiteStore
	instances *storage.InstanceStore
	writer    *storage.Writer
	manager   *sandbox.Manager
	server    *api.Server

	purgeCancel context.CancelFunc
	purgeDone   chan struct{}
}

// newApplication builds the supervisor from configuration. The container
// runtime is passed in so the caller decides how to reach the engine.
func newApplication(ctx context.Context, cfg *config.Config, rt runtime.Runtime, logger zerolog.Logger) (_ *application, err error) {
	app := &application{cfg: cfg, runtime: rt}
	defer func() {
		if err != nil {
			app.release(context.Background())
		}
	}()

	app.tracing, err = monitoring.NewTracingManager(tracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.Metrics.Enabled {
		app.metrics = monitoring.NewMetrics()
	}

	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	app.registry, err = buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := sandbox.Dependencies{
		Runtime:  rt,
		Registry: app.registry,
		Catalog:  cat,
		Metrics:  app.metrics,
	}

	if cfg.Storage.Enabled {
		app.store, err = storage.NewSQLiteStore(storeConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to open instance store: %w", err)
		}
		app.instances = storage.NewInstanceStore(app.store)
		app.writer = storage.NewWriter(app.instances, cfg.Storage.QueueSize, cfg.Storage.WriteTimeout)
		deps.Persistence = app.writer
	}

	app.manager, err = sandbox.NewManager(managerConfig(cfg), deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle manager: %w", err)
	}

	app.server, err = api.NewServer(apiConfig(cfg), app.manager, app.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP server: %w", err)
	}

	return app, nil
}

// start begins reconciling, purging and serving
func (a *application) start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if a.instances != nil && a.cfg.Storage.Retention > 0 {
		purgeCtx, cancel := context.WithCancel(context.Background())
		a.purgeCancel = cancel
		a.purgeDone = make(chan struct{})
		go a.purgeLoop(purgeCtx)
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// shutdown stops accepting requests, then the manager, then flushes
// persistence. Live containers are left running for the next start to adopt.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if err := a.release(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes everything except the HTTP server, in dependency order
func (a *application) release(ctx context.Context) error {
	var errs []error

	if a.purgeCancel != nil {
		a.purgeCancel()
		<-a.purgeDone
	}
	if a.manager != nil {
		if err := a.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manager: %w", err))
		}
	}
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persistence writer: %w", err))
		}
	}
	if a.store != nil {
		common.SafeClose(a.store, "instance store")
	}
	if a.registry != nil {
		common.SafeClose(a.registry, "registry")
	}
	if a.runtime != nil {
		common.SafeClose(a.runtime, "container runtime")
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	return errors.Join(errs...)
}

// purgeLoop drops finished records older than the retention window
func (a *application) purgeLoop(ctx context.Context) {
	defer close(a.purgeDone)

	ticker := time.NewTicker(a.cfg.Storage.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cfg.Storage.Retention)
			purged, err := a.instances.PurgeTerminalBefore(ctx, cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to purge finished instance records")
				continue
			}
			if purged > 0 {
				log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Purged finished instance records")
			}
		}
	}
}

// buildRegistry opens the configured registry backend
func buildRegistry(ctx context.Context, cfg *config.Config) (sandbox.Registry, error) {
	switch cfg.Registry.Backend {
	case "redis":
		redisCfg := cfg.Registry.Redis
		registry, err := sandbox.DialRedisRegistry(ctx, redisCfg.Addr, redisCfg.Password, redisCfg.DB, redisCfg.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis registry: %w", err)
		}
		log.Info().Str("addr", redisCfg.Addr).Str("key_prefix", redisCfg.KeyPrefix).Msg("Using redis registry")
		return registry, nil
	case "memory", "":
		return sandbox.NewMemoryRegistry(), nil
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", cfg.Registry.Backend)
	}
}

func newDockerRuntime(cfg *config.Config) (*runtime.DockerRuntime, error) {
	return runtime.NewDockerRuntime(runtime.DockerConfig{
		Host:            cfg.Runtime.Host,
		SecurityOpts:    cfg.Runtime.SecurityOpts,
		CreateTimeout:   cfg.Runtime.CreateTimeout,
		StopTimeout:     cfg.Runtime.StopTimeout,
		InspectTimeout:  cfg.Runtime.InspectTimeout,
		ReadRetries:     cfg.Runtime.ReadRetries,
		BreakerFailures: cfg.Runtime.BreakerFailures,
		BreakerCooldown: cfg.Runtime.BreakerCooldown,
	})
}

// Config translation

func managerConfig(cfg *config.Config) sandbox.Config {
	mc := sandbox.DefaultConfig()
	mc.NamePrefix = cfg.Runtime.NamePrefix
	mc.PublicHost = cfg.Server.PublicHost
	mc.Network = cfg.Runtime.Network
	mc.Subnet = cfg.Runtime.Subnet
	mc.CreateNetwork = cfg.Runtime.CreateNetwork
	mc.BindAddress = cfg.Allocator.BindAddress
	mc.CreateTimeout = cfg.Runtime.CreateTimeout
	mc.StopTimeout = cfg.Runtime.StopTimeout
	mc.ReconcileInterval = cfg.Supervisor.ReconcileInterval
	mc.ReconcileParallelism = cfg.Supervisor.ReconcileParallelism
	mc.MaxConcurrentDeploys = cfg.Supervisor.MaxConcurrentDeploys
	mc.DeployRetries = cfg.Supervisor.DeployRetries
	mc.TombstoneTTL = cfg.Supervisor.TombstoneTTL
	mc.Allocator = allocator.Config{
		Mode:        allocator.Mode(cfg.Allocator.Mode),
		BindAddress: cfg.Allocator.BindAddress,
		BasePort:    cfg.Allocator.BasePort,
		MaxProbes:   cfg.Allocator.MaxProbes,
	}
	return mc
}

func storeConfig(cfg *config.Config) *storage.Config {
	sc := storage.DefaultConfig()
	sc.DatabasePath = cfg.Storage.DatabasePath
	sc.BackupDir = cfg.Storage.BackupDir
	sc.EnableBackup = cfg.Storage.EnableBackup
	sc.BackupInterval = cfg.Storage.BackupInterval
	return sc
}

func tracingConfig(cfg *config.Config) *monitoring.TracingConfig {
	tc := monitoring.DefaultTracingConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.ServiceName = cfg.Tracing.ServiceName
	tc.ServiceVersion = version
	tc.Environment = cfg.Tracing.Environment
	tc.Exporter = monitoring.TracingExporter(cfg.Tracing.Exporter)
	tc.Endpoint = cfg.Tracing.Endpoint
	tc.Insecure = cfg.Tracing.Insecure
	tc.SamplingRatio = cfg.Tracing.SamplingRatio
	return tc
}

func apiConfig(cfg *config.Config) api.Config {
	ac := api.DefaultConfig()
	ac.Address = cfg.Server.Address
	ac.Port = cfg.Server.Port
	ac.ReadTimeout = cfg.Server.ReadTimeout
	ac.WriteTimeout = cfg.Server.WriteTimeout
	ac.AuthHeader = cfg.Auth.Header
	ac.SharedSecret = cfg.Auth.SharedSecret
	ac.EnableMetrics = cfg.Metrics.Enabled
	ac.MetricsPath = cfg.Metrics.Path
	ac.RateLimit = api.RateLimitConfig{
		Enabled:   cfg.RateLimit.Enabled,
		PerMinute: cfg.RateLimit.SpawnPerMinute,
		Burst:     cfg.RateLimit.Burst,
		IdleTTL:   cfg.RateLimit.IdleTTL,
	}
	return ac
}

func loggingConfig(cfg *config.Config) monitoring.LoggingConfig {
	return monitoring.LoggingConfig{
		Level:      monitoring.LogLevel(cfg.Logging.Level),
		Format:     monitoring.LogFormat(cfg.Logging.Format),
		OutputFile: cfg.Logging.OutputFile,
	}
}
