package integration

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/ctf-supervisor/pkg/allocator"
	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

// Environment variables that enable the suite. The image must already be
// present on the engine and answer HTTP on the internal port.
const (
	EnvImage = "CTF_INTEGRATION_IMAGE"
	EnvPort  = "CTF_INTEGRATION_PORT"
	EnvHost  = "CTF_INTEGRATION_DOCKER_HOST"
)

// Challenge keys registered by the framework
const (
	ChallengeWeb   = "it-web"
	ChallengeShort = "it-short"
)

// TestEnvironment holds test configuration and settings
type TestEnvironment struct {
	DockerHost   string
	Image        string
	InternalPort int
	TTL          time.Duration
	ShortTTL     time.Duration
	MaxInstances int
	LogLevel     string
}

// EnvironmentFromEnv reads the suite settings. ok is false when the suite
// was not requested.
func EnvironmentFromEnv() (env *TestEnvironment, ok bool) {
	image := os.Getenv(EnvImage)
	if image == "" {
		return nil, false
	}

	port := 80
	if raw := os.Getenv(EnvPort); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			port = parsed
		}
	}

	return &TestEnvironment{
		DockerHost:   os.Getenv(EnvHost),
		Image:        image,
		InternalPort: port,
		TTL:          10 * time.Minute,
		ShortTTL:     3 * time.Second,
		MaxInstances: 5,
		LogLevel:     "info",
	}, true
}

// TestFramework runs a real lifecycle manager against a container engine.
// Reconcile sweeps every managed container on that engine, so point it at
// a dedicated one.
type TestFramework struct {
	Env        *TestEnvironment
	TestDir    string
	NamePrefix string

	Runtime  *runtime.DockerRuntime
	Catalog  *catalog.Catalog
	Registry sandbox.Registry
	Store    *storage.SQLiteStore
	Writer   *storage.Writer
	Manager  *sandbox.Manager
	Metrics  *monitoring.Metrics

	cleanupFuncs []func() error
	mu           sync.Mutex
}

// SetupTestFramework builds and starts the supervisor stack, skipping the
// test when the suite is disabled or the engine is unreachable
func SetupTestFramework(t *testing.T, env *TestEnvironment) *TestFramework {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	if env == nil {
		var ok bool
		if env, ok = EnvironmentFromEnv(); !ok {
			t.Skipf("Set %s to run integration tests", EnvImage)
		}
	}

	level, err := zerolog.ParseLevel(env.LogLevel)
	require.NoError(t, err)
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	rt, err := runtime.NewDockerRuntime(runtime.DockerConfig{
		Host:            env.DockerHost,
		SecurityOpts:    []string{"no-new-privileges"},
		CreateTimeout:   30 * time.Second,
		StopTimeout:     5 * time.Second,
		InspectTimeout:  5 * time.Second,
		ReadRetries:     2,
		BreakerFailures: 10,
		BreakerCooldown: 5 * time.Second,
	})
	require.NoError(t, err)

	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Probe(probeCtx); err != nil {
		rt.Close()
		t.Skipf("Container engine unreachable: %v", err)
	}

	cat, err := catalog.New(map[string]catalog.ChallengeTemplate{
		ChallengeWeb: {
			Image:                  env.Image,
			InternalPort:           env.InternalPort,
			MemoryLimit:            "128m",
			CPULimit:               0.25,
			PidsLimit:              64,
			MaxConcurrentInstances: env.MaxInstances,
			TTLSeconds:             int(env.TTL / time.Second),
		},
		ChallengeShort: {
			Image:        env.Image,
			InternalPort: env.InternalPort,
			MemoryLimit:  "128m",
			TTLSeconds:   int(env.ShortTTL / time.Second),
		},
	}, nil, env.TTL)
	require.NoError(t, err)

	testDir := t.TempDir()
	store, err := storage.NewSQLiteStore(&storage.Config{
		DatabasePath:    filepath.Join(testDir, "instances.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
	})
	require.NoError(t, err)

	f := &TestFramework{
		Env:        env,
		TestDir:    testDir,
		NamePrefix: "ctfit-" + uuid.NewString()[:8],
		Runtime:    rt,
		Catalog:    cat,
		Store:      store,
		Writer:     storage.NewWriter(storage.NewInstanceStore(store), 64, 5*time.Second),
		Metrics:    monitoring.NewMetrics(),
	}
	t.Cleanup(func() { f.Cleanup(t) })

	f.startManager(t)
	return f
}

func (f *TestFramework) managerConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.NamePrefix = f.NamePrefix
	cfg.BindAddress = "127.0.0.1"
	cfg.ReconcileInterval = time.Hour
	cfg.Allocator = allocator.Config{Mode: allocator.ModeDynamic, BindAddress: "127.0.0.1"}
	return cfg
}

func (f *TestFramework) startManager(t *testing.T) {
	t.Helper()
	f.Registry = sandbox.NewMemoryRegistry()

	manager, err := sandbox.NewManager(f.managerConfig(), sandbox.Dependencies{
		Runtime:     f.Runtime,
		Registry:    f.Registry,
		Catalog:     f.Catalog,
		Persistence: f.Writer,
		Metrics:     f.Metrics,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	f.Manager = manager
}

// Restart replaces the manager and its registry the way a process restart
// would. Containers keep running and are adopted by the new manager.
func (f *TestFramework) Restart(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, f.Manager.Close(ctx))
	require.NoError(t, f.Registry.Close())
	f.startManager(t)
}

// AddCleanupFunc registers a cleanup function to be called during teardown
func (f *TestFramework) AddCleanupFunc(cleanup func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupFuncs = append(f.cleanupFuncs, cleanup)
}

// SpawnChallenge spawns an instance and registers its teardown
func (f *TestFramework) SpawnChallenge(ctx context.Context, t *testing.T, challengeKey, ownerID string) *sandbox.Instance {
	t.Helper()
	inst, err := f.Manager.Spawn(ctx, sandbox.Request{
		OwnerID:      common.StringPtr(ownerID),
		ChallengeKey: challengeKey,
	})
	require.NoError(t, err)
	require.NotNil(t, inst)

	f.AddCleanupFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := f.Manager.Destroy(ctx, inst.ID, nil)
		if err != nil && common.CodeOf(err) == common.ErrCodeNotFound {
			return nil
		}
		return err
	})
	return inst
}

// WaitForHTTP polls url until it answers below 500
func (f *TestFramework) WaitForHTTP(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}, timeout, 250*time.Millisecond, "instance at %s never answered", url)
}

// WaitForContainerGone polls the engine until the container no longer exists
func (f *TestFramework) WaitForContainerGone(t *testing.T, containerID string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := f.Runtime.Inspect(ctx, containerID)
		return runtime.IsNotFound(err)
	}, timeout, 250*time.Millisecond, "container %s still exists", containerID)
}

// Cleanup destroys everything the framework created
func (f *TestFramework) Cleanup(t *testing.T) {
	log.Info().Msg("Starting integration test cleanup")

	f.mu.Lock()
	cleanupFuncs := f.cleanupFuncs
	f.cleanupFuncs = nil
	f.mu.Unlock()

	for i := len(cleanupFuncs) - 1; i >= 0; i-- {
		if err := cleanupFuncs[i](); err != nil {
			t.Logf("Cleanup function %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.Manager != nil {
		if err := f.Manager.Close(ctx); err != nil {
			t.Logf("Failed to close manager: %v", err)
		}
	}
	if f.Registry != nil {
		common.SafeClose(f.Registry, "registry")
	}
	if f.Writer != nil {
		if err := f.Writer.Close(ctx); err != nil {
			t.Logf("Failed to flush persistence: %v", err)
		}
	}
	if f.Store != nil {
		common.SafeClose(f.Store, "instance store")
	}

	// Containers left behind by a failed test
	if f.Runtime != nil {
		if containers, err := f.Runtime.ListManaged(ctx); err == nil {
			for _, c := range containers {
				if !strings.HasPrefix(c.Name, f.NamePrefix) {
					continue
				}
				if err := f.Runtime.Remove(ctx, c.ID); err != nil && !runtime.IsNotFound(err) {
					t.Logf("Failed to remove leftover container %s: %v", c.Name, err)
				}
			}
		}
		common.SafeClose(f.Runtime, "container runtime")
	}

	log.Info().Msg("Integration test cleanup completed")
}
