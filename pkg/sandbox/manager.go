package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/sandboxrunner/ctf-supervisor/pkg/allocator"
	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/resilience"
	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

const (
	anonymousOwner = "anon"
	maxErrorDetail = 512
)

// Config holds lifecycle manager settings
type Config struct {
	NamePrefix           string
	PublicHost           string
	Network              string
	Subnet               string
	CreateNetwork        bool
	BindAddress          string
	CreateTimeout        time.Duration
	StopTimeout          time.Duration
	ReconcileInterval    time.Duration
	ReconcileParallelism int
	MaxConcurrentDeploys int
	// DeployRetries is the number of extra attempts after a transient create failure
	DeployRetries int
	RetryDelay    time.Duration
	TombstoneTTL  time.Duration
	EventHistory  int
	Allocator     allocator.Config
}

// DefaultConfig returns default manager settings
func DefaultConfig() Config {
	return Config{
		NamePrefix:           "sandbox",
		PublicHost:           "localhost",
		Network:              runtime.NetworkModeBridge,
		CreateTimeout:        15 * time.Second,
		StopTimeout:          10 * time.Second,
		ReconcileInterval:    time.Minute,
		ReconcileParallelism: 4,
		MaxConcurrentDeploys: 8,
		DeployRetries:        1,
		RetryDelay:           500 * time.Millisecond,
		TombstoneTTL:         10 * time.Minute,
		EventHistory:         256,
		Allocator: allocator.Config{
			Mode:     allocator.ModeProbe,
			BasePort: 10000,
		},
	}
}

// Persistence is the write-behind store for instance history. Writes never
// fail the caller.
type Persistence interface {
	Enqueue(record *storage.InstanceRecord)
	Get(ctx context.Context, id string) (*storage.InstanceRecord, error)
	LoadLive(ctx context.Context) ([]*storage.InstanceRecord, error)
	History(ctx context.Context, ownerID string, limit int) ([]*storage.InstanceRecord, error)
	Stats() storage.WriterStats
}

// Dependencies groups the collaborators of a Manager. Persistence and
// Metrics are optional.
type Dependencies struct {
	Runtime     runtime.Runtime
	Registry    Registry
	Catalog     *catalog.Catalog
	Persistence Persistence
	Metrics     *monitoring.Metrics
}

// tombstone remembers a finished instance for a while after it left the registry
type tombstone struct {
	ownerID *string
	status  Status
	at      time.Time
}

// Manager is the single authority for creating and tearing down sandboxes
type Manager struct {
	config      Config
	runtime     runtime.Runtime
	registry    Registry
	catalog     *catalog.Catalog
	persistence Persistence
	metrics     *monitoring.Metrics
	allocator   *allocator.PortAllocator
	scheduler   *ExpiryScheduler
	events      *EventBus
	deploys     *semaphore.Weighted
	deployRetry *resilience.RetryExecutor

	tombMu     sync.Mutex
	tombstones map[string]tombstone

	available   atomic.Bool
	lastDropped atomic.Int64

	cancel    context.CancelFunc
	loopDone  chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	now       func() time.Time
}

// NewManager creates a lifecycle manager. Start must be called to begin
// the periodic reconcile loop.
func NewManager(config Config, deps Dependencies) (*Manager, error) {
	if deps.Runtime == nil {
		return nil, fmt.Errorf("runtime cannot be nil")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}

	defaults := DefaultConfig()
	if config.NamePrefix == "" {
		config.NamePrefix = defaults.NamePrefix
	}
	if config.PublicHost == "" {
		config.PublicHost = defaults.PublicHost
	}
	if config.CreateTimeout <= 0 {
		config.CreateTimeout = defaults.CreateTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.ReconcileParallelism <= 0 {
		config.ReconcileParallelism = defaults.ReconcileParallelism
	}
	if config.MaxConcurrentDeploys <= 0 {
		config.MaxConcurrentDeploys = defaults.MaxConcurrentDeploys
	}
	if config.DeployRetries < 0 {
		config.DeployRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.TombstoneTTL <= 0 {
		config.TombstoneTTL = defaults.TombstoneTTL
	}

	m := &Manager{
		config:      config,
		runtime:     deps.Runtime,
		registry:    deps.Registry,
		catalog:     deps.Catalog,
		persistence: deps.Persistence,
		metrics:     deps.Metrics,
		events:      NewEventBus(config.EventHistory),
		deploys:     semaphore.NewWeighted(int64(config.MaxConcurrentDeploys)),
		tombstones:  make(map[string]tombstone),
		loopDone:    make(chan struct{}),
		now:         time.Now,
	}

	// Ports held by managed containers come from the runtime's own view
	m.allocator = allocator.New(config.Allocator, m.usedPorts)
	m.scheduler = NewExpiryScheduler(m.expire)

	// At most one extra attempt, each bounded by the create timeout
	m.deployRetry = resilience.NewRetryExecutor(&resilience.RetryConfig{
		Name:           "deploy",
		MaxAttempts:    config.DeployRetries + 1,
		BaseDelay:      config.RetryDelay,
		MaxDelay:       config.RetryDelay,
		Policy:         resilience.RetryPolicyFixed,
		AttemptTimeout: config.CreateTimeout,
		IsRetryable:    runtime.IsTransient,
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Transient deploy failure, retrying")
		},
	})

	m.available.Store(deps.Runtime.Available())
	m.metrics.SetRuntimeAvailable(deps.Runtime.Available())

	log.Info().
		Str("name_prefix", config.NamePrefix).
		Str("public_host", config.PublicHost).
		Str("allocator_mode", string(m.allocator.Mode())).
		Int("max_concurrent_deploys", config.MaxConcurrentDeploys).
		Int("challenges", deps.Catalog.Len()).
		Msg("Lifecycle manager initialized")

	return m, nil
}

// Start prepares the challenge network, runs a first reconcile and starts
// the periodic sweep
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		// Probe once so the initial availability is current
		if err := m.runtime.Probe(ctx); err != nil {
			log.Warn().Err(err).Msg("Container runtime unreachable at startup, running degraded")
		}
		m.checkAvailability()

		if m.config.CreateNetwork && m.runtime.Available() {
			if err := m.runtime.EnsureNetwork(ctx, m.config.Network, m.config.Subnet); err != nil {
				startErr = fmt.Errorf("failed to ensure network %s: %w", m.config.Network, err)
				return
			}
		}

		if report, err := m.Reconcile(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial reconcile failed")
		} else {
			log.Info().
				Int("containers", report.Containers).
				Int("adopted", len(report.Adopted)).
				Int("removed", len(report.Removed)).
				Msg("Initial reconcile completed")
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.reconcileLoop(loopCtx)
	})
	return startErr
}

// Close stops the reconcile loop, pending expiry timers and the event bus.
// Containers keep running and are re-adopted by the next process.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			select {
			case <-m.loopDone:
			case <-ctx.Done():
				err = fmt.Errorf("failed to stop reconcile loop: %w", ctx.Err())
			}
		}
		m.scheduler.Stop()
		m.events.Stop()
		log.Info().Msg("Lifecycle manager stopped")
	})
	return err
}

func (m *Manager) reconcileLoop(ctx context.Context) {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Reconcile sweep failed")
			}
			m.pruneTombstones()
			m.recordPersistenceDrops()
		}
	}
}

// Spawn creates a sandbox for req. The returned instance is always running;
// any failure leaves no registry entry behind.
func (m *Manager) Spawn(ctx context.Context, req Request) (_ *Instance, err error) {
	start := time.Now()
	if req.CorrelationID != "" {
		ctx = common.ContextWithCorrelationID(ctx, req.CorrelationID)
	}
	ctx, span := monitoring.StartSpan(ctx, "supervisor.spawn",
		attribute.String("challenge", req.ChallengeKey),
		attribute.Bool("anonymous", req.OwnerID == nil))

	metricChallenge := "unknown"
	defer func() {
		monitoring.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = common.CodeOf(err)
		}
		m.metrics.ObserveSpawn(metricChallenge, result, time.Since(start))
	}()

	logger := monitoring.LoggerFromContext(ctx).With().
		Str("challenge", req.ChallengeKey).
		Str("owner", ownerLabel(req.OwnerID)).
		Logger()

	// Degraded mode rejects before any engine call
	if !m.runtime.Available() {
		m.checkAvailability()
		return nil, common.NewSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime is not available", "")
	}

	tmpl, ok := m.catalog.Lookup(req.ChallengeKey)
	if !ok {
		return nil, common.NewSandboxError(common.ErrCodeUnknownChallenge, "unknown challenge", req.ChallengeKey)
	}
	metricChallenge = req.ChallengeKey

	if m.catalog.IsDenied(req.ChallengeKey) {
		return nil, common.NewSandboxError(common.ErrCodePolicyDenied, "challenge is not available", req.ChallengeKey)
	}

	// Admission: owner slot and challenge capacity in one step
	res, err := m.registry.Reserve(ctx, req.OwnerID, req.ChallengeKey, tmpl.MaxConcurrentInstances)
	if err != nil {
		logger.Debug().Err(err).Msg("Spawn rejected at admission")
		return nil, asSandboxError(err, common.ErrCodeInternalError, "failed to reserve instance slot")
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if relErr := m.registry.Release(context.WithoutCancel(ctx), res); relErr != nil {
			logger.Warn().Err(relErr).Str("instance_id", res.ID).Msg("Failed to release reservation")
		}
	}()

	createdAt := m.now().UTC()
	inst := &Instance{
		ID:            res.ID,
		OwnerID:       res.OwnerID,
		ChallengeKey:  req.ChallengeKey,
		ContainerName: m.containerName(req.ChallengeKey, req.OwnerID, res.ID),
		Status:        StatusStarting,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(tmpl.TTL()),
		CorrelationID: req.CorrelationID,
	}
	m.persist(inst)

	info, err := m.deploy(ctx, inst, tmpl)
	if err != nil {
		m.fail(inst, err)
		logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to deploy challenge")
		return nil, err
	}

	inst.ContainerID = info.ID
	inst.HostPort = info.HostPort
	inst.ContainerIP = info.IPAddress
	inst.URL = m.instanceURL(tmpl.Protocol, info.HostPort)
	if _, err := inst.transition(StatusRunning, "container started", m.now().UTC()); err != nil {
		return nil, common.WrapSandboxError(common.ErrCodeInternalError, "internal error", err)
	}

	// The reservation becomes the live registry entry
	if err := m.registry.Commit(context.WithoutCancel(ctx), res, inst); err != nil {
		m.discard(ctx, info.ID)
		m.fail(inst, err)
		logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to record instance")
		return nil, common.WrapSandboxError(common.ErrCodeDeployFailed, "failed to deploy challenge", err)
	}
	committed = true

	m.scheduler.Schedule(inst.ID, inst.ExpiresAt)
	m.persist(inst)
	m.events.Publish(newInstanceEvent(EventInstanceSpawned, EventSeverityInfo, inst,
		"instance of %s available at %s", inst.ChallengeKey, inst.URL))
	m.refreshLiveGauge(ctx)

	logger.Info().
		Str("instance_id", inst.ID).
		Str("container_id", inst.ContainerID).
		Int("host_port", inst.HostPort).
		Time("expires_at", inst.ExpiresAt).
		Dur("duration", time.Since(start)).
		Msg("Instance spawned")

	return inst.clone(), nil
}

// deploy reserves a port and runs the container, retrying once on a
// transient engine failure
func (m *Manager) deploy(ctx context.Context, inst *Instance, tmpl catalog.ChallengeTemplate) (*runtime.ContainerInfo, error) {
	port, err := m.allocator.Allocate(ctx)
	if err != nil {
		return nil, asSandboxError(err, common.ErrCodeDeployFailed, "failed to deploy challenge")
	}
	// The port stays in flight until the container holds it or creation failed
	defer m.allocator.Release(port)

	memory, err := tmpl.MemoryBytes()
	if err != nil {
		return nil, common.WrapSandboxError(common.ErrCodeDeployFailed, "failed to deploy challenge", err)
	}

	spec := runtime.ContainerSpec{
		Name:         inst.ContainerName,
		Image:        tmpl.Image,
		InternalPort: tmpl.InternalPort,
		HostPort:     port,
		BindAddress:  m.config.BindAddress,
		Network:      common.CoalesceString(tmpl.Network, m.config.Network),
		Env:          common.MergeStringMaps(tmpl.Environment),
		Labels:       m.labels(inst),
		Volumes:      tmpl.Volumes,
		CapAdd:       tmpl.CapAdd,
		MemoryBytes:  memory,
		NanoCPUs:     tmpl.NanoCPUs(),
		CPUShares:    tmpl.CPUShares,
		PidsLimit:    tmpl.PidsLimit,
	}

	// Bound concurrent deploys so a slow engine cannot pile up work
	if err := m.deploys.Acquire(ctx, 1); err != nil {
		return nil, common.WrapSandboxError(common.ErrCodeDeployFailed, "failed to deploy challenge", err)
	}
	defer m.deploys.Release(1)

	result, err := m.deployRetry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		info, err := m.runtime.Run(ctx, spec)
		if err != nil {
			// A timed-out create may still have produced a container
			m.discard(ctx, spec.Name)
			return nil, err
		}
		return info, nil
	})
	if err != nil {
		if common.CodeOf(err) == common.ErrCodeRuntimeUnavailable {
			m.checkAvailability()
			return nil, common.WrapSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime is not available", err)
		}
		return nil, common.WrapSandboxError(common.ErrCodeDeployFailed, "failed to deploy challenge", err)
	}

	info := result.(*runtime.ContainerInfo)
	if info.HostPort == 0 {
		m.discard(ctx, info.ID)
		return nil, common.NewSandboxError(common.ErrCodeDeployFailed, "failed to deploy challenge",
			"container published no host port")
	}
	return info, nil
}

// fail records a spawn that will not produce a live instance
func (m *Manager) fail(inst *Instance, cause error) {
	inst.ErrorDetail = common.TruncateString(cause.Error(), maxErrorDetail)
	if _, err := inst.transition(StatusError, "deploy failed", m.now().UTC()); err != nil {
		log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Unexpected state on deploy failure")
	}
	m.remember(inst)
	m.persist(inst)
	m.events.Publish(newInstanceEvent(EventInstanceFailed, EventSeverityError, inst,
		"failed to deploy %s", inst.ChallengeKey))
}

// Destroy tears down an instance on behalf of requesterID. A nil requester
// is an administrator and bypasses the ownership check.
func (m *Manager) Destroy(ctx context.Context, instanceID string, requesterID *string) (err error) {
	ctx, span := monitoring.StartSpan(ctx, "supervisor.destroy", attribute.String("instance_id", instanceID))
	defer func() { monitoring.EndSpan(span, err) }()

	inst, err := m.registry.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return m.destroyFinished(instanceID, requesterID, err)
		}
		return asSandboxError(err, common.ErrCodeInternalError, "failed to look up instance")
	}
	if requesterID != nil && !inst.OwnedBy(*requesterID) {
		return common.NewSandboxError(common.ErrCodeForbidden, "forbidden", "")
	}

	_, err = m.teardown(ctx, instanceID, StatusStopped, "destroyed")
	switch {
	case err == nil, errors.Is(err, ErrTeardownInProgress):
		return nil
	case errors.Is(err, common.ErrNotFound):
		return m.destroyFinished(instanceID, requesterID, err)
	default:
		return asSandboxError(err, common.ErrCodeInternalError, "failed to destroy instance")
	}
}

// destroyFinished answers a destroy for an instance no longer in the
// registry. Recently stopped instances succeed without side effects.
func (m *Manager) destroyFinished(instanceID string, requesterID *string, notFound error) error {
	tomb, ok := m.tombstoneFor(instanceID)
	if !ok || tomb.status != StatusStopped {
		return notFound
	}
	if requesterID != nil && (tomb.ownerID == nil || *tomb.ownerID != *requesterID) {
		return common.NewSandboxError(common.ErrCodeForbidden, "forbidden", "")
	}
	return nil
}

// expire is the timer callback; a destroy that already won turns it into a no-op
func (m *Manager) expire(instanceID string) {
	ctx, span := monitoring.StartSpan(context.Background(), "supervisor.expire",
		attribute.String("instance_id", instanceID))

	_, err := m.teardown(ctx, instanceID, StatusExpired, "ttl elapsed")
	if errors.Is(err, ErrTeardownInProgress) || errors.Is(err, common.ErrNotFound) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to expire instance")
	}
	monitoring.EndSpan(span, err)
}

// teardown claims the instance, removes its container and drops it from
// the registry. Runtime failures do not keep the instance alive; the
// container is left for reconcile.
func (m *Manager) teardown(ctx context.Context, instanceID string, final Status, reason string) (*Instance, error) {
	inst, err := m.registry.BeginTeardown(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	m.scheduler.Cancel(instanceID)
	m.persist(inst)

	// Detach so a cancelled request cannot strand a half-removed container
	ctx = context.WithoutCancel(ctx)

	if err := m.removeContainer(ctx, inst.ContainerID); err != nil {
		inst.ErrorDetail = common.TruncateString(err.Error(), maxErrorDetail)
		log.Warn().
			Err(err).
			Str("instance_id", inst.ID).
			Str("container_id", inst.ContainerID).
			Msg("Container teardown incomplete, reconcile will retry")
	}

	if _, err := inst.transition(final, reason, m.now().UTC()); err != nil {
		log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Unexpected state during teardown")
	}
	if err := m.registry.Remove(ctx, inst.ID); err != nil {
		log.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to remove instance from registry")
	}
	m.remember(inst)
	m.persist(inst)

	eventType, severity := EventInstanceDestroyed, EventSeverityInfo
	switch final {
	case StatusExpired:
		eventType = EventInstanceExpired
	case StatusError:
		eventType, severity = EventInstanceFailed, EventSeverityWarning
	}
	m.events.Publish(newInstanceEvent(eventType, severity, inst, "instance %s: %s", final, reason))
	m.metrics.ObserveTeardown(inst.ChallengeKey, string(final))
	m.refreshLiveGauge(ctx)

	log.Info().
		Str("instance_id", inst.ID).
		Str("challenge", inst.ChallengeKey).
		Str("owner", ownerLabel(inst.OwnerID)).
		Str("status", string(final)).
		Str("reason", reason).
		Msg("Instance torn down")

	return inst, nil
}

// removeContainer stops then force-removes a container. A container that
// is already gone counts as removed.
func (m *Manager) removeContainer(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}

	if err := m.runtime.Stop(ctx, containerID, m.config.StopTimeout); err != nil && !runtime.IsNotFound(err) {
		log.Debug().Err(err).Str("container_id", containerID).Msg("Stop failed, forcing removal")
	}
	if err := m.runtime.Remove(ctx, containerID); err != nil && !runtime.IsNotFound(err) {
		return err
	}
	return nil
}

// discard force-removes a container outside any registry bookkeeping
func (m *Manager) discard(ctx context.Context, nameOrID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StopTimeout)
	defer cancel()

	if err := m.runtime.Remove(cleanupCtx, nameOrID); err != nil && !runtime.IsNotFound(err) {
		log.Warn().Err(err).Str("container", nameOrID).Msg("Failed to discard container")
	}
}

// List returns a snapshot of the registry
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	var (
		instances []*Instance
		err       error
	)
	if filter.OwnerID != nil {
		instances, err = m.registry.ListByOwner(ctx, *filter.OwnerID)
	} else {
		instances, err = m.registry.List(ctx)
	}
	if err != nil {
		return nil, asSandboxError(err, common.ErrCodeInternalError, "failed to list instances")
	}

	filtered := make([]*Instance, 0, len(instances))
	for _, inst := range instances {
		if filter.matches(inst) {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

// Get returns one live instance
func (m *Manager) Get(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := m.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, asSandboxError(err, common.ErrCodeInternalError, "failed to look up instance")
	}
	return inst, nil
}

// Logs returns the last tail lines of an instance's container output
func (m *Manager) Logs(ctx context.Context, instanceID string, tail int) (string, error) {
	inst, err := m.liveContainer(ctx, instanceID)
	if err != nil {
		return "", err
	}

	logs, err := m.runtime.Logs(ctx, inst.ContainerID, tail)
	if err != nil {
		return "", m.runtimeReadError(err, instanceID, "failed to read container logs")
	}
	return logs, nil
}

// Stats returns a point-in-time resource sample of an instance's container
func (m *Manager) Stats(ctx context.Context, instanceID string) (*runtime.Stats, error) {
	inst, err := m.liveContainer(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	stats, err := m.runtime.Stats(ctx, inst.ContainerID)
	if err != nil {
		return nil, m.runtimeReadError(err, instanceID, "failed to read container stats")
	}
	return stats, nil
}

func (m *Manager) liveContainer(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := m.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !m.runtime.Available() {
		return nil, common.NewSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime is not available", "")
	}
	return inst, nil
}

func (m *Manager) runtimeReadError(err error, instanceID, message string) error {
	if runtime.IsNotFound(err) {
		return common.WrapSandboxError(common.ErrCodeNotFound, "instance not found", err)
	}
	if common.CodeOf(err) == common.ErrCodeRuntimeUnavailable {
		return common.WrapSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime is not available", err)
	}
	log.Warn().Err(err).Str("instance_id", instanceID).Msg(message)
	return common.WrapSandboxError(common.ErrCodeInternalError, message, err)
}

// Challenges returns the public catalog listing
func (m *Manager) Challenges() []catalog.Summary {
	return m.catalog.Summaries()
}

// History returns persisted instances of an owner, newest first
func (m *Manager) History(ctx context.Context, ownerID string, limit int) ([]*storage.InstanceRecord, error) {
	if m.persistence == nil {
		return []*storage.InstanceRecord{}, nil
	}
	records, err := m.persistence.History(ctx, ownerID, limit)
	if err != nil {
		return nil, common.WrapSandboxError(common.ErrCodeInternalError, "failed to read instance history", err)
	}
	return records, nil
}

// Health reports runtime availability and registry size
func (m *Manager) Health(ctx context.Context) HealthStatus {
	health := HealthStatus{
		Status:           "ok",
		RuntimeAvailable: m.runtime.Available(),
		PendingTimers:    m.scheduler.Pending(),
	}
	if !health.RuntimeAvailable {
		health.Status = "degraded"
	}

	if instances, err := m.registry.List(ctx); err == nil {
		health.Instances = len(instances)
	} else {
		health.Status = "degraded"
		log.Warn().Err(err).Msg("Health check could not read the registry")
	}

	if m.persistence != nil {
		stats := m.persistence.Stats()
		health.Persistence = &stats
	}
	return health
}

// Subscribe registers an event handler and returns the subscription id
func (m *Manager) Subscribe(handler EventHandler, filter EventFilter, types ...EventType) string {
	return m.events.Subscribe(handler, filter, types...)
}

// Unsubscribe removes an event subscription
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.events.Unsubscribe(subscriptionID)
}

// RecentEvents returns up to limit of the latest lifecycle events
func (m *Manager) RecentEvents(limit int) []Event {
	return m.events.GetEventHistory(limit)
}

// usedPorts lists host ports published by managed containers
func (m *Manager) usedPorts(ctx context.Context) ([]int, error) {
	containers, err := m.runtime.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(containers))
	for _, c := range containers {
		if c.HostPort > 0 {
			ports = append(ports, c.HostPort)
		}
	}
	return ports, nil
}

// checkAvailability publishes runtime availability changes
func (m *Manager) checkAvailability() {
	available := m.runtime.Available()
	m.metrics.SetRuntimeAvailable(available)
	if m.available.Swap(available) == available {
		return
	}

	if available {
		m.events.Publish(Event{
			Type:     EventRuntimeRecovered,
			Severity: EventSeverityInfo,
			Message:  "container runtime reachable again",
		})
	} else {
		m.events.Publish(Event{
			Type:     EventRuntimeDegraded,
			Severity: EventSeverityError,
			Message:  "container runtime unavailable, spawns are rejected",
		})
	}
}

func (m *Manager) persist(inst *Instance) {
	if m.persistence == nil {
		return
	}
	m.persistence.Enqueue(inst.toRecord())
}

func (m *Manager) recordPersistenceDrops() {
	if m.persistence == nil {
		return
	}
	dropped := m.persistence.Stats().Dropped
	if previous := m.lastDropped.Swap(dropped); dropped > previous {
		m.metrics.AddPersistDropped(dropped - previous)
	}
}

func (m *Manager) refreshLiveGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	instances, err := m.registry.List(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, inst := range instances {
		counts[inst.ChallengeKey]++
	}
	m.metrics.SetLiveInstances(counts)
}

// remember keeps a finished instance as a tombstone
func (m *Manager) remember(inst *Instance) {
	m.tombMu.Lock()
	defer m.tombMu.Unlock()

	t := tombstone{status: inst.Status, at: m.now()}
	if inst.OwnerID != nil {
		t.ownerID = common.StringPtr(*inst.OwnerID)
	}
	m.tombstones[inst.ID] = t
}

func (m *Manager) tombstoneFor(instanceID string) (tombstone, bool) {
	m.tombMu.Lock()
	defer m.tombMu.Unlock()

	t, ok := m.tombstones[instanceID]
	if !ok || m.now().Sub(t.at) > m.config.TombstoneTTL {
		return tombstone{}, false
	}
	return t, true
}

func (m *Manager) pruneTombstones() {
	m.tombMu.Lock()
	defer m.tombMu.Unlock()

	cutoff := m.now().Add(-m.config.TombstoneTTL)
	for id, t := range m.tombstones {
		if t.at.Before(cutoff) {
			delete(m.tombstones, id)
		}
	}
}

func (m *Manager) labels(inst *Instance) map[string]string {
	labels := map[string]string{
		runtime.LabelManaged:   "true",
		runtime.LabelInstance:  inst.ID,
		runtime.LabelChallenge: inst.ChallengeKey,
		runtime.LabelExpiresAt: inst.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if inst.OwnerID != nil {
		labels[runtime.LabelOwner] = *inst.OwnerID
	}
	return labels
}

// containerName renders <prefix>-<challenge>-<owner|anon>-<id prefix>
func (m *Manager) containerName(challengeKey string, ownerID *string, instanceID string) string {
	short := instanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		m.config.NamePrefix,
		common.SanitizeName(challengeKey),
		common.SanitizeName(ownerLabel(ownerID)),
		short)
}

func (m *Manager) instanceURL(protocol string, hostPort int) string {
	scheme := "http"
	if protocol == "tcp" {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(m.config.PublicHost, strconv.Itoa(hostPort)))
}

func ownerLabel(ownerID *string) string {
	if ownerID == nil || *ownerID == "" {
		return anonymousOwner
	}
	return *ownerID
}

// asSandboxError keeps structured errors and wraps anything else
func asSandboxError(err error, code, message string) error {
	var sbErr *common.SandboxError
	if errors.As(err, &sbErr) {
		return err
	}
	return common.WrapSandboxError(code, message, err)
}
