package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

// Drift kinds reported by a reconcile sweep
const (
	driftAdopted     = "adopted"
	driftRemoved     = "removed"
	driftExpired     = "expired"
	driftLost        = "lost"
	driftRescheduled = "rescheduled"
	driftLostRecord  = "lost_record"
	driftReservation = "stale_reservation"
)

// reconcileSweep carries one sweep's snapshots and its report
type reconcileSweep struct {
	now          time.Time
	instances    map[string]*Instance
	reserved     map[string]struct{}
	containerIDs map[string]struct{}
	labelled     map[string]struct{}

	mu     sync.Mutex
	report *ReconcileReport
}

func (s *reconcileSweep) record(list *[]string, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = append(*list, id)
}

func (s *reconcileSweep) fail(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.Errors = append(s.report.Errors, fmt.Sprintf(format, args...))
}

// Reconcile converges the registry and the container engine. Containers
// nobody tracks are adopted or removed, tracked instances whose container
// vanished are marked lost, and overdue instances are expired.
func (m *Manager) Reconcile(ctx context.Context) (_ *ReconcileReport, err error) {
	start := time.Now()
	ctx, span := monitoring.StartSpan(ctx, "supervisor.reconcile")
	defer func() { monitoring.EndSpan(span, err) }()

	sweep := &reconcileSweep{
		now:          m.now().UTC(),
		instances:    make(map[string]*Instance),
		reserved:     make(map[string]struct{}),
		containerIDs: make(map[string]struct{}),
		labelled:     make(map[string]struct{}),
		report:       &ReconcileReport{StartedAt: m.now().UTC()},
	}
	report := sweep.report

	// Re-probe so a recovered engine leaves degraded mode
	if probeErr := m.runtime.Probe(ctx); probeErr != nil {
		log.Debug().Err(probeErr).Msg("Runtime probe failed")
	}
	m.checkAvailability()
	if !m.runtime.Available() {
		return m.skipReconcile(report, start, nil)
	}

	// Snapshot order matters: containers, then reservations, then the registry
	containers, err := m.runtime.ListManaged(ctx)
	if err != nil {
		if common.CodeOf(err) == common.ErrCodeRuntimeUnavailable {
			m.checkAvailability()
			return m.skipReconcile(report, start, err)
		}
		m.metrics.ObserveReconcile("error", time.Since(start))
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}
	report.Containers = len(containers)

	reservations, err := m.registry.StaleReservations(ctx, 0)
	if err != nil {
		m.metrics.ObserveReconcile("error", time.Since(start))
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	for _, res := range reservations {
		sweep.reserved[res.ID] = struct{}{}
	}

	instances, err := m.registry.List(ctx)
	if err != nil {
		m.metrics.ObserveReconcile("error", time.Since(start))
		return nil, fmt.Errorf("failed to list registry: %w", err)
	}
	for _, inst := range instances {
		sweep.instances[inst.ID] = inst
	}

	for _, c := range containers {
		sweep.containerIDs[c.ID] = struct{}{}
		if id := c.Labels[runtime.LabelInstance]; id != "" {
			sweep.labelled[id] = struct{}{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.ReconcileParallelism)

	// Containers against the registry
	for i := range containers {
		c := containers[i]
		g.Go(func() error {
			m.reconcileContainer(gctx, sweep, c)
			return nil
		})
	}

	// Registry entries whose container is gone
	for _, inst := range instances {
		inst := inst
		if inst.Status != StatusRunning {
			continue
		}
		if _, ok := sweep.containerIDs[inst.ContainerID]; ok {
			continue
		}
		if _, ok := sweep.labelled[inst.ID]; ok {
			continue
		}
		g.Go(func() error {
			m.reconcileMissing(gctx, sweep, inst)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.reconcileRecords(ctx, sweep)
	m.releaseStaleReservations(ctx, sweep)

	report.Duration = time.Since(start)
	m.finishReconcile(report)
	span.SetAttributes(
		attribute.Int("reconcile.containers", report.Containers),
		attribute.Int("reconcile.drift", report.Drift()))

	return report, nil
}

func (m *Manager) skipReconcile(report *ReconcileReport, start time.Time, cause error) (*ReconcileReport, error) {
	report.Skipped = true
	report.Duration = time.Since(start)
	m.metrics.ObserveReconcile("skipped", report.Duration)

	if cause == nil {
		return report, common.NewSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime is not available", "")
	}
	return report, common.WrapSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime is not available", cause)
}

// reconcileContainer handles one managed container
func (m *Manager) reconcileContainer(ctx context.Context, sweep *reconcileSweep, c runtime.ContainerInfo) {
	id := c.Labels[runtime.LabelInstance]
	if _, inFlight := sweep.reserved[id]; inFlight && id != "" {
		return
	}

	inst, known := sweep.instances[id]
	if !known || id == "" {
		m.reconcileOrphan(ctx, sweep, c)
		return
	}
	if inst.Status != StatusRunning {
		return
	}

	switch {
	case !c.Running:
		if _, err := m.teardown(ctx, inst.ID, StatusError, "container exited"); err != nil {
			if !isTeardownRace(err) {
				sweep.fail("teardown %s: %v", inst.ID, err)
			}
			return
		}
		sweep.record(&sweep.report.Lost, inst.ID)
		m.metrics.ObserveDrift(driftLost)

	case !sweep.now.Before(inst.ExpiresAt):
		if _, err := m.teardown(ctx, inst.ID, StatusExpired, "ttl elapsed"); err != nil {
			if !isTeardownRace(err) {
				sweep.fail("expire %s: %v", inst.ID, err)
			}
			return
		}
		sweep.record(&sweep.report.Expired, inst.ID)
		m.metrics.ObserveDrift(driftExpired)

	case !m.scheduler.Has(inst.ID):
		m.scheduler.Schedule(inst.ID, inst.ExpiresAt)
		sweep.record(&sweep.report.Rescheduled, inst.ID)
		m.metrics.ObserveDrift(driftRescheduled)
	}
}

// reconcileOrphan adopts a container no registry entry knows about, or
// removes it when it cannot be adopted
func (m *Manager) reconcileOrphan(ctx context.Context, sweep *reconcileSweep, c runtime.ContainerInfo) {
	reason := m.orphanReason(ctx, sweep, c)
	if reason == "" {
		inst, err := m.adoptable(c)
		if err != nil {
			reason = err.Error()
		} else {
			err = m.registry.Adopt(ctx, inst)
			switch {
			case err == nil:
				m.scheduler.Schedule(inst.ID, inst.ExpiresAt)
				m.persist(inst)
				m.events.Publish(newInstanceEvent(EventInstanceAdopted, EventSeverityWarning, inst,
					"adopted running container %s", common.TruncateString(c.ID, 12)))
				sweep.record(&sweep.report.Adopted, inst.ID)
				m.metrics.ObserveDrift(driftAdopted)
				log.Info().
					Str("instance_id", inst.ID).
					Str("container_id", c.ID).
					Str("challenge", inst.ChallengeKey).
					Time("expires_at", inst.ExpiresAt).
					Msg("Adopted orphan container")
				return
			case errors.Is(err, ErrAlreadyRegistered):
				return
			case errors.Is(err, common.ErrConcurrentInstanceLimit):
				reason = "owner already holds a live instance"
			default:
				sweep.fail("adopt %s: %v", c.ID, err)
				return
			}
		}
	}

	if err := m.removeContainer(ctx, c.ID); err != nil {
		sweep.fail("remove %s: %v", c.ID, err)
		return
	}
	sweep.record(&sweep.report.Removed, c.ID)
	m.metrics.ObserveDrift(driftRemoved)
	log.Info().
		Str("container_id", c.ID).
		Str("container_name", c.Name).
		Str("reason", reason).
		Msg("Removed orphan container")
}

// orphanReason returns why an untracked container must be removed, or ""
// when it may be adopted
func (m *Manager) orphanReason(ctx context.Context, sweep *reconcileSweep, c runtime.ContainerInfo) string {
	id := c.Labels[runtime.LabelInstance]
	if id == "" {
		return "missing instance label"
	}
	if _, ok := m.tombstoneFor(id); ok {
		return "instance already torn down"
	}
	if !c.Running {
		return "container not running"
	}
	if _, ok := m.catalog.Lookup(c.Labels[runtime.LabelChallenge]); !ok {
		return "unknown challenge"
	}
	if expiresAt, ok := parseExpiry(c.Labels); ok && !sweep.now.Before(expiresAt) {
		return "ttl elapsed"
	}

	if m.persistence != nil {
		record, err := m.persistence.Get(ctx, id)
		if err == nil && Status(record.Status).IsTerminal() {
			return "instance recorded as " + record.Status
		}
		if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
			log.Debug().Err(err).Str("instance_id", id).Msg("Could not read persisted instance")
		}
	}
	return ""
}

// adoptable rebuilds a registry entry from a container's labels
func (m *Manager) adoptable(c runtime.ContainerInfo) (*Instance, error) {
	challengeKey := c.Labels[runtime.LabelChallenge]
	tmpl, ok := m.catalog.Lookup(challengeKey)
	if !ok {
		return nil, fmt.Errorf("unknown challenge %q", challengeKey)
	}
	if c.HostPort == 0 {
		return nil, fmt.Errorf("container publishes no host port")
	}

	createdAt := c.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = m.now().UTC()
	}
	expiresAt, ok := parseExpiry(c.Labels)
	if !ok {
		expiresAt = createdAt.Add(tmpl.TTL())
	}

	return &Instance{
		ID:            c.Labels[runtime.LabelInstance],
		OwnerID:       common.StringPtr(c.Labels[runtime.LabelOwner]),
		ChallengeKey:  challengeKey,
		ContainerID:   c.ID,
		ContainerName: c.Name,
		HostPort:      c.HostPort,
		ContainerIP:   c.IPAddress,
		URL:           m.instanceURL(tmpl.Protocol, c.HostPort),
		Status:        StatusRunning,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
	}, nil
}

// reconcileMissing confirms a container is gone before marking its
// instance lost
func (m *Manager) reconcileMissing(ctx context.Context, sweep *reconcileSweep, inst *Instance) {
	if inst.ContainerID != "" {
		_, err := m.runtime.Inspect(ctx, inst.ContainerID)
		if err == nil {
			return
		}
		if !runtime.IsNotFound(err) {
			sweep.fail("inspect %s: %v", inst.ContainerID, err)
			return
		}
	}

	if _, err := m.teardown(ctx, inst.ID, StatusError, "container disappeared"); err != nil {
		if !isTeardownRace(err) {
			sweep.fail("mark lost %s: %v", inst.ID, err)
		}
		return
	}
	sweep.record(&sweep.report.Lost, inst.ID)
	m.metrics.ObserveDrift(driftLost)
}

// reconcileRecords closes persisted live records that nothing accounts
// for, typically instances whose container vanished while the process
// was down
func (m *Manager) reconcileRecords(ctx context.Context, sweep *reconcileSweep) {
	if m.persistence == nil {
		return
	}

	records, err := m.persistence.LoadLive(ctx)
	if err != nil {
		sweep.fail("load persisted instances: %v", err)
		return
	}

	for _, record := range records {
		if !record.CreatedAt.Before(sweep.report.StartedAt) {
			continue
		}
		if _, ok := sweep.instances[record.ID]; ok {
			continue
		}
		if _, ok := sweep.reserved[record.ID]; ok {
			continue
		}
		if _, ok := sweep.labelled[record.ID]; ok {
			continue
		}
		if _, ok := m.tombstoneFor(record.ID); ok {
			continue
		}

		stoppedAt := sweep.now
		closed := *record
		closed.Status = string(StatusError)
		closed.ErrorDetail = "lost during restart"
		closed.StoppedAt = &stoppedAt
		closed.UpdatedAt = stoppedAt
		m.persistence.Enqueue(&closed)

		sweep.record(&sweep.report.LostRecords, record.ID)
		m.metrics.ObserveDrift(driftLostRecord)
	}
}

// releaseStaleReservations drops reservations of spawns that stopped
// making progress
func (m *Manager) releaseStaleReservations(ctx context.Context, sweep *reconcileSweep) {
	maxAge := 2 * m.config.CreateTimeout * time.Duration(m.config.DeployRetries+1)
	stale, err := m.registry.StaleReservations(ctx, maxAge)
	if err != nil {
		sweep.fail("list stale reservations: %v", err)
		return
	}

	for _, res := range stale {
		if err := m.registry.Release(ctx, res); err != nil {
			sweep.fail("release reservation %s: %v", res.ID, err)
			continue
		}
		sweep.report.StaleReservations++
		m.metrics.ObserveDrift(driftReservation)
		log.Warn().
			Str("instance_id", res.ID).
			Str("challenge", res.ChallengeKey).
			Time("reserved_at", res.CreatedAt).
			Msg("Released stale reservation")
	}
}

func (m *Manager) finishReconcile(report *ReconcileReport) {
	outcome := "ok"
	if len(report.Errors) > 0 {
		outcome = "error"
	}
	m.metrics.ObserveReconcile(outcome, report.Duration)

	drift := report.Drift()
	if drift > 0 {
		m.events.Publish(Event{
			Type:     EventReconcileDrift,
			Severity: EventSeverityWarning,
			Message:  fmt.Sprintf("reconcile resolved %d inconsistencies", drift),
			Metadata: map[string]interface{}{
				"adopted":            len(report.Adopted),
				"removed":            len(report.Removed),
				"expired":            len(report.Expired),
				"lost":               len(report.Lost),
				"rescheduled":        len(report.Rescheduled),
				"lost_records":       len(report.LostRecords),
				"stale_reservations": report.StaleReservations,
			},
		})
	}

	event := log.Debug()
	if drift > 0 || len(report.Errors) > 0 {
		event = log.Info()
	}
	event.
		Int("containers", report.Containers).
		Int("drift", drift).
		Strs("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("Reconcile completed")
}

// parseExpiry reads the expiry label of a container
func parseExpiry(labels map[string]string) (time.Time, bool) {
	raw, ok := labels[runtime.LabelExpiresAt]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func isTeardownRace(err error) bool {
	return errors.Is(err, ErrTeardownInProgress) || errors.Is(err, common.ErrNotFound)
}
