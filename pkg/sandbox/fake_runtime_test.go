package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

func strPtr(s string) *string {
	return &s
}

// fakeRuntime is an in-memory container engine
type fakeRuntime struct {
	mu         sync.Mutex
	available  bool
	containers map[string]*runtime.ContainerInfo
	runErrs    []error
	runDelay   time.Duration
	nextID     int
	nextPort   int
	calls      map[string]int
	networks   map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		available:  true,
		containers: make(map[string]*runtime.ContainerInfo),
		nextPort:   20000,
		calls:      make(map[string]int),
		networks:   make(map[string]string),
	}
}

var errDaemonUnreachable = errors.New("cannot connect to the container daemon")

func (f *fakeRuntime) setAvailable(available bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = available
}

// failNextRuns makes the next Run calls return errs in order
func (f *fakeRuntime) failNextRuns(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErrs = append(f.runErrs, errs...)
}

func (f *fakeRuntime) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRuntime) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeRuntime) addContainer(info runtime.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := info
	f.containers[c.ID] = &c
}

// vanish deletes a container behind the supervisor's back
func (f *fakeRuntime) vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

func (f *fakeRuntime) exit(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Running = false
		c.State = "exited"
	}
}

func (f *fakeRuntime) container(id string) (runtime.ContainerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return runtime.ContainerInfo{}, false
	}
	return *c, true
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// lookupLocked finds a container by id or name
func (f *fakeRuntime) lookupLocked(nameOrID string) (*runtime.ContainerInfo, bool) {
	if c, ok := f.containers[nameOrID]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.Name == nameOrID {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeRuntime) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeRuntime) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return errDaemonUnreachable
	}
	return nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name, subnet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ensure_network"]++
	f.networks[name] = subnet
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, spec runtime.ContainerSpec) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	f.calls["run"]++
	delay := f.runDelay
	var runErr error
	if len(f.runErrs) > 0 {
		runErr = f.runErrs[0]
		f.runErrs = f.runErrs[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if runErr != nil {
		return nil, runErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.lookupLocked(spec.Name); exists {
		return nil, fmt.Errorf("container name %s already in use", spec.Name)
	}

	f.nextID++
	port := spec.HostPort
	if port == 0 {
		port = f.nextPort
		f.nextPort++
	}
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}

	info := &runtime.ContainerInfo{
		ID:        fmt.Sprintf("container-%03d", f.nextID),
		Name:      spec.Name,
		Image:     spec.Image,
		State:     "running",
		Running:   true,
		HostPort:  port,
		IPAddress: fmt.Sprintf("172.30.0.%d", f.nextID+1),
		Labels:    labels,
		CreatedAt: time.Now().UTC(),
	}
	f.containers[info.ID] = info

	c := *info
	return &c, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["stop"]++
	c, ok := f.lookupLocked(id)
	if !ok {
		return runtime.ErrContainerNotFound
	}
	c.Running = false
	c.State = "exited"
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["remove"]++
	c, ok := f.lookupLocked(id)
	if !ok {
		return runtime.ErrContainerNotFound
	}
	delete(f.containers, c.ID)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookupLocked(id)
	if !ok {
		return nil, runtime.ErrContainerNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return nil, errDaemonUnreachable
	}
	var list []runtime.ContainerInfo
	for _, c := range f.containers {
		if c.Labels[runtime.LabelManaged] == "true" {
			list = append(list, *c)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lookupLocked(id); !ok {
		return "", runtime.ErrContainerNotFound
	}
	return "listening on :8080\n", nil
}

func (f *fakeRuntime) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lookupLocked(id); !ok {
		return nil, runtime.ErrContainerNotFound
	}
	return &runtime.Stats{CPUPercent: 1.5, MemoryUsage: 32 << 20, Timestamp: time.Now()}, nil
}

func (f *fakeRuntime) Close() error {
	return nil
}

// fakePersistence keeps the latest record of each instance
type fakePersistence struct {
	mu      sync.Mutex
	records map[string]*storage.InstanceRecord
	writes  int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]*storage.InstanceRecord)}
}

func (p *fakePersistence) Enqueue(record *storage.InstanceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *record
	p.records[record.ID] = &copied
	p.writes++
}

func (p *fakePersistence) Get(ctx context.Context, id string) (*storage.InstanceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[id]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (p *fakePersistence) LoadLive(ctx context.Context) ([]*storage.InstanceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var live []*storage.InstanceRecord
	for _, record := range p.records {
		if Status(record.Status).IsLive() || Status(record.Status) == StatusStopping {
			copied := *record
			live = append(live, &copied)
		}
	}
	return live, nil
}

func (p *fakePersistence) History(ctx context.Context, ownerID string, limit int) ([]*storage.InstanceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var history []*storage.InstanceRecord
	for _, record := range p.records {
		if record.OwnerID != nil && *record.OwnerID == ownerID {
			copied := *record
			history = append(history, &copied)
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.After(history[j].CreatedAt) })
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (p *fakePersistence) Stats() storage.WriterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return storage.WriterStats{Written: int64(p.writes)}
}

func (p *fakePersistence) status(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if record, ok := p.records[id]; ok {
		return record.Status
	}
	return ""
}

var _ runtime.Runtime = (*fakeRuntime)(nil)
var _ Persistence = (*fakePersistence)(nil)
