package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
)

var (
	// ErrTeardownInProgress is returned by BeginTeardown when another
	// caller already claimed the teardown
	ErrTeardownInProgress = errors.New("teardown already in progress")
	// ErrReservationLost is returned by Commit when the reservation was
	// released before the instance could be recorded
	ErrReservationLost = errors.New("reservation no longer held")
	// ErrAlreadyRegistered is returned by Adopt for a known instance id
	ErrAlreadyRegistered = errors.New("instance already registered")
)

// Registry is the authoritative index of live instances. Reserve is the
// admission unit: the owner and capacity checks and the slot insert happen
// atomically.
type Registry interface {
	// Reserve takes the owner's live slot and one capacity unit of the
	// challenge. A limit <= 0 disables the capacity check.
	Reserve(ctx context.Context, ownerID *string, challengeKey string, limit int) (*Reservation, error)
	// Commit turns a reservation into a running instance with the same id
	Commit(ctx context.Context, res *Reservation, inst *Instance) error
	// Release drops a reservation that will not be committed
	Release(ctx context.Context, res *Reservation) error
	// Adopt registers a running container found without a reservation
	Adopt(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// BeginTeardown moves a running instance to stopping and frees its
	// owner and capacity slots. Exactly one caller wins per instance; the
	// others get ErrTeardownInProgress.
	BeginTeardown(ctx context.Context, id string) (*Instance, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Instance, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Instance, error)
	// CountByChallenge counts live instances and pending reservations
	CountByChallenge(ctx context.Context, challengeKey string) (int, error)
	// StaleReservations returns reservations older than olderThan; 0 returns all
	StaleReservations(ctx context.Context, olderThan time.Duration) ([]*Reservation, error)
	Close() error
}

func instanceNotFound(id string) error {
	return common.NewSandboxError(common.ErrCodeNotFound, "instance not found", id)
}

func ownerConflict(challengeKey string) error {
	return common.NewSandboxError(common.ErrCodeConcurrentInstanceLimit,
		fmt.Sprintf("an instance of %s is already running", challengeKey), "")
}

func capacityExceeded(challengeKey string, limit int) error {
	return common.NewSandboxError(common.ErrCodeCapacityExceeded,
		"maximum instances reached for this challenge",
		fmt.Sprintf("%s limit %d", challengeKey, limit))
}

func sortInstances(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock locks key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryRegistry keeps the registry in process memory. Admission for one
// owner and one challenge is serialized by keyed locks, taken owner first,
// so unrelated users never wait on each other. Map access itself is
// guarded by a read-write mutex held only for the lookup or update.
type MemoryRegistry struct {
	ownerLocks     *keyedMutex
	challengeLocks *keyedMutex

	mu           sync.RWMutex
	instances    map[string]*Instance
	reservations map[string]*Reservation
	// owner -> id of the reservation or instance holding the live slot
	owners map[string]string
	// challenge -> ids of reservations and live instances
	challenges map[string]map[string]struct{}
	now        func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		ownerLocks:     newKeyedMutex(),
		challengeLocks: newKeyedMutex(),
		instances:      make(map[string]*Instance),
		reservations:   make(map[string]*Reservation),
		owners:         make(map[string]string),
		challenges:     make(map[string]map[string]struct{}),
		now:            time.Now,
	}
}

// Reserve implements Registry
func (r *MemoryRegistry) Reserve(ctx context.Context, ownerID *string, challengeKey string, limit int) (*Reservation, error) {
	if ownerID != nil {
		unlock := r.ownerLocks.Lock(*ownerID)
		defer unlock()
	}
	unlock := r.challengeLocks.Lock(challengeKey)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if ownerID != nil {
		if holder, held := r.owners[*ownerID]; held {
			conflicting := r.challengeOfLocked(holder)
			r.mu.RUnlock()
			return nil, ownerConflict(conflicting)
		}
	}
	count := len(r.challenges[challengeKey])
	r.mu.RUnlock()

	if limit > 0 && count >= limit {
		return nil, capacityExceeded(challengeKey, limit)
	}

	res := &Reservation{
		ID:           uuid.NewString(),
		ChallengeKey: challengeKey,
		CreatedAt:    r.now(),
	}
	if ownerID != nil {
		res.OwnerID = common.StringPtr(*ownerID)
	}

	r.mu.Lock()
	r.reservations[res.ID] = res
	if ownerID != nil {
		r.owners[*ownerID] = res.ID
	}
	r.addChallengeLocked(challengeKey, res.ID)
	r.mu.Unlock()

	copied := *res
	return &copied, nil
}

// Commit implements Registry
func (r *MemoryRegistry) Commit(ctx context.Context, res *Reservation, inst *Instance) error {
	if inst.ID != res.ID {
		return fmt.Errorf("instance id %s does not match reservation %s", inst.ID, res.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.reservations[res.ID]; !held {
		return ErrReservationLost
	}
	delete(r.reservations, res.ID)
	r.instances[inst.ID] = inst.clone()
	return nil
}

// Release implements Registry
func (r *MemoryRegistry) Release(ctx context.Context, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.reservations[res.ID]; !held {
		return nil
	}
	delete(r.reservations, res.ID)
	r.releaseSlotsLocked(res.ID, res.OwnerID, res.ChallengeKey)
	return nil
}

// Adopt implements Registry
func (r *MemoryRegistry) Adopt(ctx context.Context, inst *Instance) error {
	if inst.OwnerID != nil {
		unlock := r.ownerLocks.Lock(*inst.OwnerID)
		defer unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.ID]; exists {
		return ErrAlreadyRegistered
	}
	if inst.OwnerID != nil {
		if holder, held := r.owners[*inst.OwnerID]; held {
			return ownerConflict(r.challengeOfLocked(holder))
		}
		r.owners[*inst.OwnerID] = inst.ID
	}
	r.addChallengeLocked(inst.ChallengeKey, inst.ID)
	r.instances[inst.ID] = inst.clone()
	return nil
}

// Get implements Registry
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, instanceNotFound(id)
	}
	return inst.clone(), nil
}

// BeginTeardown implements Registry
func (r *MemoryRegistry) BeginTeardown(ctx context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, instanceNotFound(id)
	}
	if !inst.Status.IsLive() {
		return inst.clone(), ErrTeardownInProgress
	}

	inst.Status = StatusStopping
	r.releaseSlotsLocked(inst.ID, inst.OwnerID, inst.ChallengeKey)
	return inst.clone(), nil
}

// Remove implements Registry
func (r *MemoryRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil
	}
	delete(r.instances, id)
	r.releaseSlotsLocked(inst.ID, inst.OwnerID, inst.ChallengeKey)
	return nil
}

// List implements Registry
func (r *MemoryRegistry) List(ctx context.Context) ([]*Instance, error) {
	r.mu.RLock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst.clone())
	}
	r.mu.RUnlock()

	sortInstances(instances)
	return instances, nil
}

// ListByOwner implements Registry
func (r *MemoryRegistry) ListByOwner(ctx context.Context, ownerID string) ([]*Instance, error) {
	r.mu.RLock()
	var instances []*Instance
	for _, inst := range r.instances {
		if inst.OwnedBy(ownerID) {
			instances = append(instances, inst.clone())
		}
	}
	r.mu.RUnlock()

	sortInstances(instances)
	return instances, nil
}

// CountByChallenge implements Registry
func (r *MemoryRegistry) CountByChallenge(ctx context.Context, challengeKey string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.challenges[challengeKey]), nil
}

// StaleReservations implements Registry
func (r *MemoryRegistry) StaleReservations(ctx context.Context, olderThan time.Duration) ([]*Reservation, error) {
	cutoff := r.now().Add(-olderThan)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Reservation
	for _, res := range r.reservations {
		if olderThan <= 0 || res.CreatedAt.Before(cutoff) {
			copied := *res
			stale = append(stale, &copied)
		}
	}
	return stale, nil
}

// Close implements Registry
func (r *MemoryRegistry) Close() error {
	return nil
}

func (r *MemoryRegistry) addChallengeLocked(challengeKey, id string) {
	ids, ok := r.challenges[challengeKey]
	if !ok {
		ids = make(map[string]struct{})
		r.challenges[challengeKey] = ids
	}
	ids[id] = struct{}{}
}

// releaseSlotsLocked frees the owner slot if id holds it and drops id from
// the challenge count
func (r *MemoryRegistry) releaseSlotsLocked(id string, ownerID *string, challengeKey string) {
	if ownerID != nil && r.owners[*ownerID] == id {
		delete(r.owners, *ownerID)
	}
	if ids, ok := r.challenges[challengeKey]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.challenges, challengeKey)
		}
	}
}

func (r *MemoryRegistry) challengeOfLocked(id string) string {
	if inst, ok := r.instances[id]; ok {
		return inst.ChallengeKey
	}
	if res, ok := r.reservations[id]; ok {
		return res.ChallengeKey
	}
	return "another challenge"
}
