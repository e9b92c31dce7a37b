package sandbox

import (
	"fmt"
	"time"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

// Request asks for one sandbox of a challenge. A nil OwnerID is an
// anonymous caller, exempt from the one-live-instance rule.
type Request struct {
	OwnerID       *string
	ChallengeKey  string
	CorrelationID string
}

// Instance is one running challenge container as tracked by the registry
type Instance struct {
	ID            string     `json:"instance_id"`
	OwnerID       *string    `json:"owner_id"`
	ChallengeKey  string     `json:"challenge_key"`
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	HostPort      int        `json:"host_port"`
	ContainerIP   string     `json:"container_ip,omitempty"`
	URL           string     `json:"url"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	CorrelationID string     `json:"-"`
}

// Owner returns the owner id, or "" for anonymous instances
func (inst *Instance) Owner() string {
	return common.StringValue(inst.OwnerID)
}

// OwnedBy reports whether requester owns the instance
func (inst *Instance) OwnedBy(requester string) bool {
	return inst.OwnerID != nil && *inst.OwnerID == requester
}

// Remaining returns the time left before expiry, never negative
func (inst *Instance) Remaining(now time.Time) time.Duration {
	if d := inst.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (inst *Instance) clone() *Instance {
	c := *inst
	if inst.OwnerID != nil {
		c.OwnerID = common.StringPtr(*inst.OwnerID)
	}
	if inst.StoppedAt != nil {
		stoppedAt := *inst.StoppedAt
		c.StoppedAt = &stoppedAt
	}
	return &c
}

func (inst *Instance) String() string {
	return fmt.Sprintf("%s[%s/%s]", inst.ID, inst.ChallengeKey, inst.Status)
}

// toRecord converts the instance into its persisted form
func (inst *Instance) toRecord() *storage.InstanceRecord {
	rec := &storage.InstanceRecord{
		ID:            inst.ID,
		ChallengeKey:  inst.ChallengeKey,
		ContainerID:   inst.ContainerID,
		ContainerName: inst.ContainerName,
		HostPort:      inst.HostPort,
		ContainerIP:   inst.ContainerIP,
		URL:           inst.URL,
		Status:        string(inst.Status),
		CreatedAt:     inst.CreatedAt,
		ExpiresAt:     inst.ExpiresAt,
		ErrorDetail:   inst.ErrorDetail,
		CorrelationID: inst.CorrelationID,
	}
	if inst.OwnerID != nil {
		rec.OwnerID = common.StringPtr(*inst.OwnerID)
	}
	if inst.StoppedAt != nil {
		stoppedAt := *inst.StoppedAt
		rec.StoppedAt = &stoppedAt
	}
	return rec
}

// Reservation holds an admission slot between the admission check and the
// registry insert. Its ID becomes the instance ID.
type Reservation struct {
	ID           string    `json:"id"`
	OwnerID      *string   `json:"owner_id,omitempty"`
	ChallengeKey string    `json:"challenge_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// Owner returns the owner id, or "" for anonymous reservations
func (r *Reservation) Owner() string {
	return common.StringValue(r.OwnerID)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	OwnerID      *string
	ChallengeKey string
}

func (f ListFilter) matches(inst *Instance) bool {
	if f.OwnerID != nil && !inst.OwnedBy(*f.OwnerID) {
		return false
	}
	if f.ChallengeKey != "" && inst.ChallengeKey != f.ChallengeKey {
		return false
	}
	return true
}

// ReconcileReport summarizes one reconcile sweep
type ReconcileReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Skipped           bool          `json:"skipped"`
	Containers        int           `json:"containers"`
	Adopted           []string      `json:"adopted"`
	Removed           []string      `json:"removed"`
	Expired           []string      `json:"expired"`
	Lost              []string      `json:"lost"`
	Rescheduled       []string      `json:"rescheduled"`
	LostRecords       []string      `json:"lost_records"`
	StaleReservations int           `json:"stale_reservations"`
	Errors            []string      `json:"errors,omitempty"`
}

// Drift returns the number of inconsistencies the sweep resolved
func (r *ReconcileReport) Drift() int {
	return len(r.Adopted) + len(r.Removed) + len(r.Expired) + len(r.Lost) +
		len(r.Rescheduled) + len(r.LostRecords) + r.StaleReservations
}

// HealthStatus reports supervisor health
type HealthStatus struct {
	Status           string               `json:"status"`
	RuntimeAvailable bool                 `json:"runtime_available"`
	Instances        int                  `json:"instances"`
	PendingTimers    int                  `json:"pending_timers"`
	Persistence      *storage.WriterStats `json:"persistence,omitempty"`
}
