package api

import (
	"time"

	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

// Request/Response types for the HTTP API

const (
	statusOK    = "ok"
	statusError = "error"
)

// SpawnRequest asks for a new sandbox
type SpawnRequest struct {
	OwnerID      *string `json:"owner_id,omitempty"`
	ChallengeKey string  `json:"challenge_key"`
}

// SpawnResponse describes a freshly started sandbox
type SpawnResponse struct {
	Status      string    `json:"status"`
	InstanceID  string    `json:"instance_id"`
	ContainerID string    `json:"container_id"`
	HostPort    int       `json:"host_port"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DestroyRequest asks to tear a sandbox down. OwnerID is the requester;
// leaving it out acts as an administrator.
type DestroyRequest struct {
	InstanceID string  `json:"instance_id"`
	OwnerID    *string `json:"owner_id,omitempty"`
}

// StatusResponse is the body of a bare acknowledgement
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an API error. Message is always the public
// message of the error code, never daemon output.
type ErrorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// InstanceResponse represents a live sandbox
type InstanceResponse struct {
	InstanceID       string     `json:"instance_id"`
	OwnerID          *string    `json:"owner_id"`
	ChallengeKey     string     `json:"challenge_key"`
	ContainerID      string     `json:"container_id"`
	ContainerName    string     `json:"container_name"`
	HostPort         int        `json:"host_port"`
	URL              string     `json:"url"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

// ListResponse is the registry snapshot
type ListResponse struct {
	Status    string             `json:"status"`
	Instances []InstanceResponse `json:"instances"`
	Total     int                `json:"total"`
	Timestamp time.Time          `json:"timestamp"`
}

// LogsResponse carries the tail of a container's output
type LogsResponse struct {
	InstanceID string `json:"instance_id"`
	Tail       int    `json:"tail"`
	Logs       string `json:"logs"`
}

// ChallengesResponse lists the catalog
type ChallengesResponse struct {
	Challenges []catalog.Summary `json:"challenges"`
	Total      int               `json:"total"`
}

// HistoryResponse lists persisted instances of one owner
type HistoryResponse struct {
	OwnerID   string                    `json:"owner_id"`
	Instances []*storage.InstanceRecord `json:"instances"`
}

func toInstanceResponse(inst *sandbox.Instance, now time.Time) InstanceResponse {
	return InstanceResponse{
		InstanceID:       inst.ID,
		OwnerID:          inst.OwnerID,
		ChallengeKey:     inst.ChallengeKey,
		ContainerID:      inst.ContainerID,
		ContainerName:    inst.ContainerName,
		HostPort:         inst.HostPort,
		URL:              inst.URL,
		Status:           string(inst.Status),
		CreatedAt:        inst.CreatedAt,
		ExpiresAt:        inst.ExpiresAt,
		StoppedAt:        inst.StoppedAt,
		RemainingSeconds: int64(inst.Remaining(now).Seconds()),
	}
}
