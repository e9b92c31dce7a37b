package runtime

import (
	"context"
	"time"
)

// Labels attached to every container the supervisor creates
const (
	LabelManaged   = "ctf-supervisor.managed"
	LabelInstance  = "ctf-supervisor.instance"
	LabelChallenge = "ctf-supervisor.challenge"
	LabelOwner     = "ctf-supervisor.owner"
	LabelExpiresAt = "ctf-supervisor.expires-at"
)

// ContainerSpec describes a container to create and start
type ContainerSpec struct {
	Name         string
	Image        string
	InternalPort int
	// HostPort is the requested host port; 0 lets the engine choose
	HostPort    int
	BindAddress string
	Network     string
	Env         map[string]string
	Labels      map[string]string
	Volumes     []string
	CapAdd      []string
	MemoryBytes int64
	NanoCPUs    int64
	CPUShares   int64
	PidsLimit   int64
}

// ContainerInfo is the runtime's view of one container
type ContainerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	State     string            `json:"state"`
	Running   bool              `json:"running"`
	HostPort  int               `json:"host_port"`
	IPAddress string            `json:"ip_address,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Stats is a one-shot resource usage sample
type Stats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsage   uint64    `json:"memory_usage"`
	MemoryLimit   uint64    `json:"memory_limit"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkRx     uint64    `json:"network_rx_bytes"`
	NetworkTx     uint64    `json:"network_tx_bytes"`
	Timestamp     time.Time `json:"timestamp"`
}

// Runtime is the container engine as seen by the lifecycle manager
type Runtime interface {
	// Available reports whether calls are currently expected to reach the engine
	Available() bool
	// Probe checks engine reachability and updates Available
	Probe(ctx context.Context) error
	// EnsureNetwork creates the named network when it does not exist
	EnsureNetwork(ctx context.Context, name, subnet string) error
	// Run creates and starts a container. On failure nothing is left behind.
	Run(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (*ContainerInfo, error)
	// ListManaged lists every container carrying the managed label, stopped ones included
	ListManaged(ctx context.Context) ([]ContainerInfo, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Stats(ctx context.Context, id string) (*Stats, error)
	Close() error
}
