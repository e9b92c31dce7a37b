package allocator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
)

// Mode selects how host ports are chosen
type Mode string

const (
	// ModeProbe scans upward from BasePort for a free port
	ModeProbe Mode = "probe"
	// ModeDynamic lets the container engine pick the port
	ModeDynamic Mode = "dynamic"
)

// Config holds allocator settings
type Config struct {
	Mode        Mode
	BindAddress string
	BasePort    int
	MaxProbes   int
}

// UsedPortsFunc returns the host ports held by live instances
type UsedPortsFunc func(ctx context.Context) ([]int, error)

// PortAllocator hands out host ports for new sandboxes. A port stays
// reserved from Allocate until Release, so two concurrent spawns never
// receive the same port.
type PortAllocator struct {
	config    Config
	usedPorts UsedPortsFunc
	canBind   func(address string, port int) bool

	mu       sync.Mutex
	inFlight map[int]struct{}
}

// New creates a port allocator
func New(config Config, usedPorts UsedPortsFunc) *PortAllocator {
	if config.Mode == "" {
		config.Mode = ModeProbe
	}
	if config.BasePort <= 0 {
		config.BasePort = 10000
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1000
	}

	return &PortAllocator{
		config:    config,
		usedPorts: usedPorts,
		canBind:   canBind,
		inFlight:  make(map[int]struct{}),
	}
}

// Mode returns the allocation mode
func (a *PortAllocator) Mode() Mode {
	return a.config.Mode
}

// Allocate reserves a host port. In dynamic mode it returns 0 and the
// engine assigns the port at container start.
func (a *PortAllocator) Allocate(ctx context.Context) (int, error) {
	if a.config.Mode == ModeDynamic {
		return 0, nil
	}

	used := make(map[int]struct{})
	if a.usedPorts != nil {
		ports, err := a.usedPorts(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list used ports: %w", err)
		}
		for _, p := range ports {
			used[p] = struct{}{}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	last := a.config.BasePort + a.config.MaxProbes - 1
	if last > 65535 {
		last = 65535
	}

	for port := a.config.BasePort; port <= last; port++ {
		if _, taken := used[port]; taken {
			continue
		}
		if _, taken := a.inFlight[port]; taken {
			continue
		}
		if !a.canBind(a.config.BindAddress, port) {
			continue
		}

		a.inFlight[port] = struct{}{}
		log.Debug().Int("port", port).Msg("Allocated host port")
		return port, nil
	}

	return 0, common.NewSandboxError(common.ErrCodeNoPortsAvailable,
		"no free host ports available",
		fmt.Sprintf("range %d-%d exhausted", a.config.BasePort, last))
}

// Release returns a port reserved by Allocate. Releasing 0 or an unknown
// port is a no-op.
func (a *PortAllocator) Release(port int) {
	if port <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, port)
}

// InFlight returns the number of reserved but unreleased ports
func (a *PortAllocator) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// canBind reports whether a TCP listener can be opened on the port
func canBind(address string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
