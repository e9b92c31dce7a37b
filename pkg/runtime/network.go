package runtime

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/docker/api/types/network"
	"github.com/rs/zerolog/log"
)

// Built-in network modes that never need to be created
const (
	NetworkModeNone   = "none"
	NetworkModeBridge = "bridge"
	NetworkModeHost   = "host"
)

// IsBuiltinNetwork reports whether name is an engine-provided network mode
func IsBuiltinNetwork(name string) bool {
	switch name {
	case "", NetworkModeNone, NetworkModeBridge, NetworkModeHost, "default":
		return true
	default:
		return false
	}
}

// ValidateSubnet checks that subnet is a CIDR block, or empty
func ValidateSubnet(subnet string) error {
	if subnet == "" {
		return nil
	}
	if _, _, err := net.ParseCIDR(subnet); err != nil {
		return fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	return nil
}

// EnsureNetwork creates a user-defined bridge network when it is missing
func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name, subnet string) error {
	if IsBuiltinNetwork(name) {
		return nil
	}
	if err := ValidateSubnet(subnet); err != nil {
		return err
	}

	_, err := d.read(ctx, func(ctx context.Context) (interface{}, error) {
		return d.api.NetworkInspect(ctx, name, network.InspectOptions{})
	})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	options := network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	}
	if subnet != "" {
		options.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet}},
		}
	}

	_, err = d.call(ctx, d.config.CreateTimeout, func(ctx context.Context) (interface{}, error) {
		return d.api.NetworkCreate(ctx, name, options)
	})
	if err != nil {
		// Another supervisor may have created it in between
		if IsConflict(err) {
			return nil
		}
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}

	log.Info().
		Str("network", name).
		Str("subnet", subnet).
		Msg("Created container network")
	return nil
}
