package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/resilience"
)

// dockerAPI is the subset of the Docker client the runtime uses
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)

// DockerConfig holds Docker runtime settings
type DockerConfig struct {
	Host            string
	SecurityOpts    []string
	CreateTimeout   time.Duration
	StopTimeout     time.Duration
	InspectTimeout  time.Duration
	ReadRetries     int
	BreakerFailures int64
	BreakerCooldown time.Duration
}

// DockerRuntime implements Runtime on top of the Docker Engine API
type DockerRuntime struct {
	api       dockerAPI
	config    DockerConfig
	breaker   *resilience.CircuitBreaker
	readRetry *resilience.RetryExecutor
	available atomic.Bool
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker client and wraps it. The engine is not
// contacted until Probe is called.
func NewDockerRuntime(config DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return newDockerRuntime(cli, config), nil
}

func newDockerRuntime(api dockerAPI, config DockerConfig) *DockerRuntime {
	if config.CreateTimeout <= 0 {
		config.CreateTimeout = 15 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.InspectTimeout <= 0 {
		config.InspectTimeout = 5 * time.Second
	}
	if config.ReadRetries <= 0 {
		config.ReadRetries = 1
	}

	d := &DockerRuntime{
		api:    api,
		config: config,
		breaker: resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             "docker",
			FailureThreshold: config.BreakerFailures,
			Timeout:          config.BreakerCooldown,
			ErrorClassifier:  isDaemonFailure,
		}),
	}
	d.readRetry = resilience.NewRetryExecutor(&resilience.RetryConfig{
		Name:        "docker_read",
		MaxAttempts: config.ReadRetries,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      true,
		JitterRange: 0.2,
		IsRetryable: IsTransient,
	})
	return d
}

// Available reports whether the engine answered the last probe and the
// breaker has not tripped since
func (d *DockerRuntime) Available() bool {
	return d.available.Load()
}

// Probe pings the engine and updates availability
func (d *DockerRuntime) Probe(ctx context.Context) error {
	pingCtx, cancel := common.TimeoutContext(ctx, d.config.InspectTimeout)
	defer cancel()

	ping, err := d.api.Ping(pingCtx)
	if err != nil {
		d.setAvailable(false)
		return common.WrapSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime unreachable", err)
	}

	if d.breaker.GetState() != resilience.CircuitBreakerClosed {
		d.breaker.ForceClose("probe succeeded")
	}
	d.setAvailable(true)

	log.Debug().
		Str("api_version", ping.APIVersion).
		Str("os_type", ping.OSType).
		Msg("Container runtime reachable")
	return nil
}

func (d *DockerRuntime) setAvailable(available bool) {
	if d.available.Swap(available) != available {
		if available {
			log.Info().Msg("Container runtime available")
		} else {
			log.Warn().Msg("Container runtime unavailable, entering degraded mode")
		}
	}
}

// call runs one engine call under a timeout and the shared circuit breaker
func (d *DockerRuntime) call(ctx context.Context, timeout time.Duration, op func(context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	result, err := d.breaker.Execute(callCtx, op)
	if d.breaker.GetState() == resilience.CircuitBreakerOpen {
		d.setAvailable(false)
	}
	if err == nil {
		return result, nil
	}

	if errors.Is(err, resilience.ErrCircuitBreakerOpen) || errors.Is(err, resilience.ErrCircuitBreakerMaxRequests) {
		return nil, common.WrapSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime unavailable", err)
	}
	if client.IsErrConnectionFailed(err) {
		return nil, common.WrapSandboxError(common.ErrCodeRuntimeUnavailable, "container runtime unreachable", err)
	}
	return nil, err
}

// read is call with retries on transient failures
func (d *DockerRuntime) read(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	return d.readRetry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return d.call(ctx, d.config.InspectTimeout, op)
	})
}

// Run creates and starts a container, then reads back its published port
func (d *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error) {
	containerConfig, hostConfig, err := buildContainerConfig(spec, d.config.SecurityOpts)
	if err != nil {
		return nil, err
	}

	result, err := d.call(ctx, d.config.CreateTimeout, func(ctx context.Context) (interface{}, error) {
		return d.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	created := result.(container.CreateResponse)
	for _, warning := range created.Warnings {
		log.Warn().Str("container", spec.Name).Str("warning", warning).Msg("Container create warning")
	}

	_, err = d.call(ctx, d.config.CreateTimeout, func(ctx context.Context) (interface{}, error) {
		return nil, d.api.ContainerStart(ctx, created.ID, container.StartOptions{})
	})
	if err != nil {
		d.discard(ctx, created.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	info, err := d.Inspect(ctx, created.ID)
	if err != nil {
		d.discard(ctx, created.ID)
		return nil, fmt.Errorf("failed to inspect started container %s: %w", spec.Name, err)
	}

	log.Info().
		Str("container_id", created.ID).
		Str("container", spec.Name).
		Str("image", spec.Image).
		Int("host_port", info.HostPort).
		Msg("Container started")

	return info, nil
}

// discard force-removes a half-created container even if ctx is done
func (d *DockerRuntime) discard(ctx context.Context, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.StopTimeout)
	defer cancel()

	if err := d.api.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); err != nil && !IsNotFound(err) {
		log.Warn().Err(err).Str("container_id", id).Msg("Failed to discard container")
	}
}

// Stop stops a container, waiting up to timeout before the engine kills it
func (d *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	_, err := d.call(ctx, timeout+d.config.StopTimeout, func(ctx context.Context) (interface{}, error) {
		return nil, d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	})
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// Remove force-removes a container
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, err := d.call(ctx, d.config.StopTimeout, func(ctx context.Context) (interface{}, error) {
		return nil, d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	})
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Inspect returns the current state of one container
func (d *DockerRuntime) Inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	result, err := d.read(ctx, func(ctx context.Context) (interface{}, error) {
		return d.api.ContainerInspect(ctx, id)
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	return inspectToInfo(result.(container.InspectResponse)), nil
}

// ListManaged lists every container carrying the managed label
func (d *DockerRuntime) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	result, err := d.read(ctx, func(ctx context.Context) (interface{}, error) {
		return d.api.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	summaries := result.([]container.Summary)
	infos := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, summaryToInfo(s))
	}
	return infos, nil
}

// Logs returns the last tail lines of combined stdout and stderr
func (d *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}

	result, err := d.read(ctx, func(ctx context.Context) (interface{}, error) {
		reader, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Timestamps: true,
			Tail:       tailArg,
		})
		if err != nil {
			return nil, err
		}
		defer reader.Close()

		var buf bytes.Buffer
		if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
			return nil, fmt.Errorf("failed to demultiplex logs: %w", err)
		}
		return buf.String(), nil
	})
	if err != nil {
		if IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		return "", fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	return result.(string), nil
}

// Stats samples resource usage once
func (d *DockerRuntime) Stats(ctx context.Context, id string) (*Stats, error) {
	result, err := d.read(ctx, func(ctx context.Context) (interface{}, error) {
		resp, err := d.api.ContainerStatsOneShot(ctx, id)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var raw container.StatsResponse
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode stats: %w", err)
		}
		return &raw, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		return nil, fmt.Errorf("failed to read stats for %s: %w", id, err)
	}
	return parseStats(result.(*container.StatsResponse)), nil
}

// Close releases the client
func (d *DockerRuntime) Close() error {
	return d.api.Close()
}

// buildContainerConfig translates a spec into engine create parameters
func buildContainerConfig(spec ContainerSpec, securityOpts []string) (*container.Config, *container.HostConfig, error) {
	if spec.Image == "" {
		return nil, nil, fmt.Errorf("container image cannot be empty")
	}
	if spec.InternalPort < 1 || spec.InternalPort > 65535 {
		return nil, nil, fmt.Errorf("invalid internal port: %d", spec.InternalPort)
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.InternalPort))
	binding := nat.PortBinding{HostIP: spec.BindAddress}
	if spec.HostPort > 0 {
		binding.HostPort = strconv.Itoa(spec.HostPort)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	networkMode := spec.Network
	if networkMode == "" {
		networkMode = NetworkModeBridge
	}

	resources := container.Resources{
		Memory:    spec.MemoryBytes,
		NanoCPUs:  spec.NanoCPUs,
		CPUShares: spec.CPUShares,
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		resources.PidsLimit = &pids
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       common.MergeStringMaps(spec.Labels),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings:  nat.PortMap{port: []nat.PortBinding{binding}},
		NetworkMode:   container.NetworkMode(networkMode),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Privileged:    false,
		SecurityOpt:   append([]string(nil), securityOpts...),
		CapDrop:       []string{"ALL"},
		CapAdd:        append([]string(nil), spec.CapAdd...),
		Binds:         append([]string(nil), spec.Volumes...),
		Resources:     resources,
	}

	return containerConfig, hostConfig, nil
}

// inspectToInfo converts an inspect response, reading the first published port
func inspectToInfo(resp container.InspectResponse) *ContainerInfo {
	info := &ContainerInfo{}
	if resp.ContainerJSONBase != nil {
		info.ID = resp.ID
		info.Name = strings.TrimPrefix(resp.Name, "/")
		info.Image = resp.Image
		if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
			info.CreatedAt = created
		}
		if resp.State != nil {
			info.State = string(resp.State.Status)
			info.Running = resp.State.Running
		}
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
		if resp.Config.Image != "" {
			info.Image = resp.Config.Image
		}
	}
	if resp.NetworkSettings != nil {
		info.HostPort = firstHostPort(resp.NetworkSettings.Ports)
		info.IPAddress = firstIPAddress(resp.NetworkSettings.Networks)
	}
	return info
}

// summaryToInfo converts a list entry
func summaryToInfo(s container.Summary) ContainerInfo {
	info := ContainerInfo{
		ID:        s.ID,
		Image:     s.Image,
		State:     string(s.State),
		Labels:    s.Labels,
		CreatedAt: time.Unix(s.Created, 0).UTC(),
	}
	info.Running = info.State == "running"
	if len(s.Names) > 0 {
		info.Name = strings.TrimPrefix(s.Names[0], "/")
	}
	for _, p := range s.Ports {
		if p.PublicPort != 0 {
			info.HostPort = int(p.PublicPort)
			break
		}
	}
	if s.NetworkSettings != nil {
		info.IPAddress = firstIPAddress(s.NetworkSettings.Networks)
	}
	return info
}

func firstHostPort(ports nat.PortMap) int {
	keys := make([]string, 0, len(ports))
	for port := range ports {
		keys = append(keys, string(port))
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, binding := range ports[nat.Port(key)] {
			if port, err := strconv.Atoi(binding.HostPort); err == nil && port > 0 {
				return port
			}
		}
	}
	return 0
}

func firstIPAddress(networks map[string]*network.EndpointSettings) string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if ep := networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

// parseStats computes usage percentages the way `docker stats` does
func parseStats(raw *container.StatsResponse) *Stats {
	stats := &Stats{Timestamp: raw.Read}
	if stats.Timestamp.IsZero() {
		stats.Timestamp = time.Now().UTC()
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	if cpuDelta > 0 && systemDelta > 0 {
		stats.CPUPercent = (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}

	usage := raw.MemoryStats.Usage
	if inactive, ok := raw.MemoryStats.Stats["inactive_file"]; ok && inactive < usage {
		usage -= inactive
	}
	stats.MemoryUsage = usage
	stats.MemoryLimit = raw.MemoryStats.Limit
	if stats.MemoryLimit > 0 {
		stats.MemoryPercent = float64(usage) / float64(stats.MemoryLimit) * 100.0
	}

	for _, netStats := range raw.Networks {
		stats.NetworkRx += netStats.RxBytes
		stats.NetworkTx += netStats.TxBytes
	}

	return stats
}
