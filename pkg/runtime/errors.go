package runtime

import (
	"context"
	"errors"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/sandboxrunner/ctf-supervisor/pkg/resilience"
)

// ErrContainerNotFound is returned when the engine has no such container
var ErrContainerNotFound = errors.New("container not found")

// IsNotFound reports whether err means the container is already gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound) || cerrdefs.IsNotFound(err)
}

// IsConflict reports whether err is a name or port conflict on create
func IsConflict(err error) bool {
	return cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err)
}

// IsTransient reports whether a failed call may succeed when repeated
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) || errors.Is(err, resilience.ErrCircuitBreakerMaxRequests) {
		return false
	}
	return isDaemonFailure(err) || cerrdefs.IsInternal(err)
}

// isDaemonFailure reports whether err means the engine itself is unhealthy.
// Only these errors count against the circuit breaker.
func isDaemonFailure(err error) bool {
	if err == nil {
		return false
	}
	return client.IsErrConnectionFailed(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		cerrdefs.IsUnavailable(err) ||
		cerrdefs.IsDeadlineExceeded(err)
}
