package transport

import (
	"github.com/pkg/errors"
)

// Errors.
var (
	// ErrConnectionRefused is returned by Connect when the registry is
	// unreachable, the application does not exist or no configured device
	// resolves.
	ErrConnectionRefused = errors.New("transport: connection refused")

	// ErrDeploymentFailed is returned when the deployment logs prove that no
	// device will complete the fragmentation session.
	ErrDeploymentFailed = errors.New("transport: deployment failed")

	// ErrDeploymentTimeout is returned when a multicast send exceeds its
	// maximum duration while a chunk is still unconfirmed.
	ErrDeploymentTimeout = errors.New("transport: deployment timeout exceeded")

	// ErrMalformedResponse is returned when an uplink does not decode to the
	// expected response framing.
	ErrMalformedResponse = errors.New("transport: malformed response")

	// ErrReceiveTimeout is returned when no complete response arrived within
	// the receive window.
	ErrReceiveTimeout = errors.New("transport: receive timeout")
)
