package discovery

import "errors"

// Registry errors.
var (
	// ErrAgentNotFound indicates the requested agent is not registered (or
	// is expired, for protocol-facing reads).
	ErrAgentNotFound = errors.New("registry: agent not found")

	// ErrRegistryFull indicates the registry is at capacity even after an
	// expiry sweep. The failure is scoped to the registration call.
	ErrRegistryFull = errors.New("registry: at capacity")

	// ErrNoHealthyEndpoint indicates the agent has no healthy endpoint to
	// resolve to.
	ErrNoHealthyEndpoint = errors.New("registry: no healthy endpoint")

	// ErrMissingAgentID indicates a record without an agent ID was passed
	// to Register.
	ErrMissingAgentID = errors.New("registry: missing agent id")
)
