package replset

import "github.com/joomcode/errorx"

var (
	// Errors is the namespace which all errors returned from this package
	// belong to.
	Errors = errorx.NewNamespace("replset")

	// ErrConnectionFailure indicates that no usable node could be found, either
	// while creating a Manager or during a Refresh. It is expected during
	// partial outages and is retryable.
	ErrConnectionFailure = Errors.NewType("connection_failure", errorx.Temporary())

	// ErrProbeTimeout indicates that a single node did not respond to a probe
	// in time. It is never returned to callers of Manager, but may be seen in
	// trace.ManagerProbeFailed.
	ErrProbeTimeout = Errors.NewType("probe_timeout", errorx.Timeout())

	// ErrPoolOpenFailure indicates that a Pool to a node could not be opened.
	ErrPoolOpenFailure = Errors.NewType("pool_open_failure", errorx.Temporary())

	// ErrPoolExhausted is returned from Pool.Get when no connection became
	// available in time and the Pool is configured to not create new ones.
	ErrPoolExhausted = Errors.NewType("pool_exhausted", errorx.Temporary())

	// ErrClosed is returned when using a Manager, Pool or connection which has
	// been closed.
	ErrClosed = Errors.NewType("closed")

	// ErrInvalidAddr is returned from ParseAddr.
	ErrInvalidAddr = Errors.NewType("invalid_addr")

	// ErrInvalidConfig is returned when a config value is invalid.
	ErrInvalidConfig = Errors.NewType("invalid_config")

	// ErrMalformedReply is returned by a Prober when a node's response can't
	// be interpreted.
	ErrMalformedReply = Errors.NewType("malformed_reply")

	// ErrInvariant indicates a bug in this package. Topo construction panics
	// with an error of this type if its invariants would be violated.
	ErrInvariant = Errors.NewType("invariant_violation")
)

// IsRetryable returns true if the error indicates a transient condition, e.g.
// an ErrConnectionFailure returned from NewManager while the replica set is
// partially down. Callers are expected to retry such operations.
func IsRetryable(err error) bool {
	return errorx.IsTemporary(err)
}
