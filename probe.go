package replset

import (
	"context"
	"fmt"
)

// Role describes the part a node plays in a replica set.
type Role int

// All possible values of Role.
const (
	// RoleUnknown is used for nodes which responded but aren't currently
	// usable members of the replica set (e.g. still starting up, or removed
	// from the set).
	RoleUnknown Role = iota

	// RolePrimary is the single node accepting writes.
	RolePrimary

	// RoleSecondary nodes replicate from the primary and are usable for
	// reads.
	RoleSecondary

	// RoleArbiter nodes take part in the replica set's decisions but hold no
	// data. They are tracked, but never pooled.
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RoleArbiter:
		return "arbiter"
	case RoleUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// NodeStatus describes the state of a single node at the moment it was
// probed.
type NodeStatus struct {
	Addr Addr

	// Reachable is false if the node could not be talked to at all, in which
	// case Err should be set and the other fields are ignored.
	Reachable bool

	Role Role

	// Peers is the full set of members which the node believes are in the
	// replica set, including itself if it is a member.
	Peers []Addr

	Err error
}

// Prober is used by Manager to determine a single node's reachability, role
// and view of the replica set's membership.
//
// Implementations should return promptly once the Context is cancelled.
// Returning an error is equivalent to returning a NodeStatus with Reachable
// set to false.
type Prober interface {
	Probe(ctx context.Context, addr Addr) (NodeStatus, error)
}

// ProbeFunc is a function which implements the Prober interface.
type ProbeFunc func(ctx context.Context, addr Addr) (NodeStatus, error)

// Probe calls the ProbeFunc itself.
func (pf ProbeFunc) Probe(ctx context.Context, addr Addr) (NodeStatus, error) {
	return pf(ctx, addr)
}
