package trace

import "time"

// ManagerTrace is passed into replset.ManagerConfig, and contains callbacks
// which can be triggered for specific events during the Manager's runtime.
//
// All callbacks are called synchronously.
type ManagerTrace struct {
	// TopoChanged is called when the replica set's topology changes.
	TopoChanged func(ManagerTopoChanged)

	// RefreshDone is called at the end of every refresh, whether or not it
	// succeeded and whether or not the topology changed.
	RefreshDone func(ManagerRefreshDone)

	// ProbeFailed is called when a node could not be used during a refresh,
	// either because probing it failed or because a pool to it could not be
	// opened.
	ProbeFailed func(ManagerProbeFailed)

	// PrimaryConflict is called when more than one node claimed to be primary
	// during a single refresh.
	PrimaryConflict func(ManagerPrimaryConflict)
}

// ManagerCommon contains information which is passed into all
// Manager-related callbacks.
type ManagerCommon struct {
	// ID uniquely identifies the Manager instance which triggered the trace.
	ID string

	// Generation is the generation of the topology the Manager held when the
	// trace occurred. Every successfully swapped-in topology increments it.
	Generation uint64
}

// ManagerNodeInfo describes the attributes of a node in a replica set's
// topology.
type ManagerNodeInfo struct {
	Addr string

	// Role is one of "primary", "secondary" or "arbiter".
	Role string
}

// ManagerTopoChanged is passed into the ManagerTrace.TopoChanged callback
// whenever the Manager's replica set's topology has changed.
type ManagerTopoChanged struct {
	ManagerCommon
	Added   []ManagerNodeInfo
	Removed []ManagerNodeInfo
	Changed []ManagerNodeInfo
}

// ManagerRefreshReason describes what caused a refresh.
type ManagerRefreshReason string

// All possible values of ManagerRefreshReason.
const (
	// ManagerRefreshReasonInit indicates the refresh done while the Manager
	// was being created.
	ManagerRefreshReasonInit ManagerRefreshReason = "init"

	// ManagerRefreshReasonManual indicates a refresh triggered by calling
	// Refresh.
	ManagerRefreshReasonManual ManagerRefreshReason = "manual"

	// ManagerRefreshReasonPeriodic indicates a refresh triggered by the
	// periodic refresh loop.
	ManagerRefreshReasonPeriodic ManagerRefreshReason = "periodic"
)

// ManagerRefreshDone is passed into the ManagerTrace.RefreshDone callback
// whenever a refresh completes.
type ManagerRefreshDone struct {
	ManagerCommon
	Reason ManagerRefreshReason

	// Probed is the number of nodes probed, Reachable is the number of those
	// which responded successfully.
	Probed, Reachable int

	// Changed is true if the swapped-in topology differs from the previous
	// one.
	Changed bool

	ElapsedTime time.Duration

	// Err is set if the refresh failed, in which case the previous topology
	// was left in place.
	Err error
}

// ManagerProbeFailed is passed into the ManagerTrace.ProbeFailed callback
// whenever a node could not be used during a refresh.
type ManagerProbeFailed struct {
	ManagerCommon
	Addr string
	Err  error
}

// ManagerPrimaryConflict is passed into the ManagerTrace.PrimaryConflict
// callback whenever multiple nodes claimed to be primary during one refresh.
// This may be a stale view during a failover, but may also indicate a
// genuinely split replica set.
type ManagerPrimaryConflict struct {
	ManagerCommon

	// Claimants are all nodes whose claim to the primary role was believed,
	// in the order they were probed.
	Claimants []string

	// Chosen is the claimant which was used as the primary. The others are
	// left unavailable.
	Chosen string
}
