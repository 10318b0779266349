package trace

import (
	"context"
	"time"
)

// PoolTrace is passed into replset.PoolConfig, and contains callbacks which
// can be triggered for specific events during the Pool's runtime.
//
// All callbacks are called synchronously.
type PoolTrace struct {
	// ConnCreated is called when the Pool creates a new connection.
	ConnCreated func(PoolConnCreated)

	// ConnClosed is called when the Pool closes a connection.
	ConnClosed func(PoolConnClosed)

	// InitCompleted is called after the Pool creates all connections during
	// initialization.
	InitCompleted func(PoolInitCompleted)
}

// PoolCommon contains information which is passed into all Pool-related
// callbacks.
type PoolCommon struct {
	// Addr indicates the node address the Pool was created for (useful for
	// differentiating the different nodes of a replica set).
	Addr string

	// PoolSize and OverflowBufferSize indicate the Pool size and overflow
	// buffer size that the Pool was initialized with.
	PoolSize, OverflowBufferSize int

	// AvailCount indicates the total number of connections the Pool is
	// holding on to which are available for usage at the moment the trace
	// occurs.
	AvailCount int
}

// PoolConnCreatedReason enumerates all the different reasons a connection
// might be created and trigger a ConnCreated trace.
type PoolConnCreatedReason string

// All possible values of PoolConnCreatedReason.
const (
	// PoolConnCreatedReasonInitialization indicates a connection was created
	// during initialization of the Pool.
	PoolConnCreatedReasonInitialization PoolConnCreatedReason = "initialization"

	// PoolConnCreatedReasonRefill indicates a connection was created during a
	// refill event.
	PoolConnCreatedReasonRefill PoolConnCreatedReason = "refill"

	// PoolConnCreatedReasonPoolEmpty indicates a connection was created
	// because the Pool was empty when Get was called.
	PoolConnCreatedReasonPoolEmpty PoolConnCreatedReason = "pool empty"
)

// PoolConnCreated is passed into the PoolTrace.ConnCreated callback whenever
// the Pool creates a new connection.
type PoolConnCreated struct {
	PoolCommon

	// Context is the Context used when creating the connection.
	Context context.Context

	// Reason describes why the connection was created.
	Reason PoolConnCreatedReason

	// ConnectTime is how long it took to create the connection.
	ConnectTime time.Duration

	// Err will be filled if creating the connection failed.
	Err error
}

// PoolConnClosedReason enumerates all the different reasons a connection
// might be closed and trigger a ConnClosed trace.
type PoolConnClosedReason string

// All possible values of PoolConnClosedReason.
const (
	// PoolConnClosedReasonPoolClosed indicates a connection was closed because
	// the Close method was called on Pool.
	PoolConnClosedReasonPoolClosed PoolConnClosedReason = "pool closed"

	// PoolConnClosedReasonBufferDrain indicates a connection was closed due to
	// a buffer drain event.
	PoolConnClosedReasonBufferDrain PoolConnClosedReason = "buffer drained"

	// PoolConnClosedReasonPoolFull indicates a connection was closed due to
	// the Pool already being full.
	PoolConnClosedReasonPoolFull PoolConnClosedReason = "pool full"

	// PoolConnClosedReasonConnErr indicates a connection was closed because
	// it had encountered a network error while in use.
	PoolConnClosedReasonConnErr PoolConnClosedReason = "conn error"
)

// PoolConnClosed is passed into the PoolTrace.ConnClosed callback whenever the
// Pool closes a connection.
type PoolConnClosed struct {
	PoolCommon

	// Reason describes why the connection was closed.
	Reason PoolConnClosedReason
}

// PoolInitCompleted is passed into the PoolTrace.InitCompleted callback
// whenever Pool is done initializing.
type PoolInitCompleted struct {
	PoolCommon

	// ElapsedTime is how long it took to finish initialization.
	ElapsedTime time.Duration
}
