// Package replset keeps track of the topology of a replica set made up of a
// single writable primary and any number of read-only secondaries, such as a
// redis primary with its replicas, and holds a connection pool to each of
// those nodes.
//
// # Creating a Manager
//
// A Manager is created from one or more seed addresses. It probes each of
// them, along with every member they report, and opens a Pool to the primary
// and to each secondary:
//
//	seeds, err := replset.ParseAddrs("10.0.0.1:6379", "10.0.0.2:6379")
//	if err != nil {
//		// handle error
//	}
//
//	m, err := replset.NewManager(ctx, seeds)
//	if err != nil {
//		// handle error
//	}
//	defer m.Close()
//
// Creation fails with an ErrConnectionFailure when no node can be reached,
// or when no primary can be found, which can happen while the replica set is
// failing over. Such errors are retryable:
//
//	for {
//		if m, err = replset.NewManager(ctx, seeds); err == nil {
//			break
//		} else if !replset.IsRetryable(err) {
//			return err
//		}
//		time.Sleep(time.Second)
//	}
//
// # Using the topology
//
// Writes go to PrimaryPool, reads may go to ReadPool, which falls back to the
// primary when there are no secondaries:
//
//	conn, err := m.PrimaryPool().Get(ctx)
//	if err != nil {
//		// handle error
//	}
//	defer conn.Close()
//	_, err = conn.Do("SET", "foo", "bar")
//
// All accessors read the current Topo, which is an immutable snapshot. Code
// which needs a consistent view across several accessor calls should call
// Topo once and use the result.
//
// # Refreshing
//
// The topology is refreshed by calling Refresh, or periodically in the
// background when ManagerConfig.RefreshMode is RefreshPeriodic. A refresh
// re-probes every known member, falling back to the seeds if none of them
// respond, and replaces the current Topo with the result. Pools to nodes
// which are still present are kept, pools to nodes which are gone are
// closed.
//
// # Tracing
//
// Manager and Pool don't log. ManagerConfig.Trace and PoolConfig.Trace accept
// callbacks for the events they go through, see the trace package. The
// contrib/metrics/vm package turns those into metrics.
package replset
