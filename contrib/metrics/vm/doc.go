// Package vm turns the trace callbacks of replset's Manager and Pool into
// Prometheus-compatible metrics, using github.com/VictoriaMetrics/metrics.
//
// # Usage
//
//	collector := vm.New(vm.WithPrefix("myapp"))
//	m, err := replset.ManagerConfig{
//		Trace:    collector.ManagerTrace(),
//		PoolFunc: replset.PoolConfig{Trace: collector.PoolTrace()}.Func(),
//	}.New(ctx, seeds)
//
// and expose them:
//
//	http.HandleFunc("/metrics", collector.Handler)
//
// If the collector should also be fed from other trace callbacks, combine
// them by hand:
//
//	mt := collector.ManagerTrace()
//	mt.TopoChanged = func(tc trace.ManagerTopoChanged) {
//		collector.ManagerTrace().TopoChanged(tc)
//		log.Printf("topology changed: %+v", tc)
//	}
//
// # Metrics Provided
//
// Manager:
//   - {prefix}_refresh_total{reason} - Counter of refreshes
//   - {prefix}_refresh_errors_total{reason} - Counter of failed refreshes
//   - {prefix}_refresh_duration_seconds - Histogram of refresh latencies
//   - {prefix}_topo_changes_total - Counter of topology changes
//   - {prefix}_probe_failures_total - Counter of nodes which couldn't be used
//   - {prefix}_primary_conflicts_total - Counter of refreshes with multiple primary claims
//   - {prefix}_topo_generation - Gauge of the current topology generation
//   - {prefix}_reachable_nodes - Gauge of nodes reachable during the last refresh
//
// Pool:
//   - {prefix}_pool_conns_created_total{addr,reason} - Counter of connections created
//   - {prefix}_pool_conn_errors_total{addr} - Counter of failed connection attempts
//   - {prefix}_pool_conns_closed_total{addr,reason} - Counter of connections closed
//   - {prefix}_pool_connect_duration_seconds - Histogram of connect latencies
package vm
