/*
Package metrics exposes Prometheus collectors and component health for Heron.

All collectors are package-level variables registered in init() and served by
Handler() on /metrics. Components update them inline:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WatchdogDuration)

	metrics.TasksProcessed.WithLabelValues(topic, "SUCCESS").Inc()

# Metric Families

Cluster:
  - heron_is_master, heron_nodes_alive, heron_node_denylisted

Queue:
  - heron_tasks_published_total{topic,origin}
  - heron_tasks_processed_total{topic,status}
  - heron_task_duration_seconds{topic}
  - heron_queue_depth{topic}
  - heron_tasks_reclaimed_total

Loop:
  - heron_leases{status}
  - heron_entities_reseeded_total
  - heron_watchdog_duration_seconds
  - heron_scan_duration_seconds{scan}

Lock and upstream:
  - heron_lock_acquisitions_total{result}
  - heron_upstream_requests_total{type,result}
  - heron_upstream_request_duration_seconds{type}

# Collector

Queue depth and lease counts are sampled every 15 seconds by Collector rather
than on every change, since both require a store round trip.

# Health

UpdateComponent records per-component health. GetReadiness reports ready only
when the critical components (redis, membership, storage by default) are
healthy; HealthHandler and ReadyHandler serve the results as JSON.
*/
package metrics
