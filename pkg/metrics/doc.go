/*
Package metrics exposes Burrow's Prometheus instrumentation.

All collectors are registered on a package-level registry and served by
Handler() under the API's /metrics endpoint. Names follow the burrow_
prefix convention.

# Collectors

Pools and resources:
  - burrow_pools_total, burrow_pool_desired_count
  - burrow_resources_total: gauge by pool and state
  - burrow_reconcile_cycles_total, burrow_reconcile_duration_seconds

Scheduling:
  - burrow_assignments_active
  - burrow_assignments_scheduled_total: counter by outcome
    (reattached, claimed, pending, exhausted)
  - burrow_schedule_duration_seconds

Pipeline:
  - burrow_tasks_total, burrow_tasks_submitted_total, burrow_tasks_failed_total
  - burrow_step_retries_total, burrow_step_duration_seconds

Tunneling:
  - burrow_tickets_issued_total
  - burrow_tickets_redeemed_total: counter by outcome
  - burrow_tunnel_connections_open: gauge of open relays

Cluster:
  - burrow_raft_is_leader, burrow_raft_applied_index

NewTimer pairs with the duration histograms for the common
observe-on-defer pattern.
*/
package metrics
