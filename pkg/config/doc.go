/*
Package config loads Burrow daemon configuration.

Configuration comes from three sources in precedence order: BURROW_*
environment variables, a YAML config file, and built-in defaults. Viper
handles the merging; nested keys map to environment variables with
underscores (tunnel.ticket_ttl becomes BURROW_TUNNEL_TICKET_TTL).

# Sections

  - top level: node_id, data_dir, api_addr, raft_addr
  - log: level, json
  - reconciler: interval, gc_grace, max_parallel
  - scheduler: sweep_interval, default_idle_timeout
  - pipeline: workers, max_retries, backoff_base, backoff_cap, task_deadline
  - tunnel: listen_addr, cert_file, key_file, ticket_ttl, idle_timeout

A missing config file is an error when a path was given; with no path the
daemon runs on defaults and environment alone.
*/
package config
