/*
Package api implements Burrow's HTTP control API.

The API is the management surface: service definition and pool CRUD,
assignment requests and release, ticket issuance and redemption, cluster
membership, an event stream, health, and metrics. Handlers are thin
wrappers over pkg/manager, pkg/scheduler, and pkg/tunnel.

# Endpoints

Catalog and capacity:

	POST/GET        /v1/servicedefs         create, list
	GET/PUT/DELETE  /v1/servicedefs/{id}    get, update (bumps version), delete
	POST/GET        /v1/pools               create, list
	GET/PUT/DELETE  /v1/pools/{id}          get, scale, delete
	GET             /v1/pools/{id}/resources
	GET             /v1/resources
	GET             /v1/tasks
	POST            /v1/tasks/{id}/cancel

Sessions and tunneling:

	POST            /v1/assignments          request (200, 202 pending, 409 exhausted)
	GET             /v1/assignments[/{id}]
	DELETE          /v1/assignments/{id}     release
	POST            /v1/assignments/{id}/ticket
	POST            /v1/tunnel/redeem        ticket -> endpoint (transport only)

Cluster and operations:

	POST            /v1/cluster/join
	GET             /v1/cluster/status
	GET             /v1/events               server-sent events
	GET             /healthz
	GET             /metrics

# Error Mapping

Errors are mapped from their errdefs kind: NotFound becomes 404;
Conflict, CapacityExhausted, and ticket refusals become 409; Pending
becomes 202; NotLeader becomes 503 with the leader address in the body
so clients can redirect. Only the kind string crosses the wire.

# Endpoint Confidentiality

Resource and assignment views carry no endpoint fields. The only
response that contains a host and port is POST /v1/tunnel/redeem, which
is consumed by tunnel transports, not end users.

# Leadership

Mutating routes are wrapped in a leader check. Followers answer 503 with
the current leader so pkg/client can retry transparently.
*/
package api
