/*
Package agent serves the callback API for in-guest agents.

A small agent inside each resource reports lifecycle events back to the
broker: ready (with the reachable endpoint), periodic pings, user login,
and user logout. These callbacks are what flip AgentReady, keep idle
sweeping honest, and release sessions when the user walks away.

# Authentication

Every callback must carry the resource's actor token in the
X-Burrow-Actor-Token header. The token is injected into the resource at
create time as the BURROW_ACTOR_TOKEN environment value and is only ever
valid for its own resource. A missing or wrong token gets a bare 403.

# Endpoints

	POST /actor/v1/ready   record endpoint, mark agent ready
	POST /actor/v1/ping    refresh session activity
	POST /actor/v1/login   same as ping
	POST /actor/v1/logout  release the active assignment

Ready requires a host; port and protocol fall back to the service
definition. Ping without an active assignment is harmless, since agents
ping from ready resources too.

The routes are registered on the broker's API mux rather than a separate
listener.
*/
package agent
