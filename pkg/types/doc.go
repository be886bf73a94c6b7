/*
Package types defines the core data structures used throughout Burrow.

This package contains all fundamental types that represent Burrow's domain
model: service definitions, pools, resources, assignments, tasks, tunnel
tickets, and actor tokens. These types are used by all other packages for
state management, API communication, and lifecycle orchestration.

# Architecture

The types package is the foundation of Burrow's data model. It defines:

  - Service definitions (the templates resources are built from)
  - Pools (desired and maximum counts of pre-provisioned resources)
  - Resources (individual provisioned units and their lifecycle states)
  - Assignments (user sessions bound to resources)
  - Tasks (durable multi-step lifecycle operations)
  - Tunnel tickets (single-use connection grants)
  - Actor tokens (per-resource credentials for in-guest callbacks)

All types are designed to be:
  - Serializable (JSON for both the store and the API)
  - Versioned where concurrent writers exist (Resource.Version)
  - Validated (constants for enums, explicit state sets)

# Core Types

Catalog:
  - ServiceDefinition: Immutable-by-version template; image, sizing,
    recycle policy, session policy, connection port and protocol
  - RecyclePolicy: Recycle vs destroy on release, with a reuse cap

Capacity:
  - Pool: DesiredCount warm resources, MaxCount hard ceiling
  - Resource: One provisioned unit; State, Version, DefVersion,
    UseCount, LastAssignedAt drive reconciliation and scheduling

Sessions:
  - Assignment: Binds a user to a resource; Active() covers the
    assigned and releasing states
  - TunnelTicket: 48-character single-use grant with an expiry
  - ActorToken: Credential the in-guest agent presents on callbacks

Lifecycle:
  - Task: Durable record of a provision, deprovision, or recycle
    pipeline run; Steps mark progress so a restart resumes rather
    than re-executes

# Resource Lifecycle

Resources move through a fixed state machine:

	provisioning -> ready -> assigned -> releasing -> ready (recycle)
	                                              \-> destroying -> destroyed
	any state -> error (provider failure)

Every state transition is a conditional update keyed on the expected
state (and optionally Version), so concurrent actors never clobber
each other. See pkg/storage for the CAS primitive.

# Integration Points

This package is imported by every other Burrow package. It has no
dependencies outside the standard library.
*/
package types
