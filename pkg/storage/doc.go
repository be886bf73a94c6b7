/*
Package storage provides the persistent state store for Burrow.

The storage package wraps BoltDB (bbolt) to persist all broker state:
service definitions, pools, resources, assignments, tasks, tunnel tickets,
and actor tokens. Beyond plain CRUD it implements the conditional
primitives the rest of the system is built on: compare-and-swap resource
transitions, exclusive assignment creation, and exactly-once ticket
redemption, each evaluated inside a single write transaction.

# Architecture

	┌──────────────────── STORAGE LAYER ────────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────────┐         │
	│  │              BoltStore                    │         │
	│  │  - Single bbolt file, one writer          │         │
	│  │  - Bucket per record type                 │         │
	│  │  - JSON-encoded values                    │         │
	│  └──────────────────┬───────────────────────┘         │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐         │
	│  │        Conditional Primitives             │         │
	│  │  - CASResourceState: state+version guard  │         │
	│  │  - CreateAssignment: exclusivity checks   │         │
	│  │  - RedeemTicket: exactly-once redemption  │         │
	│  └──────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────┘

# Conditional Updates

CASResourceState takes a ResourceCAS describing the expected state (and
optionally the expected Version), the new state, and any field updates
that ride along (ProviderID, Endpoint, AgentReady, Error, UseCount
increment, LastAssignedAt touch). The whole evaluation happens inside one
bbolt Update transaction: read, compare, mutate, bump Version, write.
A mismatch returns errdefs.ErrConflict and leaves the record untouched.

This single primitive carries every resource state transition in the
system. The scheduler claims ready resources with it, the pipeline
advances lifecycle states with it, and the reconciler claims shrink
victims with it. Whoever loses the race gets ErrConflict and retries
against fresh state.

CreateAssignment enforces session exclusivity in the same transaction
that writes the assignment: no other active assignment may hold the
resource (unless the definition allows multi-session), and the user may
not already hold an active assignment for the same definition.

RedeemTicket marks a ticket used and returns its payload atomically, so
two concurrent redemptions can never both succeed.

# Replication

BoltStore is not consumed directly by business logic. All mutations flow
through pkg/manager, which routes them through the Raft log so every
node's store applies the same operations in the same order. The
conditional evaluation happens inside the FSM apply, which is exactly
what makes CAS correct under replication: the leader's compare and the
followers' compares see identical state.

# Integration Points

  - pkg/manager: owns the store, applies Raft log entries to it
  - pkg/types: record definitions
  - pkg/errdefs: ErrConflict, ErrNotFound, ticket refusals
*/
package storage
